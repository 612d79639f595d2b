// Package rules derives alert conditions from stored telemetry. Evaluation
// is pure: the same facts always produce the same alert set, which is what
// makes the diff-and-converge driver idempotent.
package rules

import (
	"time"

	"github.com/ivy-net/ivynet-backend/internal/versions"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

const (
	// PerformanceFloor is the eigen performance score below which a node is
	// flagged.
	PerformanceFloor = 80.0

	// HardwareUsagePercent flags cpu, memory or disk past this utilization.
	HardwareUsagePercent = 90.0

	// IdleAfter flags a machine that has run no nodes for this long.
	IdleAfter = 15 * time.Minute

	// TelemetryStaleAfter marks a node or machine unresponsive when its
	// newest telemetry is older than this. Heartbeats catch dead agents
	// faster; this catches agents that beat but stopped reporting.
	TelemetryStaleAfter = 15 * time.Minute
)

// NodeFacts is everything the node rules look at.
type NodeFacts struct {
	Node      models.Node
	Metrics   map[string]models.Metric
	Verdict   versions.Verdict
	ActiveSet []models.ActiveSetEntry
}

// EvaluateNode returns the node-scope alerts the facts warrant.
func EvaluateNode(f NodeFacts, now time.Time) []models.Alert {
	var out []models.Alert
	name := f.Node.Name

	if f.Node.Chain == "" {
		out = append(out, models.Alert{Kind: models.KindNoChainInfo, NodeName: name})
	}
	if f.Node.OperatorID == "" {
		out = append(out, models.Alert{Kind: models.KindNoOperatorID, NodeName: name})
	}

	if len(f.Metrics) == 0 {
		out = append(out, models.Alert{Kind: models.KindNoMetrics, NodeName: name})
	} else {
		if newestMetric(f.Metrics).Add(TelemetryStaleAfter).Before(now) {
			out = append(out, models.Alert{Kind: models.KindNodeNotResponding, NodeName: name})
		}
		if running, ok := f.Metrics[models.MetricRunning]; ok && running.Value == 0 {
			out = append(out, models.Alert{Kind: models.KindNodeNotRunning, NodeName: name})
		}
		if perf, ok := f.Metrics[models.MetricPerformance]; ok && perf.Value < PerformanceFloor {
			out = append(out, models.Alert{
				Kind:        models.KindLowPerformanceScore,
				NodeName:    name,
				Metric:      models.MetricPerformance,
				Performance: perf.Value,
			})
		}
	}

	out = append(out, evaluateActiveSet(f)...)
	out = append(out, evaluateVersion(f)...)
	return out
}

func newestMetric(metrics map[string]models.Metric) time.Time {
	var newest time.Time
	for _, m := range metrics {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	return newest
}

func evaluateActiveSet(f NodeFacts) []models.Alert {
	if f.Node.OperatorID == "" || len(f.ActiveSet) == 0 {
		return nil
	}

	anyActive := false
	for _, e := range f.ActiveSet {
		if e.Active {
			anyActive = true
			break
		}
	}
	if !anyActive {
		// The operator was in an active set once and every registration has
		// since flipped inactive.
		return []models.Alert{{
			Kind:     models.KindUnregisteredFromActiveSet,
			NodeName: f.Node.Name,
			Operator: f.Node.OperatorID,
		}}
	}

	// Registered on chain but nothing is actually running locally.
	running, hasRunning := f.Metrics[models.MetricRunning]
	if !hasRunning || running.Value == 0 {
		return []models.Alert{{
			Kind:     models.KindActiveSetNoDeployment,
			NodeName: f.Node.Name,
			Operator: f.Node.OperatorID,
		}}
	}
	return nil
}

func evaluateVersion(f NodeFacts) []models.Alert {
	kind := models.KindNeedsUpdate
	switch f.Verdict.Status {
	case models.UpdateStatusCritical:
		kind = models.KindNeedsImmediateUpdate
	case models.UpdateStatusOutdated:
	default:
		return nil
	}
	return []models.Alert{{
		Kind:               kind,
		NodeName:           f.Node.Name,
		CurrentVersion:     f.Verdict.Current.Version,
		CurrentDigest:      f.Verdict.Current.Digest,
		RecommendedVersion: f.Verdict.Recommended.Version,
		RecommendedDigest:  f.Verdict.Recommended.Digest,
	}}
}

// MachineInput is everything the machine rules look at. Facts is nil when
// the machine has never reported inventory.
type MachineInput struct {
	Machine models.Machine
	Facts   *models.MachineFacts
	Nodes   []models.Node
	// LastTelemetry is the newest telemetry timestamp across the machine and
	// its nodes, zero when nothing was ever reported.
	LastTelemetry time.Time
}

// EvaluateMachine returns the machine-scope alerts the input warrants.
func EvaluateMachine(in MachineInput, now time.Time) []models.Alert {
	var out []models.Alert

	if !in.LastTelemetry.IsZero() && in.LastTelemetry.Add(TelemetryStaleAfter).Before(now) {
		out = append(out, models.Alert{Kind: models.KindMachineNotResponding})
	}

	activeNodes := 0
	for _, n := range in.Nodes {
		if n.Active {
			activeNodes++
		}
	}
	if activeNodes == 0 && now.Sub(in.Machine.CreatedAt) > IdleAfter {
		out = append(out, models.Alert{Kind: models.KindIdleMachine})
	}

	if in.Facts != nil {
		out = append(out, evaluateHardware(*in.Facts)...)
	}
	return out
}

func evaluateHardware(f models.MachineFacts) []models.Alert {
	var out []models.Alert
	check := func(resource string, total, free float64) {
		if total <= 0 {
			return
		}
		used := (total - free) / total * 100
		if used >= HardwareUsagePercent {
			out = append(out, models.Alert{
				Kind:     models.KindHardwareResourceUsage,
				Resource: resource,
				Percent:  used,
			})
		}
	}
	// CPU arrives as a usage percentage already, no free/total split.
	if f.CPUUsagePercent >= HardwareUsagePercent {
		out = append(out, models.Alert{
			Kind:     models.KindHardwareResourceUsage,
			Resource: "cpu",
			Percent:  f.CPUUsagePercent,
		})
	}
	check("memory", f.MemoryTotalGB, f.MemoryFreeGB)
	check("disk", f.DiskTotalGB, f.DiskFreeGB)
	return out
}

// ruleOwnedKinds are the kinds this engine raises and resolves. Heartbeat,
// chain-event and custom alerts belong to other components and must survive
// a rule sweep untouched.
var ruleOwnedKinds = map[models.AlertKind]bool{
	models.KindActiveSetNoDeployment:     true,
	models.KindUnregisteredFromActiveSet: true,
	models.KindMachineNotResponding:      true,
	models.KindNodeNotResponding:         true,
	models.KindNodeNotRunning:            true,
	models.KindNoChainInfo:               true,
	models.KindNoMetrics:                 true,
	models.KindNoOperatorID:              true,
	models.KindHardwareResourceUsage:     true,
	models.KindLowPerformanceScore:       true,
	models.KindNeedsUpdate:               true,
	models.KindNeedsImmediateUpdate:      true,
	models.KindIdleMachine:               true,
}

// OwnedKind reports whether the rule engine is authoritative for the kind.
func OwnedKind(kind models.AlertKind) bool {
	return ruleOwnedKinds[kind]
}
