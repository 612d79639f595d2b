package rules

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/internal/versions"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// DebounceWindow coalesces evaluation requests for a machine. A burst of
// telemetry writes triggers one evaluation, not one per write.
const DebounceWindow = time.Second

// SweepInterval is the cadence of the full-fleet pass that catches purely
// time-driven transitions (staleness, idleness, breaking-change deadlines).
const SweepInterval = time.Minute

// Store is the read surface the driver evaluates from.
type Store interface {
	GetMachine(ctx context.Context, machineID uuid.UUID) (models.Machine, error)
	MachineOrganization(ctx context.Context, machineID uuid.UUID) (int64, error)
	GetMachineFacts(ctx context.Context, machineID uuid.UUID) (models.MachineFacts, error)
	ListNodesByMachine(ctx context.Context, machineID uuid.UUID) ([]models.Node, error)
	GetMetrics(ctx context.Context, machineID uuid.UUID, nodeName string) (map[string]models.Metric, error)
	ListActiveSetByOperator(ctx context.Context, operatorAddress, chain string) ([]models.ActiveSetEntry, error)
	ListNodeAlerts(ctx context.Context, machineID uuid.UUID, nodeName string) ([]models.ActiveAlert, error)
	ListMachineAlerts(ctx context.Context, machineID uuid.UUID) ([]models.ActiveAlert, error)
	ListMachineIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Alerter applies the computed diff. The alert manager satisfies it.
type Alerter interface {
	Activate(ctx context.Context, organizationID int64, machineID uuid.UUID, alert models.Alert) (bool, error)
	Resolve(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, organizationID int64) error
}

// Checker resolves version verdicts. The version matcher satisfies it.
type Checker interface {
	Check(ctx context.Context, node models.Node) (versions.Verdict, error)
}

// Driver turns telemetry changes into alert transitions. Ingest handlers
// Touch machines; the driver debounces, evaluates the machine's desired
// alert set, and diffs it against what is active. A failed machine never
// stops the sweep from reaching the rest of the fleet.
type Driver struct {
	store   Store
	alerter Alerter
	checker Checker
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	wake    chan struct{}
}

func NewDriver(st Store, alerter Alerter, checker Checker, logger *logrus.Logger) *Driver {
	return &Driver{
		store:   st,
		alerter: alerter,
		checker: checker,
		logger:  logger,
		now:     time.Now,
		pending: make(map[uuid.UUID]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Touch schedules an evaluation for the machine. Safe from any goroutine;
// duplicate touches within the debounce window collapse.
func (d *Driver) Touch(machineID uuid.UUID) {
	d.mu.Lock()
	d.pending[machineID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes touches and the periodic sweep until the context ends.
func (d *Driver) Run(ctx context.Context) {
	sweep := time.NewTicker(SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			// Let the burst finish before draining.
			select {
			case <-ctx.Done():
				return
			case <-time.After(DebounceWindow):
			}
			d.drain(ctx)
		case <-sweep.C:
			d.Sweep(ctx)
		}
	}
}

func (d *Driver) drain(ctx context.Context) {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[uuid.UUID]struct{})
	d.mu.Unlock()

	for machineID := range batch {
		if err := d.EvaluateMachine(ctx, machineID); err != nil {
			d.logger.WithError(err).WithField("machine_id", machineID).Error("Rule evaluation failed")
		}
	}
}

// Sweep evaluates the whole fleet once.
func (d *Driver) Sweep(ctx context.Context) {
	ids, err := d.store.ListMachineIDs(ctx)
	if err != nil {
		d.logger.WithError(err).Error("Failed to list machines for sweep")
		return
	}
	for _, machineID := range ids {
		if err := d.EvaluateMachine(ctx, machineID); err != nil {
			d.logger.WithError(err).WithField("machine_id", machineID).Error("Rule evaluation failed")
		}
	}
}

// EvaluateMachine computes the desired rule-owned alert set for one machine
// and its nodes, then converges the active set onto it.
func (d *Driver) EvaluateMachine(ctx context.Context, machineID uuid.UUID) error {
	machine, err := d.store.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	orgID, err := d.store.MachineOrganization(ctx, machineID)
	if err != nil {
		return err
	}
	nodes, err := d.store.ListNodesByMachine(ctx, machineID)
	if err != nil {
		return err
	}

	now := d.now()
	var desired []models.Alert
	var lastTelemetry time.Time

	for _, node := range nodes {
		metrics, err := d.store.GetMetrics(ctx, machineID, node.Name)
		if err != nil {
			return err
		}
		if newest := newestMetric(metrics); newest.After(lastTelemetry) {
			lastTelemetry = newest
		}

		verdict, err := d.checker.Check(ctx, node)
		if err != nil {
			d.logger.WithError(err).WithField("node", node.Name).Warn("Version check failed, skipping update rules")
			verdict = versions.Verdict{Status: models.UpdateStatusUnknown}
		}

		var activeSet []models.ActiveSetEntry
		if node.OperatorID != "" && node.Chain != "" {
			activeSet, err = d.store.ListActiveSetByOperator(ctx, node.OperatorID, node.Chain)
			if err != nil {
				return err
			}
		}

		desired = append(desired, EvaluateNode(NodeFacts{
			Node:      node,
			Metrics:   metrics,
			Verdict:   verdict,
			ActiveSet: activeSet,
		}, now)...)
	}

	var factsPtr *models.MachineFacts
	facts, err := d.store.GetMachineFacts(ctx, machineID)
	switch {
	case err == nil:
		factsPtr = &facts
		if facts.UpdatedAt.After(lastTelemetry) {
			lastTelemetry = facts.UpdatedAt
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	desired = append(desired, EvaluateMachine(MachineInput{
		Machine:       machine,
		Facts:         factsPtr,
		Nodes:         nodes,
		LastTelemetry: lastTelemetry,
	}, now)...)

	return d.converge(ctx, orgID, machineID, nodes, desired)
}

// converge diffs desired against active and applies both directions.
func (d *Driver) converge(ctx context.Context, orgID int64, machineID uuid.UUID, nodes []models.Node, desired []models.Alert) error {
	desiredIDs := make(map[uuid.UUID]models.Alert, len(desired))
	for _, alert := range desired {
		desiredIDs[alert.FingerprintID(machineID, alert.NodeName)] = alert
	}

	// Gather the currently active rule-owned alerts for this machine.
	current, err := d.store.ListMachineAlerts(ctx, machineID)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		nodeAlerts, err := d.store.ListNodeAlerts(ctx, machineID, node.Name)
		if err != nil {
			return err
		}
		current = append(current, nodeAlerts...)
	}

	for _, active := range current {
		if !OwnedKind(active.Alert.Kind) {
			continue
		}
		if _, still := desiredIDs[active.AlertID]; still {
			continue
		}
		if err := d.alerter.Resolve(ctx, active.Alert.Kind.Scope(), active.AlertID, orgID); err != nil {
			d.logger.WithError(err).WithField("alert_id", active.AlertID).Error("Failed to resolve alert")
		}
	}

	for _, alert := range desiredIDs {
		if _, err := d.alerter.Activate(ctx, orgID, machineID, alert); err != nil {
			d.logger.WithError(err).WithField("kind", alert.Kind.String()).Error("Failed to activate alert")
		}
	}
	return nil
}
