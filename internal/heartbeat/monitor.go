// Package heartbeat tracks liveness for clients, machines and nodes and
// drives the three NoHeartbeat alert kinds. Watermarks are monotone, so
// replayed or delayed beats never mark a live entity dead.
package heartbeat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// Staleness thresholds per tier. Clients beat less often than machines and
// nodes, so they get a wider window.
const (
	ClientThreshold  = 300 * time.Second
	MachineThreshold = 180 * time.Second
	NodeThreshold    = 180 * time.Second

	// ReapInterval bounds how long a missed-heartbeat alert can lag the
	// threshold being crossed.
	ReapInterval = 30 * time.Second
)

// Store persists watermarks and resolves entities to their tenants.
type Store interface {
	ObserveHeartbeat(ctx context.Context, tier models.HeartbeatTier, key string, at time.Time) error
	ListHeartbeats(ctx context.Context, tier models.HeartbeatTier) ([]models.Heartbeat, error)
	ClientOrganization(ctx context.Context, clientID string) (int64, error)
	MachineOrganization(ctx context.Context, machineID uuid.UUID) (int64, error)
}

// Alerter raises and clears heartbeat alerts. The alert manager satisfies it.
type Alerter interface {
	Activate(ctx context.Context, organizationID int64, machineID uuid.UUID, alert models.Alert) (bool, error)
	ResolveCondition(ctx context.Context, organizationID int64, machineID uuid.UUID, alert models.Alert) error
}

type Monitor struct {
	store   Store
	alerter Alerter
	logger  *logrus.Logger
	now     func() time.Time

	// reapMu makes sweeps single-flight: a slow sweep must not be doubled by
	// the next tick.
	reapMu sync.Mutex
}

func NewMonitor(store Store, alerter Alerter, logger *logrus.Logger) *Monitor {
	return &Monitor{
		store:   store,
		alerter: alerter,
		logger:  logger,
		now:     time.Now,
	}
}

// ObserveClient records a client agent beat.
func (m *Monitor) ObserveClient(ctx context.Context, clientID string, at time.Time) error {
	return m.store.ObserveHeartbeat(ctx, models.TierClient, clientID, at)
}

// ObserveMachine records a machine beat.
func (m *Monitor) ObserveMachine(ctx context.Context, machineID uuid.UUID, at time.Time) error {
	return m.store.ObserveHeartbeat(ctx, models.TierMachine, machineID.String(), at)
}

// ObserveNode records a node beat.
func (m *Monitor) ObserveNode(ctx context.Context, machineID uuid.UUID, nodeName string, at time.Time) error {
	return m.store.ObserveHeartbeat(ctx, models.TierNode, models.NodeKey(machineID, nodeName), at)
}

// Run sweeps on a fixed cadence until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Reap walks all watermarks once, raising alerts for entities past their
// threshold and resolving alerts for entities that came back. If a sweep is
// already in progress the call returns immediately.
func (m *Monitor) Reap(ctx context.Context) {
	if !m.reapMu.TryLock() {
		return
	}
	defer m.reapMu.Unlock()

	now := m.now()
	m.reapTier(ctx, models.TierClient, ClientThreshold, now)
	m.reapTier(ctx, models.TierMachine, MachineThreshold, now)
	m.reapTier(ctx, models.TierNode, NodeThreshold, now)
}

func (m *Monitor) reapTier(ctx context.Context, tier models.HeartbeatTier, threshold time.Duration, now time.Time) {
	beats, err := m.store.ListHeartbeats(ctx, tier)
	if err != nil {
		m.logger.WithError(err).WithField("tier", tier).Error("Failed to list heartbeats")
		return
	}

	for _, hb := range beats {
		stale := now.Sub(hb.LastSeen) > threshold
		orgID, machineID, alert, err := m.conditionFor(ctx, tier, hb.Key)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"tier": tier,
				"key":  hb.Key,
			}).Warn("Skipping heartbeat with unresolvable owner")
			continue
		}

		if stale {
			if _, err := m.alerter.Activate(ctx, orgID, machineID, alert); err != nil {
				m.logger.WithError(err).WithField("key", hb.Key).Error("Failed to raise heartbeat alert")
			}
		} else {
			if err := m.alerter.ResolveCondition(ctx, orgID, machineID, alert); err != nil {
				m.logger.WithError(err).WithField("key", hb.Key).Error("Failed to resolve heartbeat alert")
			}
		}
	}
}

// conditionFor maps a watermark to its tenant and alert condition.
func (m *Monitor) conditionFor(ctx context.Context, tier models.HeartbeatTier, key string) (int64, uuid.UUID, models.Alert, error) {
	switch tier {
	case models.TierClient:
		orgID, err := m.store.ClientOrganization(ctx, key)
		if err != nil {
			return 0, uuid.Nil, models.Alert{}, err
		}
		// Client alerts are organization scoped; the client address doubles
		// as the condition identity.
		return orgID, uuid.Nil, models.Alert{Kind: models.KindNoClientHeartbeat, NodeName: key}, nil

	case models.TierMachine:
		machineID, err := uuid.Parse(key)
		if err != nil {
			return 0, uuid.Nil, models.Alert{}, err
		}
		orgID, err := m.store.MachineOrganization(ctx, machineID)
		if err != nil {
			return 0, uuid.Nil, models.Alert{}, err
		}
		return orgID, machineID, models.Alert{Kind: models.KindNoMachineHeartbeat}, nil

	default:
		machineStr, nodeName, _ := strings.Cut(key, ":")
		machineID, err := uuid.Parse(machineStr)
		if err != nil {
			return 0, uuid.Nil, models.Alert{}, err
		}
		orgID, err := m.store.MachineOrganization(ctx, machineID)
		if err != nil {
			return 0, uuid.Nil, models.Alert{}, err
		}
		return orgID, machineID, models.Alert{Kind: models.KindNoNodeHeartbeat, NodeName: nodeName}, nil
	}
}
