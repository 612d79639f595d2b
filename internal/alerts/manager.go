// Package alerts owns the alert lifecycle: activation, acknowledgement,
// resolution, and the per-channel send states. Alert identity is the
// deterministic fingerprint id, so re-observing a live condition is a no-op.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/pkg/kafka"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// Store is the persistence surface the manager drives.
type Store interface {
	InsertActiveAlert(ctx context.Context, a models.ActiveAlert) (bool, error)
	GetActiveAlert(ctx context.Context, scope models.AlertScope, alertID uuid.UUID) (models.ActiveAlert, error)
	AcknowledgeAlert(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, ackedAt time.Time) error
	ResolveAlert(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, resolvedAt time.Time) error
	SetSendState(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, service models.ServiceType, state models.SendState) error
}

// Notifier is told about newly activated alerts. The dispatcher implements
// it; a nil notifier disables delivery.
type Notifier interface {
	Notify(ctx context.Context, alert models.ActiveAlert)
}

type Manager struct {
	store     Store
	publisher *kafka.AlertPublisher
	notifier  Notifier
	logger    *logrus.Logger
	now       func() time.Time
}

func NewManager(store Store, publisher *kafka.AlertPublisher, logger *logrus.Logger) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNotifier wires the dispatcher in after construction; the dispatcher
// needs the manager for send-state writes, so the two are linked post-hoc.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Activate raises an alert for an organization. Every firing condition is
// recorded regardless of the organization's notification preferences; the
// alert_flags bitset only filters delivery, inside the dispatcher. A
// condition that is already active is a no-op. It reports whether a new
// alert was created.
func (m *Manager) Activate(ctx context.Context, organizationID int64, machineID uuid.UUID, alert models.Alert) (bool, error) {
	active := models.NewActiveAlert(organizationID, machineID, alert, m.now())
	inserted, err := m.store.InsertActiveAlert(ctx, active)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	m.logger.WithFields(logrus.Fields{
		"alert_id":        active.AlertID,
		"kind":            alert.Kind.String(),
		"organization_id": organizationID,
		"machine_id":      machineID,
		"node_name":       alert.NodeName,
	}).Info("Alert activated")

	m.publisher.Publish(ctx, kafka.AlertEvent{
		AlertID:        active.AlertID,
		Action:         kafka.AlertActionActivated,
		Kind:           alert.Kind.String(),
		OrganizationID: organizationID,
		MachineID:      machineID.String(),
		NodeName:       alert.NodeName,
		Timestamp:      active.CreatedAt,
	})

	if m.notifier != nil {
		m.notifier.Notify(ctx, active)
	}
	return true, nil
}

// ResolveCondition resolves the alert a condition would fingerprint to, if it
// is active. Resolving a condition that never fired is a no-op.
func (m *Manager) ResolveCondition(ctx context.Context, organizationID int64, machineID uuid.UUID, alert models.Alert) error {
	alertID := alert.FingerprintID(machineID, alert.NodeName)
	return m.Resolve(ctx, alert.Kind.Scope(), alertID, organizationID)
}

// Resolve moves an active alert to history and publishes the lifecycle
// event. A missing alert is not an error; rule sweeps resolve blindly.
func (m *Manager) Resolve(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, organizationID int64) error {
	active, err := m.store.GetActiveAlert(ctx, scope, alertID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if err := m.store.ResolveAlert(ctx, scope, alertID, m.now()); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"alert_id":        alertID,
		"kind":            active.Alert.Kind.String(),
		"organization_id": organizationID,
	}).Info("Alert resolved")

	m.publisher.Publish(ctx, kafka.AlertEvent{
		AlertID:        alertID,
		Action:         kafka.AlertActionResolved,
		Kind:           active.Alert.Kind.String(),
		OrganizationID: organizationID,
		MachineID:      active.MachineID.String(),
		NodeName:       active.NodeName,
		Timestamp:      m.now().UTC(),
	})
	return nil
}

// Acknowledge marks an alert as seen by a human. The alert stays active.
func (m *Manager) Acknowledge(ctx context.Context, scope models.AlertScope, alertID uuid.UUID) error {
	return m.store.AcknowledgeAlert(ctx, scope, alertID, m.now())
}

// RecordSendResult persists a delivery outcome for one channel.
func (m *Manager) RecordSendResult(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, service models.ServiceType, ok bool) error {
	state := models.SendStateSuccess
	if !ok {
		state = models.SendStateFailed
	}
	return m.store.SetSendState(ctx, scope, alertID, service, state)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
