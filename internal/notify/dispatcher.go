// Package notify fans alert notifications out to the configured channels.
// Channels are independent: one provider being down neither blocks the
// others nor the alert state machine.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// RetryInterval is the cadence of the background pass that re-attempts
// alerts with failed or never-attempted channels.
const RetryInterval = time.Minute

// attemptTimeout bounds a single delivery attempt to one destination.
const attemptTimeout = 10 * time.Second

// Store reads notification configuration and the unsent backlog.
type Store interface {
	GetNotificationSettings(ctx context.Context, organizationID int64) (models.NotificationSettings, error)
	ListServiceSettings(ctx context.Context, organizationID int64, service models.ServiceType) ([]models.ServiceSettings, error)
	ListUnsentAlerts(ctx context.Context) ([]models.ActiveAlert, error)
}

// SendRecorder persists per-channel delivery outcomes. The alert manager
// implements it.
type SendRecorder interface {
	RecordSendResult(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, service models.ServiceType, ok bool) error
}

type Dispatcher struct {
	store    Store
	recorder SendRecorder
	renderer *Renderer
	channels map[models.ServiceType]Channel
	retry    retrypolicy.RetryPolicy[any]
	logger   *logrus.Logger
}

func NewDispatcher(store Store, recorder SendRecorder, renderer *Renderer, logger *logrus.Logger, channels ...Channel) *Dispatcher {
	byService := make(map[models.ServiceType]Channel, len(channels))
	for _, ch := range channels {
		byService[ch.Service()] = ch
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithJitterFactor(0.1).
		WithMaxRetries(2).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, errPermanent)
		}).
		Build()

	return &Dispatcher{
		store:    store,
		recorder: recorder,
		renderer: renderer,
		channels: byService,
		retry:    retry,
		logger:   logger,
	}
}

// Notify delivers a freshly activated alert on every enabled channel.
// Satisfies the alert manager's notifier hook.
func (d *Dispatcher) Notify(ctx context.Context, alert models.ActiveAlert) {
	d.dispatch(ctx, alert)
}

// Run re-attempts the unsent backlog on a fixed cadence until the context
// ends. This is what recovers send_failed channels.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RetryPending(ctx)
		}
	}
}

// RetryPending makes one pass over alerts with channels still short of
// send_success.
func (d *Dispatcher) RetryPending(ctx context.Context) {
	alerts, err := d.store.ListUnsentAlerts(ctx)
	if err != nil {
		d.logger.WithError(err).Error("Failed to list unsent alerts")
		return
	}
	for _, alert := range alerts {
		d.dispatch(ctx, alert)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, alert models.ActiveAlert) {
	settings, err := d.store.GetNotificationSettings(ctx, alert.OrganizationID)
	if err != nil {
		d.logger.WithError(err).WithField("organization_id", alert.OrganizationID).
			Error("Failed to load notification settings")
		return
	}

	// alert_flags filters delivery only. A disabled kind still lives in the
	// active tables; it is just never sent anywhere.
	if !settings.AlertFlags.Enabled(alert.Alert.Kind) {
		return
	}

	msg := d.renderer.Render(alert)
	scope := alert.Alert.Kind.Scope()

	for _, service := range models.AllServiceTypes() {
		if !settings.ChannelEnabled(service) {
			continue
		}
		// send_success is terminal; only untried and failed channels go out.
		if alert.SendStateFor(service) == models.SendStateSuccess {
			continue
		}
		channel, ok := d.channels[service]
		if !ok {
			continue
		}

		destinations, err := d.store.ListServiceSettings(ctx, alert.OrganizationID, service)
		if err != nil {
			d.logger.WithError(err).WithField("service", service).Error("Failed to load destinations")
			continue
		}
		if len(destinations) == 0 {
			continue
		}

		ok = d.deliverAll(ctx, channel, destinations, alert, msg)
		if err := d.recorder.RecordSendResult(ctx, scope, alert.AlertID, service, ok); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"alert_id": alert.AlertID,
				"service":  service,
			}).Warn("Failed to record send result")
		}
	}
}

// deliverAll sends to every destination of one channel; the channel counts
// as delivered only when all destinations succeeded.
func (d *Dispatcher) deliverAll(ctx context.Context, channel Channel, destinations []models.ServiceSettings, alert models.ActiveAlert, msg Rendered) bool {
	allOK := true
	for _, dest := range destinations {
		err := failsafe.With(d.retry).WithContext(ctx).Run(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			return channel.Deliver(attemptCtx, dest.SettingsValue, alert, msg)
		})
		if err != nil {
			allOK = false
			d.logger.WithError(err).WithFields(logrus.Fields{
				"alert_id": alert.AlertID,
				"service":  channel.Service(),
			}).Warn("Notification delivery failed")
		}
	}
	return allOK
}
