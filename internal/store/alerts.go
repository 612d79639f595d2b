package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// ErrSendStateTransition is returned when a send-state write would violate
// the channel state machine.
var ErrSendStateTransition = errors.New("illegal send state transition")

type alertTables struct {
	active     string
	historical string
	hasMachine bool
	hasNode    bool
}

func tablesFor(scope models.AlertScope) alertTables {
	switch scope {
	case models.ScopeOrganization:
		return alertTables{active: "organization_alerts_active", historical: "organization_alerts_historical"}
	case models.ScopeMachine:
		return alertTables{active: "machine_alerts_active", historical: "machine_alerts_historical", hasMachine: true}
	default:
		return alertTables{active: "node_alerts_active", historical: "node_alerts_historical", hasMachine: true, hasNode: true}
	}
}

// selectColumns normalizes the three table shapes onto one scan layout.
func (t alertTables) selectColumns() string {
	machineCol := "NULL::uuid"
	if t.hasMachine {
		machineCol = "machine_id"
	}
	nodeCol := "''"
	if t.hasNode {
		nodeCol = "node_name"
	}
	return fmt.Sprintf(`alert_id, organization_id, %s, %s, alert_data,
		created_at, acknowledged_at, email_send, telegram_send, pagerduty_send`, machineCol, nodeCol)
}

func scanActiveAlert(row interface {
	Scan(dest ...interface{}) error
}) (models.ActiveAlert, error) {
	var a models.ActiveAlert
	var machineID uuid.NullUUID
	var acked sql.NullTime
	var data []byte
	var email, telegram, pagerduty string
	if err := row.Scan(
		&a.AlertID, &a.OrganizationID, &machineID, &a.NodeName, &data,
		&a.CreatedAt, &acked, &email, &telegram, &pagerduty,
	); err != nil {
		return models.ActiveAlert{}, err
	}
	if machineID.Valid {
		a.MachineID = machineID.UUID
	}
	if acked.Valid {
		t := acked.Time
		a.AcknowledgedAt = &t
	}
	a.EmailSend = models.SendState(email)
	a.TelegramSend = models.SendState(telegram)
	a.PagerDutySend = models.SendState(pagerduty)
	if err := json.Unmarshal(data, &a.Alert); err != nil {
		return models.ActiveAlert{}, fmt.Errorf("decode alert data: %w", err)
	}
	return a, nil
}

// InsertActiveAlert activates an alert. The deterministic fingerprint id plus
// ON CONFLICT DO NOTHING makes activation idempotent; it reports whether the
// alert is newly active.
func (s *Store) InsertActiveAlert(ctx context.Context, a models.ActiveAlert) (bool, error) {
	data, err := json.Marshal(a.Alert)
	if err != nil {
		return false, fmt.Errorf("encode alert data: %w", err)
	}

	t := tablesFor(a.Alert.Kind.Scope())
	var res sql.Result
	switch {
	case t.hasNode:
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (alert_id, organization_id, machine_id, node_name, alert_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (alert_id) DO NOTHING
		`, t.active), a.AlertID, a.OrganizationID, a.MachineID, a.NodeName, data, a.CreatedAt)
	case t.hasMachine:
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (alert_id, organization_id, machine_id, alert_data, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (alert_id) DO NOTHING
		`, t.active), a.AlertID, a.OrganizationID, a.MachineID, data, a.CreatedAt)
	default:
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (alert_id, organization_id, alert_data, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (alert_id) DO NOTHING
		`, t.active), a.AlertID, a.OrganizationID, data, a.CreatedAt)
	}
	if err != nil {
		return false, fmt.Errorf("insert active alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert active alert: %w", err)
	}
	return n > 0, nil
}

// GetActiveAlert fetches one active alert by id within a scope.
func (s *Store) GetActiveAlert(ctx context.Context, scope models.AlertScope, alertID uuid.UUID) (models.ActiveAlert, error) {
	t := tablesFor(scope)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE alert_id = $1
	`, t.selectColumns(), t.active), alertID)
	a, err := scanActiveAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ActiveAlert{}, ErrNotFound
	}
	if err != nil {
		return models.ActiveAlert{}, fmt.Errorf("get active alert: %w", err)
	}
	return a, nil
}

func (s *Store) queryActiveAlerts(ctx context.Context, scope models.AlertScope, where string, args ...interface{}) ([]models.ActiveAlert, error) {
	t := tablesFor(scope)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE %s ORDER BY created_at
	`, t.selectColumns(), t.active, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.ActiveAlert
	for rows.Next() {
		a, err := scanActiveAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ListActiveAlerts returns every active alert for an organization across all
// three scopes.
func (s *Store) ListActiveAlerts(ctx context.Context, organizationID int64) ([]models.ActiveAlert, error) {
	var all []models.ActiveAlert
	for _, scope := range []models.AlertScope{models.ScopeOrganization, models.ScopeMachine, models.ScopeNode} {
		alerts, err := s.queryActiveAlerts(ctx, scope, "organization_id = $1", organizationID)
		if err != nil {
			return nil, err
		}
		all = append(all, alerts...)
	}
	return all, nil
}

// ListNodeAlerts returns the active node-scope alerts for one node.
func (s *Store) ListNodeAlerts(ctx context.Context, machineID uuid.UUID, nodeName string) ([]models.ActiveAlert, error) {
	return s.queryActiveAlerts(ctx, models.ScopeNode, "machine_id = $1 AND node_name = $2", machineID, nodeName)
}

// ListMachineAlerts returns the active machine-scope alerts for one machine.
func (s *Store) ListMachineAlerts(ctx context.Context, machineID uuid.UUID) ([]models.ActiveAlert, error) {
	return s.queryActiveAlerts(ctx, models.ScopeMachine, "machine_id = $1", machineID)
}

// ListOrganizationAlerts returns the active organization-scope alerts for one
// tenant.
func (s *Store) ListOrganizationAlerts(ctx context.Context, organizationID int64) ([]models.ActiveAlert, error) {
	return s.queryActiveAlerts(ctx, models.ScopeOrganization, "organization_id = $1", organizationID)
}

// ListUnsentAlerts returns active alerts with at least one channel still
// pending delivery. The dispatcher drains this set.
func (s *Store) ListUnsentAlerts(ctx context.Context) ([]models.ActiveAlert, error) {
	var all []models.ActiveAlert
	for _, scope := range []models.AlertScope{models.ScopeOrganization, models.ScopeMachine, models.ScopeNode} {
		alerts, err := s.queryActiveAlerts(ctx, scope,
			"(email_send != 'send_success' OR telegram_send != 'send_success' OR pagerduty_send != 'send_success')")
		if err != nil {
			return nil, err
		}
		all = append(all, alerts...)
	}
	return all, nil
}

// AcknowledgeAlert marks an active alert acknowledged at the given time.
// Acknowledging twice is a no-op that keeps the original timestamp.
func (s *Store) AcknowledgeAlert(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, ackedAt time.Time) error {
	t := tablesFor(scope)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET acknowledged_at = $2
		WHERE alert_id = $1 AND acknowledged_at IS NULL
	`, t.active), alertID, ackedAt.UTC())
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already acknowledged; only the former is an error.
		if _, err := s.GetActiveAlert(ctx, scope, alertID); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAlert moves an active alert into its historical table in one
// statement, so the alert is never visible in both or neither.
func (s *Store) ResolveAlert(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, resolvedAt time.Time) error {
	t := tablesFor(scope)

	var insert string
	switch {
	case t.hasNode:
		insert = fmt.Sprintf(`
			INSERT INTO %s (alert_id, organization_id, machine_id, node_name, alert_data,
				created_at, acknowledged_at, email_send, telegram_send, pagerduty_send, resolved_at)
			SELECT alert_id, organization_id, machine_id, node_name, alert_data,
				created_at, acknowledged_at, email_send, telegram_send, pagerduty_send, $2
			FROM moved`, t.historical)
	case t.hasMachine:
		insert = fmt.Sprintf(`
			INSERT INTO %s (alert_id, organization_id, machine_id, alert_data,
				created_at, acknowledged_at, email_send, telegram_send, pagerduty_send, resolved_at)
			SELECT alert_id, organization_id, machine_id, alert_data,
				created_at, acknowledged_at, email_send, telegram_send, pagerduty_send, $2
			FROM moved`, t.historical)
	default:
		insert = fmt.Sprintf(`
			INSERT INTO %s (alert_id, organization_id, alert_data,
				created_at, acknowledged_at, email_send, telegram_send, pagerduty_send, resolved_at)
			SELECT alert_id, organization_id, alert_data,
				created_at, acknowledged_at, email_send, telegram_send, pagerduty_send, $2
			FROM moved`, t.historical)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %s WHERE alert_id = $1 RETURNING *
		)
		%s
	`, t.active, insert), alertID, resolvedAt.UTC())
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func sendColumn(service models.ServiceType) (string, error) {
	switch service {
	case models.ServiceEmail:
		return "email_send", nil
	case models.ServiceTelegram:
		return "telegram_send", nil
	case models.ServicePagerDuty:
		return "pagerduty_send", nil
	}
	return "", fmt.Errorf("unknown service type %q", service)
}

// SetSendState records a delivery outcome. The transition guard lives in the
// WHERE clause so concurrent dispatchers cannot downgrade send_success.
func (s *Store) SetSendState(ctx context.Context, scope models.AlertScope, alertID uuid.UUID, service models.ServiceType, state models.SendState) error {
	col, err := sendColumn(service)
	if err != nil {
		return err
	}
	t := tablesFor(scope)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET %s = $2
		WHERE alert_id = $1
			AND (%s = 'no_send' OR (%s = 'send_failed' AND $2 = 'send_success'))
	`, t.active, col, col, col), alertID, state)
	if err != nil {
		return fmt.Errorf("set send state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set send state: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetActiveAlert(ctx, scope, alertID); getErr != nil {
			return getErr
		}
		return ErrSendStateTransition
	}
	return nil
}

// ListHistoricalAlerts returns resolved alerts for an organization, newest
// first.
func (s *Store) ListHistoricalAlerts(ctx context.Context, scope models.AlertScope, organizationID int64, limit int) ([]models.HistoricalAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	t := tablesFor(scope)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, resolved_at FROM %s
		WHERE organization_id = $1
		ORDER BY resolved_at DESC
		LIMIT $2
	`, t.selectColumns(), t.historical), organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list historical alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.HistoricalAlert
	for rows.Next() {
		var h models.HistoricalAlert
		var machineID uuid.NullUUID
		var acked sql.NullTime
		var data []byte
		var email, telegram, pagerduty string
		if err := rows.Scan(
			&h.AlertID, &h.OrganizationID, &machineID, &h.NodeName, &data,
			&h.CreatedAt, &acked, &email, &telegram, &pagerduty, &h.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan historical alert: %w", err)
		}
		if machineID.Valid {
			h.MachineID = machineID.UUID
		}
		if acked.Valid {
			t := acked.Time
			h.AcknowledgedAt = &t
		}
		h.EmailSend = models.SendState(email)
		h.TelegramSend = models.SendState(telegram)
		h.PagerDutySend = models.SendState(pagerduty)
		if err := json.Unmarshal(data, &h.Alert); err != nil {
			return nil, fmt.Errorf("decode alert data: %w", err)
		}
		alerts = append(alerts, h)
	}
	return alerts, rows.Err()
}
