package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/internal/signature"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestObserveHeartbeatIsMonotone(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// The upsert must take the greater of the stored and incoming watermark.
	mock.ExpectExec(regexp.QuoteMeta("GREATEST(heartbeat.last_seen, EXCLUDED.last_seen)")).
		WithArgs(models.TierNode, "m1:node-a", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ObserveHeartbeat(context.Background(), models.TierNode, "m1:node-a", at); err != nil {
		t.Fatalf("ObserveHeartbeat: %v", err)
	}
	expectations(t, mock)
}

func TestMachineOwnerUnknown(t *testing.T) {
	s, mock := newMockStore(t)
	machineID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT client_id FROM machine")).
		WithArgs(machineID).
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}))

	_, err := s.MachineOwner(context.Background(), machineID)
	if !errors.Is(err, signature.ErrUnknownMachine) {
		t.Errorf("err = %v, want ErrUnknownMachine", err)
	}
	expectations(t, mock)
}

func TestApplyActiveSetEventGuard(t *testing.T) {
	s, mock := newMockStore(t)
	ev := models.ActiveSetEvent{
		AvsAddress:      "0xavs",
		OperatorAddress: "0xoperator",
		Chain:           "mainnet",
		Active:          true,
		BlockNumber:     100,
		LogIndex:        3,
	}

	t.Run("applied", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("< (EXCLUDED.block_number, EXCLUDED.log_index)")).
			WithArgs(ev.AvsAddress, ev.OperatorAddress, ev.Chain, ev.Active, int64(100), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		applied, err := s.ApplyActiveSetEvent(context.Background(), ev)
		if err != nil {
			t.Fatalf("ApplyActiveSetEvent: %v", err)
		}
		if !applied {
			t.Error("expected event to apply")
		}
	})

	t.Run("stale event ignored", func(t *testing.T) {
		// The conditioned upsert touches no rows for an older event.
		mock.ExpectExec(regexp.QuoteMeta("< (EXCLUDED.block_number, EXCLUDED.log_index)")).
			WithArgs(ev.AvsAddress, ev.OperatorAddress, ev.Chain, ev.Active, int64(100), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		applied, err := s.ApplyActiveSetEvent(context.Background(), ev)
		if err != nil {
			t.Fatalf("ApplyActiveSetEvent: %v", err)
		}
		if applied {
			t.Error("stale event should not apply")
		}
	})
	expectations(t, mock)
}

func TestInsertActiveAlertIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	machineID := uuid.New()
	alert := models.Alert{Kind: models.KindNoMetrics, NodeName: "node-a"}
	active := models.NewActiveAlert(7, machineID, alert, time.Now())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO node_alerts_active")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO node_alerts_active")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.InsertActiveAlert(context.Background(), active)
	if err != nil {
		t.Fatalf("InsertActiveAlert: %v", err)
	}
	if !inserted {
		t.Error("first activation should insert")
	}

	inserted, err = s.InsertActiveAlert(context.Background(), active)
	if err != nil {
		t.Fatalf("InsertActiveAlert: %v", err)
	}
	if inserted {
		t.Error("re-activation should be a no-op")
	}
	expectations(t, mock)
}

func TestInsertActiveAlertScopeRouting(t *testing.T) {
	s, mock := newMockStore(t)
	machineID := uuid.New()
	now := time.Now()

	tests := []struct {
		kind  models.AlertKind
		table string
	}{
		{models.KindNoClientHeartbeat, "organization_alerts_active"},
		{models.KindHardwareResourceUsage, "machine_alerts_active"},
		{models.KindNodeNotRunning, "node_alerts_active"},
	}
	for _, tt := range tests {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO " + tt.table)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		active := models.NewActiveAlert(7, machineID, models.Alert{Kind: tt.kind, NodeName: "node-a"}, now)
		if _, err := s.InsertActiveAlert(context.Background(), active); err != nil {
			t.Fatalf("InsertActiveAlert(%s): %v", tt.kind, err)
		}
	}
	expectations(t, mock)
}

func TestSetSendStateGuard(t *testing.T) {
	s, mock := newMockStore(t)
	alertID := uuid.New()

	t.Run("pending to success", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE node_alerts_active SET email_send = $2")).
			WithArgs(alertID, models.SendStateSuccess).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.SetSendState(context.Background(), models.ScopeNode, alertID, models.ServiceEmail, models.SendStateSuccess)
		if err != nil {
			t.Fatalf("SetSendState: %v", err)
		}
	})

	t.Run("success is terminal", func(t *testing.T) {
		// The guard in the WHERE clause refuses the write; the row still
		// exists, so the store reports the transition violation.
		mock.ExpectExec(regexp.QuoteMeta("UPDATE node_alerts_active SET email_send = $2")).
			WithArgs(alertID, models.SendStateFailed).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM node_alerts_active WHERE alert_id = $1")).
			WithArgs(alertID).
			WillReturnRows(sqlmock.NewRows([]string{
				"alert_id", "organization_id", "machine_id", "node_name", "alert_data",
				"created_at", "acknowledged_at", "email_send", "telegram_send", "pagerduty_send",
			}).AddRow(alertID, 7, uuid.New(), "node-a", []byte(`{"kind":8}`),
				time.Now(), nil, "send_success", "no_send", "no_send"))

		err := s.SetSendState(context.Background(), models.ScopeNode, alertID, models.ServiceEmail, models.SendStateFailed)
		if !errors.Is(err, ErrSendStateTransition) {
			t.Errorf("err = %v, want ErrSendStateTransition", err)
		}
	})

	t.Run("missing alert", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE node_alerts_active SET email_send = $2")).
			WithArgs(alertID, models.SendStateSuccess).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM node_alerts_active WHERE alert_id = $1")).
			WithArgs(alertID).
			WillReturnRows(sqlmock.NewRows([]string{"alert_id"}))

		err := s.SetSendState(context.Background(), models.ScopeNode, alertID, models.ServiceEmail, models.SendStateSuccess)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
	expectations(t, mock)
}

func TestResolveAlertMovesRow(t *testing.T) {
	s, mock := newMockStore(t)
	alertID := uuid.New()
	resolvedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM node_alerts_active WHERE alert_id = $1 RETURNING *")).
		WithArgs(alertID, resolvedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ResolveAlert(context.Background(), models.ScopeNode, alertID, resolvedAt); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM node_alerts_active WHERE alert_id = $1 RETURNING *")).
		WithArgs(alertID, resolvedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.ResolveAlert(context.Background(), models.ScopeNode, alertID, resolvedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolving a missing alert = %v, want ErrNotFound", err)
	}
	expectations(t, mock)
}

func TestAcknowledgeAlertStampsGivenTime(t *testing.T) {
	s, mock := newMockStore(t)
	alertID := uuid.New()
	ackedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET acknowledged_at = $2")).
		WithArgs(alertID, ackedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AcknowledgeAlert(context.Background(), models.ScopeNode, alertID, ackedAt); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	expectations(t, mock)
}

func TestReplaceMetricsIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	machineID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM metric")).
		WithArgs(machineID, "node-a").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metric")).
		WithArgs(machineID, "node-a", "running", 1.0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metric")).
		WithArgs(machineID, "node-a", "cpu_usage", 42.5, []byte(`{"core":"0"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ReplaceMetrics(context.Background(), machineID, "node-a", []models.MetricSample{
		{Name: "running", Value: 1},
		{Name: "cpu_usage", Value: 42.5, Attributes: map[string]string{"core": "0"}},
	})
	if err != nil {
		t.Fatalf("ReplaceMetrics: %v", err)
	}
	expectations(t, mock)
}

func TestRenameNodeCascades(t *testing.T) {
	s, mock := newMockStore(t)
	machineID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE node SET name = $3")).
		WithArgs(machineID, "old", "new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE metric SET node_name = $3")).
		WithArgs(machineID, "old", "new").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE heartbeat SET key = $2")).
		WithArgs(models.NodeKey(machineID, "old"), models.NodeKey(machineID, "new")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RenameNode(context.Background(), machineID, "old", "new"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	expectations(t, mock)
}

func TestGetNotificationSettingsDefaults(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM notification_settings")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}))

	ns, err := s.GetNotificationSettings(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetNotificationSettings: %v", err)
	}
	if ns.OrganizationID != 7 {
		t.Errorf("organization id = %d, want 7", ns.OrganizationID)
	}
	if ns.Email || ns.Telegram || ns.PagerDuty || ns.AlertFlags != 0 {
		t.Error("unconfigured organization should default to everything off")
	}
	expectations(t, mock)
}
