package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// GetNotificationSettings returns an organization's alerting configuration.
// Organizations that never configured anything get the zero value: all
// channels off, no kinds enabled. That only silences delivery; alerts still
// activate and accumulate.
func (s *Store) GetNotificationSettings(ctx context.Context, organizationID int64) (models.NotificationSettings, error) {
	var ns models.NotificationSettings
	var flags int64
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, email, telegram, pagerduty, alert_flags, created_at, updated_at
		FROM notification_settings
		WHERE organization_id = $1
	`, organizationID).Scan(
		&ns.OrganizationID, &ns.Email, &ns.Telegram, &ns.PagerDuty,
		&flags, &ns.CreatedAt, &ns.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotificationSettings{OrganizationID: organizationID}, nil
	}
	if err != nil {
		return models.NotificationSettings{}, fmt.Errorf("get notification settings: %w", err)
	}
	ns.AlertFlags = models.AlertFlags(uint64(flags))
	return ns, nil
}

// SaveNotificationSettings upserts an organization's alerting configuration.
func (s *Store) SaveNotificationSettings(ctx context.Context, ns models.NotificationSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_settings (organization_id, email, telegram, pagerduty, alert_flags, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			email = EXCLUDED.email,
			telegram = EXCLUDED.telegram,
			pagerduty = EXCLUDED.pagerduty,
			alert_flags = EXCLUDED.alert_flags,
			updated_at = NOW()
	`, ns.OrganizationID, ns.Email, ns.Telegram, ns.PagerDuty, int64(uint64(ns.AlertFlags)))
	if err != nil {
		return fmt.Errorf("save notification settings: %w", err)
	}
	return nil
}

// ListServiceSettings returns the destinations for one channel of an
// organization.
func (s *Store) ListServiceSettings(ctx context.Context, organizationID int64, service models.ServiceType) ([]models.ServiceSettings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, service_type, settings_value, created_at, updated_at
		FROM service_settings
		WHERE organization_id = $1 AND service_type = $2
		ORDER BY created_at
	`, organizationID, service)
	if err != nil {
		return nil, fmt.Errorf("list service settings: %w", err)
	}
	defer rows.Close()

	var settings []models.ServiceSettings
	for rows.Next() {
		var sv models.ServiceSettings
		var serviceType string
		if err := rows.Scan(&sv.OrganizationID, &serviceType, &sv.SettingsValue, &sv.CreatedAt, &sv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan service settings: %w", err)
		}
		sv.ServiceType = models.ServiceType(serviceType)
		settings = append(settings, sv)
	}
	return settings, rows.Err()
}

// AddServiceSetting registers a destination. Duplicates are ignored.
func (s *Store) AddServiceSetting(ctx context.Context, organizationID int64, service models.ServiceType, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_settings (organization_id, service_type, settings_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, service_type, settings_value) DO NOTHING
	`, organizationID, service, value)
	if err != nil {
		return fmt.Errorf("add service setting: %w", err)
	}
	return nil
}

// RemoveServiceSetting drops a destination.
func (s *Store) RemoveServiceSetting(ctx context.Context, organizationID int64, service models.ServiceType, value string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM service_settings
		WHERE organization_id = $1 AND service_type = $2 AND settings_value = $3
	`, organizationID, service, value)
	if err != nil {
		return fmt.Errorf("remove service setting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
