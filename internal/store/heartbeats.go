package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// ObserveHeartbeat advances a liveness watermark. GREATEST makes the write
// monotone, so late or replayed heartbeats can never move last_seen backward
// and concurrent writes commute.
func (s *Store) ObserveHeartbeat(ctx context.Context, tier models.HeartbeatTier, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat (tier, key, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (tier, key) DO UPDATE SET
			last_seen = GREATEST(heartbeat.last_seen, EXCLUDED.last_seen)
	`, tier, key, at.UTC())
	if err != nil {
		return fmt.Errorf("observe heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat returns the watermark for one entity.
func (s *Store) GetHeartbeat(ctx context.Context, tier models.HeartbeatTier, key string) (models.Heartbeat, error) {
	var hb models.Heartbeat
	var tierStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT tier, key, last_seen FROM heartbeat WHERE tier = $1 AND key = $2
	`, tier, key).Scan(&tierStr, &hb.Key, &hb.LastSeen)
	if err != nil {
		return models.Heartbeat{}, mapNotFound(err, "get heartbeat")
	}
	hb.Tier = models.HeartbeatTier(tierStr)
	return hb, nil
}

// ListHeartbeats returns every watermark of a tier. The reaper diffs this
// against the stale cutoff.
func (s *Store) ListHeartbeats(ctx context.Context, tier models.HeartbeatTier) ([]models.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, key, last_seen FROM heartbeat WHERE tier = $1
	`, tier)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []models.Heartbeat
	for rows.Next() {
		var hb models.Heartbeat
		var tierStr string
		if err := rows.Scan(&tierStr, &hb.Key, &hb.LastSeen); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Tier = models.HeartbeatTier(tierStr)
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

// DeleteHeartbeat drops a watermark, used when its entity is removed.
func (s *Store) DeleteHeartbeat(ctx context.Context, tier models.HeartbeatTier, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM heartbeat WHERE tier = $1 AND key = $2
	`, tier, key); err != nil {
		return fmt.Errorf("delete heartbeat: %w", err)
	}
	return nil
}
