package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// ReplaceMetrics swaps the stored metric set for a (machine, node) with the
// reported one atomically. Readers never see a partial set.
func (s *Store) ReplaceMetrics(ctx context.Context, machineID uuid.UUID, nodeName string, samples []models.MetricSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace metrics: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM metric WHERE machine_id = $1 AND node_name = $2
	`, machineID, nodeName); err != nil {
		return fmt.Errorf("clear metrics: %w", err)
	}

	for _, sample := range samples {
		// A plain nil, not a nil []byte: the driver writes SQL NULL for
		// attribute-less samples.
		var attrs any
		if len(sample.Attributes) > 0 {
			encoded, err := json.Marshal(sample.Attributes)
			if err != nil {
				return fmt.Errorf("encode metric attributes: %w", err)
			}
			attrs = encoded
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metric (machine_id, node_name, name, value, attributes, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, machineID, nodeName, sample.Name, sample.Value, attrs); err != nil {
			return fmt.Errorf("insert metric %s: %w", sample.Name, err)
		}
	}

	return tx.Commit()
}

// GetMetrics returns the current metric set for a (machine, node) keyed by
// metric name.
func (s *Store) GetMetrics(ctx context.Context, machineID uuid.UUID, nodeName string) (map[string]models.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, node_name, name, value, attributes, created_at
		FROM metric
		WHERE machine_id = $1 AND node_name = $2
	`, machineID, nodeName)
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	defer rows.Close()

	metrics := make(map[string]models.Metric)
	for rows.Next() {
		var m models.Metric
		var attrs []byte
		if err := rows.Scan(&m.MachineID, &m.NodeName, &m.Name, &m.Value, &attrs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &m.Attributes); err != nil {
				return nil, fmt.Errorf("decode metric attributes: %w", err)
			}
		}
		metrics[m.Name] = m
	}
	return metrics, rows.Err()
}
