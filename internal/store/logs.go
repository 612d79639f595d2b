package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/database"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// LogStore writes append-only log lines to ClickHouse. Logs never touch
// Postgres; they are high-volume and queried by time range only.
type LogStore struct {
	conn database.ClickHouseConn
}

func NewLogStore(conn database.ClickHouseConn) *LogStore {
	return &LogStore{conn: conn}
}

// InsertNodeLogs appends a batch of node log lines.
func (s *LogStore) InsertNodeLogs(ctx context.Context, records []models.NodeLogRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO node_logs (machine_id, node_name, level, line, created_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare node logs batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(r.MachineID, r.NodeName, r.Level, r.Line, r.CreatedAt); err != nil {
			return fmt.Errorf("append node log: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send node logs batch: %w", err)
	}
	return nil
}

// InsertClientLogs appends a batch of agent log lines.
func (s *LogStore) InsertClientLogs(ctx context.Context, records []models.ClientLogRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO client_logs (client_id, machine_id, level, line, created_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare client logs batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(r.ClientID, r.MachineID, r.Level, r.Line, r.CreatedAt); err != nil {
			return fmt.Errorf("append client log: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send client logs batch: %w", err)
	}
	return nil
}

// QueryNodeLogs returns log lines for a node within [from, to), newest first.
// An empty level matches all levels.
func (s *LogStore) QueryNodeLogs(ctx context.Context, machineID uuid.UUID, nodeName string, level models.LogLevel, from, to time.Time, limit int) ([]models.NodeLogRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT machine_id, node_name, level, line, created_at
		FROM node_logs
		WHERE machine_id = $1 AND node_name = $2
			AND created_at >= $3 AND created_at < $4
	`
	args := []interface{}{machineID, nodeName, from, to}
	if level != "" {
		query += " AND level = $5"
		args = append(args, string(level))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query node logs: %w", err)
	}
	defer rows.Close()

	var records []models.NodeLogRecord
	for rows.Next() {
		var r models.NodeLogRecord
		if err := rows.ScanStruct(&r); err != nil {
			return nil, fmt.Errorf("scan node log: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
