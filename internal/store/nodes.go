package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// UpsertNode records a node self-report. Empty optional fields keep their
// stored values so a v1 report does not wipe v2 data.
func (s *Store) UpsertNode(ctx context.Context, machineID uuid.UUID, data models.NodeData) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node (machine_id, name, node_type, chain, version, version_hash, operator_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (machine_id, name) DO UPDATE SET
			node_type = COALESCE(NULLIF(EXCLUDED.node_type, ''), node.node_type),
			chain = COALESCE(NULLIF(EXCLUDED.chain, ''), node.chain),
			version = COALESCE(NULLIF(EXCLUDED.version, ''), node.version),
			version_hash = COALESCE(NULLIF(EXCLUDED.version_hash, ''), node.version_hash),
			operator_id = COALESCE(NULLIF(EXCLUDED.operator_id, ''), node.operator_id),
			active = TRUE,
			updated_at = NOW()
	`, machineID, data.Name, data.NodeType, data.Chain, data.Version, data.VersionHash, data.OperatorID)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// GetNode looks up one node by its (machine, name) key.
func (s *Store) GetNode(ctx context.Context, machineID uuid.UUID, name string) (models.Node, error) {
	var n models.Node
	err := s.db.QueryRowContext(ctx, `
		SELECT machine_id, name, node_type, chain, version, version_hash, operator_id, active, created_at, updated_at
		FROM node
		WHERE machine_id = $1 AND name = $2
	`, machineID, name).Scan(
		&n.MachineID, &n.Name, &n.NodeType, &n.Chain, &n.Version,
		&n.VersionHash, &n.OperatorID, &n.Active, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Node{}, ErrNotFound
	}
	if err != nil {
		return models.Node{}, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ListNodesByMachine returns all nodes reported by a machine.
func (s *Store) ListNodesByMachine(ctx context.Context, machineID uuid.UUID) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, name, node_type, chain, version, version_hash, operator_id, active, created_at, updated_at
		FROM node
		WHERE machine_id = $1
		ORDER BY name
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListActiveNodes returns every active node across all tenants. The rule
// engine sweeps this set.
func (s *Store) ListActiveNodes(ctx context.Context) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, name, node_type, chain, version, version_hash, operator_id, active, created_at, updated_at
		FROM node
		WHERE active = TRUE
		ORDER BY machine_id, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]models.Node, error) {
	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(
			&n.MachineID, &n.Name, &n.NodeType, &n.Chain, &n.Version,
			&n.VersionHash, &n.OperatorID, &n.Active, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// RenameNode moves a node's identity and cascades the rename through its
// metrics and heartbeat so state survives the new name.
func (s *Store) RenameNode(ctx context.Context, machineID uuid.UUID, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE node SET name = $3, updated_at = NOW()
		WHERE machine_id = $1 AND name = $2
	`, machineID, oldName, newName)
	if err != nil {
		return fmt.Errorf("rename node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE metric SET node_name = $3
		WHERE machine_id = $1 AND node_name = $2
	`, machineID, oldName, newName); err != nil {
		return fmt.Errorf("rename node metrics: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE heartbeat SET key = $2
		WHERE tier = 'node' AND key = $1
	`, models.NodeKey(machineID, oldName), models.NodeKey(machineID, newName)); err != nil {
		return fmt.Errorf("rename node heartbeat: %w", err)
	}

	return tx.Commit()
}

// DeleteNode removes a node and its metrics and heartbeat. Alerts are left
// for the rule sweep to resolve.
func (s *Store) DeleteNode(ctx context.Context, machineID uuid.UUID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM node WHERE machine_id = $1 AND name = $2
	`, machineID, name)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM metric WHERE machine_id = $1 AND node_name = $2
	`, machineID, name); err != nil {
		return fmt.Errorf("delete node metrics: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM heartbeat WHERE tier = 'node' AND key = $1
	`, models.NodeKey(machineID, name)); err != nil {
		return fmt.Errorf("delete node heartbeat: %w", err)
	}

	return tx.Commit()
}
