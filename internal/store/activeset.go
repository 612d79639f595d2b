package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// ApplyActiveSetEvent records an on-chain registration change. The write is
// conditioned on (block_number, log_index) strictly advancing, so replays and
// out-of-order delivery cannot regress the stored state. It reports whether
// the event was applied.
func (s *Store) ApplyActiveSetEvent(ctx context.Context, ev models.ActiveSetEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO avs_active_set (avs_address, operator_address, chain, active, block_number, log_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (avs_address, operator_address, chain) DO UPDATE SET
			active = EXCLUDED.active,
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			updated_at = NOW()
		WHERE (avs_active_set.block_number, avs_active_set.log_index)
			< (EXCLUDED.block_number, EXCLUDED.log_index)
	`, ev.AvsAddress, ev.OperatorAddress, ev.Chain, ev.Active, int64(ev.BlockNumber), int64(ev.LogIndex))
	if err != nil {
		return false, fmt.Errorf("apply active set event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply active set event: %w", err)
	}
	return n > 0, nil
}

// GetActiveSetEntry returns the stored registration state for one
// (avs, operator, chain) triple.
func (s *Store) GetActiveSetEntry(ctx context.Context, avsAddress, operatorAddress, chain string) (models.ActiveSetEntry, error) {
	var e models.ActiveSetEntry
	var block, logIndex int64
	err := s.db.QueryRowContext(ctx, `
		SELECT avs_address, operator_address, chain, active, block_number, log_index, updated_at
		FROM avs_active_set
		WHERE avs_address = $1 AND operator_address = $2 AND chain = $3
	`, avsAddress, operatorAddress, chain).Scan(
		&e.AvsAddress, &e.OperatorAddress, &e.Chain, &e.Active, &block, &logIndex, &e.UpdatedAt,
	)
	if err != nil {
		return models.ActiveSetEntry{}, mapNotFound(err, "get active set entry")
	}
	e.BlockNumber = uint64(block)
	e.LogIndex = uint64(logIndex)
	return e, nil
}

// ListActiveSetByOperator returns all registrations for an operator address.
// The rule engine matches these against deployed nodes.
func (s *Store) ListActiveSetByOperator(ctx context.Context, operatorAddress, chain string) ([]models.ActiveSetEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT avs_address, operator_address, chain, active, block_number, log_index, updated_at
		FROM avs_active_set
		WHERE operator_address = $1 AND chain = $2
	`, operatorAddress, chain)
	if err != nil {
		return nil, fmt.Errorf("list active set: %w", err)
	}
	defer rows.Close()

	var entries []models.ActiveSetEntry
	for rows.Next() {
		var e models.ActiveSetEntry
		var block, logIndex int64
		if err := rows.Scan(&e.AvsAddress, &e.OperatorAddress, &e.Chain, &e.Active, &block, &logIndex, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan active set entry: %w", err)
		}
		e.BlockNumber = uint64(block)
		e.LogIndex = uint64(logIndex)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MachinesByOperator returns the machines hosting nodes run under an
// operator address, for re-evaluating rules after a registration change.
func (s *Store) MachinesByOperator(ctx context.Context, operatorAddress, chain string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT machine_id FROM node
		WHERE operator_id = $1 AND chain = $2
	`, operatorAddress, chain)
	if err != nil {
		return nil, fmt.Errorf("machines by operator: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan machine id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OrganizationsByAvs returns the tenants running nodes whose operators are
// registered with the AVS. AVS metadata alerts fan out to exactly these.
func (s *Store) OrganizationsByAvs(ctx context.Context, avsAddress, chain string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.organization_id
		FROM avs_active_set s
		JOIN node n ON n.operator_id = s.operator_address AND n.chain = s.chain
		JOIN machine m ON m.machine_id = n.machine_id
		JOIN client c ON c.client_id = m.client_id
		WHERE s.avs_address = $1 AND s.chain = $2
	`, avsAddress, chain)
	if err != nil {
		return nil, fmt.Errorf("organizations by avs: %w", err)
	}
	defer rows.Close()

	var orgs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan organization id: %w", err)
		}
		orgs = append(orgs, id)
	}
	return orgs, rows.Err()
}

// SaveScannerCursor advances the scanner's resume block for a chain. Like the
// active set, the cursor only moves forward.
func (s *Store) SaveScannerCursor(ctx context.Context, chain string, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scanner_cursor (chain, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET
			block_number = GREATEST(scanner_cursor.block_number, EXCLUDED.block_number),
			updated_at = NOW()
	`, chain, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("save scanner cursor: %w", err)
	}
	return nil
}

// GetScannerCursor returns the scanner's resume block for a chain, zero when
// the chain has never been scanned.
func (s *Store) GetScannerCursor(ctx context.Context, chain string) (uint64, error) {
	var block int64
	err := s.db.QueryRowContext(ctx, `
		SELECT block_number FROM scanner_cursor WHERE chain = $1
	`, chain).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get scanner cursor: %w", err)
	}
	return uint64(block), nil
}
