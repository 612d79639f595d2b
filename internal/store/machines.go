package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/internal/signature"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// RegisterMachine binds a machine id to a client. Registering an existing
// machine under a different client moves it.
func (s *Store) RegisterMachine(ctx context.Context, machineID uuid.UUID, name, clientID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machine (machine_id, name, client_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (machine_id) DO UPDATE SET
			name = EXCLUDED.name,
			client_id = EXCLUDED.client_id,
			updated_at = NOW()
	`, machineID, name, clientID)
	if err != nil {
		return fmt.Errorf("register machine: %w", err)
	}
	return nil
}

// MachineOwner resolves a machine to its client address. Satisfies the
// signature verifier's resolver; unknown machines map onto the verifier's
// sentinel so handlers classify them uniformly.
func (s *Store) MachineOwner(ctx context.Context, machineID uuid.UUID) (string, error) {
	var clientID string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id FROM machine WHERE machine_id = $1
	`, machineID).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", signature.ErrUnknownMachine
	}
	if err != nil {
		return "", fmt.Errorf("machine owner: %w", err)
	}
	return clientID, nil
}

// MachineOrganization resolves a machine to its tenant in one hop.
func (s *Store) MachineOrganization(ctx context.Context, machineID uuid.UUID) (int64, error) {
	var orgID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT c.organization_id
		FROM machine m
		JOIN client c ON c.client_id = m.client_id
		WHERE m.machine_id = $1
	`, machineID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("machine organization: %w", err)
	}
	return orgID, nil
}

// GetMachine looks up one machine.
func (s *Store) GetMachine(ctx context.Context, machineID uuid.UUID) (models.Machine, error) {
	var m models.Machine
	err := s.db.QueryRowContext(ctx, `
		SELECT machine_id, name, client_id, created_at, updated_at
		FROM machine
		WHERE machine_id = $1
	`, machineID).Scan(&m.MachineID, &m.Name, &m.ClientID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Machine{}, ErrNotFound
	}
	if err != nil {
		return models.Machine{}, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// ListMachinesByOrganization returns all machines in a tenant.
func (s *Store) ListMachinesByOrganization(ctx context.Context, organizationID int64) ([]models.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.machine_id, m.name, m.client_id, m.created_at, m.updated_at
		FROM machine m
		JOIN client c ON c.client_id = m.client_id
		WHERE c.organization_id = $1
		ORDER BY m.created_at
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []models.Machine
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(&m.MachineID, &m.Name, &m.ClientID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// ListMachineIDs returns every machine id. The rule sweep iterates this.
func (s *Store) ListMachineIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT machine_id FROM machine`)
	if err != nil {
		return nil, fmt.Errorf("list machine ids: %w", err)
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

// SaveMachineFacts replaces the hardware inventory for a machine, per-disk
// rows included.
func (s *Store) SaveMachineFacts(ctx context.Context, facts models.MachineFacts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save machine facts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO machine_facts (
			machine_id, ivynet_version, uptime_seconds, cpu_cores, cpu_model,
			cpu_usage_pct, memory_total_gb, memory_free_gb, disk_total_gb, disk_free_gb,
			os, kernel_version, arch, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (machine_id) DO UPDATE SET
			ivynet_version = EXCLUDED.ivynet_version,
			uptime_seconds = EXCLUDED.uptime_seconds,
			cpu_cores = EXCLUDED.cpu_cores,
			cpu_model = EXCLUDED.cpu_model,
			cpu_usage_pct = EXCLUDED.cpu_usage_pct,
			memory_total_gb = EXCLUDED.memory_total_gb,
			memory_free_gb = EXCLUDED.memory_free_gb,
			disk_total_gb = EXCLUDED.disk_total_gb,
			disk_free_gb = EXCLUDED.disk_free_gb,
			os = EXCLUDED.os,
			kernel_version = EXCLUDED.kernel_version,
			arch = EXCLUDED.arch,
			updated_at = NOW()
	`,
		facts.MachineID, facts.IvynetVersion, facts.UptimeSeconds, facts.CPUCores, facts.CPUModel,
		facts.CPUUsagePercent, facts.MemoryTotalGB, facts.MemoryFreeGB, facts.DiskTotalGB, facts.DiskFreeGB,
		facts.OS, facts.KernelVersion, facts.Arch,
	)
	if err != nil {
		return fmt.Errorf("save machine facts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM machine_disk WHERE machine_id = $1
	`, facts.MachineID); err != nil {
		return fmt.Errorf("clear machine disks: %w", err)
	}
	for _, d := range facts.Disks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO machine_disk (machine_id, disk_id, total_gb, free_gb, used_gb)
			VALUES ($1, $2, $3, $4, $5)
		`, facts.MachineID, d.ID, d.TotalGB, d.FreeGB, d.UsedGB); err != nil {
			return fmt.Errorf("save machine disk: %w", err)
		}
	}

	return tx.Commit()
}

// GetMachineFacts returns the stored inventory for a machine.
func (s *Store) GetMachineFacts(ctx context.Context, machineID uuid.UUID) (models.MachineFacts, error) {
	var f models.MachineFacts
	err := s.db.QueryRowContext(ctx, `
		SELECT machine_id, ivynet_version, uptime_seconds, cpu_cores, cpu_model,
			cpu_usage_pct, memory_total_gb, memory_free_gb, disk_total_gb, disk_free_gb,
			os, kernel_version, arch, updated_at
		FROM machine_facts
		WHERE machine_id = $1
	`, machineID).Scan(
		&f.MachineID, &f.IvynetVersion, &f.UptimeSeconds, &f.CPUCores, &f.CPUModel,
		&f.CPUUsagePercent, &f.MemoryTotalGB, &f.MemoryFreeGB, &f.DiskTotalGB, &f.DiskFreeGB,
		&f.OS, &f.KernelVersion, &f.Arch, &f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MachineFacts{}, ErrNotFound
	}
	if err != nil {
		return models.MachineFacts{}, fmt.Errorf("get machine facts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT disk_id, total_gb, free_gb, used_gb
		FROM machine_disk
		WHERE machine_id = $1
		ORDER BY disk_id
	`, machineID)
	if err != nil {
		return models.MachineFacts{}, fmt.Errorf("get machine disks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.DiskFacts
		if err := rows.Scan(&d.ID, &d.TotalGB, &d.FreeGB, &d.UsedGB); err != nil {
			return models.MachineFacts{}, fmt.Errorf("scan machine disk: %w", err)
		}
		f.Disks = append(f.Disks, d)
	}
	return f, rows.Err()
}
