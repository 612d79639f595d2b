package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// CreateOrganization inserts a tenant and returns it with its assigned id.
func (s *Store) CreateOrganization(ctx context.Context, name string) (models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organization (name)
		VALUES ($1)
		RETURNING organization_id, name, verified, created_at, updated_at
	`, name).Scan(&org.ID, &org.Name, &org.Verified, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return models.Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	return org, nil
}

// GetOrganization looks up a tenant by id.
func (s *Store) GetOrganization(ctx context.Context, id int64) (models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, name, verified, created_at, updated_at
		FROM organization
		WHERE organization_id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Verified, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Organization{}, ErrNotFound
	}
	if err != nil {
		return models.Organization{}, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

// CreateAccount inserts a login. PasswordHash must already be hashed.
func (s *Store) CreateAccount(ctx context.Context, account models.Account) (models.Account, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO account (organization_id, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING account_id, created_at, updated_at
	`, account.OrganizationID, account.Email, account.PasswordHash, account.Role,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// GetAccountByEmail looks up a login for credential checks.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	var account models.Account
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, organization_id, email, password_hash, role, created_at, updated_at
		FROM account
		WHERE email = $1
	`, email).Scan(
		&account.ID, &account.OrganizationID, &account.Email,
		&account.PasswordHash, &role, &account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	account.Role = models.Role(role)
	return account, nil
}

// UpsertClient binds an agent address to an organization. Re-registering the
// same address for the same organization is a no-op.
func (s *Store) UpsertClient(ctx context.Context, clientID string, organizationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client (client_id, organization_id)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			updated_at = NOW()
	`, clientID, organizationID)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// ClientOrganization resolves an agent address to its tenant.
func (s *Store) ClientOrganization(ctx context.Context, clientID string) (int64, error) {
	var orgID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id FROM client WHERE client_id = $1
	`, clientID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("client organization: %w", err)
	}
	return orgID, nil
}
