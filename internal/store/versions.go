package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// LookupVersionDigest resolves a container image digest to the node type and
// version it was published as.
func (s *Store) LookupVersionDigest(ctx context.Context, digest string) (models.VersionDigest, error) {
	var v models.VersionDigest
	err := s.db.QueryRowContext(ctx, `
		SELECT digest, node_type, version, created_at
		FROM node_version_digest
		WHERE digest = $1
	`, digest).Scan(&v.Digest, &v.NodeType, &v.Version, &v.CreatedAt)
	if err != nil {
		return models.VersionDigest{}, mapNotFound(err, "lookup version digest")
	}
	return v, nil
}

// SaveVersionDigest records a digest mapping from the registry scraper.
func (s *Store) SaveVersionDigest(ctx context.Context, v models.VersionDigest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_version_digest (digest, node_type, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (digest) DO UPDATE SET
			node_type = EXCLUDED.node_type,
			version = EXCLUDED.version
	`, v.Digest, v.NodeType, v.Version)
	if err != nil {
		return fmt.Errorf("save version digest: %w", err)
	}
	return nil
}

// ListNodeTypes returns every node type known to the catalog.
func (s *Store) ListNodeTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT node_type FROM node_version_digest ORDER BY node_type
	`)
	if err != nil {
		return nil, fmt.Errorf("list node types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan node type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// GetRecommendedVersion returns the current advisory for a node type on a
// chain.
func (s *Store) GetRecommendedVersion(ctx context.Context, nodeType, chain string) (models.RecommendedVersion, error) {
	var r models.RecommendedVersion
	var breaking sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT node_type, chain, version, digest, breaking_change_at, updated_at
		FROM node_version_recommended
		WHERE node_type = $1 AND chain = $2
	`, nodeType, chain).Scan(&r.NodeType, &r.Chain, &r.Version, &r.Digest, &breaking, &r.UpdatedAt)
	if err != nil {
		return models.RecommendedVersion{}, mapNotFound(err, "get recommended version")
	}
	if breaking.Valid {
		t := breaking.Time
		r.BreakingChangeAt = &t
	}
	return r, nil
}

// SaveRecommendedVersion upserts the advisory for a (node type, chain) pair.
func (s *Store) SaveRecommendedVersion(ctx context.Context, r models.RecommendedVersion) error {
	var breaking sql.NullTime
	if r.BreakingChangeAt != nil {
		breaking = sql.NullTime{Time: *r.BreakingChangeAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_version_recommended (node_type, chain, version, digest, breaking_change_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (node_type, chain) DO UPDATE SET
			version = EXCLUDED.version,
			digest = EXCLUDED.digest,
			breaking_change_at = EXCLUDED.breaking_change_at,
			updated_at = NOW()
	`, r.NodeType, r.Chain, r.Version, r.Digest, breaking)
	if err != nil {
		return fmt.Errorf("save recommended version: %w", err)
	}
	return nil
}
