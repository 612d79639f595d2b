package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// MetadataOutcome describes what an AVS metadata upsert did.
type MetadataOutcome int

const (
	MetadataUnchanged MetadataOutcome = iota
	MetadataInserted
	MetadataUpdated
)

// UpsertEigenAvsMetadata records an AVS metadata announcement, conditioned on
// (block_number, log_index) advancing. The outcome tells the caller whether
// this is a brand new AVS or a change to a known one, which drives the
// NewEigenAvs / UpdatedEigenAvs alert pair.
func (s *Store) UpsertEigenAvsMetadata(ctx context.Context, meta models.EigenAvsMetadata) (MetadataOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MetadataUnchanged, fmt.Errorf("begin metadata upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingBlock, existingLog int64
	err = tx.QueryRowContext(ctx, `
		SELECT block_number, log_index FROM eigen_avs_metadata
		WHERE avs_address = $1 AND chain = $2
		FOR UPDATE
	`, meta.AvsAddress, meta.Chain).Scan(&existingBlock, &existingLog)

	outcome := MetadataUpdated
	switch {
	case errors.Is(err, sql.ErrNoRows):
		outcome = MetadataInserted
	case err != nil:
		return MetadataUnchanged, fmt.Errorf("read metadata: %w", err)
	default:
		if uint64(existingBlock) > meta.BlockNumber ||
			(uint64(existingBlock) == meta.BlockNumber && uint64(existingLog) >= meta.LogIndex) {
			return MetadataUnchanged, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO eigen_avs_metadata (
			avs_address, chain, block_number, log_index, metadata_uri,
			name, description, website, logo, twitter, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (avs_address, chain) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			metadata_uri = EXCLUDED.metadata_uri,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			website = EXCLUDED.website,
			logo = EXCLUDED.logo,
			twitter = EXCLUDED.twitter,
			updated_at = NOW()
	`,
		meta.AvsAddress, meta.Chain, int64(meta.BlockNumber), int64(meta.LogIndex), meta.MetadataURI,
		meta.Metadata.Name, meta.Metadata.Description, meta.Metadata.Website,
		meta.Metadata.Logo, meta.Metadata.Twitter,
	); err != nil {
		return MetadataUnchanged, fmt.Errorf("upsert metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MetadataUnchanged, fmt.Errorf("commit metadata upsert: %w", err)
	}
	return outcome, nil
}

// GetEigenAvsMetadata returns the stored metadata for an AVS.
func (s *Store) GetEigenAvsMetadata(ctx context.Context, avsAddress, chain string) (models.EigenAvsMetadata, error) {
	var m models.EigenAvsMetadata
	var block, logIndex int64
	err := s.db.QueryRowContext(ctx, `
		SELECT avs_address, chain, block_number, log_index, metadata_uri,
			name, description, website, logo, twitter, updated_at
		FROM eigen_avs_metadata
		WHERE avs_address = $1 AND chain = $2
	`, avsAddress, chain).Scan(
		&m.AvsAddress, &m.Chain, &block, &logIndex, &m.MetadataURI,
		&m.Metadata.Name, &m.Metadata.Description, &m.Metadata.Website,
		&m.Metadata.Logo, &m.Metadata.Twitter, &m.UpdatedAt,
	)
	if err != nil {
		return models.EigenAvsMetadata{}, mapNotFound(err, "get avs metadata")
	}
	m.BlockNumber = uint64(block)
	m.LogIndex = uint64(logIndex)
	return m, nil
}
