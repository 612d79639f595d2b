// Package sql embeds the database schema and applies it on startup when
// migration is enabled. Statements are idempotent, so re-applying on every
// boot is safe.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/pkg/database"
)

//go:embed schema/*.sql schema/clickhouse/*.sql
var schemaFS embed.FS

// Migrate applies the Postgres schema files in lexical order.
func Migrate(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply schema %s: %w", name, err)
		}
		logger.WithField("schema", name).Info("Applied database schema")
	}
	return nil
}

// MigrateClickHouse applies the ClickHouse schema. ClickHouse does not accept
// multi-statement batches, so files are split on statement boundaries.
func MigrateClickHouse(ctx context.Context, conn database.ClickHouseConn, logger *logrus.Logger) error {
	entries, err := schemaFS.ReadDir("schema/clickhouse")
	if err != nil {
		return fmt.Errorf("read clickhouse schema dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := schemaFS.ReadFile("schema/clickhouse/" + name)
		if err != nil {
			return fmt.Errorf("read clickhouse schema %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(raw), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply clickhouse schema %s: %w", name, err)
			}
		}
		logger.WithField("schema", name).Info("Applied clickhouse schema")
	}
	return nil
}
