package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	tern "github.com/jackc/tern/v2/migrate"
	"github.com/rs/zerolog/log"

	"github.com/baechuer/real-time-ressys/services/verify-service/migrations"
)

const versionTable = "schema_version"

// Migrate brings the schema to the latest embedded version. It borrows one
// pgx connection from db, so db must be opened with the pgx stdlib driver.
func Migrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("migrate: unexpected driver conn %T", driverConn)
		}

		m, err := tern.NewMigrator(ctx, sc.Conn(), versionTable)
		if err != nil {
			return fmt.Errorf("constructing migrator: %w", err)
		}
		if err := m.LoadMigrations(migrations.FS); err != nil {
			return fmt.Errorf("loading migrations: %w", err)
		}

		from, err := m.GetCurrentVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		to := int32(len(m.Migrations))
		if from == to {
			log.Info().Int32("version", to).Msg("database schema up to date")
		} else {
			log.Info().Int32("from", from).Int32("to", to).Msg("migrated database schema")
		}
		return nil
	})
}
