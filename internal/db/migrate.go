package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema migration file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// RunMigrations applies all pending embedded migrations in order.
// Applied migrations are recorded in schema_migrations with a checksum
// so a modified file is caught instead of silently re-run.
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.ensureMigrationTable(ctx); err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if checksum, ok := applied[m.Version]; ok {
			if checksum != m.Checksum {
				return errors.NewDatabaseError(errors.CodeDatabaseMigration,
					fmt.Sprintf("migration %d checksum mismatch: file changed after apply", m.Version))
			}
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return err
		}
		logging.InfoDatabase("migration applied", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (db *DB) ensureMigrationTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to create migration table", err)
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[int]string, error) {
	rows := []struct {
		Version  int    `db:"version"`
		Checksum string `db:"checksum"`
	}{}
	if err := db.SelectContext(ctx, &rows,
		"SELECT version, checksum FROM schema_migrations"); err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to read applied migrations", err)
	}
	applied := make(map[int]string, len(rows))
	for _, r := range rows {
		applied[r.Version] = r.Checksum
	}
	return applied, nil
}

func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to begin migration transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			fmt.Sprintf("migration %d (%s) failed", m.Version, m.Name), err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)",
		m.Version, m.Name, m.Checksum); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to record migration", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to commit migration", err)
	}
	return nil
}

// loadMigrations reads embedded migration files sorted by version prefix.
// File names follow NNN_description.sql.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to read embedded migrations", err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return nil, errors.NewDatabaseError(errors.CodeDatabaseMigration,
				fmt.Sprintf("migration file %s has no numeric version prefix", name))
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
				fmt.Sprintf("failed to read migration %s", name), err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     strings.TrimSuffix(name, ".sql"),
			SQL:      string(data),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(data)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
