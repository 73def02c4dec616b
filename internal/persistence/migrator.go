package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// migration pairs the up and down scripts that share a numeric version
// prefix, e.g. 000001_event_log.up.sql / 000001_event_log.down.sql.
type migration struct {
	version  string
	upFile   string
	downFile string
}

// Migrator applies versioned SQL files from a directory and records
// progress in public.schema_migrations.
type Migrator struct {
	db  *sql.DB
	dir string
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Up applies every migration newer than the recorded schema version,
// each inside its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	set, err := m.prepare(ctx)
	if err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}

	for _, mig := range set {
		if applied[mig.version] {
			continue
		}
		log.Printf("INFO: applying migration %s", mig.upFile)
		if err := m.runInTx(ctx, mig.upFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.version, mig.upFile)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back only the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	set, err := m.prepare(ctx)
	if err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == "" {
		log.Println("INFO: no migrations to roll back")
		return nil
	}

	for _, mig := range set {
		if mig.version != current {
			continue
		}
		if mig.downFile == "" {
			return fmt.Errorf("migration %s has no down script", current)
		}
		log.Printf("INFO: rolling back migration %s", mig.downFile)
		return m.runInTx(ctx, mig.downFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM public.schema_migrations WHERE version = $1`, mig.version)
			return err
		})
	}
	return fmt.Errorf("applied version %s not present in %s", current, m.dir)
}

// Version reports the newest applied version, or "" on a fresh database.
func (m *Migrator) Version(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	var v string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (m *Migrator) prepare(ctx context.Context) ([]migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	set, err := scanMigrationDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", m.dir, err)
	}
	return set, nil
}

// runInTx executes the script and the bookkeeping statement atomically,
// so a failed script never advances the recorded version.
func (m *Migrator) runInTx(ctx context.Context, file string, record func(*sql.Tx) error) error {
	script, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// scanMigrationDir groups *.up.sql / *.down.sql files by their numeric
// version prefix and returns them in ascending version order.
func scanMigrationDir(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		version, _, found := strings.Cut(name, "_")
		if !found {
			continue
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &migration{version: version}
			byVersion[version] = mig
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mig.upFile = name
		case strings.HasSuffix(name, ".down.sql"):
			mig.downFile = name
		}
	}

	set := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upFile == "" {
			return nil, fmt.Errorf("version %s has a down script but no up script", mig.version)
		}
		set = append(set, *mig)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].version < set[j].version })
	return set, nil
}
