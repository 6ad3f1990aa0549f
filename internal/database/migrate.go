package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/TobiSchelling/finpilot/internal/logger"
)

// schemaVersion reads PRAGMA user_version, the last applied migration.
func schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration above the stored schema version, in order,
// and returns the versions it applied. A database written by a newer build
// is refused rather than guessed at.
func migrate(ctx context.Context, conn *sql.DB, log *logger.Logger) ([]int, error) {
	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return nil, err
	}
	latest := latestVersion()
	if current > latest {
		return nil, fmt.Errorf("schema version %d is newer than this build supports (%d)", current, latest)
	}
	if current == latest {
		log.Debug("schema up to date", "version", current)
		return nil, nil
	}

	var applied []int
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		start := time.Now()
		if err := applyMigration(ctx, conn, m); err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
		log.Info("applied migration",
			"version", m.Version,
			"description", m.Description,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc/sqlite only honours user_version outside a transaction. The DDL
	// is idempotent, so a crash between commit and stamp re-runs cleanly.
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}
