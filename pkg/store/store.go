// Package store persists account session state and reauthorization history
// in SQLite so a pending reauthorization survives a restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"deskmail/pkg/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store manages session rows in SQLite.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at dbPath, enables WAL mode and runs
// pending migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating database directory: %w", ErrDatabaseError, err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if dbPath != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("%w: reading schema version: %w", ErrDatabaseError, err)
	}
	return version, nil
}

func (s *Store) migrate(ctx context.Context) error {
	current := 0

	var tables int
	err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'")
	if err != nil {
		return fmt.Errorf("%w: checking schema_version table: %w", ErrDatabaseError, err)
	}

	if tables > 0 {
		if current, err = s.SchemaVersion(ctx); err != nil {
			return err
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("%w: applying migration v%d: %w", ErrDatabaseError, m.version, err)
		}
	}

	return nil
}

// SaveSession inserts or replaces the row for session.AccountID.
func (s *Store) SaveSession(ctx context.Context, session models.AccountSession) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}
	session.UpdatedAt = session.UpdatedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO account_sessions (
			account_id, state, needs_reauth, reauth_in_progress,
			attempts, last_error, pending_auth_url, updated_at
		) VALUES (
			:account_id, :state, :needs_reauth, :reauth_in_progress,
			:attempts, :last_error, :pending_auth_url, :updated_at
		)
		ON CONFLICT(account_id) DO UPDATE SET
			state = excluded.state,
			needs_reauth = excluded.needs_reauth,
			reauth_in_progress = excluded.reauth_in_progress,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			pending_auth_url = excluded.pending_auth_url,
			updated_at = excluded.updated_at`,
		session,
	)
	if err != nil {
		return fmt.Errorf("%w: saving session %s: %w", ErrDatabaseError, session.AccountID, err)
	}
	return nil
}

// GetSession returns the stored row for accountID.
func (s *Store) GetSession(ctx context.Context, accountID string) (*models.AccountSession, error) {
	var session models.AccountSession
	err := s.db.GetContext(ctx, &session, `
		SELECT account_id, state, needs_reauth, reauth_in_progress,
		       attempts, last_error, pending_auth_url, updated_at
		FROM account_sessions WHERE account_id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting session %s: %w", ErrDatabaseError, accountID, err)
	}
	return &session, nil
}

// LoadSessions returns every stored session ordered by account.
func (s *Store) LoadSessions(ctx context.Context) ([]models.AccountSession, error) {
	var sessions []models.AccountSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT account_id, state, needs_reauth, reauth_in_progress,
		       attempts, last_error, pending_auth_url, updated_at
		FROM account_sessions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: loading sessions: %w", ErrDatabaseError, err)
	}
	return sessions, nil
}

// DeleteSession forgets an account. Missing rows are not an error.
func (s *Store) DeleteSession(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM account_sessions WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("%w: deleting session %s: %w", ErrDatabaseError, accountID, err)
	}
	return nil
}

// RecordFlow appends a finished reauthorization flow, assigning an ID if needed.
func (s *Store) RecordFlow(ctx context.Context, flow models.ReauthFlow) (string, error) {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	flow.StartedAt = flow.StartedAt.UTC()
	flow.FinishedAt = flow.FinishedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO reauth_flows (id, account_id, started_at, finished_at, attempts, outcome, detail)
		VALUES (:id, :account_id, :started_at, :finished_at, :attempts, :outcome, :detail)`,
		flow,
	)
	if err != nil {
		return "", fmt.Errorf("%w: recording flow for %s: %w", ErrDatabaseError, flow.AccountID, err)
	}
	return flow.ID, nil
}

// ListFlows returns the most recent flows for accountID, newest first.
func (s *Store) ListFlows(ctx context.Context, accountID string, limit int) ([]models.ReauthFlow, error) {
	if limit <= 0 {
		limit = defaultFlowLimit
	}

	var flows []models.ReauthFlow
	err := s.db.SelectContext(ctx, &flows, `
		SELECT id, account_id, started_at, finished_at, attempts, outcome, detail
		FROM reauth_flows WHERE account_id = ?
		ORDER BY finished_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing flows for %s: %w", ErrDatabaseError, accountID, err)
	}
	return flows, nil
}
