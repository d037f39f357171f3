// Package postgres persists residual review errors, deduplicated
// patches, and user feedback on review findings.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	// Registers the postgres driver.
	_ "github.com/lib/pq"
)

// Feedback classifies a user's verdict on one review finding.
type Feedback int

const (
	TruePositive  Feedback = 0
	FalsePositive Feedback = 1
	TrueNegative  Feedback = 2
	FalseNegative Feedback = 3
)

// Valid reports whether f is one of the defined verdicts.
func (f Feedback) Valid() bool {
	return f >= TruePositive && f <= FalseNegative
}

// Error is one persisted review-tool failure. Append-only.
type Error struct {
	ID          int64     `db:"id"`
	RevRules    string    `db:"rev_rules"`
	RevDevagent string    `db:"rev_devagent"`
	Project     string    `db:"project"`
	RevProject  string    `db:"rev_project"`
	Patch       string    `db:"patch"`
	Rule        string    `db:"rule"`
	Message     string    `db:"message"`
	CreatedAt   time.Time `db:"created_at"`
}

// Patch is one deduplicated patch body, keyed by patch name.
type Patch struct {
	ID        string    `db:"id"`
	Content   string    `db:"content"`
	Context   string    `db:"context"`
	CreatedAt time.Time `db:"created_at"`
}

// UserFeedback is one verdict submitted against a review finding.
type UserFeedback struct {
	ID          int64    `db:"id"`
	RevRules    string   `db:"rev_rules"`
	RevDevagent string   `db:"rev_devagent"`
	Project     string   `db:"project"`
	RevProject  string   `db:"rev_project"`
	Patch       string   `db:"patch"`
	Rule        string   `db:"rule"`
	File        string   `db:"file"`
	Line        int      `db:"line"`
	Feedback    Feedback `db:"feedback"`
}

// Store wraps the relational persistence of review outcomes.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to postgres with the given DSN.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an existing connection. Tests pass a sqlmock-backed DB.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePatchIfAbsent inserts the patch row unless its id already exists.
func (s *Store) SavePatchIfAbsent(ctx context.Context, p *Patch) error {
	const q = `INSERT INTO patches (id, content, context)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, q, p.ID, p.Content, p.Context); err != nil {
		return fmt.Errorf("save patch %s: %w", p.ID, err)
	}
	return nil
}

// SaveErrors appends the given error rows in one transaction.
func (s *Store) SaveErrors(ctx context.Context, errors []Error) error {
	if len(errors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const q = `INSERT INTO errors (rev_rules, rev_devagent, project, rev_project, patch, rule, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, e := range errors {
		_, err := tx.ExecContext(ctx, q,
			e.RevRules, e.RevDevagent, e.Project, e.RevProject, e.Patch, e.Rule, e.Message)
		if err != nil {
			return fmt.Errorf("save error for patch %s: %w", e.Patch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error insert: %w", err)
	}

	s.logger.Info("persisted review errors", "count", len(errors))
	return nil
}

// SaveUserFeedback records one verdict on a review finding.
func (s *Store) SaveUserFeedback(ctx context.Context, fb *UserFeedback) error {
	if !fb.Feedback.Valid() {
		return fmt.Errorf("invalid feedback value %d", fb.Feedback)
	}

	const q = `INSERT INTO user_feedback (rev_rules, rev_devagent, project, rev_project, patch, rule, file, line, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, q,
		fb.RevRules, fb.RevDevagent, fb.Project, fb.RevProject,
		fb.Patch, fb.Rule, fb.File, fb.Line, int(fb.Feedback))
	if err != nil {
		return fmt.Errorf("save user feedback: %w", err)
	}
	return nil
}
