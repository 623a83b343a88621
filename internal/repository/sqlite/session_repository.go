package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"batchdl/internal/domain"
	"batchdl/internal/repository"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	concurrency INTEGER NOT NULL DEFAULT 0,
	total_count INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	cancelled_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const sessionColumns = `id, title, status, destination, concurrency, total_count, completed_count, failed_count, cancelled_count, created_at, updated_at, completed_at`

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func (r *SessionRepository) Add(ctx context.Context, session *domain.DownloadSession) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Title,
		string(session.Status),
		session.Destination,
		session.Concurrency,
		session.TotalCount,
		session.CompletedCount,
		session.FailedCount,
		session.CancelledCount,
		session.CreatedAt.UTC(),
		session.UpdatedAt,
		nullTime(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Update(ctx context.Context, session *domain.DownloadSession) error {
	session.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET title=?, status=?, destination=?, concurrency=?, total_count=?, completed_count=?, failed_count=?, cancelled_count=?, created_at=?, updated_at=?, completed_at=?
WHERE id=?`,
		session.Title,
		string(session.Status),
		session.Destination,
		session.Concurrency,
		session.TotalCount,
		session.CompletedCount,
		session.FailedCount,
		session.CancelledCount,
		session.CreatedAt.UTC(),
		session.UpdatedAt,
		nullTime(session.CompletedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return expectAffected(res, "session", session.ID)
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectAffected(res, "session", id)
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.DownloadSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE id=?`,
		id,
	)
	return scanSession(row)
}

func (r *SessionRepository) GetAll(ctx context.Context) ([]domain.DownloadSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

func (r *SessionRepository) ListByStatuses(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.DownloadSession, error) {
	if len(statuses) == 0 {
		return []domain.DownloadSession{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`
SELECT %s
FROM sessions
WHERE status IN (%s)
ORDER BY created_at ASC`, sessionColumns, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]domain.DownloadSession, error) {
	defer rows.Close()
	var sessions []domain.DownloadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*domain.DownloadSession, error) {
	var (
		session     domain.DownloadSession
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&session.ID,
		&session.Title,
		&status,
		&session.Destination,
		&session.Concurrency,
		&session.TotalCount,
		&session.CompletedCount,
		&session.FailedCount,
		&session.CancelledCount,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = createdAt.Local()
	session.UpdatedAt = updatedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		session.CompletedAt = &t
	}
	return &session, nil
}

func expectAffected(res sql.Result, kind, id string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ repository.SessionRepository = (*SessionRepository)(nil)
