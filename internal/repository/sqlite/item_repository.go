package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"batchdl/internal/domain"
	"batchdl/internal/repository"
)

const createItemsTable = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	url TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	completed_at DATETIME NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_items_session_id ON items(session_id);
`

const itemColumns = `id, session_id, position, url, filename, status, total_bytes, downloaded_bytes, error_message, retry_count, created_at, updated_at, started_at, completed_at`

type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

func (r *ItemRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createItemsTable); err != nil {
		return fmt.Errorf("create items table: %w", err)
	}
	return nil
}

func (r *ItemRepository) Add(ctx context.Context, item *domain.DownloadItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO items (`+itemColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.SessionID,
		item.Position,
		item.URL,
		item.Filename,
		string(item.Status),
		item.TotalBytes,
		item.DownloadedBytes,
		item.ErrorMessage,
		item.RetryCount,
		item.CreatedAt.UTC(),
		item.UpdatedAt,
		nullTime(item.StartedAt),
		nullTime(item.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (r *ItemRepository) Update(ctx context.Context, item *domain.DownloadItem) error {
	item.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE items
SET session_id=?, position=?, url=?, filename=?, status=?, total_bytes=?, downloaded_bytes=?, error_message=?, retry_count=?, created_at=?, updated_at=?, started_at=?, completed_at=?
WHERE id=?`,
		item.SessionID,
		item.Position,
		item.URL,
		item.Filename,
		string(item.Status),
		item.TotalBytes,
		item.DownloadedBytes,
		item.ErrorMessage,
		item.RetryCount,
		item.CreatedAt.UTC(),
		item.UpdatedAt,
		nullTime(item.StartedAt),
		nullTime(item.CompletedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return expectAffected(res, "item", item.ID)
}

func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return expectAffected(res, "item", id)
}

func (r *ItemRepository) GetByID(ctx context.Context, id string) (*domain.DownloadItem, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+itemColumns+`
FROM items
WHERE id=?`,
		id,
	)
	return scanItem(row)
}

func (r *ItemRepository) GetAll(ctx context.Context) ([]domain.DownloadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM items
ORDER BY session_id, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	return collectItems(rows)
}

func (r *ItemRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.DownloadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM items
WHERE session_id=?
ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session items: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]domain.DownloadItem, error) {
	defer rows.Close()
	var items []domain.DownloadItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanItem(scanner interface {
	Scan(dest ...any) error
}) (*domain.DownloadItem, error) {
	var (
		item        domain.DownloadItem
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&item.ID,
		&item.SessionID,
		&item.Position,
		&item.URL,
		&item.Filename,
		&status,
		&item.TotalBytes,
		&item.DownloadedBytes,
		&item.ErrorMessage,
		&item.RetryCount,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}

	item.Status = domain.ItemStatus(status)
	item.CreatedAt = createdAt.Local()
	item.UpdatedAt = updatedAt.Local()
	if startedAt.Valid {
		t := startedAt.Time.Local()
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.Local()
		item.CompletedAt = &t
	}
	return &item, nil
}

var _ repository.ItemRepository = (*ItemRepository)(nil)
