package repository

import (
	"context"

	"batchdl/internal/domain"
)

// Repository exposes basic persistence operations for an aggregate keyed by
// an opaque string id. GetByID returns an error wrapping domain.ErrNotFound
// for an unknown id.
type Repository[T any] interface {
	GetByID(ctx context.Context, id string) (*T, error)
	GetAll(ctx context.Context) ([]T, error)
	Add(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	Delete(ctx context.Context, id string) error
}

// SessionRepository persists DownloadSession records.
type SessionRepository interface {
	Repository[domain.DownloadSession]
	ListByStatuses(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.DownloadSession, error)
}

// ItemRepository persists DownloadItem records.
type ItemRepository interface {
	Repository[domain.DownloadItem]
	ListBySession(ctx context.Context, sessionID string) ([]domain.DownloadItem, error)
}
