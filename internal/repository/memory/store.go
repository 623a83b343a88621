// Package memory implements the repository contracts on top of maps. It backs
// the CLI and tests, and the server when configured without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"batchdl/internal/domain"
	"batchdl/internal/repository"
)

// Store is a concurrency-safe map of value copies keyed by id.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
	idOf  func(*T) string
}

func NewStore[T any](idOf func(*T) string) *Store[T] {
	return &Store[T]{
		items: make(map[string]T),
		idOf:  idOf,
	}
}

func (s *Store[T]) GetByID(_ context.Context, id string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, domain.ErrNotFound)
	}
	return &v, nil
}

// GetAll returns copies in insertion order.
func (s *Store[T]) GetAll(_ context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out, nil
}

func (s *Store[T]) Add(_ context.Context, entity *T) error {
	id := s.idOf(entity)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; exists {
		return fmt.Errorf("add %s: already exists", id)
	}
	s.items[id] = *entity
	s.order = append(s.order, id)
	return nil
}

func (s *Store[T]) Update(_ context.Context, entity *T) error {
	id := s.idOf(entity)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		return fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	s.items[id] = *entity
	return nil
}

func (s *Store[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		return fmt.Errorf("delete %s: %w", id, domain.ErrNotFound)
	}
	delete(s.items, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// filter returns copies matching keep, in insertion order.
func (s *Store[T]) filter(keep func(*T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []T
	for _, id := range s.order {
		v := s.items[id]
		if keep(&v) {
			out = append(out, v)
		}
	}
	return out
}

type SessionRepository struct {
	*Store[domain.DownloadSession]
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		Store: NewStore(func(s *domain.DownloadSession) string { return s.ID }),
	}
}

func (r *SessionRepository) ListByStatuses(_ context.Context, statuses ...domain.SessionStatus) ([]domain.DownloadSession, error) {
	return r.filter(func(s *domain.DownloadSession) bool {
		return slices.Contains(statuses, s.Status)
	}), nil
}

type ItemRepository struct {
	*Store[domain.DownloadItem]
}

func NewItemRepository() *ItemRepository {
	return &ItemRepository{
		Store: NewStore(func(i *domain.DownloadItem) string { return i.ID }),
	}
}

// ListBySession returns the session's items ordered by position.
func (r *ItemRepository) ListBySession(_ context.Context, sessionID string) ([]domain.DownloadItem, error) {
	items := r.filter(func(i *domain.DownloadItem) bool { return i.SessionID == sessionID })
	slices.SortStableFunc(items, func(a, b domain.DownloadItem) int { return a.Position - b.Position })
	return items, nil
}

var (
	_ repository.SessionRepository = (*SessionRepository)(nil)
	_ repository.ItemRepository    = (*ItemRepository)(nil)
)
