package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
	"batchdl/internal/downloader"
	"batchdl/internal/engine"
	"batchdl/internal/events"
	"batchdl/internal/progress"
	"batchdl/internal/repository"
)

var errAlreadyRunning = errors.New("session is already running")

// ItemRequest describes one URL to download. Filename is derived from the URL
// when empty.
type ItemRequest struct {
	URL      string
	Filename string
}

// StartRequest describes a new session.
type StartRequest struct {
	Title       string
	Items       []ItemRequest
	Destination string
	Concurrency int
}

// DownloadSessionService is the public entry point for starting and
// controlling download sessions.
type DownloadSessionService interface {
	Start(ctx context.Context, req StartRequest) (string, error)
	Pause(ctx context.Context, sessionID string) (*domain.DownloadSession, error)
	Resume(ctx context.Context, sessionID string) (*domain.DownloadSession, error)
	Cancel(ctx context.Context, sessionID string, force bool)
	StreamSession(ctx context.Context, sessionID string) <-chan domain.ProgressUpdate
	SubscribeEvents(ctx context.Context) <-chan domain.SessionEvent
	GetSession(ctx context.Context, sessionID string) (*domain.DownloadSession, error)
	GetRecentSessions(ctx context.Context, limit int) ([]domain.DownloadSession, error)
	GetSessionItems(ctx context.Context, sessionID string) ([]domain.DownloadItem, error)
	GetActiveSessions(ctx context.Context) ([]domain.DownloadSession, error)
	GetSummary(ctx context.Context, sessionID string) (domain.SessionProgressSummary, error)
	DeleteSession(ctx context.Context, sessionID string) error
	RecoverSessions(ctx context.Context) (int, error)
	Shutdown(ctx context.Context) error
}

type Config struct {
	// DataDir anchors relative destinations.
	DataDir            string
	DefaultConcurrency int
	CancelGrace        time.Duration
	Logger             *logrus.Logger
}

type sessionService struct {
	cfg      Config
	sessions repository.SessionRepository
	items    repository.ItemRepository
	engine   engine.Engine
	tracker  *progress.Tracker
	events   *events.Broker[domain.SessionEvent]
	logger   *logrus.Logger

	mu     sync.Mutex
	active map[string]*downloader.SessionManager
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func NewDownloadSessionService(
	sessions repository.SessionRepository,
	items repository.ItemRepository,
	eng engine.Engine,
	tracker *progress.Tracker,
	cfg Config,
) DownloadSessionService {
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = downloader.DefaultConcurrency
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = downloader.DefaultCancelGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionService{
		cfg:      cfg,
		sessions: sessions,
		items:    items,
		engine:   eng,
		tracker:  tracker,
		events:   events.NewBroker[domain.SessionEvent](),
		logger:   cfg.Logger,
		active:   make(map[string]*downloader.SessionManager),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *sessionService) Start(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Items) == 0 {
		return "", &domain.ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if err := s.validateURLs(req.Items); err != nil {
		return "", err
	}
	dest, err := s.resolveDestination(req.Destination)
	if err != nil {
		return "", err
	}
	concurrency := req.Concurrency
	if concurrency < 0 {
		return "", &domain.ValidationError{Field: "concurrency", Reason: "must not be negative"}
	}
	if concurrency == 0 {
		concurrency = s.cfg.DefaultConcurrency
	}

	now := time.Now().UTC()
	names := make([]string, len(req.Items))
	for i, item := range req.Items {
		name := sanitizeFileName(item.Filename)
		if name == "" {
			name = DeriveFileName(item.URL, i+1, now)
		}
		names[i] = name
	}
	names = uniqueNames(names)

	session := domain.DownloadSession{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(req.Title),
		Status:      domain.SessionStatusQueued,
		Destination: dest,
		Concurrency: concurrency,
		TotalCount:  len(req.Items),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if session.Title == "" {
		session.Title = fmt.Sprintf("%d downloads (%s)", len(req.Items), now.Format(time.DateTime))
	}

	items := make([]domain.DownloadItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = domain.DownloadItem{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			Position:   i,
			URL:        strings.TrimSpace(item.URL),
			Filename:   names[i],
			Status:     domain.ItemStatusQueued,
			TotalBytes: -1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := s.sessions.Add(ctx, &session); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	for i := range items {
		if err := s.items.Add(ctx, &items[i]); err != nil {
			s.removeRecords(context.WithoutCancel(ctx), session.ID, items[:i])
			return "", fmt.Errorf("persist item %d: %w", i, err)
		}
	}

	if err := s.launch(session, items); err != nil {
		s.removeRecords(context.WithoutCancel(ctx), session.ID, items)
		return "", err
	}
	s.logger.WithField("session_id", session.ID).Infof("session queued: %d items into %s", len(items), dest)
	return session.ID, nil
}

func (s *sessionService) validateURLs(items []ItemRequest) error {
	supports, _ := s.engine.(interface{ Supports(string) bool })
	for i, item := range items {
		raw := strings.TrimSpace(item.URL)
		field := fmt.Sprintf("items[%d].url", i)
		if raw == "" {
			return &domain.ValidationError{Field: field, Reason: "is required"}
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return &domain.ValidationError{Field: field, Reason: "must be an absolute URL"}
		}
		if supports != nil && !supports.Supports(raw) {
			return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("scheme %q is not supported", u.Scheme)}
		}
	}
	return nil
}

func (s *sessionService) resolveDestination(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", &domain.ValidationError{Field: "destination", Reason: "is required"}
	}
	if strings.ContainsRune(dest, 0) {
		return "", &domain.ValidationError{Field: "destination", Reason: "contains invalid characters"}
	}
	if !filepath.IsAbs(dest) && s.cfg.DataDir != "" {
		dest = filepath.Join(s.cfg.DataDir, dest)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", &domain.ValidationError{Field: "destination", Reason: err.Error()}
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return "", &domain.ValidationError{Field: "destination", Reason: "is not a directory"}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", &domain.ValidationError{Field: "destination", Reason: fmt.Sprintf("cannot be created: %v", err)}
	}
	return abs, nil
}

// launch runs a manager for the session in the background.
func (s *sessionService) launch(session domain.DownloadSession, items []domain.DownloadItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session service is shut down")
	}
	if _, ok := s.active[session.ID]; ok {
		return fmt.Errorf("session %s: %w", session.ID, errAlreadyRunning)
	}

	manager := downloader.NewSessionManager(session, items, s.engine, s.sessions, s.items, s.tracker, downloader.Config{
		Concurrency: session.Concurrency,
		CancelGrace: s.cfg.CancelGrace,
		Logger:      s.cfg.Logger,
		OnFinished:  s.onFinished,
	})
	s.active[session.ID] = manager
	s.publish(domain.SessionEventStarted, session)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(session.ID, manager)
		// faults are recorded on the session by the manager
		_, _ = manager.StartDownloads(s.ctx, session.Destination)
	}()
	return nil
}

func (s *sessionService) untrack(id string, manager *downloader.SessionManager) {
	s.mu.Lock()
	if s.active[id] == manager {
		delete(s.active, id)
	}
	s.mu.Unlock()
}

func (s *sessionService) onFinished(session domain.DownloadSession) {
	s.publish(domain.SessionEventFinished, session)
}

func (s *sessionService) manager(id string) *downloader.SessionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *sessionService) publish(typ domain.SessionEventType, session domain.DownloadSession) {
	s.events.Publish(domain.SessionEvent{
		Type:        typ,
		SessionID:   session.ID,
		Status:      session.Status,
		Destination: session.Destination,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *sessionService) Pause(ctx context.Context, sessionID string) (*domain.DownloadSession, error) {
	if m := s.manager(sessionID); m != nil {
		session, err := m.Pause(ctx)
		if err != nil {
			return nil, err
		}
		s.publish(domain.SessionEventPaused, session)
		return &session, nil
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanPause() {
		return nil, &domain.TransitionError{SessionID: sessionID, From: session.Status, To: domain.SessionStatusPaused}
	}
	if session.Status == domain.SessionStatusPaused {
		return session, nil
	}
	session.Status = domain.SessionStatusPaused
	session.UpdatedAt = time.Now().UTC()
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("persist paused status: %w", err)
	}
	s.publish(domain.SessionEventPaused, *session)
	return session, nil
}

// Resume releases a live session, or relaunches a paused session whose
// manager is gone (for example after a restart).
func (s *sessionService) Resume(ctx context.Context, sessionID string) (*domain.DownloadSession, error) {
	if m := s.manager(sessionID); m != nil {
		session, err := m.Resume(ctx)
		if err != nil {
			return nil, err
		}
		s.publish(domain.SessionEventResumed, session)
		return &session, nil
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanResume() {
		return nil, &domain.TransitionError{SessionID: sessionID, From: session.Status, To: domain.SessionStatusDownloading}
	}
	items, err := s.items.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatusDownloading
	session.UpdatedAt = time.Now().UTC()
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("persist resumed status: %w", err)
	}
	if err := s.launch(*session, items); err != nil {
		if !errors.Is(err, errAlreadyRunning) {
			return nil, err
		}
		// a concurrent Resume relaunched it first
		if m := s.manager(sessionID); m != nil {
			live := m.Session()
			return &live, nil
		}
		return s.sessions.GetByID(ctx, sessionID)
	}
	s.publish(domain.SessionEventResumed, *session)
	return session, nil
}

func (s *sessionService) Cancel(ctx context.Context, sessionID string, force bool) {
	logger := s.logger.WithField("session_id", sessionID)

	if m := s.manager(sessionID); m != nil {
		m.Cancel(force)
		s.publish(domain.SessionEventCancelRequested, m.Session())
		return
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		logger.Warnf("cancel: load session: %v", err)
		return
	}
	if session.Status.IsTerminal() {
		return
	}
	s.publish(domain.SessionEventCancelRequested, *session)

	items, err := s.items.ListBySession(ctx, sessionID)
	if err != nil {
		logger.Warnf("cancel: load items: %v", err)
		return
	}
	now := time.Now().UTC()
	for i := range items {
		if items[i].Status.IsTerminal() {
			continue
		}
		items[i].Status = domain.ItemStatusCancelled
		items[i].CompletedAt = &now
		items[i].UpdatedAt = now
		if err := s.items.Update(ctx, &items[i]); err != nil {
			logger.Warnf("cancel: persist item %s: %v", items[i].ID, err)
		}
	}

	session.CompletedCount, session.FailedCount, session.CancelledCount = domain.CountItems(items)
	session.Status = domain.SessionStatusCancelled
	session.CompletedAt = &now
	session.UpdatedAt = now
	if err := s.sessions.Update(ctx, session); err != nil {
		logger.Warnf("cancel: persist session: %v", err)
		return
	}
	logger.Info("session cancelled")
	s.publish(domain.SessionEventFinished, *session)
}

func (s *sessionService) StreamSession(ctx context.Context, sessionID string) <-chan domain.ProgressUpdate {
	return s.tracker.Subscribe(ctx, sessionID)
}

func (s *sessionService) SubscribeEvents(ctx context.Context) <-chan domain.SessionEvent {
	return s.events.Subscribe(ctx, nil)
}

func (s *sessionService) GetSession(ctx context.Context, sessionID string) (*domain.DownloadSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

func (s *sessionService) GetRecentSessions(ctx context.Context, limit int) ([]domain.DownloadSession, error) {
	sessions, err := s.sessions.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(sessions, func(a, b domain.DownloadSession) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *sessionService) GetSessionItems(ctx context.Context, sessionID string) ([]domain.DownloadItem, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.items.ListBySession(ctx, sessionID)
}

func (s *sessionService) GetActiveSessions(ctx context.Context) ([]domain.DownloadSession, error) {
	return s.sessions.ListByStatuses(ctx,
		domain.SessionStatusQueued,
		domain.SessionStatusStarted,
		domain.SessionStatusDownloading,
		domain.SessionStatusPaused,
	)
}

// GetSummary reports the tracked progress of a session. Sessions with no
// tracked samples (finished before a restart, or cleared) are summarised
// from their persisted items.
func (s *sessionService) GetSummary(ctx context.Context, sessionID string) (domain.SessionProgressSummary, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return domain.SessionProgressSummary{}, err
	}
	summary := s.tracker.GetSessionSummary(sessionID)
	if summary.TotalItems > 0 {
		return summary, nil
	}

	items, err := s.items.ListBySession(ctx, sessionID)
	if err != nil {
		return summary, err
	}
	return summarizeItems(sessionID, items), nil
}

func summarizeItems(sessionID string, items []domain.DownloadItem) domain.SessionProgressSummary {
	summary := domain.SessionProgressSummary{SessionID: sessionID, TotalItems: len(items)}
	for _, item := range items {
		switch item.Status {
		case domain.ItemStatusQueued:
			summary.QueuedItems++
		case domain.ItemStatusDownloading:
			summary.ActiveItems++
		case domain.ItemStatusCompleted:
			summary.CompletedItems++
		case domain.ItemStatusFailed:
			summary.FailedItems++
		case domain.ItemStatusCancelled:
			summary.CancelledItems++
		}
		if item.TotalBytes > 0 {
			summary.TotalBytes += item.TotalBytes
		}
		summary.DownloadedBytes += item.DownloadedBytes
		if item.UpdatedAt.After(summary.UpdatedAt) {
			summary.UpdatedAt = item.UpdatedAt
		}
	}
	if summary.TotalBytes > 0 {
		summary.OverallProgress = min(100, max(0, float64(summary.DownloadedBytes)/float64(summary.TotalBytes)*100))
	}
	return summary
}

func (s *sessionService) DeleteSession(ctx context.Context, sessionID string) error {
	logger := s.logger.WithField("session_id", sessionID)

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if m := s.manager(sessionID); m != nil {
		m.Cancel(true)
		if err := m.Wait(ctx); err != nil {
			logger.Warnf("delete: session still stopping: %v", err)
		}
	}

	items, err := s.items.ListBySession(ctx, sessionID)
	if err != nil {
		logger.Warnf("delete: load items: %v", err)
	}
	for _, item := range items {
		if err := s.items.Delete(ctx, item.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Warnf("delete item %s: %v", item.ID, err)
		}
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	s.tracker.ClearSession(sessionID)
	logger.Info("session deleted")
	s.publish(domain.SessionEventDeleted, *session)
	return nil
}

// removeRecords deletes items then the session; failures are logged.
func (s *sessionService) removeRecords(ctx context.Context, sessionID string, items []domain.DownloadItem) {
	logger := s.logger.WithField("session_id", sessionID)
	for _, item := range items {
		if err := s.items.Delete(ctx, item.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Warnf("delete item %s: %v", item.ID, err)
		}
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Warnf("delete session record: %v", err)
	}
}

// RecoverSessions relaunches sessions that were running when the process
// stopped. Paused sessions stay paused until resumed.
func (s *sessionService) RecoverSessions(ctx context.Context) (int, error) {
	sessions, err := s.sessions.ListByStatuses(ctx,
		domain.SessionStatusQueued,
		domain.SessionStatusStarted,
		domain.SessionStatusDownloading,
	)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range sessions {
		session := sessions[i]
		if s.manager(session.ID) != nil {
			continue
		}
		items, err := s.items.ListBySession(ctx, session.ID)
		if err != nil {
			return recovered, err
		}
		if err := s.launch(session, items); err != nil {
			if errors.Is(err, errAlreadyRunning) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Infof("recovered %d unfinished sessions", recovered)
	}
	return recovered, nil
}

// Shutdown force-cancels every live session and waits for the managers to
// persist their final status.
func (s *sessionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	managers := make([]*downloader.SessionManager, 0, len(s.active))
	for _, m := range s.active {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	for _, m := range managers {
		m.Cancel(true)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.events.Close()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
