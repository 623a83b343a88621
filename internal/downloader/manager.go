package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"batchdl/internal/domain"
	"batchdl/internal/engine"
	"batchdl/internal/repository"
)

const (
	DefaultConcurrency = 4
	DefaultQueueSize   = 1000
	DefaultCancelGrace = 30 * time.Second
)

// ProgressReporter receives every progress sample produced by the workers.
type ProgressReporter interface {
	ReportProgress(update domain.ProgressUpdate)
}

type Config struct {
	Concurrency int
	QueueSize   int
	CancelGrace time.Duration
	Logger      *logrus.Logger
	// OnFinished is called once with the final session record.
	OnFinished func(domain.DownloadSession)
}

type workUnit struct {
	item     domain.DownloadItem
	destPath string
}

// SessionManager runs the items of one session on a bounded worker pool and
// owns every write to that session's record while it runs.
type SessionManager struct {
	cfg      Config
	engine   engine.Engine
	sessions repository.SessionRepository
	items    repository.ItemRepository
	progress ProgressReporter
	logger   *logrus.Entry

	mu       sync.Mutex
	session  domain.DownloadSession
	itemList []domain.DownloadItem
	index    map[string]int

	gate            *gate
	cancelRequested atomic.Bool
	stopOnce        sync.Once
	stopCh          chan struct{}
	runCtx          context.Context
	cancelRun       context.CancelFunc
	graceTimer      *time.Timer
	started         atomic.Bool
	done            chan struct{}
}

func NewSessionManager(
	session domain.DownloadSession,
	items []domain.DownloadItem,
	eng engine.Engine,
	sessions repository.SessionRepository,
	itemRepo repository.ItemRepository,
	progress ProgressReporter,
	cfg Config,
) *SessionManager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	list := make([]domain.DownloadItem, len(items))
	copy(list, items)
	index := make(map[string]int, len(list))
	for i := range list {
		index[list[i].ID] = i
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		cfg:       cfg,
		engine:    eng,
		sessions:  sessions,
		items:     itemRepo,
		progress:  progress,
		logger:    cfg.Logger.WithField("session_id", session.ID),
		session:   session,
		itemList:  list,
		index:     index,
		gate:      newGate(),
		stopCh:    make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
		done:      make(chan struct{}),
	}
}

// Session returns a snapshot of the session record.
func (m *SessionManager) Session() domain.DownloadSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Items returns a snapshot of the items in caller order.
func (m *SessionManager) Items() []domain.DownloadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DownloadItem, len(m.itemList))
	copy(out, m.itemList)
	return out
}

// Done is closed once StartDownloads has persisted the final status.
func (m *SessionManager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the run finishes or ctx is done.
func (m *SessionManager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartDownloads executes every item and blocks until the session reaches a
// terminal status. Cancelling ctx has the same effect as a forced Cancel.
// Faults are recorded on the session and also returned.
func (m *SessionManager) StartDownloads(ctx context.Context, destinationDir string) (domain.DownloadSession, error) {
	if !m.started.CompareAndSwap(false, true) {
		return m.Session(), errors.New("session manager already started")
	}
	defer close(m.done)
	defer m.cancelRun()

	stop := context.AfterFunc(ctx, func() { m.Cancel(true) })
	defer stop()

	persist := context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.session.Status == domain.SessionStatusQueued {
		m.session.Status = domain.SessionStatusStarted
		m.session.UpdatedAt = time.Now().UTC()
		if err := m.sessions.Update(persist, &m.session); err != nil {
			m.mu.Unlock()
			return m.finish(persist, fmt.Errorf("persist started status: %w", err))
		}
	}
	units := make([]workUnit, 0, len(m.itemList))
	for _, item := range m.itemList {
		// items finished by an earlier run are kept as they are
		if item.Status.IsTerminal() {
			continue
		}
		units = append(units, workUnit{item: item, destPath: filepath.Join(destinationDir, item.Filename)})
	}
	m.mu.Unlock()
	m.logger.Infof("session started: %d pending items, %d workers", len(units), m.cfg.Concurrency)

	queue := make(chan workUnit, m.cfg.QueueSize)
	g, gctx := errgroup.WithContext(m.runCtx)
	for range m.cfg.Concurrency {
		g.Go(func() error {
			return m.worker(gctx, persist, queue)
		})
	}

produce:
	for _, unit := range units {
		select {
		case queue <- unit:
		case <-gctx.Done():
			break produce
		}
	}
	close(queue)

	return m.finish(persist, g.Wait())
}

func (m *SessionManager) worker(ctx, persist context.Context, queue <-chan workUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	for unit := range queue {
		if m.gate.Wait(ctx, m.stopCh) != nil || m.stopping(ctx) {
			if err := m.finishItem(persist, unit.item, domain.ItemStatusCancelled, engine.Result{TotalBytes: -1}, ""); err != nil {
				return err
			}
			continue
		}
		if err := m.execute(ctx, persist, unit); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) stopping(ctx context.Context) bool {
	return m.cancelRequested.Load() || ctx.Err() != nil
}

func (m *SessionManager) execute(ctx, persist context.Context, unit workUnit) error {
	item := unit.item
	logger := m.logger.WithField("item_id", item.ID)

	now := time.Now().UTC()
	item.Status = domain.ItemStatusDownloading
	item.StartedAt = &now
	item.UpdatedAt = now
	if err := m.items.Update(persist, &item); err != nil {
		return fmt.Errorf("persist item %s: %w", item.ID, err)
	}
	m.storeItem(item)
	if err := m.markDownloading(persist); err != nil {
		return err
	}
	m.progress.ReportProgress(domain.ProgressUpdate{
		SessionID:       item.SessionID,
		ItemID:          item.ID,
		Status:          domain.ItemStatusDownloading,
		DownloadedBytes: item.DownloadedBytes,
		TotalBytes:      knownTotal(item.TotalBytes),
	})
	logger.Debugf("downloading %s", item.URL)

	result, err := m.engine.Download(ctx, item, unit.destPath, m.progress.ReportProgress)
	switch {
	case err == nil:
		logger.Infof("item completed: %s", item.Filename)
		return m.finishItem(persist, item, domain.ItemStatusCompleted, result, "")
	case isCancellation(ctx, err):
		logger.Info("item cancelled")
		return m.finishItem(persist, item, domain.ItemStatusCancelled, result, "")
	default:
		logger.Warnf("item failed: %v", err)
		return m.finishItem(persist, item, domain.ItemStatusFailed, result, err.Error())
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *SessionManager) markDownloading(persist context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != domain.SessionStatusStarted {
		return nil
	}
	m.session.Status = domain.SessionStatusDownloading
	m.session.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Update(persist, &m.session); err != nil {
		return fmt.Errorf("persist downloading status: %w", err)
	}
	return nil
}

func (m *SessionManager) finishItem(persist context.Context, item domain.DownloadItem, status domain.ItemStatus, result engine.Result, errMsg string) error {
	now := time.Now().UTC()
	item.Status = status
	item.ErrorMessage = errMsg
	item.CompletedAt = &now
	item.UpdatedAt = now
	if result.Attempts > 1 {
		item.RetryCount = result.Attempts - 1
	}
	if result.DownloadedBytes > 0 {
		item.DownloadedBytes = result.DownloadedBytes
	}
	if result.TotalBytes > 0 {
		item.TotalBytes = result.TotalBytes
	}
	if err := m.items.Update(persist, &item); err != nil {
		return fmt.Errorf("persist item %s: %w", item.ID, err)
	}
	m.storeItem(item)

	m.progress.ReportProgress(domain.ProgressUpdate{
		SessionID:       item.SessionID,
		ItemID:          item.ID,
		Status:          status,
		DownloadedBytes: item.DownloadedBytes,
		TotalBytes:      knownTotal(item.TotalBytes),
		Error:           errMsg,
		Timestamp:       now,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case domain.ItemStatusCompleted:
		m.session.CompletedCount++
	case domain.ItemStatusFailed:
		m.session.FailedCount++
	case domain.ItemStatusCancelled:
		m.session.CancelledCount++
	}
	m.session.UpdatedAt = now
	if err := m.sessions.Update(persist, &m.session); err != nil {
		return fmt.Errorf("persist session counts: %w", err)
	}
	return nil
}

func (m *SessionManager) storeItem(item domain.DownloadItem) {
	m.mu.Lock()
	if i, ok := m.index[item.ID]; ok {
		m.itemList[i] = item
	}
	m.mu.Unlock()
}

// finish settles items that never ran, derives the terminal status and
// persists it.
func (m *SessionManager) finish(persist context.Context, runErr error) (domain.DownloadSession, error) {
	m.mu.Lock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.mu.Unlock()

	leftover := domain.ItemStatusCancelled
	msg := ""
	if runErr != nil {
		leftover = domain.ItemStatusFailed
		msg = runErr.Error()
		m.logger.Errorf("session run failed: %v", runErr)
	}
	for _, item := range m.Items() {
		if item.Status.IsTerminal() {
			continue
		}
		if err := m.finishItem(persist, item, leftover, engine.Result{TotalBytes: -1}, msg); err != nil {
			m.logger.Errorf("settle item %s: %v", item.ID, err)
		}
	}

	m.mu.Lock()
	// recount from items so the counts always add up to TotalCount
	completed, failed, cancelled := domain.CountItems(m.itemList)
	m.session.CompletedCount = completed
	m.session.FailedCount = failed
	m.session.CancelledCount = cancelled

	switch {
	case runErr != nil:
		m.session.Status = domain.SessionStatusFailed
	case m.cancelRequested.Load():
		m.session.Status = domain.SessionStatusCancelled
	default:
		m.session.Status = domain.DeriveSessionStatus(completed, cancelled, m.session.TotalCount)
	}
	now := time.Now().UTC()
	m.session.CompletedAt = &now
	m.session.UpdatedAt = now
	final := m.session
	err := m.sessions.Update(persist, &m.session)
	m.mu.Unlock()

	if err != nil {
		m.logger.Errorf("persist final status: %v", err)
	}
	m.logger.Infof("session finished: %s (%d completed, %d failed, %d cancelled)",
		final.Status, completed, failed, cancelled)

	if m.cfg.OnFinished != nil {
		m.cfg.OnFinished(final)
	}
	return final, runErr
}

// Pause stops workers from picking up further items. Items already in flight
// run to completion.
func (m *SessionManager) Pause(ctx context.Context) (domain.DownloadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.Status.CanPause() {
		return m.session, &domain.TransitionError{SessionID: m.session.ID, From: m.session.Status, To: domain.SessionStatusPaused}
	}
	m.gate.Close()
	if m.session.Status == domain.SessionStatusPaused {
		return m.session, nil
	}

	prev := m.session.Status
	m.session.Status = domain.SessionStatusPaused
	m.session.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Update(ctx, &m.session); err != nil {
		m.session.Status = prev
		m.gate.Open()
		return m.session, fmt.Errorf("persist paused status: %w", err)
	}
	m.logger.Info("session paused")
	return m.session, nil
}

// Resume releases paused workers.
func (m *SessionManager) Resume(ctx context.Context) (domain.DownloadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.Status.CanResume() {
		return m.session, &domain.TransitionError{SessionID: m.session.ID, From: m.session.Status, To: domain.SessionStatusDownloading}
	}
	m.session.Status = domain.SessionStatusDownloading
	m.session.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Update(ctx, &m.session); err != nil {
		m.session.Status = domain.SessionStatusPaused
		return m.session, fmt.Errorf("persist resumed status: %w", err)
	}
	m.gate.Open()
	m.logger.Info("session resumed")
	return m.session, nil
}

// Cancel stops workers from picking up further items and cancels in-flight
// transfers, immediately when force is set or after the grace period.
func (m *SessionManager) Cancel(force bool) {
	m.cancelRequested.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })

	if force {
		m.cancelRun()
		m.logger.Info("session cancel forced")
		return
	}

	m.mu.Lock()
	if m.graceTimer == nil {
		m.graceTimer = time.AfterFunc(m.cfg.CancelGrace, m.cancelRun)
	}
	m.mu.Unlock()
	m.logger.Infof("session cancel requested, in-flight items have %s", m.cfg.CancelGrace)
}

func knownTotal(total int64) *int64 {
	if total <= 0 {
		return nil
	}
	return &total
}
