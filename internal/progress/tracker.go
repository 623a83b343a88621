// Package progress ingests raw per-item progress samples and republishes them
// to subscribers in throttled batches.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
	"batchdl/internal/events"
)

type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	Logger        *logrus.Logger
}

type key struct {
	sessionID string
	itemID    string
}

type pendingUpdate struct {
	update  domain.ProgressUpdate
	seq     uint64
	emitted bool
}

// Tracker keeps the latest known progress per item and emits updates to the
// live stream. Terminal updates are emitted immediately; everything else is
// batched and de-duplicated per item on every flush.
type Tracker struct {
	cfg    Config
	broker *events.Broker[domain.ProgressUpdate]

	mu      sync.RWMutex
	latest  map[key]domain.ProgressUpdate
	seqs    map[key]uint64
	nextSeq uint64
	pending []pendingUpdate

	// emitMu orders publishing so an item's updates reach subscribers in
	// report order.
	emitMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewTracker(cfg Config) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Tracker{
		cfg:    cfg,
		broker: events.NewBroker[domain.ProgressUpdate](),
		latest: make(map[key]domain.ProgressUpdate),
		seqs:   make(map[key]uint64),
		stop:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop. It runs until ctx is done or Close
// is called.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ticker := time.NewTicker(t.cfg.FlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				case <-ticker.C:
					t.Flush()
				}
			}
		}()
	})
}

// Close stops the flush loop, emits whatever is still queued and completes
// every subscriber stream.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
		for t.Flush() > 0 {
		}
		t.broker.Close()
	})
}

// ReportProgress records update as the latest state of its item and queues it
// for batched emission. Critical updates are also emitted right away.
func (t *Tracker) ReportProgress(update domain.ProgressUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	critical := update.IsCritical()
	k := key{update.SessionID, update.ItemID}

	if critical {
		t.emitMu.Lock()
		defer t.emitMu.Unlock()
	}

	t.mu.Lock()
	t.nextSeq++
	seq := t.nextSeq
	t.latest[k] = update
	t.seqs[k] = seq
	t.pending = append(t.pending, pendingUpdate{update: update, seq: seq, emitted: critical})
	t.mu.Unlock()

	if critical {
		t.broker.Publish(update)
	}
}

// isLatest reports whether seq is still the newest update recorded for k.
func (t *Tracker) isLatest(k key, seq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seqs[k] == seq
}

// Flush drains up to one batch of queued updates, keeps the most recent one
// per item and emits those not already delivered. An update superseded by a
// newer report is dropped, so a stale sample never follows a terminal one.
// It returns the number of queued updates consumed.
func (t *Tracker) Flush() int {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	n := min(len(t.pending), t.cfg.BatchSize)
	batch := make([]pendingUpdate, n)
	copy(batch, t.pending[:n])
	t.pending = append(t.pending[:0], t.pending[n:]...)
	t.mu.Unlock()

	if n == 0 {
		return 0
	}

	last := make(map[key]int, n)
	for i, p := range batch {
		last[key{p.update.SessionID, p.update.ItemID}] = i
	}
	emitted := 0
	for i, p := range batch {
		k := key{p.update.SessionID, p.update.ItemID}
		if last[k] != i || p.emitted || !t.isLatest(k, p.seq) {
			continue
		}
		t.broker.Publish(p.update)
		emitted++
	}
	t.cfg.Logger.WithField("consumed", n).WithField("emitted", emitted).Debug("progress batch flushed")
	return n
}

// Subscribe streams emitted updates belonging to sessionID (every session when
// sessionID is empty) until ctx is done or the tracker is closed.
func (t *Tracker) Subscribe(ctx context.Context, sessionID string) <-chan domain.ProgressUpdate {
	var filter func(domain.ProgressUpdate) bool
	if sessionID != "" {
		filter = func(u domain.ProgressUpdate) bool { return u.SessionID == sessionID }
	}
	return t.broker.Subscribe(ctx, filter)
}

// GetCurrentProgress returns the latest update reported for an item.
func (t *Tracker) GetCurrentProgress(sessionID, itemID string) (domain.ProgressUpdate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	update, ok := t.latest[key{sessionID, itemID}]
	return update, ok
}

// GetSessionSummary aggregates the latest update of every tracked item of the
// session.
func (t *Tracker) GetSessionSummary(sessionID string) domain.SessionProgressSummary {
	summary := domain.SessionProgressSummary{
		SessionID: sessionID,
		UpdatedAt: time.Now(),
	}

	var (
		speedSum   float64
		speedCount int
	)

	t.mu.RLock()
	for k, u := range t.latest {
		if k.sessionID != sessionID {
			continue
		}
		summary.TotalItems++
		switch u.Status {
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
		summary.DownloadedBytes += u.DownloadedBytes
		if u.TotalBytes != nil && *u.TotalBytes > 0 {
			summary.TotalBytes += *u.TotalBytes
		}
		if u.Speed != nil {
			speedSum += *u.Speed
			speedCount++
		}
	}
	t.mu.RUnlock()

	if speedCount > 0 {
		summary.AverageSpeed = speedSum / float64(speedCount)
	}
	if summary.TotalBytes > 0 {
		overall := float64(summary.DownloadedBytes) / float64(summary.TotalBytes) * 100
		summary.OverallProgress = max(0, min(100, overall))
	}
	return summary
}

// ClearCompletedProgress drops entries whose latest status is terminal and
// returns how many were removed.
func (t *Tracker) ClearCompletedProgress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, u := range t.latest {
		if u.Status.IsTerminal() {
			delete(t.latest, k)
			delete(t.seqs, k)
			removed++
		}
	}
	return removed
}

// ClearSession drops every entry of a session.
func (t *Tracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.latest {
		if k.sessionID == sessionID {
			delete(t.latest, k)
			delete(t.seqs, k)
		}
	}
}
