// Package engine performs the byte-level transfer of a single download item.
// Engines are driven by the session workers; they report progress samples
// through a callback and observe ctx for cancellation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchdl/internal/domain"
)

// ProgressFunc receives raw progress samples during a transfer.
type ProgressFunc func(domain.ProgressUpdate)

// Engine transfers one item to destPath. A nil error means success. When ctx
// is cancelled the returned error wraps ctx.Err() so callers can tell
// cancellation apart from failure.
type Engine interface {
	Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress ProgressFunc) (Result, error)
}

// Result describes a finished (or abandoned) transfer.
type Result struct {
	Attempts        int
	DownloadedBytes int64
	TotalBytes      int64 // -1 when unknown
}

// StatusError is returned when a remote answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected status: %s", e.Status)
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

const defaultSampleInterval = 200 * time.Millisecond

// sampler turns cumulative byte counts into throttled ProgressUpdate samples
// with instantaneous speed and ETA.
type sampler struct {
	item     domain.DownloadItem
	interval time.Duration
	emit     ProgressFunc

	mu         sync.Mutex
	downloaded int64
	total      int64
	lastEmit   time.Time
	lastBytes  int64
}

func newSampler(item domain.DownloadItem, interval time.Duration, emit ProgressFunc) *sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &sampler{
		item:     item,
		interval: interval,
		emit:     emit,
		total:    -1,
		lastEmit: time.Now(),
	}
}

func (s *sampler) setTotal(total int64) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
}

// set records the cumulative byte count and emits when the interval elapsed.
func (s *sampler) set(downloaded int64) {
	s.mu.Lock()
	s.downloaded = downloaded
	s.mu.Unlock()
	s.maybeEmit(false)
}

func (s *sampler) add(n int64) {
	s.mu.Lock()
	s.downloaded += n
	s.mu.Unlock()
	s.maybeEmit(false)
}

func (s *sampler) flush() {
	s.maybeEmit(true)
}

func (s *sampler) bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded
}

func (s *sampler) result(attempts int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{Attempts: attempts, DownloadedBytes: s.downloaded, TotalBytes: s.total}
}

func (s *sampler) maybeEmit(force bool) {
	if s.emit == nil {
		return
	}

	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastEmit)
	if !force && elapsed < s.interval {
		s.mu.Unlock()
		return
	}
	update := domain.ProgressUpdate{
		SessionID:       s.item.SessionID,
		ItemID:          s.item.ID,
		Status:          domain.ItemStatusDownloading,
		DownloadedBytes: s.downloaded,
		Timestamp:       now,
	}
	if s.total >= 0 {
		total := s.total
		update.TotalBytes = &total
	}
	if elapsed > 0 {
		speed := float64(s.downloaded-s.lastBytes) / elapsed.Seconds()
		update.Speed = &speed
		if speed > 0 && s.total > s.downloaded {
			eta := time.Duration(float64(s.total-s.downloaded) / speed * float64(time.Second))
			update.ETA = &eta
		}
	}
	s.lastEmit = now
	s.lastBytes = s.downloaded
	s.mu.Unlock()

	s.emit(update)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
