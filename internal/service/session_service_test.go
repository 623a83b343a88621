package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchdl/internal/domain"
	"batchdl/internal/engine"
	"batchdl/internal/progress"
	"batchdl/internal/repository/memory"
)

// stubEngine writes the URL into destPath; URLs containing "block" wait for
// cancellation and URLs containing "hold" wait for release.
type stubEngine struct {
	release chan struct{}
	entered chan string
}

func newStubEngine() *stubEngine {
	return &stubEngine{release: make(chan struct{}), entered: make(chan string, 100)}
}

func (e *stubEngine) Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress engine.ProgressFunc) (engine.Result, error) {
	e.entered <- item.URL
	switch {
	case strings.Contains(item.URL, "block"):
		<-ctx.Done()
		return engine.Result{Attempts: 1, TotalBytes: -1}, ctx.Err()
	case strings.Contains(item.URL, "hold"):
		select {
		case <-e.release:
		case <-ctx.Done():
			return engine.Result{Attempts: 1, TotalBytes: -1}, ctx.Err()
		}
	case strings.Contains(item.URL, "fail"):
		return engine.Result{Attempts: 1, TotalBytes: -1}, errors.New("remote said no")
	}
	if err := os.WriteFile(destPath, []byte(item.URL), 0o644); err != nil {
		return engine.Result{Attempts: 1, TotalBytes: -1}, err
	}
	n := int64(len(item.URL))
	onProgress(domain.ProgressUpdate{SessionID: item.SessionID, ItemID: item.ID, Status: domain.ItemStatusDownloading, DownloadedBytes: n, TotalBytes: &n})
	return engine.Result{Attempts: 1, DownloadedBytes: n, TotalBytes: n}, nil
}

type harness struct {
	svc      DownloadSessionService
	sessions *memory.SessionRepository
	items    *memory.ItemRepository
	tracker  *progress.Tracker
	engine   *stubEngine
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	h := &harness{
		sessions: memory.NewSessionRepository(),
		items:    memory.NewItemRepository(),
		tracker:  progress.NewTracker(progress.Config{FlushInterval: 10 * time.Millisecond, Logger: logger}),
		engine:   newStubEngine(),
		dir:      t.TempDir(),
	}
	h.tracker.Start(context.Background())
	h.svc = NewDownloadSessionService(h.sessions, h.items, h.engine, h.tracker, Config{
		DataDir:     h.dir,
		CancelGrace: 50 * time.Millisecond,
		Logger:      logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
		h.tracker.Close()
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.SessionStatus) *domain.DownloadSession {
	t.Helper()
	var session *domain.DownloadSession
	require.Eventually(t, func() bool {
		s, err := h.svc.GetSession(context.Background(), id)
		if err != nil {
			return false
		}
		session = s
		return s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s", want)
	return session
}

func (h *harness) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case url := <-h.engine.entered:
		return url
	case <-time.After(2 * time.Second):
		t.Fatal("engine was not called")
		return ""
	}
}

func requests(urls ...string) []ItemRequest {
	out := make([]ItemRequest, len(urls))
	for i, u := range urls {
		out[i] = ItemRequest{URL: u}
	}
	return out
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	file := filepath.Join(h.dir, "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name  string
		req   StartRequest
		field string
	}{
		{"no items", StartRequest{Destination: "out"}, "items"},
		{"blank destination", StartRequest{Items: requests("http://a/x"), Destination: "  "}, "destination"},
		{"destination is a file", StartRequest{Items: requests("http://a/x"), Destination: file}, "destination"},
		{"relative url", StartRequest{Items: requests("just/a/path"), Destination: "out"}, "items[0].url"},
		{"blank url", StartRequest{Items: requests("http://a/x", ""), Destination: "out"}, "items[1].url"},
		{"negative concurrency", StartRequest{Items: requests("http://a/x"), Destination: "out", Concurrency: -1}, "concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := h.svc.Start(ctx, tt.req)
			require.Error(t, err)
			assert.Empty(t, id)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	sessions, err := h.sessions.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "rejected starts must not persist a session")
}

func TestStartRejectsUnsupportedScheme(t *testing.T) {
	h := newHarness(t)
	h.svc = NewDownloadSessionService(h.sessions, h.items,
		engine.NewRouter().Handle(h.engine, "http", "https"), h.tracker, Config{DataDir: h.dir})

	_, err := h.svc.Start(context.Background(), StartRequest{Items: requests("ftp://host/file"), Destination: "out"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "ftp")
}

func TestStartRunsSessionToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.svc.SubscribeEvents(ctx)

	id, err := h.svc.Start(ctx, StartRequest{
		Title:       "docs",
		Items:       []ItemRequest{{URL: "http://host/a.txt"}, {URL: "http://host/b.txt", Filename: "custom.txt"}, {URL: "http://other/a.txt"}},
		Destination: "docs",
		Concurrency: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	session := h.waitStatus(t, id, domain.SessionStatusCompleted)
	assert.Equal(t, "docs", session.Title)
	assert.Equal(t, 3, session.CompletedCount)
	assert.Equal(t, 2, session.Concurrency)
	assert.Equal(t, filepath.Join(h.dir, "docs"), session.Destination)

	items, err := h.svc.GetSessionItems(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a.txt", items[0].Filename)
	assert.Equal(t, "custom.txt", items[1].Filename)
	assert.Equal(t, "a (1).txt", items[2].Filename)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
		assert.Equal(t, domain.ItemStatusCompleted, item.Status)
		assert.FileExists(t, filepath.Join(session.Destination, item.Filename))
	}

	summary, err := h.svc.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.CompletedItems)
	assert.InDelta(t, 100.0, summary.OverallProgress, 0.001)

	var seen []domain.SessionEventType
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				seen = append(seen, ev.Type)
			default:
				return len(seen) >= 2
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.SessionEventType{domain.SessionEventStarted, domain.SessionEventFinished}, seen)
}

func TestStartWithFailureEndsFailed(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.Start(context.Background(), StartRequest{Items: requests("http://h/ok", "http://h/fail"), Destination: "mixed"})
	require.NoError(t, err)

	session := h.waitStatus(t, id, domain.SessionStatusFailed)
	assert.Equal(t, 1, session.CompletedCount)
	assert.Equal(t, 1, session.FailedCount)

	items, err := h.svc.GetSessionItems(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "remote said no", items[1].ErrorMessage)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/hold", "http://h/b"), Destination: "pr", Concurrency: 1})
	require.NoError(t, err)
	h.waitEntered(t)

	paused, err := h.svc.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaused, paused.Status)

	_, err = h.svc.Pause(ctx, id)
	require.NoError(t, err)

	close(h.engine.release)
	select {
	case url := <-h.engine.entered:
		t.Fatalf("%s started while paused", url)
	case <-time.After(100 * time.Millisecond):
	}

	resumed, err := h.svc.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusDownloading, resumed.Status)

	h.waitStatus(t, id, domain.SessionStatusCompleted)
}

func TestPauseResumeIllegalStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/a"), Destination: "x"})
	require.NoError(t, err)
	h.waitStatus(t, id, domain.SessionStatusCompleted)

	_, err = h.svc.Pause(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = h.svc.Resume(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.Pause(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResumeRelaunchesStoppedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	session := domain.DownloadSession{ID: "old", Status: domain.SessionStatusPaused, Destination: filepath.Join(h.dir, "old"), Concurrency: 1, TotalCount: 2, CompletedCount: 1, CreatedAt: now}
	require.NoError(t, h.sessions.Add(ctx, &session))
	require.NoError(t, os.MkdirAll(session.Destination, 0o755))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "o1", SessionID: "old", Position: 0, URL: "http://h/1", Filename: "1", Status: domain.ItemStatusCompleted}))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "o2", SessionID: "old", Position: 1, URL: "http://h/2", Filename: "2", Status: domain.ItemStatusQueued}))

	_, err := h.svc.Resume(ctx, "old")
	require.NoError(t, err)

	final := h.waitStatus(t, "old", domain.SessionStatusCompleted)
	assert.Equal(t, 2, final.CompletedCount)
	assert.Equal(t, "http://h/2", h.waitEntered(t))
}

func TestCancelForce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/block/1", "http://h/block/2", "http://h/c"), Destination: "c", Concurrency: 2})
	require.NoError(t, err)
	h.waitEntered(t)

	h.svc.Cancel(ctx, id, true)
	session := h.waitStatus(t, id, domain.SessionStatusCancelled)
	assert.Equal(t, 3, session.CancelledCount)
	assert.Equal(t, session.TotalCount, session.FinishedCount())
}

func TestCancelGraceful(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/block"), Destination: "g"})
	require.NoError(t, err)
	h.waitEntered(t)

	h.svc.Cancel(ctx, id, false)
	h.waitStatus(t, id, domain.SessionStatusCancelled)
}

func TestCancelWithoutLiveManager(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := domain.DownloadSession{ID: "idle", Status: domain.SessionStatusPaused, TotalCount: 2, CreatedAt: time.Now()}
	require.NoError(t, h.sessions.Add(ctx, &session))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "d1", SessionID: "idle", Status: domain.ItemStatusCompleted}))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "d2", SessionID: "idle", Position: 1, Status: domain.ItemStatusQueued}))

	h.svc.Cancel(ctx, "idle", false)

	got, err := h.svc.GetSession(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, got.Status)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 1, got.CancelledCount)

	// unknown ids are swallowed
	h.svc.Cancel(ctx, "missing", true)
}

func TestGetRecentSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s-old", "s-new", "s-mid"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		s := domain.DownloadSession{ID: id, Status: domain.SessionStatusCompleted, CreatedAt: base.Add(offsets[i])}
		require.NoError(t, h.sessions.Add(ctx, &s))
	}

	all, err := h.svc.GetRecentSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s-new", "s-mid", "s-old"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := h.svc.GetRecentSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "s-new", two[0].ID)
}

func TestGetActiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id, status := range map[string]domain.SessionStatus{
		"a": domain.SessionStatusDownloading,
		"b": domain.SessionStatusPaused,
		"c": domain.SessionStatusCompleted,
		"d": domain.SessionStatusFailed,
	} {
		s := domain.DownloadSession{ID: id, Status: status, CreatedAt: time.Now()}
		require.NoError(t, h.sessions.Add(ctx, &s))
	}

	active, err := h.svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.svc.SubscribeEvents(ctx)

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/block", "http://h/b"), Destination: "del", Concurrency: 1})
	require.NoError(t, err)
	h.waitEntered(t)

	require.NoError(t, h.svc.DeleteSession(ctx, id))

	_, err = h.svc.GetSession(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	items, err := h.items.ListBySession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.ErrorIs(t, h.svc.DeleteSession(ctx, id), domain.ErrNotFound)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == domain.SessionEventDeleted && ev.SessionID == id {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/hold"), Destination: "stream"})
	require.NoError(t, err)
	stream := h.svc.StreamSession(ctx, id)
	other := h.svc.StreamSession(ctx, "someone-else")
	h.waitEntered(t)
	close(h.engine.release)

	var terminal domain.ProgressUpdate
	require.Eventually(t, func() bool {
		select {
		case u := <-stream:
			assert.Equal(t, id, u.SessionID)
			if u.IsCritical() {
				terminal = u
				return true
			}
		default:
		}
		return false
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, domain.ItemStatusCompleted, terminal.Status)

	select {
	case u := <-other:
		t.Fatalf("unexpected update for other session: %+v", u)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-stream:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoverSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dest := filepath.Join(h.dir, "rec")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	running := domain.DownloadSession{ID: "run", Status: domain.SessionStatusDownloading, Destination: dest, Concurrency: 1, TotalCount: 1, CreatedAt: time.Now()}
	paused := domain.DownloadSession{ID: "pause", Status: domain.SessionStatusPaused, Destination: dest, Concurrency: 1, TotalCount: 1, CreatedAt: time.Now()}
	require.NoError(t, h.sessions.Add(ctx, &running))
	require.NoError(t, h.sessions.Add(ctx, &paused))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "r1", SessionID: "run", URL: "http://h/r1", Filename: "r1", Status: domain.ItemStatusDownloading}))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "p1", SessionID: "pause", URL: "http://h/p1", Filename: "p1", Status: domain.ItemStatusQueued}))

	n, err := h.svc.RecoverSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitStatus(t, "run", domain.SessionStatusCompleted)
	got, err := h.svc.GetSession(ctx, "pause")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaused, got.Status)
}

func TestShutdownCancelsLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/block"), Destination: "sd"})
	require.NoError(t, err)
	h.waitEntered(t)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(shutdownCtx))

	got, err := h.svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, got.Status)

	_, err = h.svc.Start(ctx, StartRequest{Items: requests("http://h/a"), Destination: "sd"})
	assert.Error(t, err)
}

func TestStartAfterShutdownLeavesNoRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(shutdownCtx))

	_, err := h.svc.Start(ctx, StartRequest{Items: requests("http://h/a", "http://h/b"), Destination: "late"})
	require.Error(t, err)

	sessions, err := h.sessions.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	items, err := h.items.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	active, err := h.svc.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestConcurrentResumeOfStoppedSessionLaunchesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	session := domain.DownloadSession{ID: "stopped", Status: domain.SessionStatusPaused, Destination: filepath.Join(h.dir, "stopped"), Concurrency: 1, TotalCount: 1, CreatedAt: now}
	require.NoError(t, h.sessions.Add(ctx, &session))
	require.NoError(t, os.MkdirAll(session.Destination, 0o755))
	require.NoError(t, h.items.Add(ctx, &domain.DownloadItem{ID: "s1", SessionID: "stopped", URL: "http://h/block", Filename: "1", Status: domain.ItemStatusQueued}))

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Resume(ctx, "stopped")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		// callers arriving after the relaunch see a running session
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	assert.Equal(t, "http://h/block", h.waitEntered(t))
	select {
	case url := <-h.engine.entered:
		t.Fatalf("session launched twice, second run entered %s", url)
	case <-time.After(100 * time.Millisecond):
	}

	h.svc.Cancel(ctx, "stopped", true)
	h.waitStatus(t, "stopped", domain.SessionStatusCancelled)
}
