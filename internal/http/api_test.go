package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchdl/internal/domain"
	"batchdl/internal/engine"
	"batchdl/internal/progress"
	"batchdl/internal/repository/memory"
	"batchdl/internal/service"
	"batchdl/internal/storage"
)

// stubEngine writes the URL into destPath; URLs containing "hold" wait for
// cancellation.
type stubEngine struct{}

func (stubEngine) Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress engine.ProgressFunc) (engine.Result, error) {
	if strings.Contains(item.URL, "hold") {
		<-ctx.Done()
		return engine.Result{Attempts: 1, TotalBytes: -1}, ctx.Err()
	}
	if strings.Contains(item.URL, "fail") {
		return engine.Result{Attempts: 1, TotalBytes: -1}, errors.New("remote said no")
	}
	if err := os.WriteFile(destPath, []byte(item.URL), 0o644); err != nil {
		return engine.Result{Attempts: 1, TotalBytes: -1}, err
	}
	n := int64(len(item.URL))
	onProgress(domain.ProgressUpdate{SessionID: item.SessionID, ItemID: item.ID, Status: domain.ItemStatusDownloading, DownloadedBytes: n, TotalBytes: &n})
	return engine.Result{Attempts: 1, DownloadedBytes: n, TotalBytes: n}, nil
}

type fakeStorage struct {
	objects map[string][]storage.ObjectInfo
}

func (f *fakeStorage) UploadDirectory(ctx context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	return "s3://" + opts.Bucket + "/" + opts.KeyPrefix, nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return f.objects[prefix], nil
}

func (f *fakeStorage) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	delete(f.objects, prefix)
	return nil
}

func (f *fakeStorage) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.example/%s?expires=%d", bucket, key, int(expires.Seconds())), nil
}

type apiHarness struct {
	router *gin.Engine
	svc    service.DownloadSessionService
	dir    string
}

func newAPIHarness(t *testing.T, archiver *storage.Archiver, auth AuthConfig) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	tracker := progress.NewTracker(progress.Config{FlushInterval: 10 * time.Millisecond, Logger: logger})
	tracker.Start(context.Background())
	dir := t.TempDir()
	svc := service.NewDownloadSessionService(memory.NewSessionRepository(), memory.NewItemRepository(), stubEngine{}, tracker, service.Config{
		DataDir:     dir,
		CancelGrace: 50 * time.Millisecond,
		Logger:      logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		tracker.Close()
	})

	router := gin.New()
	NewHandler(svc, archiver, auth, logger).RegisterRoutes(router)
	return &apiHarness{router: router, svc: svc, dir: dir}
}

func (h *apiHarness) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) create(t *testing.T, urls ...string) SessionResponse {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/sessions", gin.H{"title": "batch", "destination": "out", "urls": urls})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (h *apiHarness) waitStatus(t *testing.T, id string, want domain.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.svc.GetSession(context.Background(), id)
		return err == nil && s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{JWTSecret: "secret"})
	rec := h.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{JWTSecret: "secret"})

	rec := h.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken("secret", "tester", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/sessions?token="+token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	forged, err := IssueToken("other", "tester", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken("secret", "tester", -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Basic "+token)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordLogin(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	h := newAPIHarness(t, nil, AuthConfig{JWTSecret: "secret", PasswordHash: hash, TokenTTL: time.Hour})

	rec := h.do(t, http.MethodPost, "/api/auth/token", gin.H{"password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/token", gin.H{"subject": "ops", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExpiresAt)

	claims, err := parseToken("secret", resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	rec = h.do(t, http.MethodGet, "/api/sessions?token="+resp.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordLoginDisabled(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{JWTSecret: "secret"})
	rec := h.do(t, http.MethodPost, "/api/auth/token", gin.H{"password": "whatever123"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHashPasswordRejectsShortPasswords(t *testing.T) {
	_, err := HashPassword("short")
	assert.Error(t, err)
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken(" ", "tester", time.Minute)
	assert.Error(t, err)
}

func TestCreateSessionRunsToCompletion(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})
	created := h.create(t, "http://example.com/a.bin", "http://example.com/b.bin")
	assert.Equal(t, "batch", created.Title)
	assert.Equal(t, 2, created.TotalCount)

	h.waitStatus(t, created.ID, domain.SessionStatusCompleted)

	rec := h.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var session SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "completed", session.Status)
	assert.Equal(t, 2, session.CompletedCount)
	assert.NotEmpty(t, session.CompletedAt)

	rec = h.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []ItemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "a.bin", items[0].Filename)
	assert.Equal(t, "b.bin", items[1].Filename)

	rec = h.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.CompletedItems)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestErrorMapping(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})

	rec := h.do(t, http.MethodPost, "/api/sessions", gin.H{"destination": "out"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"items"`)

	rec = h.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sessions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created := h.create(t, "http://example.com/a.bin")
	h.waitStatus(t, created.ID, domain.SessionStatusCompleted)
	rec = h.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPauseResumeCancel(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})
	created := h.create(t, "http://example.com/hold.bin")

	rec := h.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"paused"`)

	rec = h.do(t, http.MethodGet, "/api/sessions/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = h.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/cancel?force=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/cancel?force=true", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	h.waitStatus(t, created.ID, domain.SessionStatusCancelled)
}

func TestDeleteSessionRemovesFiles(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})
	created := h.create(t, "http://example.com/a.bin")
	h.waitStatus(t, created.ID, domain.SessionStatusCompleted)

	file := filepath.Join(h.dir, "out", "a.bin")
	require.FileExists(t, file)

	rec := h.do(t, http.MethodDelete, "/api/sessions/"+created.ID+"?delete_files=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoFileExists(t, file)

	rec = h.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveLinks(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})
	created := h.create(t, "http://example.com/a.bin")
	rec := h.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/archive", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	fake := &fakeStorage{objects: map[string][]storage.ObjectInfo{}}
	archiver := storage.NewArchiver(fake, storage.ArchiveConfig{Bucket: "media", KeyPrefix: "archive"})
	h = newAPIHarness(t, archiver, AuthConfig{})
	created = h.create(t, "http://example.com/a.bin")
	h.waitStatus(t, created.ID, domain.SessionStatusCompleted)

	rec = h.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	prefix := archiver.Prefix(created.ID) + "/"
	fake.objects[prefix] = []storage.ObjectInfo{{Key: prefix + "a.bin", Size: 23}}
	rec = h.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var objects []StorageObjectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &objects))
	require.Len(t, objects, 1)
	assert.Equal(t, prefix+"a.bin", objects[0].Key)
	assert.Equal(t, "https://media.example/"+prefix+"a.bin?expires=900", objects[0].URL)
}

func TestStreamSession(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	created := h.create(t, "http://example.com/hold.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+created.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	h.svc.Cancel(context.Background(), created.ID, true)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") && strings.Contains(line, `"status":"cancelled"`) {
			return
		}
	}
	t.Fatalf("stream ended without a terminal update: %v", scanner.Err())
}

func TestStreamUnknownSession(t *testing.T) {
	h := newAPIHarness(t, nil, AuthConfig{})
	rec := h.do(t, http.MethodGet, "/api/sessions/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
