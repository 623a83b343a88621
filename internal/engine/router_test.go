package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchdl/internal/domain"
)

type stubEngine struct {
	calls []string
}

func (s *stubEngine) Download(_ context.Context, item domain.DownloadItem, _ string, _ ProgressFunc) (Result, error) {
	s.calls = append(s.calls, item.URL)
	return Result{Attempts: 1}, nil
}

func TestRouterDispatchesByScheme(t *testing.T) {
	web := &stubEngine{}
	bucket := &stubEngine{}
	router := NewRouter().Handle(web, "http", "https").Handle(bucket, "s3")

	_, err := router.Download(context.Background(), testItem("HTTPS://example.com/a"), "", nil)
	require.NoError(t, err)
	_, err = router.Download(context.Background(), testItem("s3://b/k"), "", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"HTTPS://example.com/a"}, web.calls)
	assert.Equal(t, []string{"s3://b/k"}, bucket.calls)
}

func TestRouterRejectsUnknownScheme(t *testing.T) {
	router := NewRouter().Handle(&stubEngine{}, "http")

	assert.False(t, router.Supports("ftp://example.com/a"))
	assert.True(t, router.Supports("http://example.com/a"))

	_, err := router.Download(context.Background(), testItem("ftp://example.com/a"), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported url scheme")
}
