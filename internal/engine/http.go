package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
)

const defaultBufferSize = 64 * 1024

type HTTPConfig struct {
	Timeout        time.Duration
	UserAgent      string
	Retry          domain.RetryPolicy
	SampleInterval time.Duration
	Client         *http.Client
	Logger         *logrus.Logger
}

// HTTPEngine downloads http(s) URLs into a ".part" file that is renamed into
// place on success. A partial file left by an earlier attempt is resumed with
// a Range request when the server supports it.
type HTTPEngine struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPEngine(cfg HTTPConfig) *HTTPEngine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "batchdl"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	client := cfg.Client
	if client == nil {
		// no client timeout: long transfers are bounded by ctx instead
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   16,
			},
		}
	}
	return &HTTPEngine{cfg: cfg, client: client}
}

func (e *HTTPEngine) Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress ProgressFunc) (Result, error) {
	logger := e.cfg.Logger.WithField("item_id", item.ID)
	policy := e.cfg.Retry

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Result{TotalBytes: -1}, fmt.Errorf("create destination dir: %w", err)
	}
	partPath := destPath + ".part"
	s := newSampler(item, e.cfg.SampleInterval, onProgress)

	attempts := 0
	failures := 0
	for {
		attempts++
		before := s.bytes()
		err := e.attempt(ctx, item.URL, partPath, s)
		if err == nil {
			s.flush()
			if err := os.Rename(partPath, destPath); err != nil {
				return s.result(attempts), fmt.Errorf("finalize download: %w", err)
			}
			return s.result(attempts), nil
		}
		if ctx.Err() != nil {
			return s.result(attempts), fmt.Errorf("download cancelled: %w", ctx.Err())
		}

		failures++
		if policy.ResetOnProgress && s.bytes() > before {
			failures = 1
		}
		if !e.retryable(err) || !policy.CanAttempt(failures) {
			return s.result(attempts), err
		}

		delay := policy.CalculateDelay(failures)
		logger.Warnf("attempt %d failed, retrying in %s: %v", attempts, delay.Round(time.Millisecond), err)
		if err := sleepContext(ctx, delay); err != nil {
			return s.result(attempts), fmt.Errorf("download cancelled: %w", err)
		}
	}
}

func (e *HTTPEngine) retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return e.cfg.Retry.ShouldRetry(statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return e.cfg.Retry.Enabled
	}
	return false
}

func (e *HTTPEngine) attempt(ctx context.Context, url, partPath string, s *sampler) error {
	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		if size, ok := contentRangeSize(resp.Header.Get("Content-Range")); ok && size == offset {
			// the part file already holds the whole resource
			s.setTotal(size)
			s.set(size)
			return nil
		}
		_ = resp.Body.Close()
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard stale part file: %w", err)
		}
		return e.attempt(ctx, url, partPath, s)
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	default:
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if resp.ContentLength >= 0 {
		s.setTotal(offset + resp.ContentLength)
	}
	s.set(offset)

	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}

	buf := make([]byte, defaultBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				_ = out.Close()
				return fmt.Errorf("write part file: %w", err)
			}
			s.add(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync part file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	return nil
}

var _ Engine = (*HTTPEngine)(nil)

// contentRangeSize extracts the complete length from a "bytes */N" or
// "bytes a-b/N" Content-Range header.
func contentRangeSize(header string) (int64, bool) {
	_, size, ok := strings.Cut(header, "/")
	if !ok || size == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
