package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
)

type ArchiveConfig struct {
	Bucket    string
	KeyPrefix string
	// RemoveLocal deletes the session directory after a successful upload.
	RemoveLocal bool
	Logger      *logrus.Logger
}

// ArchivedObject is one archived file with a time-limited download link.
type ArchivedObject struct {
	ObjectInfo
	URL string
}

// Archiver uploads the destination directory of completed sessions and
// removes the archive when the session is deleted.
type Archiver struct {
	svc Service
	cfg ArchiveConfig
}

func NewArchiver(svc Service, cfg ArchiveConfig) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Archiver{svc: svc, cfg: cfg}
}

// Prefix is the object key prefix holding the archive of sessionID.
func (a *Archiver) Prefix(sessionID string) string {
	name := fmt.Sprintf("session-%s", sessionID)
	if prefix := strings.Trim(a.cfg.KeyPrefix, "/"); prefix != "" {
		return path.Join(prefix, name)
	}
	return name
}

// Archive uploads dir and returns the archive location.
func (a *Archiver) Archive(ctx context.Context, sessionID, dir string) (string, error) {
	logger := a.cfg.Logger.WithField("session_id", sessionID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("local data missing: %w", err)
	}

	progressLogger := newUploadProgressLogger(logger)
	opts := UploadOptions{
		Bucket:           a.cfg.Bucket,
		KeyPrefix:        a.Prefix(sessionID),
		ProgressCallback: progressLogger,
	}

	logger.Infof("archive upload started from %s", dir)
	dest, err := a.svc.UploadDirectory(ctx, dir, opts)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	if a.cfg.RemoveLocal {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnf("cleanup download dir: %v", err)
		}
	}
	logger.Infof("session archived to %s", dest)
	return dest, nil
}

// Links lists the archived objects of a session with presigned URLs.
func (a *Archiver) Links(ctx context.Context, sessionID string, expires time.Duration) ([]ArchivedObject, error) {
	objects, err := a.svc.ListObjects(ctx, a.cfg.Bucket, a.Prefix(sessionID)+"/")
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("archive of session %s: %w", sessionID, domain.ErrNotFound)
	}
	out := make([]ArchivedObject, 0, len(objects))
	for _, obj := range objects {
		link, err := a.svc.GetObjectURL(ctx, a.cfg.Bucket, obj.Key, expires)
		if err != nil {
			return nil, err
		}
		out = append(out, ArchivedObject{ObjectInfo: obj, URL: link})
	}
	return out, nil
}

// Remove deletes the archive of a session.
func (a *Archiver) Remove(ctx context.Context, sessionID string) error {
	return a.svc.DeletePrefix(ctx, a.cfg.Bucket, a.Prefix(sessionID)+"/")
}

// Run archives sessions as lifecycle events arrive until events is closed or
// ctx is done. Failures are logged.
func (a *Archiver) Run(ctx context.Context, events <-chan domain.SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Archiver) handle(ctx context.Context, ev domain.SessionEvent) {
	logger := a.cfg.Logger.WithField("session_id", ev.SessionID)
	switch {
	case ev.Type == domain.SessionEventFinished && ev.Status == domain.SessionStatusCompleted:
		if ev.Destination == "" {
			logger.Warn("archive skipped: session has no destination")
			return
		}
		if _, err := a.Archive(ctx, ev.SessionID, ev.Destination); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("archive session: %v", err)
		}
	case ev.Type == domain.SessionEventDeleted:
		if err := a.Remove(ctx, ev.SessionID); err != nil {
			logger.Warnf("remove archive: %v", err)
		}
	}
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if total == 0 {
			if now.Sub(lastLog) < 500*time.Millisecond && done != 0 {
				return
			}
			lastLog = now
			logger.Infof("upload progress: %s uploaded", formatBytes(done))
			return
		}

		percent := float64(done) / float64(total) * 100
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		logger.Infof("upload progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
