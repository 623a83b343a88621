package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	tstorage "github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
)

type TorrentConfig struct {
	DataDir        string
	Trackers       []string
	StatusInterval time.Duration
	Logger         *logrus.Logger
}

// TorrentEngine fetches magnet: URLs. The torrent client is created on first
// use and shared by all items; each item's payload is stored under destPath.
type TorrentEngine struct {
	cfg TorrentConfig

	mu     sync.Mutex
	client *torrent.Client
}

func NewTorrentEngine(cfg TorrentConfig) *TorrentEngine {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = defaultTrackers()
	}
	return &TorrentEngine{cfg: cfg}
}

func (e *TorrentEngine) ensureClient() (*torrent.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	if e.cfg.DataDir != "" {
		if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create torrent data dir: %w", err)
		}
	}
	clientConfig := torrent.NewDefaultClientConfig()
	if e.cfg.DataDir != "" {
		clientConfig.DataDir = e.cfg.DataDir
	}
	clientConfig.Seed = false

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	e.client = client
	e.cfg.Logger.Info("torrent client started")
	return client, nil
}

func (e *TorrentEngine) Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress ProgressFunc) (Result, error) {
	logger := e.cfg.Logger.WithField("item_id", item.ID)
	s := newSampler(item, e.cfg.StatusInterval, onProgress)

	client, err := e.ensureClient()
	if err != nil {
		return s.result(1), err
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return s.result(1), fmt.Errorf("create destination dir: %w", err)
	}

	spec, err := torrent.TorrentSpecFromMagnetUri(item.URL)
	if err != nil {
		return s.result(1), fmt.Errorf("parse magnet: %w", err)
	}
	store, err := e.itemStorage(item, destPath)
	if err != nil {
		return s.result(1), err
	}
	// runs after t.Drop so the completion database is released last
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("close torrent storage: %v", err)
		}
	}()
	spec.Storage = store
	for _, tracker := range e.cfg.Trackers {
		spec.Trackers = append(spec.Trackers, []string{tracker})
	}

	t, _, err := client.AddTorrentSpec(spec)
	if err != nil {
		return s.result(1), fmt.Errorf("add magnet: %w", err)
	}
	defer t.Drop()

	select {
	case <-ctx.Done():
		return s.result(1), fmt.Errorf("download cancelled before metadata: %w", ctx.Err())
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		return s.result(1), errors.New("missing torrent info")
	}
	s.setTotal(info.TotalLength())
	logger.Infof("fetching %s (%s)", info.BestName(), formatBytes(info.TotalLength()))

	t.DownloadAll()

	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.set(t.BytesCompleted())
			return s.result(1), fmt.Errorf("download cancelled: %w", ctx.Err())
		case <-ticker.C:
			s.set(t.BytesCompleted())
			if t.BytesMissing() == 0 {
				s.flush()
				return s.result(1), nil
			}
		}
	}
}

// itemStorage stores payload files under destPath. Piece completion state is
// kept per item under the engine data dir so the destination only holds
// payload files.
func (e *TorrentEngine) itemStorage(item domain.DownloadItem, destPath string) (tstorage.ClientImplCloser, error) {
	completionDir := destPath
	if e.cfg.DataDir != "" {
		completionDir = filepath.Join(e.cfg.DataDir, "completion", item.ID)
	}
	if err := os.MkdirAll(completionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create completion dir: %w", err)
	}
	completion, err := tstorage.NewDefaultPieceCompletionForDir(completionDir)
	if err != nil {
		return nil, fmt.Errorf("open piece completion: %w", err)
	}
	return tstorage.NewFileWithCompletion(destPath, completion), nil
}

// Close stops the shared torrent client.
func (e *TorrentEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
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

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"http://tracker.opentrackr.org:1337/announce",
	}
}

var _ Engine = (*TorrentEngine)(nil)
