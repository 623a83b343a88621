package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"batchdl/internal/domain"
)

// Router dispatches an item to the engine registered for its URL scheme.
type Router struct {
	engines map[string]Engine
}

func NewRouter() *Router {
	return &Router{engines: make(map[string]Engine)}
}

// Handle registers engine for the given schemes.
func (r *Router) Handle(engine Engine, schemes ...string) *Router {
	for _, scheme := range schemes {
		r.engines[strings.ToLower(scheme)] = engine
	}
	return r
}

// Supports reports whether rawURL has a registered scheme.
func (r *Router) Supports(rawURL string) bool {
	_, err := r.lookup(rawURL)
	return err == nil
}

func (r *Router) lookup(rawURL string) (Engine, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	engine, ok := r.engines[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return engine, nil
}

func (r *Router) Download(ctx context.Context, item domain.DownloadItem, destPath string, onProgress ProgressFunc) (Result, error) {
	engine, err := r.lookup(item.URL)
	if err != nil {
		return Result{Attempts: 1, TotalBytes: -1}, err
	}
	return engine.Download(ctx, item, destPath, onProgress)
}

var _ Engine = (*Router)(nil)
