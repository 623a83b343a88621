package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"batchdl/internal/domain"
	"batchdl/internal/service"
	"batchdl/internal/storage"
)

const (
	defaultListLimit   = 20
	streamKeepAlive    = 15 * time.Second
	archiveLinkExpires = 15 * time.Minute
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	sessions service.DownloadSessionService
	archiver *storage.Archiver
	auth     AuthConfig
	logger   *logrus.Logger
}

// NewHandler builds the API handler. archiver may be nil when archiving is
// disabled.
func NewHandler(sessions service.DownloadSessionService, archiver *storage.Archiver, auth AuthConfig, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	auth.JWTSecret = strings.TrimSpace(auth.JWTSecret)
	auth.PasswordHash = strings.TrimSpace(auth.PasswordHash)
	if auth.TokenTTL <= 0 {
		auth.TokenTTL = defaultTokenTTL
	}
	return &Handler{
		sessions: sessions,
		archiver: archiver,
		auth:     auth,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	protected := api.Group("")
	if h.auth.JWTSecret != "" {
		api.POST("/auth/token", h.issueToken)
		protected.Use(authMiddleware(h.auth.JWTSecret))
	}
	{
		protected.POST("/sessions", h.createSession)
		protected.GET("/sessions", h.listSessions)
		protected.GET("/sessions/active", h.listActiveSessions)
		protected.GET("/sessions/:id", h.getSession)
		protected.GET("/sessions/:id/items", h.listItems)
		protected.GET("/sessions/:id/summary", h.getSummary)
		protected.GET("/sessions/:id/archive", h.getArchive)
		protected.GET("/sessions/:id/stream", h.streamSession)
		protected.POST("/sessions/:id/pause", h.pauseSession)
		protected.POST("/sessions/:id/resume", h.resumeSession)
		protected.POST("/sessions/:id/cancel", h.cancelSession)
		protected.DELETE("/sessions/:id", h.deleteSession)
		protected.GET("/events", h.streamEvents)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": validation.Field})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type createItemRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type createSessionRequest struct {
	Title       string              `json:"title"`
	Destination string              `json:"destination"`
	Concurrency int                 `json:"concurrency"`
	Items       []createItemRequest `json:"items"`
	// URLs is a shorthand for items without explicit file names.
	URLs []string `json:"urls"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]service.ItemRequest, 0, len(req.Items)+len(req.URLs))
	for _, item := range req.Items {
		items = append(items, service.ItemRequest{URL: item.URL, Filename: item.Filename})
	}
	for _, u := range req.URLs {
		items = append(items, service.ItemRequest{URL: u})
	}

	ctx := c.Request.Context()
	id, err := h.sessions.Start(ctx, service.StartRequest{
		Title:       req.Title,
		Items:       items,
		Destination: req.Destination,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	session, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sessionToResponse(*session))
}

func (h *Handler) listSessions(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	sessions, err := h.sessions.GetRecentSessions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionsToResponse(sessions))
}

func (h *Handler) listActiveSessions(c *gin.Context) {
	sessions, err := h.sessions.GetActiveSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionsToResponse(sessions))
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(*session))
}

func (h *Handler) listItems(c *gin.Context) {
	items, err := h.sessions.GetSessionItems(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]ItemResponse, len(items))
	for i := range items {
		resp[i] = itemToResponse(items[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getSummary(c *gin.Context) {
	summary, err := h.sessions.GetSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaryToResponse(summary))
}

func (h *Handler) getArchive(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage service not configured"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.sessions.GetSession(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	objects, err := h.archiver.Links(ctx, id, archiveLinkExpires)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) pauseSession(c *gin.Context) {
	session, err := h.sessions.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(*session))
}

func (h *Handler) resumeSession(c *gin.Context) {
	session, err := h.sessions.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(*session))
}

func (h *Handler) cancelSession(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag force"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.sessions.GetSession(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	h.sessions.Cancel(ctx, id, force)

	session, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sessionToResponse(*session))
}

func (h *Handler) deleteSession(c *gin.Context) {
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	session, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	items, err := h.sessions.GetSessionItems(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := h.sessions.DeleteSession(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"deleted": id}
	if deleteFiles {
		if warnings := cleanupLocalData(session, items); len(warnings) > 0 {
			for _, w := range warnings {
				h.logger.WithField("session_id", id).Warn(w)
			}
			resp["warnings"] = warnings
		}
	}
	c.JSON(http.StatusOK, resp)
}

// cleanupLocalData removes the files written for items, never touching
// anything outside the session destination.
func cleanupLocalData(session *domain.DownloadSession, items []domain.DownloadItem) []string {
	root := filepath.Clean(session.Destination)
	if root == "" || root == "." {
		return nil
	}
	var warnings []string
	for _, item := range items {
		if item.Filename == "" {
			continue
		}
		target := filepath.Join(root, item.Filename)
		if rel, err := filepath.Rel(root, target); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		for _, p := range []string{target, target + ".part"} {
			if err := os.RemoveAll(p); err != nil && !os.IsNotExist(err) {
				warnings = append(warnings, fmt.Sprintf("remove local data %s: %v", p, err))
			}
		}
	}
	return warnings
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func (h *Handler) streamSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.sessions.GetSession(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	updates := h.sessions.StreamSession(ctx, id)
	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	sseHeaders(c)
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("progress", progressToResponse(u))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func (h *Handler) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events := h.sessions.SubscribeEvents(ctx)
	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	sseHeaders(c)
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), eventToResponse(ev))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
			return true
		}
	})
}
