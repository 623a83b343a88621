package http

import (
	"time"

	"batchdl/internal/domain"
	"batchdl/internal/storage"
)

type SessionResponse struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Destination    string `json:"destination"`
	Concurrency    int    `json:"concurrency"`
	TotalCount     int    `json:"total_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
	CancelledCount int    `json:"cancelled_count"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type ItemResponse struct {
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	Position        int    `json:"position"`
	URL             string `json:"url"`
	Filename        string `json:"filename"`
	Status          string `json:"status"`
	TotalBytes      int64  `json:"total_bytes"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	Error           string `json:"error,omitempty"`
	RetryCount      int    `json:"retry_count"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

type ProgressResponse struct {
	SessionID       string   `json:"session_id"`
	ItemID          string   `json:"item_id"`
	Status          string   `json:"status"`
	DownloadedBytes int64    `json:"downloaded_bytes"`
	TotalBytes      *int64   `json:"total_bytes,omitempty"`
	Progress        float64  `json:"progress"`
	Speed           *float64 `json:"speed,omitempty"`
	ETASeconds      *float64 `json:"eta_seconds,omitempty"`
	Error           string   `json:"error,omitempty"`
	Timestamp       string   `json:"timestamp"`
}

type SummaryResponse struct {
	SessionID       string  `json:"session_id"`
	TotalItems      int     `json:"total_items"`
	QueuedItems     int     `json:"queued_items"`
	ActiveItems     int     `json:"active_items"`
	CompletedItems  int     `json:"completed_items"`
	FailedItems     int     `json:"failed_items"`
	CancelledItems  int     `json:"cancelled_items"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	AverageSpeed    float64 `json:"average_speed"`
	OverallProgress float64 `json:"overall_progress"`
	UpdatedAt       string  `json:"updated_at,omitempty"`
}

type EventResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type StorageObjectResponse struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
	URL          string `json:"url"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func sessionToResponse(s domain.DownloadSession) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		Title:          s.Title,
		Status:         string(s.Status),
		Destination:    s.Destination,
		Concurrency:    s.Concurrency,
		TotalCount:     s.TotalCount,
		CompletedCount: s.CompletedCount,
		FailedCount:    s.FailedCount,
		CancelledCount: s.CancelledCount,
		CreatedAt:      formatTime(s.CreatedAt),
		UpdatedAt:      formatTime(s.UpdatedAt),
		CompletedAt:    formatTimePtr(s.CompletedAt),
	}
}

func sessionsToResponse(sessions []domain.DownloadSession) []SessionResponse {
	resp := make([]SessionResponse, len(sessions))
	for i := range sessions {
		resp[i] = sessionToResponse(sessions[i])
	}
	return resp
}

func itemToResponse(item domain.DownloadItem) ItemResponse {
	return ItemResponse{
		ID:              item.ID,
		SessionID:       item.SessionID,
		Position:        item.Position,
		URL:             item.URL,
		Filename:        item.Filename,
		Status:          string(item.Status),
		TotalBytes:      item.TotalBytes,
		DownloadedBytes: item.DownloadedBytes,
		Error:           item.ErrorMessage,
		RetryCount:      item.RetryCount,
		StartedAt:       formatTimePtr(item.StartedAt),
		CompletedAt:     formatTimePtr(item.CompletedAt),
	}
}

func progressToResponse(u domain.ProgressUpdate) ProgressResponse {
	resp := ProgressResponse{
		SessionID:       u.SessionID,
		ItemID:          u.ItemID,
		Status:          string(u.Status),
		DownloadedBytes: u.DownloadedBytes,
		TotalBytes:      u.TotalBytes,
		Progress:        u.Progress(),
		Speed:           u.Speed,
		Error:           u.Error,
		Timestamp:       formatTime(u.Timestamp),
	}
	if u.ETA != nil {
		secs := u.ETA.Seconds()
		resp.ETASeconds = &secs
	}
	return resp
}

func summaryToResponse(s domain.SessionProgressSummary) SummaryResponse {
	return SummaryResponse{
		SessionID:       s.SessionID,
		TotalItems:      s.TotalItems,
		QueuedItems:     s.QueuedItems,
		ActiveItems:     s.ActiveItems,
		CompletedItems:  s.CompletedItems,
		FailedItems:     s.FailedItems,
		CancelledItems:  s.CancelledItems,
		TotalBytes:      s.TotalBytes,
		DownloadedBytes: s.DownloadedBytes,
		AverageSpeed:    s.AverageSpeed,
		OverallProgress: s.OverallProgress,
		UpdatedAt:       formatTime(s.UpdatedAt),
	}
}

func eventToResponse(ev domain.SessionEvent) EventResponse {
	return EventResponse{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Status:    string(ev.Status),
		Timestamp: formatTime(ev.Timestamp),
	}
}

func objectToResponse(obj storage.ArchivedObject) StorageObjectResponse {
	return StorageObjectResponse{
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: formatTimePtr(obj.LastModified),
		URL:          obj.URL,
	}
}
