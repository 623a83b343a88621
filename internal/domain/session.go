package domain

import "time"

type SessionStatus string

const (
	SessionStatusQueued      SessionStatus = "queued"
	SessionStatusStarted     SessionStatus = "started"
	SessionStatusDownloading SessionStatus = "downloading"
	SessionStatusPaused      SessionStatus = "paused"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
	SessionStatusCancelled   SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// CanPause reports whether a session in status s may be paused. Pausing an
// already paused session is a no-op.
func (s SessionStatus) CanPause() bool {
	switch s {
	case SessionStatusQueued, SessionStatusStarted, SessionStatusDownloading, SessionStatusPaused:
		return true
	}
	return false
}

func (s SessionStatus) CanResume() bool {
	return s == SessionStatusPaused
}

type ItemStatus string

const (
	ItemStatusQueued      ItemStatus = "queued"
	ItemStatusDownloading ItemStatus = "downloading"
	ItemStatusCompleted   ItemStatus = "completed"
	ItemStatusFailed      ItemStatus = "failed"
	ItemStatusCancelled   ItemStatus = "cancelled"
)

func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// DownloadSession is a batch of download items started and tracked together.
type DownloadSession struct {
	ID             string
	Title          string
	Status         SessionStatus
	Destination    string
	Concurrency    int
	TotalCount     int
	CompletedCount int
	FailedCount    int
	CancelledCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// FinishedCount is the number of items that reached a terminal state.
func (s *DownloadSession) FinishedCount() int {
	return s.CompletedCount + s.FailedCount + s.CancelledCount
}

// DownloadItem is one URL download belonging to exactly one session.
type DownloadItem struct {
	ID              string
	SessionID       string
	Position        int
	URL             string
	Filename        string
	Status          ItemStatus
	TotalBytes      int64
	DownloadedBytes int64
	ErrorMessage    string
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// DeriveSessionStatus computes the terminal status of a session whose items
// have all finished. A mix of successes and failures is reported as failed.
func DeriveSessionStatus(completed, cancelled, total int) SessionStatus {
	switch {
	case total > 0 && cancelled == total:
		return SessionStatusCancelled
	case total > 0 && completed == total:
		return SessionStatusCompleted
	default:
		// all failed, or partial success: there is no partially completed state
		return SessionStatusFailed
	}
}

// CountItems tallies terminal item states.
func CountItems(items []DownloadItem) (completed, failed, cancelled int) {
	for i := range items {
		switch items[i].Status {
		case ItemStatusCompleted:
			completed++
		case ItemStatusFailed:
			failed++
		case ItemStatusCancelled:
			cancelled++
		}
	}
	return completed, failed, cancelled
}
