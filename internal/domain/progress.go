package domain

import "time"

// ProgressUpdate is a single progress sample for one item. Optional values are
// nil when the producer could not determine them.
type ProgressUpdate struct {
	SessionID       string
	ItemID          string
	Status          ItemStatus
	DownloadedBytes int64
	TotalBytes      *int64
	Speed           *float64 // bytes per second
	ETA             *time.Duration
	Error           string
	Timestamp       time.Time
}

// Progress returns the completion percentage, or 0 when the total is unknown.
func (u ProgressUpdate) Progress() float64 {
	if u.TotalBytes == nil || *u.TotalBytes <= 0 {
		return 0
	}
	return min(100, float64(u.DownloadedBytes)/float64(*u.TotalBytes)*100)
}

// IsCritical reports whether the update is a terminal state transition that
// must reach subscribers without batching delay.
func (u ProgressUpdate) IsCritical() bool {
	return u.Status.IsTerminal()
}

// SessionProgressSummary is a computed view over the latest update of every
// tracked item of a session.
type SessionProgressSummary struct {
	SessionID       string
	TotalItems      int
	QueuedItems     int
	ActiveItems     int
	CompletedItems  int
	FailedItems     int
	CancelledItems  int
	TotalBytes      int64
	DownloadedBytes int64
	AverageSpeed    float64
	OverallProgress float64
	UpdatedAt       time.Time
}
