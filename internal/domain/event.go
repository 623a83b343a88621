package domain

import "time"

type SessionEventType string

const (
	SessionEventStarted         SessionEventType = "started"
	SessionEventPaused          SessionEventType = "paused"
	SessionEventResumed         SessionEventType = "resumed"
	SessionEventCancelRequested SessionEventType = "cancel_requested"
	SessionEventFinished        SessionEventType = "finished"
	SessionEventDeleted         SessionEventType = "deleted"
)

// SessionEvent is a lifecycle notification for a session.
type SessionEvent struct {
	Type        SessionEventType
	SessionID   string
	Status      SessionStatus
	Destination string
	Timestamp   time.Time
}
