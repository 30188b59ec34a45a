package sessionsync

import (
	"time"
)

var sessionEventsTable = ""

const defaultSessionEventsTable = "session_events"

// SessionEvent is an audit row for one committed session mutation.
// Codes and messages are not recorded.
type SessionEvent struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string    `gorm:"index;type:varchar(64);not null" json:"session_id"`
	SessionCode  string    `gorm:"index;type:varchar(10)" json:"session_code"`
	Kind         string    `gorm:"index;type:varchar(20);not null" json:"kind"`
	State        string    `gorm:"type:varchar(30)" json:"state"`
	ApprovalType string    `gorm:"type:varchar(30)" json:"approval_type"`
	Status       string    `gorm:"index;type:varchar(20)" json:"status"`
	Revision     int64     `json:"revision"`
	CreatedAt    time.Time `gorm:"index;not null" json:"created_at"`
}

func (*SessionEvent) TableName() string {
	if sessionEventsTable != "" {
		return sessionEventsTable
	}
	return defaultSessionEventsTable
}

func newSessionEvent(ev *Event, at time.Time) *SessionEvent {
	rec := &SessionEvent{
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		CreatedAt: at,
	}

	if s := ev.Session; s != nil {
		rec.SessionCode = s.SessionCode
		rec.ApprovalType = string(s.ApprovalType)
		rec.Status = string(s.Status)
		rec.Revision = s.Revision
		rec.CreatedAt = s.UpdatedAt
		if state, err := StateOf(s); err == nil {
			rec.State = state.String()
		}
	}

	return rec
}
