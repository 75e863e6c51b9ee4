package models

import "time"

// EventType enumerates the push event types. The set mirrors the session and
// chain transitions; receivers must treat unknown values as a generic
// notification rather than dropping them.
type EventType string

const (
	EventSessionRequested   EventType = "SESSION_REQUESTED"
	EventSessionAccepted    EventType = "SESSION_ACCEPTED"
	EventSessionRejected    EventType = "SESSION_REJECTED"
	EventSessionRescheduled EventType = "SESSION_RESCHEDULED"
	EventSessionCancelled   EventType = "SESSION_CANCELLED"
	EventSummarySubmitted   EventType = "SUMMARY_SUBMITTED"
	EventSummaryApproved    EventType = "SUMMARY_APPROVED"
	EventChainCreated       EventType = "CHAIN_CREATED"
	EventChainApproved      EventType = "CHAIN_APPROVED"
	EventChainRejected      EventType = "CHAIN_REJECTED"
	EventChainEscalated     EventType = "CHAIN_ESCALATED"
	EventChainRevoked       EventType = "CHAIN_REVOKED"
)

// Event is one state-change notification destined for a single recipient.
// SubjectID plus Transition form the idempotency key: the transport is
// at-least-once and both delivery paths may hand over the same event.
type Event struct {
	Type               EventType         `json:"type"`
	RecipientID        string            `json:"recipient_id"`
	RecipientRole      UserRole          `json:"recipient_role"`
	SubjectID          string            `json:"subject_id"`
	Transition         string            `json:"transition"`
	Payload            map[string]string `json:"payload,omitempty"`
	FormattedTimestamp string            `json:"formatted_timestamp,omitempty"`
	OccurredAt         time.Time         `json:"occurred_at"`
}

// DedupKey identifies the logical transition independent of delivery path.
func (e Event) DedupKey() string {
	return e.SubjectID + ":" + e.Transition
}

// Notification is the persisted in-app feed row backing the realtime push.
type Notification struct {
	ID            string     `db:"id" json:"id"`
	RecipientID   string     `db:"recipient_id" json:"recipient_id"`
	RecipientRole UserRole   `db:"recipient_role" json:"recipient_role"`
	Type          EventType  `db:"type" json:"type"`
	SubjectID     string     `db:"subject_id" json:"subject_id"`
	Transition    string     `db:"transition" json:"transition"`
	Payload       []byte     `db:"payload" json:"payload,omitempty"`
	ReadAt        *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// NotificationFilter constrains feed queries.
type NotificationFilter struct {
	RecipientID string
	UnreadOnly  bool
	Limit       int
	Offset      int
}
