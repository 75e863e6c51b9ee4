package models

import (
	"time"

	"github.com/lib/pq"

	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

// GuidanceStatus captures the lifecycle of a guidance session.
type GuidanceStatus string

const (
	GuidanceStatusRequested      GuidanceStatus = "REQUESTED"
	GuidanceStatusAccepted       GuidanceStatus = "ACCEPTED"
	GuidanceStatusRejected       GuidanceStatus = "REJECTED"
	GuidanceStatusSummaryPending GuidanceStatus = "SUMMARY_PENDING"
	GuidanceStatusCompleted      GuidanceStatus = "COMPLETED"
	GuidanceStatusCancelled      GuidanceStatus = "CANCELLED"
)

// GuidanceAction names the operations that drive session transitions.
type GuidanceAction string

const (
	GuidanceActionAccept         GuidanceAction = "ACCEPT"
	GuidanceActionReject         GuidanceAction = "REJECT"
	GuidanceActionReschedule     GuidanceAction = "RESCHEDULE"
	GuidanceActionCancel         GuidanceAction = "CANCEL"
	GuidanceActionSubmitSummary  GuidanceAction = "SUBMIT_SUMMARY"
	GuidanceActionApproveSummary GuidanceAction = "APPROVE_SUMMARY"
)

// guidanceTransitions is the closed transition table. Every legality check
// goes through Transition; call sites never re-derive it.
var guidanceTransitions = map[GuidanceStatus]map[GuidanceAction]GuidanceStatus{
	GuidanceStatusRequested: {
		GuidanceActionAccept:     GuidanceStatusAccepted,
		GuidanceActionReject:     GuidanceStatusRejected,
		GuidanceActionReschedule: GuidanceStatusRequested,
		GuidanceActionCancel:     GuidanceStatusCancelled,
	},
	GuidanceStatusAccepted: {
		GuidanceActionSubmitSummary: GuidanceStatusSummaryPending,
	},
	GuidanceStatusSummaryPending: {
		GuidanceActionApproveSummary: GuidanceStatusCompleted,
	},
}

// Transition returns the next status for (current, action) or an
// INVALID_STATE error when the pair is not in the table.
func Transition(current GuidanceStatus, action GuidanceAction) (GuidanceStatus, error) {
	if actions, ok := guidanceTransitions[current]; ok {
		if next, ok := actions[action]; ok {
			return next, nil
		}
	}
	return "", appErrors.Clone(appErrors.ErrInvalidState,
		"a session in status "+string(current)+" does not permit "+string(action))
}

// IsTerminal reports whether no further transitions exist for the status.
func (s GuidanceStatus) IsTerminal() bool {
	switch s {
	case GuidanceStatusRejected, GuidanceStatusCompleted, GuidanceStatusCancelled:
		return true
	}
	return false
}

// RequiresApprovedAt reports whether ApprovedAt must be set for the status.
// Invariant: ApprovedAt is non-nil iff the session passed through ACCEPT.
func (s GuidanceStatus) RequiresApprovedAt() bool {
	switch s {
	case GuidanceStatusAccepted, GuidanceStatusSummaryPending, GuidanceStatusCompleted:
		return true
	}
	return false
}

// GuidanceSession is a scheduled mentoring meeting between a student and a
// supervisor. Terminal sessions are archived, never deleted.
type GuidanceSession struct {
	ID           string         `db:"id" json:"id"`
	StudentID    string         `db:"student_id" json:"student_id"`
	SupervisorID *string        `db:"supervisor_id" json:"supervisor_id,omitempty"`
	ScheduledAt  time.Time      `db:"scheduled_at" json:"scheduled_at"`
	RequestedAt  time.Time      `db:"requested_at" json:"requested_at"`
	ApprovedAt   *time.Time     `db:"approved_at" json:"approved_at,omitempty"`
	Status       GuidanceStatus `db:"status" json:"status"`
	StudentNotes string         `db:"student_notes" json:"student_notes"`
	Summary      *string        `db:"summary" json:"summary,omitempty"`
	ActionItems  *string        `db:"action_items" json:"action_items,omitempty"`
	MilestoneIDs pq.StringArray `db:"milestone_ids" json:"milestone_ids"`
	DocumentRef  *string        `db:"document_ref" json:"document_ref,omitempty"`
	Feedback     *string        `db:"feedback" json:"feedback,omitempty"`
	ArchivedAt   *time.Time     `db:"archived_at" json:"archived_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// GuidanceFilter constrains session listing queries.
type GuidanceFilter struct {
	StudentID    string
	SupervisorID string
	Status       []GuidanceStatus
	Limit        int
	Offset       int
}
