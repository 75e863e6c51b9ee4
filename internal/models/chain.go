package models

import "time"

// ChainKind distinguishes the workflows an approval chain can drive.
type ChainKind string

const (
	ChainKindChangeRequest ChainKind = "CHANGE_REQUEST"
	ChainKindDefence       ChainKind = "DEFENCE_READINESS"
	ChainKindSeminar       ChainKind = "SEMINAR_READINESS"
	ChainKindSupervisor2   ChainKind = "SUPERVISOR2_ASSIGNMENT"
)

// ChainPhase orders the two-phase escalation for change requests.
type ChainPhase string

const (
	ChainPhaseSupervisors ChainPhase = "SUPERVISORS"
	ChainPhaseDepartment  ChainPhase = "DEPARTMENT"
)

// ChainStatus is the overall chain outcome.
type ChainStatus string

const (
	ChainStatusPending  ChainStatus = "PENDING"
	ChainStatusApproved ChainStatus = "APPROVED"
	ChainStatusRejected ChainStatus = "REJECTED"
)

// ApprovalStatus is the state of one approver's sub-record.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// Approval is one approver's sub-record within a chain. Approvals are
// created eagerly at chain creation (plus the lazy department-head record on
// escalation) and only ever transitioned, never removed.
type Approval struct {
	ID         string         `db:"id" json:"id"`
	ChainID    string         `db:"chain_id" json:"chain_id"`
	ApproverID string         `db:"approver_id" json:"approver_id"`
	Phase      ChainPhase     `db:"phase" json:"phase"`
	Position   int            `db:"position" json:"position"`
	Status     ApprovalStatus `db:"status" json:"status"`
	Notes      *string        `db:"notes" json:"notes,omitempty"`
	DecidedAt  *time.Time     `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// ApprovalChain tracks an N-of-N approval workflow over a subject.
type ApprovalChain struct {
	ID         string      `db:"id" json:"id"`
	Kind       ChainKind   `db:"kind" json:"kind"`
	SubjectID  string      `db:"subject_id" json:"subject_id"`
	Phase      ChainPhase  `db:"phase" json:"phase"`
	Status     ChainStatus `db:"status" json:"status"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`

	Approvals []Approval `db:"-" json:"approvals"`
}

// ApprovalFor returns the sub-record for the given approver, or nil.
func (c *ApprovalChain) ApprovalFor(approverID string) *Approval {
	for i := range c.Approvals {
		if c.Approvals[i].ApproverID == approverID {
			return &c.Approvals[i]
		}
	}
	return nil
}

// AllApproved reports whether every sub-record in the given phase is approved.
func (c *ApprovalChain) AllApproved(phase ChainPhase) bool {
	seen := false
	for _, a := range c.Approvals {
		if a.Phase != phase {
			continue
		}
		seen = true
		if a.Status != ApprovalStatusApproved {
			return false
		}
	}
	return seen
}

// Revocable reports whether approvers may unset their own decision.
// Only readiness-style chains allow it; change requests are final.
func (c *ApprovalChain) Revocable() bool {
	switch c.Kind {
	case ChainKindDefence, ChainKindSeminar:
		return true
	}
	return false
}

// ChangeRequestType names what the student wants replaced.
type ChangeRequestType string

const (
	ChangeRequestTopic      ChangeRequestType = "TOPIC"
	ChangeRequestSupervisor ChangeRequestType = "SUPERVISOR"
	ChangeRequestBoth       ChangeRequestType = "BOTH"
)

// ChangeRequest is a student-initiated request to replace their thesis topic
// and/or supervisor. Approval purges existing thesis progress data, which is
// why the full supervisor set and the department head must all sign off.
type ChangeRequest struct {
	ID        string            `db:"id" json:"id"`
	ThesisID  string            `db:"thesis_id" json:"thesis_id"`
	StudentID string            `db:"student_id" json:"student_id"`
	Type      ChangeRequestType `db:"type" json:"type"`
	Reason    string            `db:"reason" json:"reason"`
	// RequestedSupervisorID names the proposed replacement or addition for
	// supervisor-affecting requests.
	RequestedSupervisorID *string     `db:"requested_supervisor_id" json:"requested_supervisor_id,omitempty"`
	Status                ChainStatus `db:"status" json:"status"`
	ChainID               string      `db:"chain_id" json:"chain_id"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
	ResolvedAt            *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
}
