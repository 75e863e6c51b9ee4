package dto

import "time"

// ReadinessStatus is the flag view the portal renders for a readiness gate.
// The booleans are derived from the underlying approval chain sub-records.
type ReadinessStatus struct {
	ThesisID              string     `json:"thesisId"`
	Kind                  string     `json:"kind"`
	ApprovedBySupervisor1 bool       `json:"approvedBySupervisor1"`
	ApprovedBySupervisor2 bool       `json:"approvedBySupervisor2"`
	HasRequestedDefence   bool       `json:"hasRequestedDefence"`
	IsFullyApproved       bool       `json:"isFullyApproved"`
	UpdatedAt             *time.Time `json:"updatedAt,omitempty"`
}
