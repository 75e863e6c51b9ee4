package dto

import "github.com/noah-isme/sita-guidance-api/internal/models"

// SubmitChangeRequest payload for a topic/supervisor change request.
type SubmitChangeRequest struct {
	ThesisID              string                   `json:"thesisId"`
	Type                  models.ChangeRequestType `json:"type"`
	Reason                string                   `json:"reason"`
	RequestedSupervisorID string                   `json:"requestedSupervisorId"`
}

// ReviewChangeRequest captures one approver's decision on a chain.
type ReviewChangeRequest struct {
	Decision models.ApprovalStatus `json:"decision"`
	Notes    string                `json:"notes"`
}

// RevokeApprovalRequest unsets a previously granted readiness approval.
type RevokeApprovalRequest struct {
	Notes string `json:"notes"`
}
