package dto

import "github.com/noah-isme/sita-guidance-api/internal/models"

// RequestSessionRequest payload for a student requesting a guidance session.
// SupervisorID may be empty; assignment is then deferred to the auto-assigner.
type RequestSessionRequest struct {
	SupervisorID string   `json:"supervisorId"`
	ScheduledAt  string   `json:"scheduledAt"`
	Notes        string   `json:"notes"`
	MilestoneIDs []string `json:"milestoneIds"`
	DocumentRef  string   `json:"documentRef"`
}

// RescheduleSessionRequest moves a still-pending session to a new date.
type RescheduleSessionRequest struct {
	ScheduledAt string `json:"scheduledAt"`
	Notes       string `json:"notes"`
}

// DecideSessionRequest carries the supervisor's accept/reject decision.
type DecideSessionRequest struct {
	Feedback string `json:"feedback"`
	Reason   string `json:"reason"`
}

// SubmitSummaryRequest carries the student's post-session write-up.
type SubmitSummaryRequest struct {
	Summary     string `json:"summary"`
	ActionItems string `json:"actionItems"`
}

// CancelSessionRequest carries the student's cancellation reason.
type CancelSessionRequest struct {
	Reason string `json:"reason"`
}

// GuidanceQuery mirrors supported listing filters.
type GuidanceQuery struct {
	Status       []models.GuidanceStatus
	StudentID    string
	SupervisorID string
	Limit        int
	Offset       int
}
