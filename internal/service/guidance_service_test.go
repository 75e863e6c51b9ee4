package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/repository"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

type guidanceRepoStub struct {
	sessions map[string]*models.GuidanceSession
	seq      int
}

func newGuidanceRepoStub() *guidanceRepoStub {
	return &guidanceRepoStub{sessions: make(map[string]*models.GuidanceSession)}
}

func (g *guidanceRepoStub) Create(ctx context.Context, session *models.GuidanceSession) error {
	g.seq++
	if session.ID == "" {
		session.ID = "session-" + time.Now().Format("150405") + "-" + string(rune('a'+g.seq))
	}
	copy := *session
	g.sessions[session.ID] = &copy
	return nil
}

func (g *guidanceRepoStub) GetByID(ctx context.Context, id string) (*models.GuidanceSession, error) {
	if session, ok := g.sessions[id]; ok {
		copy := *session
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (g *guidanceRepoStub) List(ctx context.Context, filter models.GuidanceFilter) ([]models.GuidanceSession, error) {
	result := make([]models.GuidanceSession, 0, len(g.sessions))
	for _, session := range g.sessions {
		if filter.StudentID != "" && session.StudentID != filter.StudentID {
			continue
		}
		result = append(result, *session)
	}
	return result, nil
}

func (g *guidanceRepoStub) CountOutstanding(ctx context.Context, studentID string) (int, error) {
	count := 0
	for _, session := range g.sessions {
		if session.StudentID == studentID && session.Status == models.GuidanceStatusRequested {
			count++
		}
	}
	return count, nil
}

func (g *guidanceRepoStub) ApplyTransition(ctx context.Context, params repository.TransitionParams) error {
	session, ok := g.sessions[params.ID]
	if !ok || session.Status != params.FromStatus {
		return sql.ErrNoRows
	}
	session.Status = params.Status
	if params.ScheduledAt != nil {
		session.ScheduledAt = *params.ScheduledAt
	}
	if params.ApprovedAt != nil {
		session.ApprovedAt = params.ApprovedAt
	}
	if params.Summary != nil {
		session.Summary = params.Summary
	}
	if params.Feedback != nil {
		session.Feedback = params.Feedback
	}
	if params.ArchivedAt != nil {
		session.ArchivedAt = params.ArchivedAt
	}
	return nil
}

type milestoneReaderStub struct {
	milestones []models.Milestone
}

func (m *milestoneReaderStub) ListByStudent(ctx context.Context, studentID string) ([]models.Milestone, error) {
	return m.milestones, nil
}

type thesisReaderStub struct {
	thesis *models.Thesis
}

func (t *thesisReaderStub) GetByStudent(ctx context.Context, studentID string) (*models.Thesis, error) {
	if t.thesis == nil {
		return nil, sql.ErrNoRows
	}
	copy := *t.thesis
	return &copy, nil
}

type dispatcherStub struct {
	events []models.Event
}

func (d *dispatcherStub) Dispatch(ctx context.Context, event models.Event) error {
	d.events = append(d.events, event)
	return nil
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func studentClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent}
}

func lecturerClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleLecturer}
}

func newGuidanceFixture() (*GuidanceService, *guidanceRepoStub, *dispatcherStub) {
	repo := newGuidanceRepoStub()
	milestones := &milestoneReaderStub{milestones: []models.Milestone{{ID: "ms-1", StudentID: "student-1"}}}
	theses := &thesisReaderStub{thesis: &models.Thesis{ID: "thesis-1", StudentID: "student-1", Supervisor1ID: "lecturer-1"}}
	dispatcher := &dispatcherStub{}
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := NewGuidanceService(repo, milestones, theses, dispatcher, &auditStub{},
		GuidanceConfig{MinLeadTime: 24 * time.Hour}, nil,
		WithGuidanceClock(func() time.Time { return base }))
	return svc, repo, dispatcher
}

func validRequest() dto.RequestSessionRequest {
	return dto.RequestSessionRequest{
		SupervisorID: "lecturer-1",
		ScheduledAt:  "2026-03-04T10:00:00Z",
		MilestoneIDs: []string{"ms-1"},
		Notes:        "chapter 3 draft",
	}
}

func TestGuidanceServiceRequest(t *testing.T) {
	svc, _, dispatcher := newGuidanceFixture()

	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusRequested, session.Status)
	require.Nil(t, session.ApprovedAt)

	require.Len(t, dispatcher.events, 1)
	require.Equal(t, models.EventSessionRequested, dispatcher.events[0].Type)
	require.Equal(t, "lecturer-1", dispatcher.events[0].RecipientID)
}

func TestGuidanceServiceRequestLeadTime(t *testing.T) {
	svc, _, _ := newGuidanceFixture()

	req := validRequest()
	req.ScheduledAt = "2026-03-02T20:00:00Z"
	_, err := svc.Request(context.Background(), req, studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestGuidanceServiceRequestOneOutstanding(t *testing.T) {
	svc, _, _ := newGuidanceFixture()

	_, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	_, err = svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
}

func TestGuidanceServiceRequestNeedsMilestone(t *testing.T) {
	repo := newGuidanceRepoStub()
	dispatcher := &dispatcherStub{}
	svc := NewGuidanceService(repo, &milestoneReaderStub{}, &thesisReaderStub{}, dispatcher, nil,
		GuidanceConfig{MinLeadTime: 24 * time.Hour}, nil,
		WithGuidanceClock(func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }))

	_, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
	require.Contains(t, err.Error(), "create a milestone first")
	require.Empty(t, dispatcher.events)
}

func TestGuidanceServiceRejectRequiresReason(t *testing.T) {
	svc, _, _ := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), session.ID, dto.DecideSessionRequest{}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestGuidanceServiceAcceptSetsApprovedAt(t *testing.T) {
	svc, repo, dispatcher := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	accepted, err := svc.Accept(context.Background(), session.ID, dto.DecideSessionRequest{Feedback: "see you then"}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ApprovedAt)

	stored := repo.sessions[session.ID]
	require.NotNil(t, stored.ApprovedAt)

	require.Len(t, dispatcher.events, 2)
	require.Equal(t, models.EventSessionAccepted, dispatcher.events[1].Type)
	require.Equal(t, "student-1", dispatcher.events[1].RecipientID)
}

func TestGuidanceServiceRejectArchivesTerminal(t *testing.T) {
	svc, repo, _ := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	rejected, err := svc.Reject(context.Background(), session.ID, dto.DecideSessionRequest{Reason: "clashes with defence week"}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusRejected, rejected.Status)
	require.Nil(t, rejected.ApprovedAt)
	require.NotNil(t, rejected.ArchivedAt)
	require.NotNil(t, repo.sessions[session.ID].ArchivedAt)
}

func TestGuidanceServiceDecideOnlySupervisor(t *testing.T) {
	svc, _, _ := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	_, err = svc.Accept(context.Background(), session.ID, dto.DecideSessionRequest{}, lecturerClaims("lecturer-2"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotAuthorized))
}

func TestGuidanceServiceIllegalTransition(t *testing.T) {
	svc, _, _ := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	// Summary before acceptance is not in the transition table.
	_, err = svc.SubmitSummary(context.Background(), session.ID, dto.SubmitSummaryRequest{Summary: "we met"}, studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestGuidanceServiceSummaryFlow(t *testing.T) {
	svc, _, dispatcher := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)
	_, err = svc.Accept(context.Background(), session.ID, dto.DecideSessionRequest{}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)

	submitted, err := svc.SubmitSummary(context.Background(), session.ID, dto.SubmitSummaryRequest{
		Summary:     "discussed chapter 3 revisions",
		ActionItems: "rewrite methodology section",
	}, studentClaims("student-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusSummaryPending, submitted.Status)

	completed, err := svc.ApproveSummary(context.Background(), session.ID, lecturerClaims("lecturer-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusCompleted, completed.Status)
	require.NotNil(t, completed.ArchivedAt)

	// request, accept, submit, approve: one event per transition
	require.Len(t, dispatcher.events, 4)
	require.Equal(t, models.EventSummaryApproved, dispatcher.events[3].Type)
}

// staleReadRepo serves reads from a snapshot while writes hit the live
// store, mimicking a decision taken on an outdated view.
type staleReadRepo struct {
	*guidanceRepoStub
	snapshot models.GuidanceSession
}

func (r *staleReadRepo) GetByID(ctx context.Context, id string) (*models.GuidanceSession, error) {
	copy := r.snapshot
	return &copy, nil
}

func TestGuidanceServiceConcurrentDecisionLoses(t *testing.T) {
	svc, repo, _ := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	stale := &staleReadRepo{guidanceRepoStub: repo, snapshot: *repo.sessions[session.ID]}
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	staleSvc := NewGuidanceService(stale, &milestoneReaderStub{}, &thesisReaderStub{}, nil, nil,
		GuidanceConfig{MinLeadTime: 24 * time.Hour}, nil,
		WithGuidanceClock(func() time.Time { return base }))

	// The racing reject lands first.
	_, err = svc.Reject(context.Background(), session.ID, dto.DecideSessionRequest{Reason: "schedule conflict"}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)

	// The accept acting on the stale view loses the status guard.
	_, err = staleSvc.Accept(context.Background(), session.ID, dto.DecideSessionRequest{}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.Equal(t, models.GuidanceStatusRejected, repo.sessions[session.ID].Status)
}

func TestGuidanceServiceCancel(t *testing.T) {
	svc, _, dispatcher := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), session.ID, dto.CancelSessionRequest{Reason: "sick"}, studentClaims("student-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ArchivedAt)
	require.Equal(t, models.EventSessionCancelled, dispatcher.events[len(dispatcher.events)-1].Type)
}

func TestGuidanceServiceReschedule(t *testing.T) {
	svc, repo, _ := newGuidanceFixture()
	session, err := svc.Request(context.Background(), validRequest(), studentClaims("student-1"))
	require.NoError(t, err)

	moved, err := svc.Reschedule(context.Background(), session.ID, dto.RescheduleSessionRequest{
		ScheduledAt: "2026-03-06T10:00:00Z",
	}, studentClaims("student-1"))
	require.NoError(t, err)
	require.Equal(t, models.GuidanceStatusRequested, moved.Status)
	require.Equal(t, time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC), repo.sessions[session.ID].ScheduledAt)
}
