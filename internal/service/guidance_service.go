package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/repository"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

type guidanceStore interface {
	Create(ctx context.Context, session *models.GuidanceSession) error
	GetByID(ctx context.Context, id string) (*models.GuidanceSession, error)
	List(ctx context.Context, filter models.GuidanceFilter) ([]models.GuidanceSession, error)
	CountOutstanding(ctx context.Context, studentID string) (int, error)
	ApplyTransition(ctx context.Context, params repository.TransitionParams) error
}

type milestoneReader interface {
	ListByStudent(ctx context.Context, studentID string) ([]models.Milestone, error)
}

type thesisReader interface {
	GetByStudent(ctx context.Context, studentID string) (*models.Thesis, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, event models.Event) error
}

// SupervisorAssigner resolves a supervisor when the request leaves the
// slot empty.
type SupervisorAssigner interface {
	Assign(ctx context.Context, studentID string) (string, error)
}

// SupervisorAssignerFunc allows using plain functions.
type SupervisorAssignerFunc func(ctx context.Context, studentID string) (string, error)

// Assign implements SupervisorAssigner.
func (f SupervisorAssignerFunc) Assign(ctx context.Context, studentID string) (string, error) {
	return f(ctx, studentID)
}

// GuidanceConfig tunes session request validation.
type GuidanceConfig struct {
	MinLeadTime time.Duration
}

// GuidanceService drives guidance sessions through their lifecycle. Every
// legality decision routes through the models transition table; the service
// adds party checks, request validation, and notification fan-out.
type GuidanceService struct {
	repo       guidanceStore
	milestones milestoneReader
	theses     thesisReader
	dispatcher eventDispatcher
	assigner   SupervisorAssigner
	audit      auditLogger
	logger     *zap.Logger
	cfg        GuidanceConfig
	now        func() time.Time
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// GuidanceServiceOption configures the service.
type GuidanceServiceOption func(*GuidanceService)

// WithSupervisorAssigner overrides the auto-assignment collaborator.
func WithSupervisorAssigner(assigner SupervisorAssigner) GuidanceServiceOption {
	return func(s *GuidanceService) {
		if assigner != nil {
			s.assigner = assigner
		}
	}
}

// WithGuidanceClock overrides the clock, used by tests.
func WithGuidanceClock(now func() time.Time) GuidanceServiceOption {
	return func(s *GuidanceService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewGuidanceService constructs the service with defaults.
func NewGuidanceService(repo guidanceStore, milestones milestoneReader, theses thesisReader, dispatcher eventDispatcher, audit auditLogger, cfg GuidanceConfig, logger *zap.Logger, opts ...GuidanceServiceOption) *GuidanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinLeadTime <= 0 {
		cfg.MinLeadTime = 24 * time.Hour
	}
	svc := &GuidanceService{
		repo:       repo,
		milestones: milestones,
		theses:     theses,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Request creates a new REQUESTED session for the acting student.
func (s *GuidanceService) Request(ctx context.Context, req dto.RequestSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "only students request guidance sessions")
	}

	scheduledAt, err := s.parseScheduledAt(req.ScheduledAt)
	if err != nil {
		return nil, err
	}

	outstanding, err := s.repo.CountOutstanding(ctx, actor.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check outstanding requests")
	}
	if outstanding > 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "you already have a pending session request")
	}

	if err := s.validateMilestones(ctx, actor.UserID, req.MilestoneIDs); err != nil {
		return nil, err
	}

	supervisorID := strings.TrimSpace(req.SupervisorID)
	if supervisorID == "" {
		supervisorID, err = s.resolveSupervisor(ctx, actor.UserID)
		if err != nil {
			return nil, err
		}
	}

	session := &models.GuidanceSession{
		StudentID:    actor.UserID,
		SupervisorID: &supervisorID,
		ScheduledAt:  scheduledAt,
		RequestedAt:  s.now(),
		Status:       models.GuidanceStatusRequested,
		StudentNotes: strings.TrimSpace(req.Notes),
		MilestoneIDs: append([]string(nil), req.MilestoneIDs...),
		DocumentRef:  optionalString(req.DocumentRef),
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session request")
	}

	s.emitAudit(ctx, actor.UserID, models.AuditActionSessionRequest, session.ID, session)
	s.notify(ctx, models.Event{
		Type:          models.EventSessionRequested,
		RecipientID:   supervisorID,
		RecipientRole: models.RoleLecturer,
		SubjectID:     session.ID,
		Transition:    string(models.GuidanceStatusRequested),
		Payload:       map[string]string{"studentId": session.StudentID},
	})
	return session, nil
}

// Reschedule moves a still-pending request to a new date.
func (s *GuidanceService) Reschedule(ctx context.Context, id string, req dto.RescheduleSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	session, err := s.loadOwnedSession(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	next, err := models.Transition(session.Status, models.GuidanceActionReschedule)
	if err != nil {
		return nil, err
	}
	scheduledAt, err := s.parseScheduledAt(req.ScheduledAt)
	if err != nil {
		return nil, err
	}

	notes := strings.TrimSpace(req.Notes)
	params := repository.TransitionParams{
		ID:          session.ID,
		FromStatus:  session.Status,
		Status:      next,
		ScheduledAt: &scheduledAt,
	}
	if notes != "" {
		params.StudentNotes = &notes
	}
	if err := s.applyTransition(ctx, params); err != nil {
		return nil, err
	}
	session.Status = next
	session.ScheduledAt = scheduledAt
	if notes != "" {
		session.StudentNotes = notes
	}

	s.notifySupervisorTransition(ctx, session, models.EventSessionRescheduled, "RESCHEDULED:"+scheduledAt.Format(time.RFC3339))
	return session, nil
}

// Accept approves a pending request on behalf of its supervisor.
func (s *GuidanceService) Accept(ctx context.Context, id string, req dto.DecideSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	return s.decide(ctx, id, models.GuidanceActionAccept, req, actor)
}

// Reject declines a pending request; the reason is mandatory.
func (s *GuidanceService) Reject(ctx context.Context, id string, req dto.DecideSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a rejection reason is required")
	}
	return s.decide(ctx, id, models.GuidanceActionReject, req, actor)
}

func (s *GuidanceService) decide(ctx context.Context, id string, action models.GuidanceAction, req dto.DecideSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	session, err := s.loadSupervisedSession(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	next, err := models.Transition(session.Status, action)
	if err != nil {
		return nil, err
	}

	params := repository.TransitionParams{
		ID:         session.ID,
		FromStatus: session.Status,
		Status:     next,
	}
	now := s.now()
	if next.RequiresApprovedAt() {
		params.ApprovedAt = &now
	}
	feedback := strings.TrimSpace(req.Feedback)
	if action == models.GuidanceActionReject {
		feedback = strings.TrimSpace(req.Reason)
	}
	if feedback != "" {
		params.Feedback = &feedback
	}
	if next.IsTerminal() {
		params.ArchivedAt = &now
	}
	if err := s.applyTransition(ctx, params); err != nil {
		return nil, err
	}
	transition := fmt.Sprintf("%s->%s", session.Status, next)
	session.Status = next
	session.ApprovedAt = params.ApprovedAt
	session.Feedback = params.Feedback
	session.ArchivedAt = params.ArchivedAt

	s.emitAudit(ctx, actor.UserID, models.AuditActionSessionDecision, session.ID, session)
	eventType := models.EventSessionAccepted
	if action == models.GuidanceActionReject {
		eventType = models.EventSessionRejected
	}
	s.notify(ctx, models.Event{
		Type:          eventType,
		RecipientID:   session.StudentID,
		RecipientRole: models.RoleStudent,
		SubjectID:     session.ID,
		Transition:    transition,
	})
	return session, nil
}

// SubmitSummary records the student's post-session write-up.
func (s *GuidanceService) SubmitSummary(ctx context.Context, id string, req dto.SubmitSummaryRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	session, err := s.loadOwnedSession(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Summary) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "summary is required")
	}
	next, err := models.Transition(session.Status, models.GuidanceActionSubmitSummary)
	if err != nil {
		return nil, err
	}

	summary := strings.TrimSpace(req.Summary)
	params := repository.TransitionParams{
		ID:          session.ID,
		FromStatus:  session.Status,
		Status:      next,
		Summary:     &summary,
		ActionItems: optionalString(req.ActionItems),
	}
	if err := s.applyTransition(ctx, params); err != nil {
		return nil, err
	}
	transition := fmt.Sprintf("%s->%s", session.Status, next)
	session.Status = next
	session.Summary = &summary
	session.ActionItems = params.ActionItems

	s.notifySupervisorTransition(ctx, session, models.EventSummarySubmitted, transition)
	return session, nil
}

// ApproveSummary completes the session on behalf of its supervisor.
func (s *GuidanceService) ApproveSummary(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	session, err := s.loadSupervisedSession(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	next, err := models.Transition(session.Status, models.GuidanceActionApproveSummary)
	if err != nil {
		return nil, err
	}

	now := s.now()
	params := repository.TransitionParams{
		ID:         session.ID,
		FromStatus: session.Status,
		Status:     next,
		ArchivedAt: &now,
	}
	if err := s.applyTransition(ctx, params); err != nil {
		return nil, err
	}
	transition := fmt.Sprintf("%s->%s", session.Status, next)
	session.Status = next
	session.ArchivedAt = &now

	s.emitAudit(ctx, actor.UserID, models.AuditActionSessionDecision, session.ID, session)
	s.notify(ctx, models.Event{
		Type:          models.EventSummaryApproved,
		RecipientID:   session.StudentID,
		RecipientRole: models.RoleStudent,
		SubjectID:     session.ID,
		Transition:    transition,
	})
	return session, nil
}

// Cancel withdraws a still-pending request.
func (s *GuidanceService) Cancel(ctx context.Context, id string, req dto.CancelSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	session, err := s.loadOwnedSession(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	next, err := models.Transition(session.Status, models.GuidanceActionCancel)
	if err != nil {
		return nil, err
	}

	now := s.now()
	params := repository.TransitionParams{
		ID:         session.ID,
		FromStatus: session.Status,
		Status:     next,
		ArchivedAt: &now,
	}
	if reason := optionalString(req.Reason); reason != nil {
		params.StudentNotes = reason
	}
	if err := s.applyTransition(ctx, params); err != nil {
		return nil, err
	}
	transition := fmt.Sprintf("%s->%s", session.Status, next)
	session.Status = next
	session.ArchivedAt = &now

	s.notifySupervisorTransition(ctx, session, models.EventSessionCancelled, transition)
	return session, nil
}

// Get returns a session enforcing party scope.
func (s *GuidanceService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.isParty(session, actor) {
		return nil, appErrors.ErrNotAuthorized
	}
	return session, nil
}

// List returns sessions scoped to the actor's role.
func (s *GuidanceService) List(ctx context.Context, query dto.GuidanceQuery, actor *models.JWTClaims) ([]models.GuidanceSession, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.GuidanceFilter{
		StudentID:    query.StudentID,
		SupervisorID: query.SupervisorID,
		Status:       query.Status,
		Limit:        query.Limit,
		Offset:       query.Offset,
	}
	switch actor.Role {
	case models.RoleAdmin, models.RoleKadep:
		// full visibility
	case models.RoleLecturer:
		filter.SupervisorID = actor.UserID
	case models.RoleStudent:
		filter.StudentID = actor.UserID
	default:
		return nil, appErrors.ErrNotAuthorized
	}
	sessions, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	return sessions, nil
}

func (s *GuidanceService) parseScheduledAt(raw string) (time.Time, error) {
	scheduledAt, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "scheduledAt must be an RFC3339 timestamp")
	}
	if !scheduledAt.After(s.now().Add(s.cfg.MinLeadTime)) {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("sessions must be requested at least %s in advance", s.cfg.MinLeadTime))
	}
	return scheduledAt.UTC(), nil
}

func (s *GuidanceService) validateMilestones(ctx context.Context, studentID string, milestoneIDs []string) error {
	owned, err := s.milestones.ListByStudent(ctx, studentID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load milestones")
	}
	if len(owned) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "create a milestone first")
	}
	if len(milestoneIDs) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "link at least one milestone to the session")
	}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, m := range owned {
		ownedSet[m.ID] = struct{}{}
	}
	for _, id := range milestoneIDs {
		if _, ok := ownedSet[id]; !ok {
			return appErrors.Clone(appErrors.ErrValidation, "milestone "+id+" does not belong to you")
		}
	}
	return nil
}

func (s *GuidanceService) resolveSupervisor(ctx context.Context, studentID string) (string, error) {
	if s.assigner != nil {
		supervisorID, err := s.assigner.Assign(ctx, studentID)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign supervisor")
		}
		if supervisorID != "" {
			return supervisorID, nil
		}
	}
	thesis, err := s.theses.GetByStudent(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrValidation, "no thesis registered for this student")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}
	return thesis.Supervisor1ID, nil
}

func (s *GuidanceService) loadSession(ctx context.Context, id string) (*models.GuidanceSession, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

func (s *GuidanceService) loadOwnedSession(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.StudentID != actor.UserID {
		return nil, appErrors.ErrNotAuthorized
	}
	return session, nil
}

func (s *GuidanceService) loadSupervisedSession(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.SupervisorID == nil || *session.SupervisorID != actor.UserID {
		return nil, appErrors.ErrNotAuthorized
	}
	return session, nil
}

func (s *GuidanceService) isParty(session *models.GuidanceSession, actor *models.JWTClaims) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleKadep:
		return true
	case models.RoleStudent:
		return session.StudentID == actor.UserID
	case models.RoleLecturer:
		return session.SupervisorID != nil && *session.SupervisorID == actor.UserID
	}
	return false
}

// applyTransition maps a lost optimistic guard to INVALID_STATE: the caller
// acted on a stale view of the session.
func (s *GuidanceService) applyTransition(ctx context.Context, params repository.TransitionParams) error {
	if err := s.repo.ApplyTransition(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidState, "the session was updated concurrently, reload and retry")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session")
	}
	return nil
}

func (s *GuidanceService) notifySupervisorTransition(ctx context.Context, session *models.GuidanceSession, eventType models.EventType, transition string) {
	if session.SupervisorID == nil {
		return
	}
	s.notify(ctx, models.Event{
		Type:          eventType,
		RecipientID:   *session.SupervisorID,
		RecipientRole: models.RoleLecturer,
		SubjectID:     session.ID,
		Transition:    transition,
		Payload:       map[string]string{"studentId": session.StudentID},
	})
}

func (s *GuidanceService) notify(ctx context.Context, event models.Event) {
	if s.dispatcher == nil {
		return
	}
	event.OccurredAt = s.now()
	if err := s.dispatcher.Dispatch(ctx, event); err != nil {
		s.logger.Warn("failed to dispatch notification",
			zap.Error(err),
			zap.String("subject_id", event.SubjectID),
			zap.String("transition", event.Transition))
	}
}

func (s *GuidanceService) emitAudit(ctx context.Context, userID string, action models.AuditAction, resourceID string, value interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		payload = nil
	}
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "guidance_session",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "guidance-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
