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

const minChangeReasonLength = 20

type chainStore interface {
	CreateChain(ctx context.Context, chain *models.ApprovalChain) error
	GetByID(ctx context.Context, id string) (*models.ApprovalChain, error)
	FindActiveBySubject(ctx context.Context, kind models.ChainKind, subjectID string) (*models.ApprovalChain, error)
	FindLatestBySubject(ctx context.Context, kind models.ChainKind, subjectID string) (*models.ApprovalChain, error)
	Transact(ctx context.Context, chainID string, fn func(tx repository.ChainTx, chain *models.ApprovalChain) error) error
}

type changeRequestStore interface {
	Create(ctx context.Context, request *models.ChangeRequest) error
	GetByChain(ctx context.Context, chainID string) (*models.ChangeRequest, error)
	FindPendingByThesis(ctx context.Context, thesisID string) (*models.ChangeRequest, error)
	ListByThesis(ctx context.Context, thesisID string) ([]models.ChangeRequest, error)
	SetStatus(ctx context.Context, id string, status models.ChainStatus, resolvedAt *time.Time) error
}

type thesisStore interface {
	GetByID(ctx context.Context, id string) (*models.Thesis, error)
	GetByStudent(ctx context.Context, studentID string) (*models.Thesis, error)
	ApplyChange(ctx context.Context, id string, topic *string, supervisor1ID, supervisor2ID *string) error
	ArchiveProgress(ctx context.Context, studentID string, archivedAt time.Time) (int64, error)
}

type viewCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ChainService tracks N-of-N approval chains: topic/supervisor change
// requests with their two-phase department escalation, second-supervisor
// assignment, and the revocable seminar/defence readiness gates.
type ChainService struct {
	chains   chainStore
	requests changeRequestStore
	theses   thesisStore

	dispatcher eventDispatcher
	audit      auditLogger
	cache      viewCache
	logger     *zap.Logger
	viewTTL    time.Duration
	now        func() time.Time
}

// ChainServiceOption configures the service.
type ChainServiceOption func(*ChainService)

// WithChainViewCache wires the derived-view cache.
func WithChainViewCache(cache viewCache, ttl time.Duration) ChainServiceOption {
	return func(s *ChainService) {
		if cache != nil {
			s.cache = cache
		}
		if ttl > 0 {
			s.viewTTL = ttl
		}
	}
}

// WithChainClock overrides the clock, used by tests.
func WithChainClock(now func() time.Time) ChainServiceOption {
	return func(s *ChainService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewChainService constructs the service with defaults.
func NewChainService(chains chainStore, requests changeRequestStore, theses thesisStore, dispatcher eventDispatcher, audit auditLogger, logger *zap.Logger, opts ...ChainServiceOption) *ChainService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ChainService{
		chains:     chains,
		requests:   requests,
		theses:     theses,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
		viewTTL:    5 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// SubmitChangeRequest opens a topic/supervisor change request and its
// approval chain. The chain starts with an eager sub-record per current
// supervisor; the department head joins only on escalation.
func (s *ChainService) SubmitChangeRequest(ctx context.Context, req dto.SubmitChangeRequest, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "only students submit change requests")
	}
	switch req.Type {
	case models.ChangeRequestTopic, models.ChangeRequestSupervisor, models.ChangeRequestBoth:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "type must be TOPIC, SUPERVISOR, or BOTH")
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) < minChangeReasonLength {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("reason must be at least %d characters", minChangeReasonLength))
	}

	thesis, err := s.loadThesis(ctx, req.ThesisID)
	if err != nil {
		return nil, err
	}
	if thesis.StudentID != actor.UserID {
		return nil, appErrors.ErrNotAuthorized
	}

	if _, err := s.requests.FindPendingByThesis(ctx, thesis.ID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a change request is already pending for this thesis")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pending change requests")
	}

	chain := &models.ApprovalChain{
		Kind:      models.ChainKindChangeRequest,
		SubjectID: thesis.ID,
		Phase:     models.ChainPhaseSupervisors,
		Approvals: supervisorApprovals(thesis),
	}
	if err := s.chains.CreateChain(ctx, chain); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval chain")
	}

	request := &models.ChangeRequest{
		ThesisID:              thesis.ID,
		StudentID:             actor.UserID,
		Type:                  req.Type,
		Reason:                reason,
		RequestedSupervisorID: optionalString(req.RequestedSupervisorID),
		ChainID:               chain.ID,
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create change request")
	}

	s.notifyApprovers(ctx, chain, models.EventChainCreated, "CREATED", map[string]string{
		"thesisId": thesis.ID,
		"type":     string(req.Type),
	})
	return request, nil
}

// ListChangeRequests returns the change request history for a thesis.
func (s *ChainService) ListChangeRequests(ctx context.Context, thesisID string, actor *models.JWTClaims) ([]models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	thesis, err := s.loadThesis(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	if !s.isThesisParty(thesis, actor) {
		return nil, appErrors.ErrNotAuthorized
	}
	requests, err := s.requests.ListByThesis(ctx, thesisID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list change requests")
	}
	return requests, nil
}

// chainOutcome summarises what a committed decision did, for post-commit
// side effects.
type chainOutcome struct {
	chain      *models.ApprovalChain
	resolved   bool
	approved   bool
	escalated  bool
	escalateTo string
}

// Review applies one approver's decision to a chain. The whole
// read-modify-write runs on the locked chain row; a reject racing an approve
// resolves deterministically and the loser sees INVALID_STATE.
func (s *ChainService) Review(ctx context.Context, chainID string, req dto.ReviewChangeRequest, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if req.Decision != models.ApprovalStatusApproved && req.Decision != models.ApprovalStatusRejected {
		return nil, appErrors.Clone(appErrors.ErrValidation, "decision must be APPROVED or REJECTED")
	}

	outcome := &chainOutcome{}
	err := s.chains.Transact(ctx, chainID, func(tx repository.ChainTx, chain *models.ApprovalChain) error {
		return s.applyDecision(ctx, tx, chain, req, actor, outcome)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "the chain was decided concurrently, reload and retry")
		}
		var typed *appErrors.Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply decision")
	}

	s.afterDecision(ctx, outcome, actor)
	return s.reloadChain(ctx, chainID)
}

func (s *ChainService) applyDecision(ctx context.Context, tx repository.ChainTx, chain *models.ApprovalChain, req dto.ReviewChangeRequest, actor *models.JWTClaims, outcome *chainOutcome) error {
	if chain.Status != models.ChainStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidState, "this chain is already resolved")
	}
	approval := chain.ApprovalFor(actor.UserID)
	if approval == nil {
		return appErrors.Clone(appErrors.ErrNotAuthorized, "you are not an approver on this chain")
	}
	if approval.Status != models.ApprovalStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidState, "you have already decided on this chain")
	}
	if approval.Phase != chain.Phase {
		return appErrors.Clone(appErrors.ErrInvalidState, "this chain is not in your approval phase")
	}

	now := s.now()
	notes := optionalString(req.Notes)
	if err := tx.UpdateApproval(ctx, approval.ID, models.ApprovalStatusPending, req.Decision, notes, &now); err != nil {
		return err
	}
	approval.Status = req.Decision
	outcome.chain = chain

	// A single reject resolves the whole chain; remaining approvals stay
	// untouched and unactionable.
	if req.Decision == models.ApprovalStatusRejected {
		if err := tx.UpdateChain(ctx, chain.ID, chain.Phase, models.ChainStatusRejected, &now); err != nil {
			return err
		}
		outcome.resolved = true
		return nil
	}

	if !chain.AllApproved(chain.Phase) {
		return nil
	}

	if chain.Kind == models.ChainKindChangeRequest && chain.Phase == models.ChainPhaseSupervisors {
		thesis, err := s.theses.GetByID(ctx, chain.SubjectID)
		if err != nil {
			return fmt.Errorf("load thesis for escalation: %w", err)
		}
		escalation := &models.Approval{
			ChainID:    chain.ID,
			ApproverID: thesis.DepartmentHeadID,
			Phase:      models.ChainPhaseDepartment,
			Position:   len(chain.Approvals),
			Status:     models.ApprovalStatusPending,
		}
		if err := tx.InsertApproval(ctx, escalation); err != nil {
			return err
		}
		if err := tx.UpdateChain(ctx, chain.ID, models.ChainPhaseDepartment, models.ChainStatusPending, nil); err != nil {
			return err
		}
		outcome.escalated = true
		outcome.escalateTo = thesis.DepartmentHeadID
		return nil
	}

	if err := tx.UpdateChain(ctx, chain.ID, chain.Phase, models.ChainStatusApproved, &now); err != nil {
		return err
	}
	outcome.resolved = true
	outcome.approved = true
	return nil
}

func (s *ChainService) afterDecision(ctx context.Context, outcome *chainOutcome, actor *models.JWTClaims) {
	chain := outcome.chain
	if chain == nil {
		return
	}
	s.emitAudit(ctx, actor.UserID, models.AuditActionChainDecision, chain.ID, map[string]interface{}{
		"kind":      chain.Kind,
		"phase":     chain.Phase,
		"resolved":  outcome.resolved,
		"approved":  outcome.approved,
		"escalated": outcome.escalated,
	})
	s.invalidateChainViews(ctx, chain)

	if outcome.escalated {
		s.notify(ctx, models.Event{
			Type:          models.EventChainEscalated,
			RecipientID:   outcome.escalateTo,
			RecipientRole: models.RoleKadep,
			SubjectID:     chain.ID,
			Transition:    "ESCALATED",
		})
		return
	}
	if outcome.resolved {
		s.resolveSideEffects(ctx, chain, outcome.approved)
	}
}

// resolveSideEffects mirrors the chain outcome onto the linked request and,
// for approvals, applies the requested change.
func (s *ChainService) resolveSideEffects(ctx context.Context, chain *models.ApprovalChain, approved bool) {
	now := s.now()
	status := models.ChainStatusRejected
	eventType := models.EventChainRejected
	transition := "REJECTED"
	if approved {
		status = models.ChainStatusApproved
		eventType = models.EventChainApproved
		transition = "APPROVED"
	}

	studentID := ""
	switch chain.Kind {
	case models.ChainKindChangeRequest, models.ChainKindSupervisor2:
		request, err := s.requests.GetByChain(ctx, chain.ID)
		if err != nil {
			s.logger.Warn("failed to load change request for resolved chain", zap.Error(err), zap.String("chain_id", chain.ID))
			break
		}
		studentID = request.StudentID
		if err := s.requests.SetStatus(ctx, request.ID, status, &now); err != nil {
			s.logger.Warn("failed to mirror chain status", zap.Error(err), zap.String("request_id", request.ID))
		}
		if approved {
			s.applyApprovedRequest(ctx, chain, request)
		}
	case models.ChainKindDefence, models.ChainKindSeminar:
		thesis, err := s.theses.GetByID(ctx, chain.SubjectID)
		if err != nil {
			s.logger.Warn("failed to load thesis for resolved chain", zap.Error(err), zap.String("chain_id", chain.ID))
			break
		}
		studentID = thesis.StudentID
	}

	if studentID != "" {
		s.notify(ctx, models.Event{
			Type:          eventType,
			RecipientID:   studentID,
			RecipientRole: models.RoleStudent,
			SubjectID:     chain.ID,
			Transition:    transition,
		})
	}
}

func (s *ChainService) applyApprovedRequest(ctx context.Context, chain *models.ApprovalChain, request *models.ChangeRequest) {
	if chain.Kind == models.ChainKindSupervisor2 {
		if request.RequestedSupervisorID == nil {
			return
		}
		if err := s.theses.ApplyChange(ctx, request.ThesisID, nil, nil, request.RequestedSupervisorID); err != nil {
			s.logger.Error("failed to assign second supervisor", zap.Error(err), zap.String("thesis_id", request.ThesisID))
		}
		return
	}

	// An approved change request resets guidance progress; history is
	// archived, not deleted.
	archived, err := s.theses.ArchiveProgress(ctx, request.StudentID, s.now())
	if err != nil {
		s.logger.Error("failed to archive guidance progress", zap.Error(err), zap.String("student_id", request.StudentID))
	} else {
		s.logger.Info("archived guidance progress after approved change request",
			zap.String("student_id", request.StudentID), zap.Int64("sessions", archived))
	}

	var supervisor1 *string
	if request.Type != models.ChangeRequestTopic {
		supervisor1 = request.RequestedSupervisorID
	}
	if err := s.theses.ApplyChange(ctx, request.ThesisID, nil, supervisor1, nil); err != nil {
		s.logger.Error("failed to apply supervisor change", zap.Error(err), zap.String("thesis_id", request.ThesisID))
	}
}

// RequestSupervisor2 opens a chain proposing a second supervisor. The first
// supervisor and the department head both sign off in one phase.
func (s *ChainService) RequestSupervisor2(ctx context.Context, thesisID, supervisor2ID string, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if strings.TrimSpace(supervisor2ID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "requestedSupervisorId is required")
	}
	thesis, err := s.loadThesis(ctx, thesisID)
	if err != nil {
		return nil, err
	}
	if thesis.StudentID != actor.UserID {
		return nil, appErrors.ErrNotAuthorized
	}
	if thesis.Supervisor2ID != nil && *thesis.Supervisor2ID != "" {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a second supervisor is already assigned")
	}
	if _, err := s.chains.FindActiveBySubject(ctx, models.ChainKindSupervisor2, thesis.ID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a second-supervisor request is already pending")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pending chains")
	}

	chain := &models.ApprovalChain{
		Kind:      models.ChainKindSupervisor2,
		SubjectID: thesis.ID,
		Phase:     models.ChainPhaseSupervisors,
		Approvals: []models.Approval{
			{ApproverID: thesis.Supervisor1ID, Phase: models.ChainPhaseSupervisors},
			{ApproverID: thesis.DepartmentHeadID, Phase: models.ChainPhaseSupervisors},
		},
	}
	if err := s.chains.CreateChain(ctx, chain); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval chain")
	}

	candidate := strings.TrimSpace(supervisor2ID)
	request := &models.ChangeRequest{
		ThesisID:              thesis.ID,
		StudentID:             actor.UserID,
		Type:                  models.ChangeRequestSupervisor,
		Reason:                "second supervisor assignment",
		RequestedSupervisorID: &candidate,
		ChainID:               chain.ID,
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record supervisor request")
	}

	s.notifyApprovers(ctx, chain, models.EventChainCreated, "CREATED", map[string]string{
		"thesisId":  thesis.ID,
		"candidate": candidate,
	})
	return chain, nil
}

// GetChain returns a chain with its approvals, restricted to parties.
func (s *ChainService) GetChain(ctx context.Context, id string, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	chain, err := s.reloadChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleKadep {
		return chain, nil
	}
	if chain.ApprovalFor(actor.UserID) != nil {
		return chain, nil
	}
	thesis, err := s.theses.GetByID(ctx, chain.SubjectID)
	if err == nil && thesis.StudentID == actor.UserID {
		return chain, nil
	}
	return nil, appErrors.ErrNotAuthorized
}

func (s *ChainService) loadThesis(ctx context.Context, id string) (*models.Thesis, error) {
	thesis, err := s.theses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}
	return thesis, nil
}

func (s *ChainService) reloadChain(ctx context.Context, id string) (*models.ApprovalChain, error) {
	chain, err := s.chains.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load chain")
	}
	return chain, nil
}

func (s *ChainService) isThesisParty(thesis *models.Thesis, actor *models.JWTClaims) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleKadep:
		return true
	case models.RoleStudent:
		return thesis.StudentID == actor.UserID
	case models.RoleLecturer:
		return thesis.IsSupervisor(actor.UserID)
	}
	return false
}

func (s *ChainService) invalidateChainViews(ctx context.Context, chain *models.ApprovalChain) {
	if s.cache == nil {
		return
	}
	pattern := fmt.Sprintf("readiness:%s:%s", chain.Kind, chain.SubjectID)
	if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("failed to invalidate chain views", zap.Error(err), zap.String("pattern", pattern))
	}
}

func supervisorApprovals(thesis *models.Thesis) []models.Approval {
	ids := thesis.SupervisorIDs()
	approvals := make([]models.Approval, 0, len(ids))
	for _, id := range ids {
		approvals = append(approvals, models.Approval{
			ApproverID: id,
			Phase:      models.ChainPhaseSupervisors,
		})
	}
	return approvals
}

func (s *ChainService) notifyApprovers(ctx context.Context, chain *models.ApprovalChain, eventType models.EventType, transition string, payload map[string]string) {
	for _, approval := range chain.Approvals {
		s.notify(ctx, models.Event{
			Type:          eventType,
			RecipientID:   approval.ApproverID,
			RecipientRole: models.RoleLecturer,
			SubjectID:     chain.ID,
			Transition:    transition,
			Payload:       payload,
		})
	}
}

func (s *ChainService) notify(ctx context.Context, event models.Event) {
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

func (s *ChainService) emitAudit(ctx context.Context, userID string, action models.AuditAction, chainID string, value interface{}) {
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
		Resource:   "approval_chain",
		ResourceID: &chainID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "chain-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
