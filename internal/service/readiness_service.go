package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/repository"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

// ReadinessService manages the seminar and defence readiness gates. A gate
// is an approval chain over the thesis whose per-supervisor approvals stay
// revocable until the thesis progresses past the gate.
type ReadinessService struct {
	chains     chainStore
	theses     thesisStore
	dispatcher eventDispatcher
	audit      auditLogger
	cache      viewCache
	logger     *zap.Logger
	viewTTL    time.Duration
	now        func() time.Time
}

// ReadinessServiceOption configures the service.
type ReadinessServiceOption func(*ReadinessService)

// WithReadinessViewCache wires the derived flag-view cache.
func WithReadinessViewCache(cache viewCache, ttl time.Duration) ReadinessServiceOption {
	return func(s *ReadinessService) {
		if cache != nil {
			s.cache = cache
		}
		if ttl > 0 {
			s.viewTTL = ttl
		}
	}
}

// WithReadinessClock overrides the clock, used by tests.
func WithReadinessClock(now func() time.Time) ReadinessServiceOption {
	return func(s *ReadinessService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewReadinessService constructs the service with defaults.
func NewReadinessService(chains chainStore, theses thesisStore, dispatcher eventDispatcher, audit auditLogger, logger *zap.Logger, opts ...ReadinessServiceOption) *ReadinessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ReadinessService{
		chains:     chains,
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

// Request opens a readiness gate for the acting student's thesis. Requesting
// the defence gate requires an uploaded final document.
func (s *ReadinessService) Request(ctx context.Context, kind models.ChainKind, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "only students request readiness review")
	}
	if kind != models.ChainKindDefence && kind != models.ChainKindSeminar {
		return nil, appErrors.Clone(appErrors.ErrValidation, "kind must be a readiness gate")
	}

	thesis, err := s.theses.GetByStudent(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "no thesis registered for this student")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}
	if kind == models.ChainKindDefence && (thesis.FinalDocumentRef == nil || *thesis.FinalDocumentRef == "") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "upload the final thesis document before requesting the defence")
	}
	if thesis.PastGate(kind) {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "the thesis has already passed this gate")
	}

	if _, err := s.chains.FindActiveBySubject(ctx, kind, thesis.ID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a readiness review is already in progress")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pending reviews")
	}

	chain := &models.ApprovalChain{
		Kind:      kind,
		SubjectID: thesis.ID,
		Phase:     models.ChainPhaseSupervisors,
		Approvals: supervisorApprovals(thesis),
	}
	if err := s.chains.CreateChain(ctx, chain); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create readiness chain")
	}

	s.invalidateView(ctx, kind, thesis.ID)
	for _, approval := range chain.Approvals {
		s.notify(ctx, models.Event{
			Type:          models.EventChainCreated,
			RecipientID:   approval.ApproverID,
			RecipientRole: models.RoleLecturer,
			SubjectID:     chain.ID,
			Transition:    "CREATED",
			Payload:       map[string]string{"thesisId": thesis.ID, "kind": string(kind)},
		})
	}
	return chain, nil
}

// Revoke unsets the acting supervisor's previously granted approval. Only
// readiness chains allow it, and only while the gate has not been passed.
// The approval returns to PENDING; an already fully-approved gate reopens.
func (s *ReadinessService) Revoke(ctx context.Context, chainID string, req dto.RevokeApprovalRequest, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	var subjectID string
	var kind models.ChainKind
	var studentID string
	err := s.chains.Transact(ctx, chainID, func(tx repository.ChainTx, chain *models.ApprovalChain) error {
		if !chain.Revocable() {
			return appErrors.Clone(appErrors.ErrInvalidState, "decisions on this chain are final")
		}
		thesis, err := s.theses.GetByID(ctx, chain.SubjectID)
		if err != nil {
			return fmt.Errorf("load thesis for revoke: %w", err)
		}
		if thesis.PastGate(chain.Kind) {
			return appErrors.Clone(appErrors.ErrInvalidState, "the thesis has already passed this gate")
		}
		approval := chain.ApprovalFor(actor.UserID)
		if approval == nil {
			return appErrors.Clone(appErrors.ErrNotAuthorized, "you are not an approver on this chain")
		}
		if approval.Status != models.ApprovalStatusApproved {
			return appErrors.Clone(appErrors.ErrInvalidState, "there is no granted approval to revoke")
		}

		notes := optionalString(req.Notes)
		if err := tx.UpdateApproval(ctx, approval.ID, models.ApprovalStatusApproved, models.ApprovalStatusPending, notes, nil); err != nil {
			return err
		}
		if chain.Status == models.ChainStatusApproved {
			if err := tx.UpdateChain(ctx, chain.ID, chain.Phase, models.ChainStatusPending, nil); err != nil {
				return err
			}
		}
		subjectID = chain.SubjectID
		kind = chain.Kind
		studentID = thesis.StudentID
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "the chain was decided concurrently, reload and retry")
		}
		var typed *appErrors.Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke approval")
	}

	s.invalidateView(ctx, kind, subjectID)
	s.emitAudit(ctx, actor.UserID, chainID)
	s.notify(ctx, models.Event{
		Type:          models.EventChainRevoked,
		RecipientID:   studentID,
		RecipientRole: models.RoleStudent,
		SubjectID:     chainID,
		Transition:    "REVOKED:" + actor.UserID,
	})

	chain, err := s.chains.GetByID(ctx, chainID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload chain")
	}
	return chain, nil
}

// Status derives the flag view the portal renders for one gate. The view is
// cached briefly and invalidated on every decision touching the chain.
func (s *ReadinessService) Status(ctx context.Context, kind models.ChainKind, thesisID string, actor *models.JWTClaims) (*dto.ReadinessStatus, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if kind != models.ChainKindDefence && kind != models.ChainKindSeminar {
		return nil, appErrors.Clone(appErrors.ErrValidation, "kind must be a readiness gate")
	}
	thesis, err := s.theses.GetByID(ctx, thesisID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}
	if !s.isThesisParty(thesis, actor) {
		return nil, appErrors.ErrNotAuthorized
	}

	cacheKey := readinessViewKey(kind, thesisID)
	if s.cache != nil {
		var cached dto.ReadinessStatus
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !appErrors.HasCode(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("readiness view cache read failed", zap.Error(err), zap.String("key", cacheKey))
		}
	}

	status := &dto.ReadinessStatus{
		ThesisID: thesisID,
		Kind:     string(kind),
	}
	chain, err := s.chains.FindLatestBySubject(ctx, kind, thesisID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load readiness chain")
	}
	if chain != nil {
		status.ApprovedBySupervisor1 = approvalGranted(chain, thesis.Supervisor1ID)
		if thesis.Supervisor2ID != nil {
			status.ApprovedBySupervisor2 = approvalGranted(chain, *thesis.Supervisor2ID)
		}
		status.IsFullyApproved = chain.Status == models.ChainStatusApproved
		if chain.ResolvedAt != nil {
			status.UpdatedAt = chain.ResolvedAt
		} else {
			status.UpdatedAt = &chain.CreatedAt
		}
		if kind == models.ChainKindDefence {
			status.HasRequestedDefence = thesis.FinalDocumentRef != nil && *thesis.FinalDocumentRef != ""
		} else {
			status.HasRequestedDefence = true
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, status, s.viewTTL); err != nil {
			s.logger.Warn("readiness view cache write failed", zap.Error(err), zap.String("key", cacheKey))
		}
	}
	return status, nil
}

func (s *ReadinessService) isThesisParty(thesis *models.Thesis, actor *models.JWTClaims) bool {
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

func (s *ReadinessService) invalidateView(ctx context.Context, kind models.ChainKind, thesisID string) {
	if s.cache == nil {
		return
	}
	key := readinessViewKey(kind, thesisID)
	if err := s.cache.DeleteByPattern(ctx, key); err != nil {
		s.logger.Warn("failed to invalidate readiness view", zap.Error(err), zap.String("key", key))
	}
}

func (s *ReadinessService) notify(ctx context.Context, event models.Event) {
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

func (s *ReadinessService) emitAudit(ctx context.Context, userID, chainID string) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     models.AuditActionChainRevoke,
		Resource:   "approval_chain",
		ResourceID: &chainID,
		IPAddress:  "system",
		UserAgent:  "readiness-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func readinessViewKey(kind models.ChainKind, thesisID string) string {
	return fmt.Sprintf("readiness:%s:%s", kind, thesisID)
}

func approvalGranted(chain *models.ApprovalChain, approverID string) bool {
	approval := chain.ApprovalFor(approverID)
	return approval != nil && approval.Status == models.ApprovalStatusApproved
}
