package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/repository"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

// chainStoreStub keeps chains in memory. Transact serializes callers on a
// mutex and applies mutations only when fn succeeds, mirroring the row-lock
// transaction of the real store.
type chainStoreStub struct {
	mu     sync.Mutex
	chains map[string]*models.ApprovalChain
	seq    int
}

func newChainStoreStub() *chainStoreStub {
	return &chainStoreStub{chains: make(map[string]*models.ApprovalChain)}
}

func cloneChain(chain *models.ApprovalChain) *models.ApprovalChain {
	copy := *chain
	copy.Approvals = append([]models.Approval(nil), chain.Approvals...)
	return &copy
}

func (s *chainStoreStub) CreateChain(ctx context.Context, chain *models.ApprovalChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if chain.ID == "" {
		chain.ID = fmt.Sprintf("chain-%d", s.seq)
	}
	if chain.Status == "" {
		chain.Status = models.ChainStatusPending
	}
	chain.CreatedAt = time.Now().UTC()
	for i := range chain.Approvals {
		chain.Approvals[i].ID = fmt.Sprintf("%s-approval-%d", chain.ID, i)
		chain.Approvals[i].ChainID = chain.ID
		chain.Approvals[i].Position = i
		if chain.Approvals[i].Status == "" {
			chain.Approvals[i].Status = models.ApprovalStatusPending
		}
	}
	s.chains[chain.ID] = cloneChain(chain)
	return nil
}

func (s *chainStoreStub) GetByID(ctx context.Context, id string) (*models.ApprovalChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneChain(chain), nil
}

func (s *chainStoreStub) FindActiveBySubject(ctx context.Context, kind models.ChainKind, subjectID string) (*models.ApprovalChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chain := range s.chains {
		if chain.Kind == kind && chain.SubjectID == subjectID && chain.Status == models.ChainStatusPending {
			return cloneChain(chain), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *chainStoreStub) FindLatestBySubject(ctx context.Context, kind models.ChainKind, subjectID string) (*models.ApprovalChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ApprovalChain
	for _, chain := range s.chains {
		if chain.Kind != kind || chain.SubjectID != subjectID {
			continue
		}
		if latest == nil || chain.CreatedAt.After(latest.CreatedAt) {
			latest = chain
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	return cloneChain(latest), nil
}

type chainTxStub struct {
	chain *models.ApprovalChain
}

func (t *chainTxStub) UpdateApproval(ctx context.Context, approvalID string, from, to models.ApprovalStatus, notes *string, decidedAt *time.Time) error {
	for i := range t.chain.Approvals {
		approval := &t.chain.Approvals[i]
		if approval.ID != approvalID {
			continue
		}
		if approval.Status != from {
			return sql.ErrNoRows
		}
		approval.Status = to
		approval.DecidedAt = decidedAt
		if notes != nil {
			approval.Notes = notes
		}
		return nil
	}
	return sql.ErrNoRows
}

func (t *chainTxStub) InsertApproval(ctx context.Context, approval *models.Approval) error {
	approval.ID = fmt.Sprintf("%s-approval-%d", t.chain.ID, len(t.chain.Approvals))
	approval.ChainID = t.chain.ID
	t.chain.Approvals = append(t.chain.Approvals, *approval)
	return nil
}

func (t *chainTxStub) UpdateChain(ctx context.Context, chainID string, phase models.ChainPhase, status models.ChainStatus, resolvedAt *time.Time) error {
	t.chain.Phase = phase
	t.chain.Status = status
	t.chain.ResolvedAt = resolvedAt
	return nil
}

func (s *chainStoreStub) Transact(ctx context.Context, chainID string, fn func(tx repository.ChainTx, chain *models.ApprovalChain) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[chainID]
	if !ok {
		return sql.ErrNoRows
	}
	working := cloneChain(chain)
	if err := fn(&chainTxStub{chain: working}, working); err != nil {
		return err
	}
	s.chains[chainID] = working
	return nil
}

type changeRequestStoreStub struct {
	mu       sync.Mutex
	requests map[string]*models.ChangeRequest
	seq      int
}

func newChangeRequestStoreStub() *changeRequestStoreStub {
	return &changeRequestStoreStub{requests: make(map[string]*models.ChangeRequest)}
}

func (s *changeRequestStoreStub) Create(ctx context.Context, request *models.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if request.ID == "" {
		request.ID = fmt.Sprintf("request-%d", s.seq)
	}
	if request.Status == "" {
		request.Status = models.ChainStatusPending
	}
	copy := *request
	s.requests[request.ID] = &copy
	return nil
}

func (s *changeRequestStoreStub) GetByChain(ctx context.Context, chainID string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, request := range s.requests {
		if request.ChainID == chainID {
			copy := *request
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *changeRequestStoreStub) FindPendingByThesis(ctx context.Context, thesisID string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, request := range s.requests {
		if request.ThesisID == thesisID && request.Status == models.ChainStatusPending {
			copy := *request
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *changeRequestStoreStub) ListByThesis(ctx context.Context, thesisID string) ([]models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.ChangeRequest, 0)
	for _, request := range s.requests {
		if request.ThesisID == thesisID {
			result = append(result, *request)
		}
	}
	return result, nil
}

func (s *changeRequestStoreStub) SetStatus(ctx context.Context, id string, status models.ChainStatus, resolvedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok {
		return sql.ErrNoRows
	}
	request.Status = status
	request.ResolvedAt = resolvedAt
	return nil
}

type thesisStoreStub struct {
	mu       sync.Mutex
	theses   map[string]*models.Thesis
	archived []string
}

func newThesisStoreStub(theses ...*models.Thesis) *thesisStoreStub {
	stub := &thesisStoreStub{theses: make(map[string]*models.Thesis)}
	for _, thesis := range theses {
		stub.theses[thesis.ID] = thesis
	}
	return stub
}

func (s *thesisStoreStub) GetByID(ctx context.Context, id string) (*models.Thesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thesis, ok := s.theses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *thesis
	return &copy, nil
}

func (s *thesisStoreStub) GetByStudent(ctx context.Context, studentID string) (*models.Thesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thesis := range s.theses {
		if thesis.StudentID == studentID {
			copy := *thesis
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *thesisStoreStub) ApplyChange(ctx context.Context, id string, topic *string, supervisor1ID, supervisor2ID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thesis, ok := s.theses[id]
	if !ok {
		return sql.ErrNoRows
	}
	if topic != nil {
		thesis.Topic = *topic
	}
	if supervisor1ID != nil {
		thesis.Supervisor1ID = *supervisor1ID
	}
	if supervisor2ID != nil {
		thesis.Supervisor2ID = supervisor2ID
	}
	return nil
}

func (s *thesisStoreStub) ArchiveProgress(ctx context.Context, studentID string, archivedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, studentID)
	return 1, nil
}

func sampleThesis() *models.Thesis {
	supervisor2 := "lecturer-2"
	return &models.Thesis{
		ID:               "thesis-1",
		StudentID:        "student-1",
		Title:            "Realtime Notification Delivery",
		Supervisor1ID:    "lecturer-1",
		Supervisor2ID:    &supervisor2,
		DepartmentHeadID: "kadep-1",
		Stage:            models.ThesisStageGuidance,
	}
}

func newChainFixture() (*ChainService, *chainStoreStub, *changeRequestStoreStub, *thesisStoreStub, *dispatcherStub) {
	chains := newChainStoreStub()
	requests := newChangeRequestStoreStub()
	theses := newThesisStoreStub(sampleThesis())
	dispatcher := &dispatcherStub{}
	svc := NewChainService(chains, requests, theses, dispatcher, &auditStub{}, nil)
	return svc, chains, requests, theses, dispatcher
}

func submitChange(t *testing.T, svc *ChainService) *models.ChangeRequest {
	t.Helper()
	request, err := svc.SubmitChangeRequest(context.Background(), dto.SubmitChangeRequest{
		ThesisID: "thesis-1",
		Type:     models.ChangeRequestTopic,
		Reason:   "the current topic overlaps an already published dataset",
	}, studentClaims("student-1"))
	require.NoError(t, err)
	return request
}

func TestChainServiceSubmitChangeRequest(t *testing.T) {
	svc, chains, _, _, dispatcher := newChainFixture()

	request := submitChange(t, svc)
	require.Equal(t, models.ChainStatusPending, request.Status)

	chain, err := chains.GetByID(context.Background(), request.ChainID)
	require.NoError(t, err)
	require.Equal(t, models.ChainKindChangeRequest, chain.Kind)
	require.Equal(t, models.ChainPhaseSupervisors, chain.Phase)
	require.Len(t, chain.Approvals, 2)

	// both supervisors notified of the new chain
	require.Len(t, dispatcher.events, 2)
	require.Equal(t, models.EventChainCreated, dispatcher.events[0].Type)
}

func TestChainServiceSubmitShortReason(t *testing.T) {
	svc, _, _, _, _ := newChainFixture()

	_, err := svc.SubmitChangeRequest(context.Background(), dto.SubmitChangeRequest{
		ThesisID: "thesis-1",
		Type:     models.ChangeRequestTopic,
		Reason:   "too narrow",
	}, studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestChainServiceSubmitPendingConflict(t *testing.T) {
	svc, _, _, _, _ := newChainFixture()
	submitChange(t, svc)

	_, err := svc.SubmitChangeRequest(context.Background(), dto.SubmitChangeRequest{
		ThesisID: "thesis-1",
		Type:     models.ChangeRequestSupervisor,
		Reason:   "my supervisor is on sabbatical for the full year",
	}, studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
}

func TestChainServiceReviewOutsiderRejected(t *testing.T) {
	svc, _, _, _, _ := newChainFixture()
	request := submitChange(t, svc)

	_, err := svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims("lecturer-9"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotAuthorized))
}

func TestChainServiceSingleRejectShortCircuits(t *testing.T) {
	svc, chains, requests, _, dispatcher := newChainFixture()
	request := submitChange(t, svc)

	chain, err := svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusRejected,
		Notes:    "discuss this in person first",
	}, lecturerClaims("lecturer-2"))
	require.NoError(t, err)
	require.Equal(t, models.ChainStatusRejected, chain.Status)

	// The other approval stays pending and is no longer actionable.
	stored, err := chains.GetByID(context.Background(), request.ChainID)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusPending, stored.Approvals[0].Status)

	_, err = svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))

	mirrored, err := requests.GetByChain(context.Background(), request.ChainID)
	require.NoError(t, err)
	require.Equal(t, models.ChainStatusRejected, mirrored.Status)

	last := dispatcher.events[len(dispatcher.events)-1]
	require.Equal(t, models.EventChainRejected, last.Type)
	require.Equal(t, "student-1", last.RecipientID)
}

func TestChainServiceEscalatesToDepartmentHead(t *testing.T) {
	svc, chains, _, theses, dispatcher := newChainFixture()
	request := submitChange(t, svc)

	_, err := svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)

	chain, err := svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims("lecturer-2"))
	require.NoError(t, err)

	// Supervisors done: the department head record appears lazily and the
	// chain moves to phase two still pending.
	require.Equal(t, models.ChainPhaseDepartment, chain.Phase)
	require.Equal(t, models.ChainStatusPending, chain.Status)
	require.Len(t, chain.Approvals, 3)
	require.Equal(t, "kadep-1", chain.Approvals[2].ApproverID)

	last := dispatcher.events[len(dispatcher.events)-1]
	require.Equal(t, models.EventChainEscalated, last.Type)
	require.Equal(t, "kadep-1", last.RecipientID)

	// Department head approval resolves the chain and archives progress.
	final, err := svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, &models.JWTClaims{UserID: "kadep-1", Role: models.RoleKadep})
	require.NoError(t, err)
	require.Equal(t, models.ChainStatusApproved, final.Status)
	require.Contains(t, theses.archived, "student-1")

	stored, err := chains.GetByID(context.Background(), request.ChainID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResolvedAt)
}

func TestChainServiceDoubleDecision(t *testing.T) {
	svc, _, _, _, _ := newChainFixture()
	request := submitChange(t, svc)

	_, err := svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)

	_, err = svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusRejected,
	}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestChainServiceConcurrentApproveRejectResolvesOnce(t *testing.T) {
	svc, chains, _, _, _ := newChainFixture()
	request := submitChange(t, svc)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
			Decision: models.ApprovalStatusRejected,
		}, lecturerClaims("lecturer-1"))
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.Review(context.Background(), request.ChainID, dto.ReviewChangeRequest{
			Decision: models.ApprovalStatusRejected,
		}, lecturerClaims("lecturer-1"))
	}()
	wg.Wait()

	// Exactly one of the two racing identical decisions wins; the loser
	// observes the already-applied state.
	success := 0
	for _, err := range errs {
		if err == nil {
			success++
		} else {
			require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
		}
	}
	require.Equal(t, 1, success)

	chain, err := chains.GetByID(context.Background(), request.ChainID)
	require.NoError(t, err)
	require.Equal(t, models.ChainStatusRejected, chain.Status)
}

func TestChainServiceRequestSupervisor2(t *testing.T) {
	svc, _, _, theses, _ := newChainFixture()
	theses.theses["thesis-1"].Supervisor2ID = nil

	chain, err := svc.RequestSupervisor2(context.Background(), "thesis-1", "lecturer-7", studentClaims("student-1"))
	require.NoError(t, err)
	require.Equal(t, models.ChainKindSupervisor2, chain.Kind)
	require.Len(t, chain.Approvals, 2)

	_, err = svc.Review(context.Background(), chain.ID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims("lecturer-1"))
	require.NoError(t, err)
	resolved, err := svc.Review(context.Background(), chain.ID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, &models.JWTClaims{UserID: "kadep-1", Role: models.RoleKadep})
	require.NoError(t, err)
	require.Equal(t, models.ChainStatusApproved, resolved.Status)

	thesis, err := theses.GetByID(context.Background(), "thesis-1")
	require.NoError(t, err)
	require.NotNil(t, thesis.Supervisor2ID)
	require.Equal(t, "lecturer-7", *thesis.Supervisor2ID)
}
