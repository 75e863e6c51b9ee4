package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

// viewCacheStub is a map-backed stand-in for the redis view cache.
type viewCacheStub struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newViewCacheStub() *viewCacheStub {
	return &viewCacheStub{entries: make(map[string][]byte)}
}

func (c *viewCacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *viewCacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *viewCacheStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, pattern)
	return nil
}

type readinessFixture struct {
	readiness *ReadinessService
	reviews   *ChainService
	chains    *chainStoreStub
	theses    *thesisStoreStub
	cache     *viewCacheStub
	events    *dispatcherStub
}

func newReadinessFixture() *readinessFixture {
	chains := newChainStoreStub()
	theses := newThesisStoreStub(sampleThesis())
	cache := newViewCacheStub()
	dispatcher := &dispatcherStub{}
	readiness := NewReadinessService(chains, theses, dispatcher, &auditStub{}, nil,
		WithReadinessViewCache(cache, time.Minute))
	reviews := NewChainService(chains, newChangeRequestStoreStub(), theses, dispatcher, &auditStub{}, nil,
		WithChainViewCache(cache, time.Minute))
	return &readinessFixture{
		readiness: readiness,
		reviews:   reviews,
		chains:    chains,
		theses:    theses,
		cache:     cache,
		events:    dispatcher,
	}
}

func (f *readinessFixture) approve(t *testing.T, chainID, approverID string) {
	t.Helper()
	_, err := f.reviews.Review(context.Background(), chainID, dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	}, lecturerClaims(approverID))
	require.NoError(t, err)
}

func TestReadinessRequestDefenceNeedsFinalDocument(t *testing.T) {
	f := newReadinessFixture()

	_, err := f.readiness.Request(context.Background(), models.ChainKindDefence, studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))

	doc := "theses/student-1/final.pdf"
	f.theses.theses["thesis-1"].FinalDocumentRef = &doc
	chain, err := f.readiness.Request(context.Background(), models.ChainKindDefence, studentClaims("student-1"))
	require.NoError(t, err)
	require.Len(t, chain.Approvals, 2)
}

func TestReadinessRequestConflictsWhilePending(t *testing.T) {
	f := newReadinessFixture()

	_, err := f.readiness.Request(context.Background(), models.ChainKindSeminar, studentClaims("student-1"))
	require.NoError(t, err)

	_, err = f.readiness.Request(context.Background(), models.ChainKindSeminar, studentClaims("student-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
}

func TestReadinessStatusTracksApprovals(t *testing.T) {
	f := newReadinessFixture()
	actor := studentClaims("student-1")

	chain, err := f.readiness.Request(context.Background(), models.ChainKindSeminar, actor)
	require.NoError(t, err)

	status, err := f.readiness.Status(context.Background(), models.ChainKindSeminar, "thesis-1", actor)
	require.NoError(t, err)
	require.False(t, status.ApprovedBySupervisor1)
	require.False(t, status.IsFullyApproved)

	f.approve(t, chain.ID, "lecturer-1")
	status, err = f.readiness.Status(context.Background(), models.ChainKindSeminar, "thesis-1", actor)
	require.NoError(t, err)
	require.True(t, status.ApprovedBySupervisor1)
	require.False(t, status.ApprovedBySupervisor2)
	require.False(t, status.IsFullyApproved)

	f.approve(t, chain.ID, "lecturer-2")
	status, err = f.readiness.Status(context.Background(), models.ChainKindSeminar, "thesis-1", actor)
	require.NoError(t, err)
	require.True(t, status.ApprovedBySupervisor2)
	require.True(t, status.IsFullyApproved)
}

func TestReadinessRevokeReopensApprovedGate(t *testing.T) {
	f := newReadinessFixture()
	actor := studentClaims("student-1")

	chain, err := f.readiness.Request(context.Background(), models.ChainKindSeminar, actor)
	require.NoError(t, err)
	f.approve(t, chain.ID, "lecturer-1")
	f.approve(t, chain.ID, "lecturer-2")

	// Warm the cached view so revocation has something to invalidate.
	status, err := f.readiness.Status(context.Background(), models.ChainKindSeminar, "thesis-1", actor)
	require.NoError(t, err)
	require.True(t, status.IsFullyApproved)

	revoked, err := f.readiness.Revoke(context.Background(), chain.ID, dto.RevokeApprovalRequest{
		Notes: "chapter four needs another pass",
	}, lecturerClaims("lecturer-2"))
	require.NoError(t, err)
	require.Equal(t, models.ChainStatusPending, revoked.Status)

	status, err = f.readiness.Status(context.Background(), models.ChainKindSeminar, "thesis-1", actor)
	require.NoError(t, err)
	require.True(t, status.ApprovedBySupervisor1)
	require.False(t, status.ApprovedBySupervisor2)
	require.False(t, status.IsFullyApproved)

	last := f.events.events[len(f.events.events)-1]
	require.Equal(t, models.EventChainRevoked, last.Type)
	require.Equal(t, "student-1", last.RecipientID)
	require.Equal(t, "REVOKED:lecturer-2", last.Transition)
}

func TestReadinessRevokeWithoutGrantFails(t *testing.T) {
	f := newReadinessFixture()

	chain, err := f.readiness.Request(context.Background(), models.ChainKindSeminar, studentClaims("student-1"))
	require.NoError(t, err)

	_, err = f.readiness.Revoke(context.Background(), chain.ID, dto.RevokeApprovalRequest{}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestReadinessRevokeFrozenPastGate(t *testing.T) {
	f := newReadinessFixture()

	chain, err := f.readiness.Request(context.Background(), models.ChainKindSeminar, studentClaims("student-1"))
	require.NoError(t, err)
	f.approve(t, chain.ID, "lecturer-1")
	f.approve(t, chain.ID, "lecturer-2")

	// The student holds the seminar; decisions freeze.
	f.theses.theses["thesis-1"].Stage = models.ThesisStageSeminar

	_, err = f.readiness.Revoke(context.Background(), chain.ID, dto.RevokeApprovalRequest{}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestReadinessRevokeRejectedOnFinalChains(t *testing.T) {
	f := newReadinessFixture()

	request, err := f.reviews.SubmitChangeRequest(context.Background(), dto.SubmitChangeRequest{
		ThesisID: "thesis-1",
		Type:     models.ChangeRequestTopic,
		Reason:   "the assigned dataset was withdrawn by its publisher",
	}, studentClaims("student-1"))
	require.NoError(t, err)
	f.approve(t, request.ChainID, "lecturer-1")

	_, err = f.readiness.Revoke(context.Background(), request.ChainID, dto.RevokeApprovalRequest{}, lecturerClaims("lecturer-1"))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}
