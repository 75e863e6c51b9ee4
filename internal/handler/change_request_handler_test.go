package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/middleware"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

type chainServiceMock struct {
	request *models.ChangeRequest
	chain   *models.ApprovalChain
	err     error
}

func (m *chainServiceMock) SubmitChangeRequest(ctx context.Context, req dto.SubmitChangeRequest, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.request, nil
}

func (m *chainServiceMock) Review(ctx context.Context, chainID string, req dto.ReviewChangeRequest, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.chain, nil
}

func (m *chainServiceMock) RequestSupervisor2(ctx context.Context, thesisID, supervisor2ID string, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.chain, nil
}

func (m *chainServiceMock) GetChain(ctx context.Context, id string, actor *models.JWTClaims) (*models.ApprovalChain, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.chain, nil
}

func (m *chainServiceMock) ListChangeRequests(ctx context.Context, thesisID string, actor *models.JWTClaims) ([]models.ChangeRequest, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []models.ChangeRequest{}, nil
}

func TestChangeRequestHandlerSubmit(t *testing.T) {
	mock := &chainServiceMock{request: &models.ChangeRequest{ID: "request-1", Status: models.ChainStatusPending}}
	handler := NewChangeRequestHandler(mock)

	c, w := testContext(t, http.MethodPost, "/change-requests", dto.SubmitChangeRequest{
		ThesisID: "thesis-1",
		Type:     models.ChangeRequestTopic,
		Reason:   "the current topic overlaps an already published dataset",
	})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent})

	handler.Submit(c)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), "request-1")
}

func TestChangeRequestHandlerSubmitConflict(t *testing.T) {
	mock := &chainServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "a change request is already pending for this thesis")}
	handler := NewChangeRequestHandler(mock)

	c, w := testContext(t, http.MethodPost, "/change-requests", dto.SubmitChangeRequest{
		ThesisID: "thesis-1",
		Type:     models.ChangeRequestTopic,
		Reason:   "my supervisor is on sabbatical for the full year",
	})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent})

	handler.Submit(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestChangeRequestHandlerReviewNotApprover(t *testing.T) {
	mock := &chainServiceMock{err: appErrors.Clone(appErrors.ErrNotAuthorized, "you are not an approver on this chain")}
	handler := NewChangeRequestHandler(mock)

	c, w := testContext(t, http.MethodPost, "/chains/chain-1/review", dto.ReviewChangeRequest{
		Decision: models.ApprovalStatusApproved,
	})
	c.Params = gin.Params{{Key: "id", Value: "chain-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "lecturer-9", Role: models.RoleLecturer})

	handler.Review(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestChangeRequestHandlerReviewWithoutClaims(t *testing.T) {
	handler := NewChangeRequestHandler(&chainServiceMock{})

	c, w := testContext(t, http.MethodPost, "/chains/chain-1/review", dto.ReviewChangeRequest{})
	handler.Review(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChangeRequestHandlerRequestSupervisor2MissingCandidate(t *testing.T) {
	handler := NewChangeRequestHandler(&chainServiceMock{})

	c, w := testContext(t, http.MethodPost, "/theses/thesis-1/supervisor2", map[string]string{})
	c.Params = gin.Params{{Key: "thesisId", Value: "thesis-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent})

	handler.RequestSupervisor2(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
