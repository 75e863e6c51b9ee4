package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/response"
)

type chainService interface {
	SubmitChangeRequest(ctx context.Context, req dto.SubmitChangeRequest, actor *models.JWTClaims) (*models.ChangeRequest, error)
	Review(ctx context.Context, chainID string, req dto.ReviewChangeRequest, actor *models.JWTClaims) (*models.ApprovalChain, error)
	RequestSupervisor2(ctx context.Context, thesisID, supervisor2ID string, actor *models.JWTClaims) (*models.ApprovalChain, error)
	GetChain(ctx context.Context, id string, actor *models.JWTClaims) (*models.ApprovalChain, error)
	ListChangeRequests(ctx context.Context, thesisID string, actor *models.JWTClaims) ([]models.ChangeRequest, error)
}

// ChangeRequestHandler exposes the change request and approval chain endpoints.
type ChangeRequestHandler struct {
	service chainService
}

// NewChangeRequestHandler constructs the handler.
func NewChangeRequestHandler(service chainService) *ChangeRequestHandler {
	return &ChangeRequestHandler{service: service}
}

// Submit godoc
// @Summary Submit a topic/supervisor change request
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param payload body dto.SubmitChangeRequest true "Change request"
// @Success 201 {object} response.Envelope
// @Router /change-requests [post]
func (h *ChangeRequestHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SubmitChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid change request payload"))
		return
	}
	request, err := h.service.SubmitChangeRequest(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, request, nil)
}

// ListByThesis godoc
// @Summary List change requests for a thesis
// @Tags ChangeRequests
// @Produce json
// @Param thesisId path string true "Thesis ID"
// @Success 200 {object} response.Envelope
// @Router /theses/{thesisId}/change-requests [get]
func (h *ChangeRequestHandler) ListByThesis(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	requests, err := h.service.ListChangeRequests(c.Request.Context(), c.Param("thesisId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// GetChain godoc
// @Summary Get an approval chain with its sub-records
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Chain ID"
// @Success 200 {object} response.Envelope
// @Router /chains/{id} [get]
func (h *ChangeRequestHandler) GetChain(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	chain, err := h.service.GetChain(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, chain, nil)
}

// Review godoc
// @Summary Record one approver's decision on a chain
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param id path string true "Chain ID"
// @Param payload body dto.ReviewChangeRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Router /chains/{id}/review [post]
func (h *ChangeRequestHandler) Review(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ReviewChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review payload"))
		return
	}
	chain, err := h.service.Review(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, chain, nil)
}

// RequestSupervisor2 godoc
// @Summary Request assignment of a second supervisor
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param thesisId path string true "Thesis ID"
// @Param payload body dto.SubmitChangeRequest true "Candidate supervisor"
// @Success 201 {object} response.Envelope
// @Router /theses/{thesisId}/supervisor2 [post]
func (h *ChangeRequestHandler) RequestSupervisor2(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req struct {
		RequestedSupervisorID string `json:"requestedSupervisorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "requestedSupervisorId is required"))
		return
	}
	chain, err := h.service.RequestSupervisor2(c.Request.Context(), c.Param("thesisId"), req.RequestedSupervisorID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, chain, nil)
}
