package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/response"
)

type guidanceService interface {
	Request(ctx context.Context, req dto.RequestSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error)
	Reschedule(ctx context.Context, id string, req dto.RescheduleSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error)
	Accept(ctx context.Context, id string, req dto.DecideSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error)
	Reject(ctx context.Context, id string, req dto.DecideSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error)
	SubmitSummary(ctx context.Context, id string, req dto.SubmitSummaryRequest, actor *models.JWTClaims) (*models.GuidanceSession, error)
	ApproveSummary(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error)
	Cancel(ctx context.Context, id string, req dto.CancelSessionRequest, actor *models.JWTClaims) (*models.GuidanceSession, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error)
	List(ctx context.Context, query dto.GuidanceQuery, actor *models.JWTClaims) ([]models.GuidanceSession, error)
}

// GuidanceHandler exposes REST endpoints for the guidance session workflow.
type GuidanceHandler struct {
	service guidanceService
}

// NewGuidanceHandler constructs the handler.
func NewGuidanceHandler(service guidanceService) *GuidanceHandler {
	return &GuidanceHandler{service: service}
}

// Request godoc
// @Summary Request a guidance session
// @Tags Guidance
// @Accept json
// @Produce json
// @Param payload body dto.RequestSessionRequest true "Session request"
// @Success 201 {object} response.Envelope
// @Router /guidance [post]
func (h *GuidanceHandler) Request(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RequestSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid session payload"))
		return
	}
	session, err := h.service.Request(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, session, nil)
}

// List godoc
// @Summary List guidance sessions visible to the caller
// @Tags Guidance
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param studentId query string false "Filter by student"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /guidance [get]
func (h *GuidanceHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.GuidanceQuery{
		StudentID:    strings.TrimSpace(c.Query("studentId")),
		SupervisorID: strings.TrimSpace(c.Query("supervisorId")),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		for _, part := range strings.Split(rawStatus, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			query.Status = append(query.Status, models.GuidanceStatus(part))
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			query.Limit = limit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			query.Offset = offset
		}
	}
	sessions, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, nil)
}

// Get godoc
// @Summary Get one guidance session
// @Tags Guidance
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id} [get]
func (h *GuidanceHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	session, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Accept godoc
// @Summary Accept a requested session
// @Tags Guidance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.DecideSessionRequest false "Optional feedback"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/accept [post]
func (h *GuidanceHandler) Accept(c *gin.Context) {
	h.decide(c, h.service.Accept)
}

// Reject godoc
// @Summary Reject a requested session
// @Tags Guidance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.DecideSessionRequest true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/reject [post]
func (h *GuidanceHandler) Reject(c *gin.Context) {
	h.decide(c, h.service.Reject)
}

func (h *GuidanceHandler) decide(c *gin.Context, apply func(context.Context, string, dto.DecideSessionRequest, *models.JWTClaims) (*models.GuidanceSession, error)) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DecideSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
			return
		}
	}
	session, err := apply(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Reschedule godoc
// @Summary Move a requested session to a new date
// @Tags Guidance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.RescheduleSessionRequest true "New schedule"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/reschedule [post]
func (h *GuidanceHandler) Reschedule(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RescheduleSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reschedule payload"))
		return
	}
	session, err := h.service.Reschedule(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Cancel godoc
// @Summary Cancel an own session
// @Tags Guidance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.CancelSessionRequest false "Cancellation reason"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/cancel [post]
func (h *GuidanceHandler) Cancel(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CancelSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid cancel payload"))
			return
		}
	}
	session, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// SubmitSummary godoc
// @Summary Submit the post-session summary
// @Tags Guidance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.SubmitSummaryRequest true "Summary"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/summary [post]
func (h *GuidanceHandler) SubmitSummary(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SubmitSummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid summary payload"))
		return
	}
	session, err := h.service.SubmitSummary(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// ApproveSummary godoc
// @Summary Approve a submitted summary
// @Tags Guidance
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/summary/approve [post]
func (h *GuidanceHandler) ApproveSummary(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	session, err := h.service.ApproveSummary(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}
