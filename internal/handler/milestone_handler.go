package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/response"
)

type milestoneService interface {
	Create(ctx context.Context, title string, targetDate *time.Time, actor *models.JWTClaims) (*models.Milestone, error)
	List(ctx context.Context, studentID string, actor *models.JWTClaims) ([]models.Milestone, error)
	Complete(ctx context.Context, id string, actor *models.JWTClaims) error
}

// MilestoneHandler exposes milestone endpoints.
type MilestoneHandler struct {
	service milestoneService
}

// NewMilestoneHandler constructs the handler.
func NewMilestoneHandler(service milestoneService) *MilestoneHandler {
	return &MilestoneHandler{service: service}
}

// Create godoc
// @Summary Create a progress milestone
// @Tags Milestones
// @Accept json
// @Produce json
// @Param payload body object true "Milestone"
// @Success 201 {object} response.Envelope
// @Router /milestones [post]
func (h *MilestoneHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req struct {
		Title      string `json:"title" binding:"required"`
		TargetDate string `json:"targetDate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "title is required"))
		return
	}
	var targetDate *time.Time
	if req.TargetDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.TargetDate)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "targetDate must be RFC3339"))
			return
		}
		targetDate = &parsed
	}
	milestone, err := h.service.Create(c.Request.Context(), req.Title, targetDate, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, milestone, nil)
}

// List godoc
// @Summary List milestones
// @Tags Milestones
// @Produce json
// @Param studentId query string false "Student ID (staff only)"
// @Success 200 {object} response.Envelope
// @Router /milestones [get]
func (h *MilestoneHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	milestones, err := h.service.List(c.Request.Context(), c.Query("studentId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, milestones, nil)
}

// Complete godoc
// @Summary Mark a milestone as done
// @Tags Milestones
// @Produce json
// @Param id path string true "Milestone ID"
// @Success 204 {object} response.Envelope
// @Router /milestones/{id}/complete [post]
func (h *MilestoneHandler) Complete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Complete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
