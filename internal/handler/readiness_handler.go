package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sita-guidance-api/internal/dto"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/response"
)

type readinessService interface {
	Request(ctx context.Context, kind models.ChainKind, actor *models.JWTClaims) (*models.ApprovalChain, error)
	Revoke(ctx context.Context, chainID string, req dto.RevokeApprovalRequest, actor *models.JWTClaims) (*models.ApprovalChain, error)
	Status(ctx context.Context, kind models.ChainKind, thesisID string, actor *models.JWTClaims) (*dto.ReadinessStatus, error)
}

// ReadinessHandler exposes the seminar/defence readiness gate endpoints.
type ReadinessHandler struct {
	service readinessService
}

// NewReadinessHandler constructs the handler.
func NewReadinessHandler(service readinessService) *ReadinessHandler {
	return &ReadinessHandler{service: service}
}

// gateKind resolves the :gate path segment. The URL uses the short names;
// the chain kinds are the wire enumeration.
func gateKind(raw string) (models.ChainKind, bool) {
	switch strings.ToLower(raw) {
	case "defence":
		return models.ChainKindDefence, true
	case "seminar":
		return models.ChainKindSeminar, true
	}
	return "", false
}

// Request godoc
// @Summary Request a readiness review for the caller's thesis
// @Tags Readiness
// @Produce json
// @Param gate path string true "Gate (seminar or defence)"
// @Success 201 {object} response.Envelope
// @Router /readiness/{gate} [post]
func (h *ReadinessHandler) Request(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	kind, ok := gateKind(c.Param("gate"))
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "gate must be seminar or defence"))
		return
	}
	chain, err := h.service.Request(c.Request.Context(), kind, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, chain, nil)
}

// Status godoc
// @Summary Readiness flag view for a thesis
// @Tags Readiness
// @Produce json
// @Param gate path string true "Gate (seminar or defence)"
// @Param thesisId path string true "Thesis ID"
// @Success 200 {object} response.Envelope
// @Router /readiness/{gate}/{thesisId} [get]
func (h *ReadinessHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	kind, ok := gateKind(c.Param("gate"))
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "gate must be seminar or defence"))
		return
	}
	status, err := h.service.Status(c.Request.Context(), kind, c.Param("thesisId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Revoke godoc
// @Summary Withdraw a previously granted readiness approval
// @Tags Readiness
// @Accept json
// @Produce json
// @Param id path string true "Chain ID"
// @Param payload body dto.RevokeApprovalRequest false "Optional notes"
// @Success 200 {object} response.Envelope
// @Router /chains/{id}/revoke [post]
func (h *ReadinessHandler) Revoke(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RevokeApprovalRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid revoke payload"))
			return
		}
	}
	chain, err := h.service.Revoke(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, chain, nil)
}
