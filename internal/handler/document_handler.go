package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/service"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/response"
)

type documentService interface {
	AttachFinalDocument(ctx context.Context, documentRef string, actor *models.JWTClaims) (*models.Thesis, error)
	FinalDocumentLink(ctx context.Context, thesisID string, actor *models.JWTClaims) (*service.DocumentLink, error)
	SessionDocumentLink(session *models.GuidanceSession, actor *models.JWTClaims) (*service.DocumentLink, error)
}

type sessionSource interface {
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.GuidanceSession, error)
}

// DocumentHandler mints signed links for document references.
type DocumentHandler struct {
	service  documentService
	sessions sessionSource
}

// NewDocumentHandler constructs the handler.
func NewDocumentHandler(service documentService, sessions sessionSource) *DocumentHandler {
	return &DocumentHandler{service: service, sessions: sessions}
}

// AttachFinal godoc
// @Summary Attach the final thesis document reference
// @Tags Documents
// @Accept json
// @Produce json
// @Param payload body object true "Document reference"
// @Success 200 {object} response.Envelope
// @Router /documents/final [post]
func (h *DocumentHandler) AttachFinal(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req struct {
		DocumentRef string `json:"documentRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "documentRef is required"))
		return
	}
	thesis, err := h.service.AttachFinalDocument(c.Request.Context(), req.DocumentRef, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, thesis, nil)
}

// FinalLink godoc
// @Summary Signed download link for the final thesis document
// @Tags Documents
// @Produce json
// @Param thesisId path string true "Thesis ID"
// @Success 200 {object} response.Envelope
// @Router /theses/{thesisId}/final-document [get]
func (h *DocumentHandler) FinalLink(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	link, err := h.service.FinalDocumentLink(c.Request.Context(), c.Param("thesisId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}

// SessionLink godoc
// @Summary Signed download link for a session's attached document
// @Tags Documents
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /guidance/{id}/document [get]
func (h *DocumentHandler) SessionLink(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	link, err := h.service.SessionDocumentLink(session, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}
