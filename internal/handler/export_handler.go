package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/service"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/response"
)

type exportService interface {
	Generate(ctx context.Context, studentID string, format service.ExportFormat, actor *models.JWTClaims) (*service.ExportResult, error)
	ParseToken(token string) (studentID, relPath string, expiresAt time.Time, err error)
	Open(relPath string) (*os.File, error)
}

// ExportHandler exposes guidance history export endpoints.
type ExportHandler struct {
	service exportService
}

// NewExportHandler constructs the handler.
func NewExportHandler(service exportService) *ExportHandler {
	return &ExportHandler{service: service}
}

// Generate godoc
// @Summary Render a student's guidance history as CSV or PDF
// @Tags Exports
// @Accept json
// @Produce json
// @Param payload body object true "Export request"
// @Success 201 {object} response.Envelope
// @Router /exports [post]
func (h *ExportHandler) Generate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req struct {
		StudentID string `json:"studentId"`
		Format    string `json:"format" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format is required"))
		return
	}
	studentID := req.StudentID
	if studentID == "" {
		studentID = claims.UserID
	}
	result, err := h.service.Generate(c.Request.Context(), studentID, service.ExportFormat(req.Format), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, result, nil)
}

// Download godoc
// @Summary Download a generated export by signed token
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Router /exports/download/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	_, relPath, _, err := h.service.ParseToken(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.service.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "the export has expired or was removed"))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "failed to read export"))
		return
	}
	contentType := "application/octet-stream"
	switch filepath.Ext(relPath) {
	case ".csv":
		contentType = "text/csv"
	case ".pdf":
		contentType = "application/pdf"
	}
	c.Header("Content-Disposition", "attachment; filename="+filepath.Base(relPath))
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}
