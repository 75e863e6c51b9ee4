package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/storage"
)

type documentThesisStore interface {
	GetByID(ctx context.Context, id string) (*models.Thesis, error)
	GetByStudent(ctx context.Context, studentID string) (*models.Thesis, error)
	SetFinalDocument(ctx context.Context, id, documentRef string) error
}

// DocumentLink is a signed, expiring download reference.
type DocumentLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DocumentService records document references and mints signed download
// links for them. Upload mechanics live outside this service; it only deals
// in references.
type DocumentService struct {
	theses    documentThesisStore
	signer    *storage.SignedURLSigner
	logger    *zap.Logger
	apiPrefix string
}

// NewDocumentService constructs the service.
func NewDocumentService(theses documentThesisStore, signer *storage.SignedURLSigner, apiPrefix string, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if apiPrefix == "" {
		apiPrefix = "/api/v1"
	}
	return &DocumentService{theses: theses, signer: signer, logger: logger, apiPrefix: apiPrefix}
}

// AttachFinalDocument records the final thesis document reference, which
// qualifies the student to request the defence gate.
func (s *DocumentService) AttachFinalDocument(ctx context.Context, documentRef string, actor *models.JWTClaims) (*models.Thesis, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "only students attach their final document")
	}
	documentRef = strings.TrimSpace(documentRef)
	if documentRef == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "documentRef is required")
	}

	thesis, err := s.theses.GetByStudent(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "no thesis registered for this student")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}
	if err := s.theses.SetFinalDocument(ctx, thesis.ID, documentRef); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record final document")
	}
	thesis.FinalDocumentRef = &documentRef
	return thesis, nil
}

// FinalDocumentLink mints a signed link for a thesis's final document.
func (s *DocumentService) FinalDocumentLink(ctx context.Context, thesisID string, actor *models.JWTClaims) (*DocumentLink, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	thesis, err := s.theses.GetByID(ctx, thesisID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}
	if !s.canAccess(thesis, actor) {
		return nil, appErrors.ErrNotAuthorized
	}
	if thesis.FinalDocumentRef == nil || *thesis.FinalDocumentRef == "" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no final document attached")
	}
	return s.link(thesis.ID, *thesis.FinalDocumentRef)
}

// SessionDocumentLink mints a signed link for a session's attached document.
func (s *DocumentService) SessionDocumentLink(session *models.GuidanceSession, actor *models.JWTClaims) (*DocumentLink, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if session.DocumentRef == nil || *session.DocumentRef == "" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no document attached to this session")
	}
	return s.link(session.ID, *session.DocumentRef)
}

func (s *DocumentService) canAccess(thesis *models.Thesis, actor *models.JWTClaims) bool {
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

func (s *DocumentService) link(docID, relPath string) (*DocumentLink, error) {
	token, expiresAt, err := s.signer.Generate(docID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign document link")
	}
	return &DocumentLink{
		URL:       fmt.Sprintf("%s/documents/download/%s", strings.TrimRight(s.apiPrefix, "/"), token),
		ExpiresAt: expiresAt,
	}, nil
}
