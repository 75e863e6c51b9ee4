package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
	"github.com/noah-isme/sita-guidance-api/pkg/export"
	"github.com/noah-isme/sita-guidance-api/pkg/storage"
)

// ExportFormat names the supported guidance history renderings.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

type exportSessionSource interface {
	List(ctx context.Context, filter models.GuidanceFilter) ([]models.GuidanceSession, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type recapRenderer interface {
	RenderRecap(title string, heading []string, sections []export.RecapSection) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       ExportFormat
	ExpiresAt    time.Time
}

// ExportService renders a student's guidance history as CSV or a PDF recap
// and hands out signed download links.
type ExportService struct {
	sessions exportSessionSource
	theses   thesisReader
	storage  fileStorage
	csv      csvRenderer
	pdf      recapRenderer
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(sessions exportSessionSource, theses thesisReader, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportService{
		sessions: sessions,
		theses:   theses,
		storage:  files,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Generate renders the student's session history and stores the file.
// Students export their own history; supervisors and staff export any
// student they can see.
func (s *ExportService) Generate(ctx context.Context, studentID string, format ExportFormat, actor *models.JWTClaims) (*ExportResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role == models.RoleStudent && actor.UserID != studentID {
		return nil, appErrors.ErrNotAuthorized
	}

	sessions, err := s.sessions.List(ctx, models.GuidanceFilter{StudentID: studentID, Limit: 200})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load sessions")
	}

	var payload []byte
	switch format {
	case ExportFormatCSV:
		payload, err = s.csv.Render(sessionDataset(sessions))
	case ExportFormatPDF:
		payload, err = s.renderRecap(ctx, studentID, sessions)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	filename := fmt.Sprintf("exports/%s/guidance-%d.%s", studentID, time.Now().UTC().Unix(), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Generate(studentID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/exports/download/%s", prefix, token),
		Format:       format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string) (studentID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, false)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Cleanup removes export files older than the configured TTL.
func (s *ExportService) Cleanup() ([]string, error) {
	return s.storage.CleanupOlderThan(s.cfg.ResultTTL)
}

func (s *ExportService) renderRecap(ctx context.Context, studentID string, sessions []models.GuidanceSession) ([]byte, error) {
	heading := []string{
		fmt.Sprintf("Student: %s", studentID),
		fmt.Sprintf("Sessions: %d", len(sessions)),
		fmt.Sprintf("Generated: %s", time.Now().UTC().Format("2006-01-02 15:04")),
	}
	if thesis, err := s.theses.GetByStudent(ctx, studentID); err == nil {
		heading = append(heading, fmt.Sprintf("Thesis: %s", thesis.Title))
	}

	sections := make([]export.RecapSection, 0, len(sessions))
	for _, session := range sessions {
		section := export.RecapSection{
			Title: fmt.Sprintf("%s — %s", session.ScheduledAt.Format("2006-01-02"), session.Status),
		}
		if session.StudentNotes != "" {
			section.Paragraphs = append(section.Paragraphs, "Notes: "+session.StudentNotes)
		}
		if session.Summary != nil {
			section.Paragraphs = append(section.Paragraphs, "Summary: "+*session.Summary)
		}
		if session.ActionItems != nil {
			section.Paragraphs = append(section.Paragraphs, "Action items: "+*session.ActionItems)
		}
		if session.Feedback != nil {
			section.Paragraphs = append(section.Paragraphs, "Feedback: "+*session.Feedback)
		}
		sections = append(sections, section)
	}
	return s.pdf.RenderRecap("Guidance Session Recap", heading, sections)
}

func sessionDataset(sessions []models.GuidanceSession) export.Dataset {
	headers := []string{"Scheduled", "Status", "Supervisor", "Notes", "Summary", "Feedback"}
	rows := make([]map[string]string, 0, len(sessions))
	for _, session := range sessions {
		supervisor := ""
		if session.SupervisorID != nil {
			supervisor = *session.SupervisorID
		}
		rows = append(rows, map[string]string{
			"Scheduled":  session.ScheduledAt.Format(time.RFC3339),
			"Status":     string(session.Status),
			"Supervisor": supervisor,
			"Notes":      session.StudentNotes,
			"Summary":    derefOrEmpty(session.Summary),
			"Feedback":   derefOrEmpty(session.Feedback),
		})
	}
	return export.Dataset{Headers: headers, Rows: rows}
}

func derefOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
