package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sita-guidance-api/internal/models"
	appErrors "github.com/noah-isme/sita-guidance-api/pkg/errors"
)

type milestoneStore interface {
	Create(ctx context.Context, milestone *models.Milestone) error
	ListByStudent(ctx context.Context, studentID string) ([]models.Milestone, error)
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
}

// MilestoneService manages student progress checkpoints.
type MilestoneService struct {
	repo   milestoneStore
	theses thesisReader
	logger *zap.Logger
}

// NewMilestoneService constructs the service.
func NewMilestoneService(repo milestoneStore, theses thesisReader, logger *zap.Logger) *MilestoneService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MilestoneService{repo: repo, theses: theses, logger: logger}
}

// Create adds a milestone for the acting student.
func (s *MilestoneService) Create(ctx context.Context, title string, targetDate *time.Time, actor *models.JWTClaims) (*models.Milestone, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "only students create milestones")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "title is required")
	}

	thesis, err := s.theses.GetByStudent(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "no thesis registered for this student")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load thesis")
	}

	milestone := &models.Milestone{
		StudentID:  actor.UserID,
		ThesisID:   thesis.ID,
		Title:      title,
		TargetDate: targetDate,
	}
	if err := s.repo.Create(ctx, milestone); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create milestone")
	}
	return milestone, nil
}

// List returns the student's milestones. Staff pass an explicit student id.
func (s *MilestoneService) List(ctx context.Context, studentID string, actor *models.JWTClaims) ([]models.Milestone, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role == models.RoleStudent {
		studentID = actor.UserID
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "studentId is required")
	}
	milestones, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list milestones")
	}
	return milestones, nil
}

// Complete stamps one of the acting student's milestones as done.
func (s *MilestoneService) Complete(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	milestones, err := s.repo.ListByStudent(ctx, actor.UserID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list milestones")
	}
	owned := false
	for _, m := range milestones {
		if m.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		return appErrors.ErrNotFound
	}
	if err := s.repo.MarkCompleted(ctx, id, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete milestone")
	}
	return nil
}
