package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

// MilestoneRepository persists student progress checkpoints.
type MilestoneRepository struct {
	db *sqlx.DB
}

// NewMilestoneRepository constructs the repository.
func NewMilestoneRepository(db *sqlx.DB) *MilestoneRepository {
	return &MilestoneRepository{db: db}
}

const milestoneColumns = `id, student_id, thesis_id, title, target_date, completed_at, created_at`

// Create inserts a milestone.
func (r *MilestoneRepository) Create(ctx context.Context, milestone *models.Milestone) error {
	if milestone.ID == "" {
		milestone.ID = uuid.NewString()
	}
	if milestone.CreatedAt.IsZero() {
		milestone.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO milestones (id, student_id, thesis_id, title, target_date, completed_at, created_at)
	VALUES (:id, :student_id, :thesis_id, :title, :target_date, :completed_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, milestone); err != nil {
		return fmt.Errorf("create milestone: %w", err)
	}
	return nil
}

// ListByStudent returns the student's milestones, oldest first.
func (r *MilestoneRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Milestone, error) {
	query := fmt.Sprintf(`SELECT %s FROM milestones WHERE student_id = $1 ORDER BY created_at`, milestoneColumns)
	var milestones []models.Milestone
	if err := r.db.SelectContext(ctx, &milestones, query, studentID); err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	return milestones, nil
}

// CountByStudent returns how many milestones the student has defined.
func (r *MilestoneRepository) CountByStudent(ctx context.Context, studentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM milestones WHERE student_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, studentID); err != nil {
		return 0, fmt.Errorf("count milestones: %w", err)
	}
	return count, nil
}

// MarkCompleted stamps a milestone as done.
func (r *MilestoneRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	const query = `UPDATE milestones SET completed_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, completedAt); err != nil {
		return fmt.Errorf("mark milestone completed: %w", err)
	}
	return nil
}
