package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

// GuidanceRepository persists guidance session records.
type GuidanceRepository struct {
	db *sqlx.DB
}

// NewGuidanceRepository constructs the repository.
func NewGuidanceRepository(db *sqlx.DB) *GuidanceRepository {
	return &GuidanceRepository{db: db}
}

const guidanceColumns = `id, student_id, supervisor_id, scheduled_at, requested_at, approved_at, status, student_notes,
       summary, action_items, milestone_ids, document_ref, feedback, archived_at, created_at, updated_at`

// Create inserts a new session row.
func (r *GuidanceRepository) Create(ctx context.Context, session *models.GuidanceSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.GuidanceStatusRequested
	}
	now := time.Now().UTC()
	if session.RequestedAt.IsZero() {
		session.RequestedAt = now
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	const query = `INSERT INTO guidance_sessions
	(id, student_id, supervisor_id, scheduled_at, requested_at, approved_at, status, student_notes, summary, action_items, milestone_ids, document_ref, feedback, archived_at, created_at, updated_at)
	VALUES (:id, :student_id, :supervisor_id, :scheduled_at, :requested_at, :approved_at, :status, :student_notes, :summary, :action_items, :milestone_ids, :document_ref, :feedback, :archived_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create guidance session: %w", err)
	}
	return nil
}

// GetByID fetches a session by identifier.
func (r *GuidanceRepository) GetByID(ctx context.Context, id string) (*models.GuidanceSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM guidance_sessions WHERE id = $1`, guidanceColumns)
	var session models.GuidanceSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// List returns sessions matching the filter (latest requests first).
func (r *GuidanceRepository) List(ctx context.Context, filter models.GuidanceFilter) ([]models.GuidanceSession, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(fmt.Sprintf(`SELECT %s FROM guidance_sessions`, guidanceColumns))

	conditions := make([]string, 0, 3)
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.SupervisorID != "" {
		args = append(args, filter.SupervisorID)
		conditions = append(conditions, fmt.Sprintf("supervisor_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY requested_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var sessions []models.GuidanceSession
	if err := r.db.SelectContext(ctx, &sessions, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list guidance sessions: %w", err)
	}
	return sessions, nil
}

// CountOutstanding returns how many sessions the student still has in REQUESTED.
func (r *GuidanceRepository) CountOutstanding(ctx context.Context, studentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM guidance_sessions WHERE student_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, studentID, models.GuidanceStatusRequested); err != nil {
		return 0, fmt.Errorf("count outstanding sessions: %w", err)
	}
	return count, nil
}

// TransitionParams groups mutable columns for a single status transition.
// FromStatus is the optimistic guard: the update only applies while the row
// still carries that status, so a stale client view loses the race cleanly.
type TransitionParams struct {
	ID           string
	FromStatus   models.GuidanceStatus
	Status       models.GuidanceStatus
	ScheduledAt  *time.Time
	StudentNotes *string
	ApprovedAt   *time.Time
	Summary      *string
	ActionItems  *string
	Feedback     *string
	ArchivedAt   *time.Time
}

// ApplyTransition persists a transition outcome under the status guard.
// Returns sql.ErrNoRows when the guard did not match.
func (r *GuidanceRepository) ApplyTransition(ctx context.Context, params TransitionParams) error {
	setParts := []string{"status = :status", "updated_at = :updated_at"}
	if params.ScheduledAt != nil {
		setParts = append(setParts, "scheduled_at = :scheduled_at")
	}
	if params.StudentNotes != nil {
		setParts = append(setParts, "student_notes = :student_notes")
	}
	if params.ApprovedAt != nil {
		setParts = append(setParts, "approved_at = :approved_at")
	}
	if params.Summary != nil {
		setParts = append(setParts, "summary = :summary")
	}
	if params.ActionItems != nil {
		setParts = append(setParts, "action_items = :action_items")
	}
	if params.Feedback != nil {
		setParts = append(setParts, "feedback = :feedback")
	}
	if params.ArchivedAt != nil {
		setParts = append(setParts, "archived_at = :archived_at")
	}
	query := fmt.Sprintf("UPDATE guidance_sessions SET %s WHERE id = :id AND status = :from_status",
		strings.Join(setParts, ", "))
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":            params.ID,
		"from_status":   params.FromStatus,
		"status":        params.Status,
		"updated_at":    time.Now().UTC(),
		"scheduled_at":  params.ScheduledAt,
		"student_notes": params.StudentNotes,
		"approved_at":   params.ApprovedAt,
		"summary":       params.Summary,
		"action_items":  params.ActionItems,
		"feedback":      params.Feedback,
		"archived_at":   params.ArchivedAt,
	})
	if err != nil {
		return fmt.Errorf("apply session transition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check session transition rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByMilestones returns sessions linked to any of the given milestone ids.
func (r *GuidanceRepository) ListByMilestones(ctx context.Context, milestoneIDs []string) ([]models.GuidanceSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM guidance_sessions WHERE milestone_ids && $1 ORDER BY requested_at DESC`, guidanceColumns)
	var sessions []models.GuidanceSession
	if err := r.db.SelectContext(ctx, &sessions, query, pq.Array(milestoneIDs)); err != nil {
		return nil, fmt.Errorf("list sessions by milestones: %w", err)
	}
	return sessions, nil
}
