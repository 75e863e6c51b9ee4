package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

// ThesisRepository reads and mutates the thesis records the workflow engine
// derives approver sets from.
type ThesisRepository struct {
	db *sqlx.DB
}

// NewThesisRepository constructs the repository.
func NewThesisRepository(db *sqlx.DB) *ThesisRepository {
	return &ThesisRepository{db: db}
}

const thesisColumns = `id, student_id, title, topic, supervisor1_id, supervisor2_id, department_head_id, final_document_ref, stage, created_at, updated_at`

// GetByID fetches a thesis by identifier.
func (r *ThesisRepository) GetByID(ctx context.Context, id string) (*models.Thesis, error) {
	query := fmt.Sprintf(`SELECT %s FROM theses WHERE id = $1`, thesisColumns)
	var thesis models.Thesis
	if err := r.db.GetContext(ctx, &thesis, query, id); err != nil {
		return nil, err
	}
	return &thesis, nil
}

// GetByStudent fetches a student's thesis.
func (r *ThesisRepository) GetByStudent(ctx context.Context, studentID string) (*models.Thesis, error) {
	query := fmt.Sprintf(`SELECT %s FROM theses WHERE student_id = $1 LIMIT 1`, thesisColumns)
	var thesis models.Thesis
	if err := r.db.GetContext(ctx, &thesis, query, studentID); err != nil {
		return nil, err
	}
	return &thesis, nil
}

// ListBySupervisor returns every thesis the lecturer supervises in either slot.
func (r *ThesisRepository) ListBySupervisor(ctx context.Context, supervisorID string) ([]models.Thesis, error) {
	query := fmt.Sprintf(`SELECT %s FROM theses WHERE supervisor1_id = $1 OR supervisor2_id = $1 ORDER BY updated_at DESC`, thesisColumns)
	var theses []models.Thesis
	if err := r.db.SelectContext(ctx, &theses, query, supervisorID); err != nil {
		return nil, fmt.Errorf("list theses by supervisor: %w", err)
	}
	return theses, nil
}

// UpdateStage advances the thesis stage.
func (r *ThesisRepository) UpdateStage(ctx context.Context, id string, stage models.ThesisStage) error {
	const query = `UPDATE theses SET stage = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, stage, time.Now().UTC()); err != nil {
		return fmt.Errorf("update thesis stage: %w", err)
	}
	return nil
}

// SetFinalDocument records the uploaded final document reference.
func (r *ThesisRepository) SetFinalDocument(ctx context.Context, id, documentRef string) error {
	const query = `UPDATE theses SET final_document_ref = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, documentRef, time.Now().UTC()); err != nil {
		return fmt.Errorf("set final document: %w", err)
	}
	return nil
}

// ApplyChange replaces topic and/or supervisors after an approved change
// request. Passing a nil pointer leaves the column untouched.
func (r *ThesisRepository) ApplyChange(ctx context.Context, id string, topic *string, supervisor1ID, supervisor2ID *string) error {
	const query = `UPDATE theses SET
		topic = COALESCE($2, topic),
		supervisor1_id = COALESCE($3, supervisor1_id),
		supervisor2_id = COALESCE($4, supervisor2_id),
		updated_at = $5
	WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, topic, supervisor1ID, supervisor2ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("apply thesis change: %w", err)
	}
	return nil
}

// ArchiveProgress marks every guidance session of the thesis's student as
// archived. An approved change request resets progress this way rather than
// deleting history.
func (r *ThesisRepository) ArchiveProgress(ctx context.Context, studentID string, archivedAt time.Time) (int64, error) {
	const query = `UPDATE guidance_sessions SET archived_at = $2, updated_at = $2 WHERE student_id = $1 AND archived_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, studentID, archivedAt)
	if err != nil {
		return 0, fmt.Errorf("archive guidance progress: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check archived rows: %w", err)
	}
	return rows, nil
}
