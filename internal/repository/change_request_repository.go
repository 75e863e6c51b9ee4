package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

// ChangeRequestRepository persists topic/supervisor change requests. The
// approval flow itself lives on the linked chain; this table carries the
// student-facing request details and mirror status.
type ChangeRequestRepository struct {
	db *sqlx.DB
}

// NewChangeRequestRepository constructs the repository.
func NewChangeRequestRepository(db *sqlx.DB) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: db}
}

const changeRequestColumns = `id, thesis_id, student_id, type, reason, requested_supervisor_id, status, chain_id, created_at, resolved_at`

// Create inserts a change request.
func (r *ChangeRequestRepository) Create(ctx context.Context, request *models.ChangeRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.Status == "" {
		request.Status = models.ChainStatusPending
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO change_requests (id, thesis_id, student_id, type, reason, requested_supervisor_id, status, chain_id, created_at, resolved_at)
	VALUES (:id, :thesis_id, :student_id, :type, :reason, :requested_supervisor_id, :status, :chain_id, :created_at, :resolved_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create change request: %w", err)
	}
	return nil
}

// GetByID fetches a change request.
func (r *ChangeRequestRepository) GetByID(ctx context.Context, id string) (*models.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_requests WHERE id = $1`, changeRequestColumns)
	var request models.ChangeRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// GetByChain fetches the change request linked to a chain.
func (r *ChangeRequestRepository) GetByChain(ctx context.Context, chainID string) (*models.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_requests WHERE chain_id = $1 LIMIT 1`, changeRequestColumns)
	var request models.ChangeRequest
	if err := r.db.GetContext(ctx, &request, query, chainID); err != nil {
		return nil, err
	}
	return &request, nil
}

// FindPendingByThesis returns the open change request for a thesis, if any.
func (r *ChangeRequestRepository) FindPendingByThesis(ctx context.Context, thesisID string) (*models.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_requests WHERE thesis_id = $1 AND status = $2 LIMIT 1`, changeRequestColumns)
	var request models.ChangeRequest
	if err := r.db.GetContext(ctx, &request, query, thesisID, models.ChainStatusPending); err != nil {
		return nil, err
	}
	return &request, nil
}

// ListByThesis returns the request history for a thesis, newest first.
func (r *ChangeRequestRepository) ListByThesis(ctx context.Context, thesisID string) ([]models.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_requests WHERE thesis_id = $1 ORDER BY created_at DESC`, changeRequestColumns)
	var requests []models.ChangeRequest
	if err := r.db.SelectContext(ctx, &requests, query, thesisID); err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	return requests, nil
}

// SetStatus mirrors the resolved chain outcome onto the request row.
func (r *ChangeRequestRepository) SetStatus(ctx context.Context, id string, status models.ChainStatus, resolvedAt *time.Time) error {
	const query = `UPDATE change_requests SET status = $2, resolved_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, resolvedAt); err != nil {
		return fmt.Errorf("set change request status: %w", err)
	}
	return nil
}
