package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

// ChainRepository persists approval chains and their sub-records.
type ChainRepository struct {
	db *sqlx.DB
}

// NewChainRepository constructs the repository.
func NewChainRepository(db *sqlx.DB) *ChainRepository {
	return &ChainRepository{db: db}
}

const chainColumns = `id, kind, subject_id, phase, status, created_at, resolved_at`
const approvalColumns = `id, chain_id, approver_id, phase, position, status, notes, decided_at, created_at`

// CreateChain inserts a chain together with its eager approval sub-records
// in one transaction.
func (r *ChainRepository) CreateChain(ctx context.Context, chain *models.ApprovalChain) error {
	if chain.ID == "" {
		chain.ID = uuid.NewString()
	}
	if chain.Status == "" {
		chain.Status = models.ChainStatusPending
	}
	if chain.Phase == "" {
		chain.Phase = models.ChainPhaseSupervisors
	}
	now := time.Now().UTC()
	if chain.CreatedAt.IsZero() {
		chain.CreatedAt = now
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create chain: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const chainQuery = `INSERT INTO approval_chains (id, kind, subject_id, phase, status, created_at, resolved_at)
	VALUES (:id, :kind, :subject_id, :phase, :status, :created_at, :resolved_at)`
	if _, err := tx.NamedExecContext(ctx, chainQuery, chain); err != nil {
		return fmt.Errorf("create chain: %w", err)
	}

	for i := range chain.Approvals {
		approval := &chain.Approvals[i]
		approval.ChainID = chain.ID
		if approval.ID == "" {
			approval.ID = uuid.NewString()
		}
		if approval.Status == "" {
			approval.Status = models.ApprovalStatusPending
		}
		if approval.Phase == "" {
			approval.Phase = chain.Phase
		}
		approval.Position = i
		if approval.CreatedAt.IsZero() {
			approval.CreatedAt = now
		}
		const approvalQuery = `INSERT INTO approvals (id, chain_id, approver_id, phase, position, status, notes, decided_at, created_at)
		VALUES (:id, :chain_id, :approver_id, :phase, :position, :status, :notes, :decided_at, :created_at)`
		if _, err := tx.NamedExecContext(ctx, approvalQuery, approval); err != nil {
			return fmt.Errorf("create approval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create chain: %w", err)
	}
	return nil
}

// GetByID fetches a chain with its approvals ordered by position.
func (r *ChainRepository) GetByID(ctx context.Context, id string) (*models.ApprovalChain, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_chains WHERE id = $1`, chainColumns)
	var chain models.ApprovalChain
	if err := r.db.GetContext(ctx, &chain, query, id); err != nil {
		return nil, err
	}
	approvalsQuery := fmt.Sprintf(`SELECT %s FROM approvals WHERE chain_id = $1 ORDER BY position`, approvalColumns)
	if err := r.db.SelectContext(ctx, &chain.Approvals, approvalsQuery, id); err != nil {
		return nil, fmt.Errorf("load chain approvals: %w", err)
	}
	return &chain, nil
}

// FindActiveBySubject returns the non-terminal chain for a subject, if any.
func (r *ChainRepository) FindActiveBySubject(ctx context.Context, kind models.ChainKind, subjectID string) (*models.ApprovalChain, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_chains WHERE kind = $1 AND subject_id = $2 AND status = $3 LIMIT 1`, chainColumns)
	var chain models.ApprovalChain
	if err := r.db.GetContext(ctx, &chain, query, kind, subjectID, models.ChainStatusPending); err != nil {
		return nil, err
	}
	approvalsQuery := fmt.Sprintf(`SELECT %s FROM approvals WHERE chain_id = $1 ORDER BY position`, approvalColumns)
	if err := r.db.SelectContext(ctx, &chain.Approvals, approvalsQuery, chain.ID); err != nil {
		return nil, fmt.Errorf("load chain approvals: %w", err)
	}
	return &chain, nil
}

// FindLatestBySubject returns the most recent chain for a subject regardless
// of outcome. Status views derive flags from it.
func (r *ChainRepository) FindLatestBySubject(ctx context.Context, kind models.ChainKind, subjectID string) (*models.ApprovalChain, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_chains WHERE kind = $1 AND subject_id = $2 ORDER BY created_at DESC LIMIT 1`, chainColumns)
	var chain models.ApprovalChain
	if err := r.db.GetContext(ctx, &chain, query, kind, subjectID); err != nil {
		return nil, err
	}
	approvalsQuery := fmt.Sprintf(`SELECT %s FROM approvals WHERE chain_id = $1 ORDER BY position`, approvalColumns)
	if err := r.db.SelectContext(ctx, &chain.Approvals, approvalsQuery, chain.ID); err != nil {
		return nil, fmt.Errorf("load chain approvals: %w", err)
	}
	return &chain, nil
}

// ChainTx exposes the mutations allowed inside a locked chain transaction.
type ChainTx interface {
	UpdateApproval(ctx context.Context, approvalID string, from, to models.ApprovalStatus, notes *string, decidedAt *time.Time) error
	InsertApproval(ctx context.Context, approval *models.Approval) error
	UpdateChain(ctx context.Context, chainID string, phase models.ChainPhase, status models.ChainStatus, resolvedAt *time.Time) error
}

type chainTx struct {
	tx *sqlx.Tx
}

func (t chainTx) UpdateApproval(ctx context.Context, approvalID string, from, to models.ApprovalStatus, notes *string, decidedAt *time.Time) error {
	const query = `UPDATE approvals SET status = $2, notes = COALESCE($3, notes), decided_at = $4 WHERE id = $1 AND status = $5`
	result, err := t.tx.ExecContext(ctx, query, approvalID, to, notes, decidedAt, from)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check approval update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (t chainTx) InsertApproval(ctx context.Context, approval *models.Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.Status == "" {
		approval.Status = models.ApprovalStatusPending
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO approvals (id, chain_id, approver_id, phase, position, status, notes, decided_at, created_at)
	VALUES (:id, :chain_id, :approver_id, :phase, :position, :status, :notes, :decided_at, :created_at)`
	if _, err := t.tx.NamedExecContext(ctx, query, approval); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (t chainTx) UpdateChain(ctx context.Context, chainID string, phase models.ChainPhase, status models.ChainStatus, resolvedAt *time.Time) error {
	const query = `UPDATE approval_chains SET phase = $2, status = $3, resolved_at = $4 WHERE id = $1`
	if _, err := t.tx.ExecContext(ctx, query, chainID, phase, status, resolvedAt); err != nil {
		return fmt.Errorf("update chain: %w", err)
	}
	return nil
}

// Transact runs fn against the chain while holding a row lock on it. All
// decision logic for a chain id is serialized through this lock, so an
// approve racing a reject resolves deterministically: the loser observes the
// winner's writes or fails its own status guard.
func (r *ChainRepository) Transact(ctx context.Context, chainID string, fn func(tx ChainTx, chain *models.ApprovalChain) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chain transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(`SELECT %s FROM approval_chains WHERE id = $1 FOR UPDATE`, chainColumns)
	var chain models.ApprovalChain
	if err := tx.GetContext(ctx, &chain, query, chainID); err != nil {
		return err
	}
	approvalsQuery := fmt.Sprintf(`SELECT %s FROM approvals WHERE chain_id = $1 ORDER BY position`, approvalColumns)
	if err := tx.SelectContext(ctx, &chain.Approvals, approvalsQuery, chainID); err != nil {
		return fmt.Errorf("load chain approvals: %w", err)
	}

	if err := fn(chainTx{tx: tx}, &chain); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chain transaction: %w", err)
	}
	return nil
}
