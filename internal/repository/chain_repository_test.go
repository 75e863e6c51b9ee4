package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sita-guidance-api/internal/models"
)

func newChainRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func chainRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "kind", "subject_id", "phase", "status", "created_at", "resolved_at"})
}

func approvalRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "chain_id", "approver_id", "phase", "position", "status", "notes", "decided_at", "created_at"})
}

func TestChainRepositoryCreateChainEagerApprovals(t *testing.T) {
	db, mock, cleanup := newChainRepoMock(t)
	defer cleanup()

	repo := NewChainRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_chains")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approvals")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approvals")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	chain := &models.ApprovalChain{
		Kind:      models.ChainKindChangeRequest,
		SubjectID: "request-1",
		Approvals: []models.Approval{
			{ApproverID: "lecturer-1"},
			{ApproverID: "lecturer-2"},
		},
	}
	require.NoError(t, repo.CreateChain(context.Background(), chain))
	require.NotEmpty(t, chain.ID)
	require.Equal(t, models.ChainStatusPending, chain.Status)
	require.Equal(t, chain.ID, chain.Approvals[0].ChainID)
	require.Equal(t, 1, chain.Approvals[1].Position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChainRepositoryTransactLocksAndCommits(t *testing.T) {
	db, mock, cleanup := newChainRepoMock(t)
	defer cleanup()

	repo := NewChainRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_chains WHERE id = $1 FOR UPDATE")).
		WithArgs("chain-1").
		WillReturnRows(chainRows().AddRow("chain-1", "CHANGE_REQUEST", "request-1", "SUPERVISORS", "PENDING", now, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM approvals WHERE chain_id = $1 ORDER BY position")).
		WithArgs("chain-1").
		WillReturnRows(approvalRows().
			AddRow("approval-1", "chain-1", "lecturer-1", "SUPERVISORS", 0, "PENDING", nil, nil, now).
			AddRow("approval-2", "chain-1", "lecturer-2", "SUPERVISORS", 1, "PENDING", nil, nil, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Transact(context.Background(), "chain-1", func(tx ChainTx, chain *models.ApprovalChain) error {
		require.Len(t, chain.Approvals, 2)
		decidedAt := now
		return tx.UpdateApproval(context.Background(), "approval-1",
			models.ApprovalStatusPending, models.ApprovalStatusApproved, nil, &decidedAt)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChainRepositoryTransactRollsBackOnGuardMiss(t *testing.T) {
	db, mock, cleanup := newChainRepoMock(t)
	defer cleanup()

	repo := NewChainRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_chains WHERE id = $1 FOR UPDATE")).
		WithArgs("chain-1").
		WillReturnRows(chainRows().AddRow("chain-1", "DEFENCE_READINESS", "thesis-1", "SUPERVISORS", "PENDING", now, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM approvals WHERE chain_id = $1 ORDER BY position")).
		WithArgs("chain-1").
		WillReturnRows(approvalRows().
			AddRow("approval-1", "chain-1", "lecturer-1", "SUPERVISORS", 0, "APPROVED", nil, now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Transact(context.Background(), "chain-1", func(tx ChainTx, chain *models.ApprovalChain) error {
		decidedAt := now
		return tx.UpdateApproval(context.Background(), "approval-1",
			models.ApprovalStatusPending, models.ApprovalStatusApproved, nil, &decidedAt)
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
