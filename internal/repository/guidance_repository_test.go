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

func newGuidanceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func guidanceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "student_id", "supervisor_id", "scheduled_at", "requested_at", "approved_at",
		"status", "student_notes", "summary", "action_items", "milestone_ids", "document_ref",
		"feedback", "archived_at", "created_at", "updated_at",
	})
}

func TestGuidanceRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newGuidanceRepoMock(t)
	defer cleanup()

	repo := NewGuidanceRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO guidance_sessions")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	session := &models.GuidanceSession{
		StudentID:    "student-1",
		SupervisorID: "lecturer-1",
		ScheduledAt:  time.Now().Add(48 * time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), session))
	require.NotEmpty(t, session.ID)
	require.Equal(t, models.GuidanceStatusRequested, session.Status)

	rows := guidanceRows().AddRow(
		session.ID, "student-1", "lecturer-1", session.ScheduledAt, time.Now(), nil,
		"REQUESTED", nil, nil, nil, "{}", nil, nil, nil, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, supervisor_id")).
		WithArgs(session.ID).
		WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, session.ID, found.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuidanceRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newGuidanceRepoMock(t)
	defer cleanup()

	repo := NewGuidanceRepository(db)
	rows := guidanceRows().AddRow(
		"session-1", "student-1", "lecturer-1", time.Now(), time.Now(), nil,
		"REQUESTED", nil, nil, nil, "{}", nil, nil, nil, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, supervisor_id")).
		WithArgs("lecturer-1", "REQUESTED").
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.GuidanceFilter{
		SupervisorID: "lecturer-1",
		Status:       []models.GuidanceStatus{models.GuidanceStatusRequested},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "session-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuidanceRepositoryApplyTransitionGuard(t *testing.T) {
	db, mock, cleanup := newGuidanceRepoMock(t)
	defer cleanup()

	repo := NewGuidanceRepository(db)
	approvedAt := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE guidance_sessions SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := repo.ApplyTransition(context.Background(), TransitionParams{
		ID:         "session-1",
		FromStatus: models.GuidanceStatusRequested,
		Status:     models.GuidanceStatusAccepted,
		ApprovedAt: &approvedAt,
	})
	require.NoError(t, err)

	// A stale view loses the guard and surfaces sql.ErrNoRows.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE guidance_sessions SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.ApplyTransition(context.Background(), TransitionParams{
		ID:         "session-1",
		FromStatus: models.GuidanceStatusRequested,
		Status:     models.GuidanceStatusRejected,
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuidanceRepositoryCountOutstanding(t *testing.T) {
	db, mock, cleanup := newGuidanceRepoMock(t)
	defer cleanup()

	repo := NewGuidanceRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM guidance_sessions")).
		WithArgs("student-1", "REQUESTED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := repo.CountOutstanding(context.Background(), "student-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
