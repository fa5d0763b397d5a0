package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var fixedNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, mockPool
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS payslip_documents").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestHasDocument(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectQuery(`SELECT EXISTS`).WithArgs("abc").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mockPool.ExpectQuery(`SELECT EXISTS`).WithArgs("def").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	got, err := s.HasDocument(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.HasDocument(context.Background(), "def")
	require.NoError(t, err)
	assert.False(t, got)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveDocuments(t *testing.T) {
	ctx := context.Background()
	docs := []schemas.PayslipDocument{
		{VendorID: "a1", Date: "2022-06-01", CompanyName: "Acme", Filename: "Acme_2022_06_a1.pdf",
			Metadata: schemas.DocumentMetadata{ContentAuthor: "payfit.com", IssueDate: fixedNow, CarbonCopy: true}},
		{VendorID: "b2", Date: "2022-07-01", CompanyName: "Acme", Filename: "Acme_2022_07_b2.pdf"},
	}
	opts := schemas.SaveOptions{SubPath: "Acme - CDI - 2020-09-01", SourceAccount: "jane@example.com",
		QualificationLabel: "pay_sheet", ContentType: "application/pdf"}

	t.Run("should insert in one transaction and count new rows", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertDocument)).
			WithArgs("a1", "jane@example.com", "Acme", opts.SubPath, "Acme_2022_06_a1.pdf", "2022-06-01",
				pgxmock.AnyArg(), "pay_sheet", "application/pdf", pgxmock.AnyArg(), fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertDocument)).
			WithArgs("b2", "jane@example.com", "Acme", opts.SubPath, "Acme_2022_07_b2.pdf", "2022-07-01",
				pgxmock.AnyArg(), "pay_sheet", "application/pdf", pgxmock.AnyArg(), fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		inserted, err := s.SaveDocuments(ctx, docs, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, inserted, "conflicting vendor ids are skipped")
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should rollback on insert failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		insertErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertDocument)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		_, err := s.SaveDocuments(ctx, docs, opts)
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.Contains(t, err.Error(), "a1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should not open a transaction for nothing", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		inserted, err := s.SaveDocuments(ctx, nil, opts)
		require.NoError(t, err)
		assert.Zero(t, inserted)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveIdentity(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	record := schemas.IdentityRecord{
		Name:  schemas.PersonName{GivenName: "Jane", FamilyName: "Doe"},
		Email: []schemas.Email{{Address: "jane@example.com"}},
	}
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertIdentity)).
		WithArgs("jane@example.com", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveIdentity(context.Background(), "jane@example.com", record))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start then succeed", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(`INSERT INTO runs`).
			WithArgs(pgxmock.AnyArg(), fixedNow, "running", true, "no previous execution").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		id, err := s.StartRun(ctx, true, "no previous execution")
		require.NoError(t, err)
		assert.Len(t, id, 36)

		mockPool.ExpectExec(`UPDATE runs SET`).
			WithArgs(id, fixedNow, "succeeded", strPtr("jane@example.com"), 12, (*string)(nil)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, s.FinishRun(ctx, id, "jane@example.com", 12, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("failure keeps the message", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(`UPDATE runs SET`).
			WithArgs("run-1", fixedNow, "failed", (*string)(nil), 0, strPtr("STATE_MISMATCH in switch")).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, s.FinishRun(ctx, "run-1", "", 0, errors.New("STATE_MISMATCH in switch")))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown run", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(`UPDATE runs SET`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		err := s.FinishRun(ctx, "missing", "", 0, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestTriggerState(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	last := fixedNow.Add(-time.Hour)
	success := fixedNow.Add(-48 * time.Hour)
	mockPool.ExpectQuery(`SELECT max\(started_at\)`).
		WillReturnRows(pgxmock.NewRows([]string{"last", "success", "failure"}).
			AddRow(timePtr(last), timePtr(success), timePtr(last)))

	state, err := s.TriggerState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.LastExecution)
	assert.Equal(t, last, *state.LastExecution)
	assert.Equal(t, success, *state.LastSuccess)
	assert.Equal(t, last, *state.LastFailure)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentRuns(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	finished := fixedNow.Add(-time.Minute)
	mockPool.ExpectQuery(`SELECT id::text, started_at`).WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "finished_at", "status", "full_refresh", "reason", "source_account", "documents", "error"}).
			AddRow("run-2", fixedNow.Add(-2*time.Minute), timePtr(finished), "failed", false, "incremental", strPtr("jane@example.com"), 3, strPtr("boom")).
			AddRow("run-1", fixedNow.Add(-48*time.Hour), timePtr(finished), "succeeded", true, "no previous execution", strPtr("jane@example.com"), 40, nil))

	runs, err := s.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, schemas.RunFailed, runs[0].Status)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Equal(t, "jane@example.com", runs[0].SourceAccount)
	assert.Equal(t, 40, runs[1].Documents)
	assert.Empty(t, runs[1].Error)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
