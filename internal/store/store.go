package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store keeps stored payslips, identities and the run history in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// -- Documents --

// HasDocument reports whether a payslip with this vendor id is already stored.
func (s *Store) HasDocument(ctx context.Context, vendorID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payslip_documents WHERE vendor_id = $1)`, vendorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up document %s: %w", vendorID, err)
	}
	return exists, nil
}

const sqlInsertDocument = `
        INSERT INTO payslip_documents (vendor_id, source_account, company_name, sub_path, filename, document_date,
            issue_date, qualification_label, content_type, metadata, stored_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (vendor_id) DO NOTHING;
    `

// SaveDocuments records docs in one transaction and returns how many were new.
func (s *Store) SaveDocuments(ctx context.Context, docs []schemas.PayslipDocument, opts schemas.SaveOptions) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := s.now()
	inserted := 0
	for _, d := range docs {
		metadata, err := json.Marshal(d.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metadata of %s: %w", d.VendorID, err)
		}
		var issued *time.Time
		if !d.Metadata.IssueDate.IsZero() {
			t := d.Metadata.IssueDate.UTC()
			issued = &t
		}
		tag, err := tx.Exec(ctx, sqlInsertDocument,
			d.VendorID, opts.SourceAccount, d.CompanyName, opts.SubPath, d.Filename, d.Date,
			issued, opts.QualificationLabel, opts.ContentType, metadata, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert document %s: %w", d.VendorID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Documents recorded", zap.Int("new", inserted), zap.Int("total", len(docs)))
	return inserted, nil
}

// -- Identity --

const sqlUpsertIdentity = `
        INSERT INTO identities (source_account, record, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (source_account) DO UPDATE SET
            record = EXCLUDED.record,
            updated_at = EXCLUDED.updated_at;
    `

// SaveIdentity upserts the identity of sourceAccount.
func (s *Store) SaveIdentity(ctx context.Context, sourceAccount string, record schemas.IdentityRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertIdentity, sourceAccount, body, s.now()); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// -- Runs --

// StartRun records a running run and returns its id.
func (s *Store) StartRun(ctx context.Context, fullRefresh bool, reason string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, started_at, status, full_refresh, reason) VALUES ($1, $2, $3, $4, $5)`,
		id, s.now(), string(schemas.RunRunning), fullRefresh, reason)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run as failed when runErr is set, as succeeded otherwise.
func (s *Store) FinishRun(ctx context.Context, id, sourceAccount string, documents int, runErr error) error {
	status := schemas.RunSucceeded
	var message *string
	if runErr != nil {
		status = schemas.RunFailed
		m := runErr.Error()
		message = &m
	}
	var account *string
	if sourceAccount != "" {
		account = &sourceAccount
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET finished_at = $2, status = $3, source_account = $4, documents = $5, error = $6 WHERE id = $1`,
		id, s.now(), string(status), account, documents, message)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// TriggerState summarizes the history. A run that never finished counts as a failure.
func (s *Store) TriggerState(ctx context.Context) (schemas.TriggerState, error) {
	var state schemas.TriggerState
	err := s.pool.QueryRow(ctx, `
        SELECT max(started_at),
               max(started_at) FILTER (WHERE status = 'succeeded'),
               max(started_at) FILTER (WHERE status <> 'succeeded')
        FROM runs;
    `).Scan(&state.LastExecution, &state.LastSuccess, &state.LastFailure)
	if err != nil {
		return state, fmt.Errorf("failed to read run history: %w", err)
	}
	return state, nil
}

// RecentRuns returns the last n runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]schemas.RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id::text, started_at, finished_at, status, full_refresh, reason, source_account, documents, error
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;
    `, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.RunRecord
	for rows.Next() {
		var r schemas.RunRecord
		var status string
		var account, message *string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &status, &r.FullRefresh, &r.Reason, &account, &r.Documents, &message); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Status = schemas.RunStatus(status)
		if account != nil {
			r.SourceAccount = *account
		}
		if message != nil {
			r.Error = *message
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
