package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orientinsight/bookingmail/internal/model"
)

const importColumns = `
	discriminator, source_subject, source_sender, source_date,
	artifact_kind, artifact_location, status, retry_count,
	error_message, result_refs, result_summary, processed_at,
	created_at, updated_at`

// importRow mirrors an import_records row.
type importRow struct {
	Discriminator    string         `db:"discriminator"`
	SourceSubject    string         `db:"source_subject"`
	SourceSender     string         `db:"source_sender"`
	SourceDate       time.Time      `db:"source_date"`
	ArtifactKind     string         `db:"artifact_kind"`
	ArtifactLocation string         `db:"artifact_location"`
	Status           string         `db:"status"`
	RetryCount       int            `db:"retry_count"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ResultRefs       string         `db:"result_refs"`
	ResultSummary    sql.NullString `db:"result_summary"`
	ProcessedAt      *time.Time     `db:"processed_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r importRow) toModel() (model.ImportRecord, error) {
	rec := model.ImportRecord{
		Discriminator:    r.Discriminator,
		SourceSubject:    r.SourceSubject,
		SourceSender:     r.SourceSender,
		SourceDate:       r.SourceDate,
		ArtifactKind:     model.ArtifactKind(r.ArtifactKind),
		ArtifactLocation: r.ArtifactLocation,
		Status:           model.ImportStatus(r.Status),
		RetryCount:       r.RetryCount,
		ProcessedAt:      r.ProcessedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}

	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		rec.ErrorMessage = &msg
	}

	rec.ResultRefs = []string{}
	if r.ResultRefs != "" {
		if err := json.Unmarshal([]byte(r.ResultRefs), &rec.ResultRefs); err != nil {
			return model.ImportRecord{}, fmt.Errorf("unmarshaling result_refs for %s: %w", r.Discriminator, err)
		}
	}

	if r.ResultSummary.Valid && r.ResultSummary.String != "" {
		var summary model.ReconcileSummary
		if err := json.Unmarshal([]byte(r.ResultSummary.String), &summary); err != nil {
			return model.ImportRecord{}, fmt.Errorf("unmarshaling result_summary for %s: %w", r.Discriminator, err)
		}
		rec.ResultSummary = &summary
	}

	return rec, nil
}

// CreateImportIfAbsent inserts a PENDING record with a single
// INSERT ... ON CONFLICT DO NOTHING; the insert is the idempotency guard.
func (s *SQLiteStore) CreateImportIfAbsent(
	ctx context.Context,
	discriminator string,
	meta model.ImportMetadata,
) (*model.ImportRecord, bool, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO import_records (
			discriminator, source_subject, source_sender, source_date,
			artifact_kind, artifact_location, status, retry_count,
			result_refs, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, '[]', ?, ?)
		ON CONFLICT(discriminator) DO NOTHING`,
		discriminator, meta.Subject, meta.Sender, meta.Date.UTC(),
		string(meta.Kind), meta.Location, string(model.ImportPending),
		now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("creating import %s: %w", discriminator, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("reading rows affected for %s: %w", discriminator, err)
	}

	rec, err := s.GetImport(ctx, discriminator)
	if err != nil {
		return nil, false, err
	}

	return rec, inserted == 1, nil
}

// ClaimImport moves a PENDING or FAILED record to PROCESSING.
func (s *SQLiteStore) ClaimImport(ctx context.Context, discriminator string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_records
		SET status = ?, updated_at = ?
		WHERE discriminator = ? AND status IN (?, ?)`,
		string(model.ImportProcessing), time.Now().UTC(),
		discriminator, string(model.ImportPending), string(model.ImportFailed),
	)
	if err != nil {
		return false, fmt.Errorf("claiming import %s: %w", discriminator, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected for %s: %w", discriminator, err)
	}

	return n == 1, nil
}

// CompleteImport moves a PROCESSING record to SUCCESS and stores the
// reconciliation result.
func (s *SQLiteStore) CompleteImport(
	ctx context.Context,
	discriminator string,
	summary model.ReconcileSummary,
) error {
	refs := summary.Refs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshaling result_refs for %s: %w", discriminator, err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling result_summary for %s: %w", discriminator, err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_records
		SET status = ?, result_refs = ?, result_summary = ?,
			error_message = NULL, processed_at = ?, updated_at = ?
		WHERE discriminator = ? AND status = ?`,
		string(model.ImportSuccess), string(refsJSON), string(summaryJSON),
		now, now,
		discriminator, string(model.ImportProcessing),
	)
	if err != nil {
		return fmt.Errorf("completing import %s: %w", discriminator, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for %s: %w", discriminator, err)
	}
	if n != 1 {
		return fmt.Errorf("completing import %s: %w", discriminator, ErrStateConflict)
	}

	return nil
}

// FailImport increments the retry count of a PROCESSING record and moves
// it to FAILED or MANUAL_REVIEW in the same statement. SQLite evaluates
// every SET expression against the pre-update row.
func (s *SQLiteStore) FailImport(
	ctx context.Context,
	discriminator, errMsg string,
	maxRetries int,
	terminal bool,
) (FailureResult, error) {
	now := time.Now().UTC()
	escalate := boolToInt(terminal)

	var out FailureResult
	err := s.db.QueryRowxContext(ctx, `
		UPDATE import_records
		SET retry_count = retry_count + 1,
			error_message = ?,
			status = CASE WHEN ? = 1 OR retry_count + 1 >= ? THEN ? ELSE ? END,
			processed_at = CASE WHEN ? = 1 OR retry_count + 1 >= ? THEN ? ELSE processed_at END,
			updated_at = ?
		WHERE discriminator = ? AND status = ?
		RETURNING status, retry_count`,
		errMsg,
		escalate, maxRetries, string(model.ImportManualReview), string(model.ImportFailed),
		escalate, maxRetries, now,
		now,
		discriminator, string(model.ImportProcessing),
	).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return FailureResult{}, fmt.Errorf("failing import %s: %w", discriminator, ErrStateConflict)
	}
	if err != nil {
		return FailureResult{}, fmt.Errorf("failing import %s: %w", discriminator, err)
	}

	return out, nil
}

// RequeueImport resets a MANUAL_REVIEW record so the next poll cycle
// attempts it again.
func (s *SQLiteStore) RequeueImport(ctx context.Context, discriminator string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_records
		SET status = ?, retry_count = 0, processed_at = NULL, updated_at = ?
		WHERE discriminator = ? AND status = ?`,
		string(model.ImportFailed), time.Now().UTC(),
		discriminator, string(model.ImportManualReview),
	)
	if err != nil {
		return fmt.Errorf("requeueing import %s: %w", discriminator, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for %s: %w", discriminator, err)
	}
	if n != 1 {
		if _, getErr := s.GetImport(ctx, discriminator); getErr != nil {
			return getErr
		}
		return fmt.Errorf("requeueing import %s: %w", discriminator, ErrStateConflict)
	}

	return nil
}

// GetImport retrieves a single import record by discriminator.
func (s *SQLiteStore) GetImport(ctx context.Context, discriminator string) (*model.ImportRecord, error) {
	var row importRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+importColumns+" FROM import_records WHERE discriminator = ?",
		discriminator,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting import %s: %w", discriminator, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting import %s: %w", discriminator, err)
	}

	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListImports retrieves import records matching the filter, oldest first.
func (s *SQLiteStore) ListImports(ctx context.Context, filter ImportFilter) ([]model.ImportRecord, error) {
	query := "SELECT " + importColumns + " FROM import_records"
	var (
		where []string
		args  []interface{}
	)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		in, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return nil, fmt.Errorf("building status filter: %w", err)
		}
		where = append(where, in)
		args = append(args, inArgs...)
	}

	if filter.MessageID != "" {
		prefix := model.Discriminator(filter.MessageID, "")
		where = append(where, "substr(discriminator, 1, length(?)) = ?")
		args = append(args, prefix, prefix)
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at ASC, discriminator ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	var rows []importRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying imports: %w", err)
	}

	records := make([]model.ImportRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

// ParseStatuses converts a comma-separated status list, used by the CLI
// and admin routes, into import statuses.
func ParseStatuses(raw string) ([]model.ImportStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []model.ImportStatus
	for _, part := range strings.Split(raw, ",") {
		st := model.ImportStatus(strings.ToUpper(strings.TrimSpace(part)))
		switch st {
		case model.ImportPending, model.ImportProcessing, model.ImportSuccess,
			model.ImportFailed, model.ImportManualReview:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown import status %q", part)
		}
	}

	return out, nil
}
