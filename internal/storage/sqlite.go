package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

// relayColumns is the column order used by every relay SELECT.
const relayColumns = "id, source, headers_json, payload, destination_url, destination_method, mode, status, " +
	"attempts, max_attempts, last_attempt_duration_ms, retry_seconds, timeout_seconds, response_status, response_payload, " +
	"failure_reason, next_retry_at, created_at, updated_at, processing_started_at, completed_at, failed_at, cancelled_at"

// writableColumns whitelists the columns Update/UpdateIfStatus may touch.
var writableColumns = map[string]struct{}{
	"source":                   {},
	"headers_json":             {},
	"payload":                  {},
	"destination_url":          {},
	"destination_method":       {},
	"mode":                     {},
	"status":                   {},
	"attempts":                 {},
	"max_attempts":             {},
	"last_attempt_duration_ms": {},
	"retry_seconds":            {},
	"timeout_seconds":          {},
	"response_status":          {},
	"response_payload":         {},
	"failure_reason":           {},
	"next_retry_at":            {},
	"updated_at":               {},
	"processing_started_at":    {},
	"completed_at":             {},
	"failed_at":                {},
	"cancelled_at":             {},
}

type sqliteStore struct {
	db  *sql.DB
	log logger.Logger
}

type sqliteArchive struct {
	db  *sql.DB
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, ArchiveStore, error) {
	path := cfg.Path
	if path == "" {
		return nil, nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, &sqliteArchive{db: db, log: log}, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS relays (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT,
    headers_json TEXT,
    payload BLOB,
    destination_url TEXT,
    destination_method TEXT,
    mode TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_duration_ms INTEGER,
    retry_seconds INTEGER NOT NULL DEFAULT 0,
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    response_status INTEGER,
    response_payload BLOB,
    failure_reason TEXT,
    next_retry_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    processing_started_at INTEGER,
    completed_at INTEGER,
    failed_at INTEGER,
    cancelled_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_relays_status ON relays(status);
CREATE INDEX IF NOT EXISTS idx_relays_next_retry ON relays(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_relays_updated ON relays(updated_at);

CREATE TABLE IF NOT EXISTS relay_archives (
    id INTEGER PRIMARY KEY,
    source TEXT,
    headers_json TEXT,
    payload BLOB,
    destination_url TEXT,
    destination_method TEXT,
    mode TEXT,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_duration_ms INTEGER,
    retry_seconds INTEGER NOT NULL DEFAULT 0,
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    response_status INTEGER,
    response_payload BLOB,
    failure_reason TEXT,
    next_retry_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    processing_started_at INTEGER,
    completed_at INTEGER,
    failed_at INTEGER,
    cancelled_at INTEGER,
    archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_archives_archived ON relay_archives(archived_at);

CREATE TABLE IF NOT EXISTS relay_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    relay_id INTEGER NOT NULL,
    stage TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    message TEXT,
    metadata_json TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_logs_relay ON relay_logs(relay_id);

CREATE TABLE IF NOT EXISTS relay_log_archives (
    id INTEGER PRIMARY KEY,
    relay_id INTEGER NOT NULL,
    stage TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    message TEXT,
    metadata_json TEXT,
    created_at INTEGER NOT NULL,
    archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_log_archives_relay ON relay_log_archives(relay_id);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Create(ctx context.Context, r *relay.Relay) error {
	if r == nil {
		return fmt.Errorf("relay is nil")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = relay.StatusQueued
	}

	headersJSON, err := encodeHeaders(r.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	insertSQL := `INSERT INTO relays (
        source, headers_json, payload, destination_url, destination_method, mode, status,
        attempts, max_attempts, last_attempt_duration_ms, retry_seconds, timeout_seconds, response_status,
        response_payload, failure_reason, next_retry_at, created_at, updated_at,
        processing_started_at, completed_at, failed_at, cancelled_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, insertSQL,
		r.Source,
		headersJSON,
		r.Payload,
		r.DestinationURL,
		r.DestinationMethod,
		string(r.Mode),
		string(r.Status),
		r.Attempts,
		r.MaxAttempts,
		nullableInt64(r.LastAttemptDurationMs),
		r.RetrySeconds,
		r.TimeoutSeconds,
		nullableInt(r.ResponseStatus),
		r.ResponsePayload,
		nullableFailure(r.FailureReason),
		nullableTime(r.NextRetryAt),
		r.CreatedAt.UnixNano(),
		r.UpdatedAt.UnixNano(),
		nullableTime(r.ProcessingStartedAt),
		nullableTime(r.CompletedAt),
		nullableTime(r.FailedAt),
		nullableTime(r.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("insert relay: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("relay insert id: %w", err)
	}
	r.ID = id
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (*relay.Relay, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+relayColumns+" FROM relays WHERE id = ?", id)
	r, err := scanRelay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqliteStore) Update(ctx context.Context, id int64, fields Fields) error {
	setClause, args, err := buildSet(fields)
	if err != nil {
		return err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE relays SET "+setClause+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update relay %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("relay %d not found", id)
	}
	return nil
}

func (s *sqliteStore) UpdateIfStatus(ctx context.Context, id int64, expected []relay.Status, fields Fields) (bool, error) {
	if len(expected) == 0 {
		return false, fmt.Errorf("expected status list cannot be empty")
	}
	setClause, args, err := buildSet(fields)
	if err != nil {
		return false, err
	}

	placeholders := make([]string, len(expected))
	args = append(args, id)
	for i, st := range expected {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	// RowsAffected doubles as the CAS result: the condition is evaluated
	// atomically inside a single UPDATE.
	query := fmt.Sprintf("UPDATE relays SET %s WHERE id = ? AND status IN (%s)",
		setClause, strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("conditional update relay %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) ScanChunks(ctx context.Context, f Filter, chunkSize int, fn func(*relay.Relay) error) error {
	if chunkSize < 1 {
		chunkSize = 100
	}
	where, args := buildFilter(f)

	lastID := int64(0)
	for {
		query := "SELECT " + relayColumns + " FROM relays WHERE id > ?" + where + " ORDER BY id ASC LIMIT ?"
		queryArgs := make([]interface{}, 0, len(args)+2)
		queryArgs = append(queryArgs, lastID)
		queryArgs = append(queryArgs, args...)
		queryArgs = append(queryArgs, chunkSize)

		chunk, err := s.queryRelays(ctx, query, queryArgs...)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		for _, r := range chunk {
			if err := fn(r); err != nil {
				return err
			}
		}
		lastID = chunk[len(chunk)-1].ID
		if len(chunk) < chunkSize {
			return nil
		}
	}
}

func (s *sqliteStore) queryRelays(ctx context.Context, query string, args ...interface{}) ([]*relay.Relay, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*relay.Relay
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM relays WHERE id = ?", id)
	return err
}

func (s *sqliteStore) List(ctx context.Context, limit int) ([]*relay.Relay, error) {
	if limit < 1 {
		limit = 50
	}
	return s.queryRelays(ctx, "SELECT "+relayColumns+" FROM relays ORDER BY id DESC LIMIT ?", limit)
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM relays").Scan(&count)
	return count, err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (a *sqliteArchive) Insert(ctx context.Context, row *relay.ArchiveRow) error {
	if row == nil {
		return fmt.Errorf("archive row is nil")
	}
	headersJSON, err := encodeHeaders(row.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	insertSQL := `INSERT INTO relay_archives (
        id, source, headers_json, payload, destination_url, destination_method, mode, status,
        attempts, max_attempts, last_attempt_duration_ms, retry_seconds, timeout_seconds, response_status,
        response_payload, failure_reason, next_retry_at, created_at, updated_at,
        processing_started_at, completed_at, failed_at, cancelled_at, archived_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = a.db.ExecContext(ctx, insertSQL,
		row.ID,
		row.Source,
		headersJSON,
		row.Payload,
		row.DestinationURL,
		row.DestinationMethod,
		string(row.Mode),
		string(row.Status),
		row.Attempts,
		row.MaxAttempts,
		nullableInt64(row.LastAttemptDurationMs),
		row.RetrySeconds,
		row.TimeoutSeconds,
		nullableInt(row.ResponseStatus),
		row.ResponsePayload,
		nullableFailure(row.FailureReason),
		nullableTime(row.NextRetryAt),
		row.CreatedAt.UnixNano(),
		row.UpdatedAt.UnixNano(),
		nullableTime(row.ProcessingStartedAt),
		nullableTime(row.CompletedAt),
		nullableTime(row.FailedAt),
		nullableTime(row.CancelledAt),
		row.ArchivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}
	return nil
}

func (a *sqliteArchive) ScanChunks(ctx context.Context, f ArchiveFilter, chunkSize int, fn func(*relay.ArchiveRow) error) error {
	if chunkSize < 1 {
		chunkSize = 100
	}
	var where string
	var args []interface{}
	if f.ArchivedBefore != nil {
		where = " AND archived_at <= ?"
		args = append(args, f.ArchivedBefore.UnixNano())
	}

	lastID := int64(0)
	for {
		query := "SELECT " + relayColumns + ", archived_at FROM relay_archives WHERE id > ?" + where + " ORDER BY id ASC LIMIT ?"
		queryArgs := make([]interface{}, 0, len(args)+2)
		queryArgs = append(queryArgs, lastID)
		queryArgs = append(queryArgs, args...)
		queryArgs = append(queryArgs, chunkSize)

		rows, err := a.db.QueryContext(ctx, query, queryArgs...)
		if err != nil {
			return err
		}
		var chunk []*relay.ArchiveRow
		for rows.Next() {
			row, err := scanArchiveRow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			chunk = append(chunk, row)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(chunk) == 0 {
			return nil
		}
		for _, row := range chunk {
			if err := fn(row); err != nil {
				return err
			}
		}
		lastID = chunk[len(chunk)-1].ID
		if len(chunk) < chunkSize {
			return nil
		}
	}
}

func (a *sqliteArchive) Delete(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, "DELETE FROM relay_archives WHERE id = ?", id)
	return err
}

func (a *sqliteArchive) Count(ctx context.Context) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM relay_archives").Scan(&count)
	return count, err
}

// buildSet turns a Fields map into a SET clause, bumping updated_at
// unless the caller set it explicitly.
func buildSet(fields Fields) (string, []interface{}, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("no fields to update")
	}
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UTC()
	}

	clauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))
	for column, value := range fields {
		if _, ok := writableColumns[column]; !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownColumn, column)
		}
		converted, err := bindValue(value)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", column, err)
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, converted)
	}
	return strings.Join(clauses, ", "), args, nil
}

// bindValue converts domain values into sqlite bind parameters.
func bindValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UnixNano(), nil
	case *time.Time:
		return nullableTime(v), nil
	case relay.Status:
		return string(v), nil
	case relay.Mode:
		return string(v), nil
	case relay.Failure:
		return string(v), nil
	case *relay.Failure:
		return nullableFailure(v), nil
	case *int:
		return nullableInt(v), nil
	case *int64:
		return nullableInt64(v), nil
	case map[string]string:
		return encodeHeaders(v)
	case int, int64, string, []byte, bool, float64:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported bind type %T", value)
	}
}

func buildFilter(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.NextRetryBefore != nil {
		if f.IncludeNullNextRetry {
			clauses = append(clauses, "(next_retry_at IS NULL OR next_retry_at <= ?)")
		} else {
			clauses = append(clauses, "next_retry_at IS NOT NULL AND next_retry_at <= ?")
		}
		args = append(args, f.NextRetryBefore.UnixNano())
	}
	if f.ProcessingStartedBefore != nil {
		if f.IncludeNullProcessingStarted {
			clauses = append(clauses, "(processing_started_at IS NULL OR processing_started_at <= ?)")
		} else {
			clauses = append(clauses, "processing_started_at IS NOT NULL AND processing_started_at <= ?")
		}
		args = append(args, f.ProcessingStartedBefore.UnixNano())
	} else if f.ProcessingStartedNotNull {
		clauses = append(clauses, "processing_started_at IS NOT NULL")
	}
	if f.UpdatedBefore != nil {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, f.UpdatedBefore.UnixNano())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRelay(scanner rowScanner) (*relay.Relay, error) {
	var (
		r           relay.Relay
		source      sql.NullString
		headersJSON sql.NullString
		destURL     sql.NullString
		destMethod  sql.NullString
		mode        sql.NullString
		status      string
		durationMs  sql.NullInt64
		respStatus  sql.NullInt64
		failure     sql.NullString
		nextRetry   sql.NullInt64
		createdAt   int64
		updatedAt   int64
		processing  sql.NullInt64
		completed   sql.NullInt64
		failed      sql.NullInt64
		cancelled   sql.NullInt64
	)

	if err := scanner.Scan(
		&r.ID,
		&source,
		&headersJSON,
		&r.Payload,
		&destURL,
		&destMethod,
		&mode,
		&status,
		&r.Attempts,
		&r.MaxAttempts,
		&durationMs,
		&r.RetrySeconds,
		&r.TimeoutSeconds,
		&respStatus,
		&r.ResponsePayload,
		&failure,
		&nextRetry,
		&createdAt,
		&updatedAt,
		&processing,
		&completed,
		&failed,
		&cancelled,
	); err != nil {
		return nil, err
	}

	r.Source = source.String
	r.Headers = decodeHeaders(headersJSON)
	r.DestinationURL = destURL.String
	r.DestinationMethod = destMethod.String
	r.Mode = relay.Mode(mode.String)
	r.Status = relay.Status(status)
	if durationMs.Valid {
		r.LastAttemptDurationMs = &durationMs.Int64
	}
	if respStatus.Valid {
		code := int(respStatus.Int64)
		r.ResponseStatus = &code
	}
	if failure.Valid && failure.String != "" {
		reason := relay.Failure(failure.String)
		r.FailureReason = &reason
	}
	r.NextRetryAt = timeFromNano(nextRetry)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	r.ProcessingStartedAt = timeFromNano(processing)
	r.CompletedAt = timeFromNano(completed)
	r.FailedAt = timeFromNano(failed)
	r.CancelledAt = timeFromNano(cancelled)
	return &r, nil
}

func scanArchiveRow(scanner rowScanner) (*relay.ArchiveRow, error) {
	// The archive row shares the relay column layout with archived_at
	// appended, so scan through an intermediate relay value.
	var (
		r           relay.Relay
		source      sql.NullString
		headersJSON sql.NullString
		destURL     sql.NullString
		destMethod  sql.NullString
		mode        sql.NullString
		status      string
		durationMs  sql.NullInt64
		respStatus  sql.NullInt64
		failure     sql.NullString
		nextRetry   sql.NullInt64
		createdAt   int64
		updatedAt   int64
		processing  sql.NullInt64
		completed   sql.NullInt64
		failed      sql.NullInt64
		cancelled   sql.NullInt64
		archivedAt  int64
	)

	if err := scanner.Scan(
		&r.ID,
		&source,
		&headersJSON,
		&r.Payload,
		&destURL,
		&destMethod,
		&mode,
		&status,
		&r.Attempts,
		&r.MaxAttempts,
		&durationMs,
		&r.RetrySeconds,
		&r.TimeoutSeconds,
		&respStatus,
		&r.ResponsePayload,
		&failure,
		&nextRetry,
		&createdAt,
		&updatedAt,
		&processing,
		&completed,
		&failed,
		&cancelled,
		&archivedAt,
	); err != nil {
		return nil, err
	}

	r.Source = source.String
	r.Headers = decodeHeaders(headersJSON)
	r.DestinationURL = destURL.String
	r.DestinationMethod = destMethod.String
	r.Mode = relay.Mode(mode.String)
	r.Status = relay.Status(status)
	if durationMs.Valid {
		r.LastAttemptDurationMs = &durationMs.Int64
	}
	if respStatus.Valid {
		code := int(respStatus.Int64)
		r.ResponseStatus = &code
	}
	if failure.Valid && failure.String != "" {
		reason := relay.Failure(failure.String)
		r.FailureReason = &reason
	}
	r.NextRetryAt = timeFromNano(nextRetry)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	r.ProcessingStartedAt = timeFromNano(processing)
	r.CompletedAt = timeFromNano(completed)
	r.FailedAt = timeFromNano(failed)
	r.CancelledAt = timeFromNano(cancelled)

	return &relay.ArchiveRow{
		Relay:      r,
		ArchivedAt: time.Unix(0, archivedAt).UTC(),
	}, nil
}

func encodeHeaders(h map[string]string) (interface{}, error) {
	if h == nil {
		return nil, nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeHeaders(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	headers := make(map[string]string)
	if err := json.Unmarshal([]byte(raw.String), &headers); err != nil {
		return nil
	}
	return headers
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFailure(f *relay.Failure) interface{} {
	if f == nil {
		return nil
	}
	return string(*f)
}
