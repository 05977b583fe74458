package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/skillsight/reporthooks/internal/report"
)

// PostgresStore implements Store on PostgreSQL. The idempotency race is
// closed here: ApplyResult is a single conditional UPDATE, so two
// concurrent first deliveries cannot both apply the content write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL with the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// reportTable validates a table name against the closed set of report
// tables before it is interpolated into SQL. Identifiers cannot be bound
// as placeholders, so anything outside the allowlist is rejected.
func reportTable(table string) (string, error) {
	for _, known := range report.KnownTables() {
		if known == table {
			return table, nil
		}
	}
	return "", fmt.Errorf("unknown report table %q", table)
}

// GetReport retrieves a report row by table and id.
func (s *PostgresStore) GetReport(ctx context.Context, table, id string) (*report.Record, error) {
	table, err := reportTable(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, COALESCE(research_report, ''), status, COALESCE(metadata, '{}'),
		       webhook_status, COALESCE(webhook_job_id, ''), webhook_attempts,
		       webhook_last_attempt, created_at, updated_at
		FROM %s WHERE id = $1`, table)

	var (
		rec          report.Record
		metadataJSON []byte
		lastAttempt  sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, query, id)
	err = row.Scan(&rec.ID, &rec.Content, &rec.Status, &metadataJSON,
		&rec.WebhookStatus, &rec.WebhookJobID, &rec.WebhookAttempts,
		&lastAttempt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting report: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if lastAttempt.Valid {
		ts := lastAttempt.Time
		rec.WebhookLastAttempt = &ts
	}
	return &rec, nil
}

// ApplyResult writes the content phase with the terminal-state condition.
func (s *PostgresStore) ApplyResult(ctx context.Context, table, id string, update report.Update) (bool, error) {
	table, err := reportTable(table)
	if err != nil {
		return false, err
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("encoding metadata: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET research_report = $1, status = $2, metadata = $3, updated_at = now()
		WHERE id = $4
		  AND NOT (webhook_status = 'success' AND status = 'completed')`, table)

	res, err := s.db.ExecContext(ctx, query, update.Content, string(update.Status), metadataJSON, id)
	if err != nil {
		return false, fmt.Errorf("updating report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating report: %w", err)
	}
	return affected > 0, nil
}

// UpdateWebhookStatus mirrors the update_webhook_status procedure.
func (s *PostgresStore) UpdateWebhookStatus(ctx context.Context, table, id string, status report.WebhookStatus, responseData map[string]any, incrementAttempts bool) error {
	table, err := reportTable(table)
	if err != nil {
		return err
	}

	responseJSON, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("encoding response data: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET webhook_status = $1,
		    webhook_attempts = webhook_attempts + CASE WHEN $2 THEN 1 ELSE 0 END,
		    webhook_last_attempt = now(),
		    metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('webhook_response', $3::jsonb),
		    updated_at = now()
		WHERE id = $4`, table)

	res, err := s.db.ExecContext(ctx, query, string(status), incrementAttempts, responseJSON, id)
	if err != nil {
		return fmt.Errorf("updating webhook status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating webhook status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// GetFailedWebhooks mirrors the get_failed_webhooks procedure: a UNION
// over every report table of rows whose last delivery failed, are under
// the attempt ceiling, and whose cooldown has elapsed.
func (s *PostgresStore) GetFailedWebhooks(ctx context.Context, maxAttempts int, retryAfter time.Duration) ([]FailedWebhook, error) {
	var parts []string
	for _, table := range report.KnownTables() {
		parts = append(parts, fmt.Sprintf(`
			SELECT '%[1]s' AS table_name, id AS record_id, webhook_last_attempt
			FROM %[1]s
			WHERE webhook_status = 'failed'
			  AND webhook_attempts < $1
			  AND (webhook_last_attempt IS NULL OR webhook_last_attempt < now() - $2::interval)`, table))
	}
	query := strings.Join(parts, " UNION ALL ") + " ORDER BY webhook_last_attempt NULLS FIRST"

	interval := fmt.Sprintf("%d seconds", int(retryAfter.Seconds()))
	rows, err := s.db.QueryContext(ctx, query, maxAttempts, interval)
	if err != nil {
		return nil, fmt.Errorf("querying failed webhooks: %w", err)
	}
	defer rows.Close()

	var failed []FailedWebhook
	for rows.Next() {
		var (
			fw          FailedWebhook
			lastAttempt sql.NullTime
		)
		if err := rows.Scan(&fw.TableName, &fw.RecordID, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scanning failed webhook: %w", err)
		}
		failed = append(failed, fw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failed webhooks: %w", err)
	}
	return failed, nil
}

// RecordAttempt appends one audit row.
func (s *PostgresStore) RecordAttempt(ctx context.Context, rec *AuditRecord) error {
	payload := rec.RequestPayload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_audit_log
			(id, webhook_type, job_id, report_id, report_table, request_payload,
			 response_status, response_body, error_message, attempt_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		rec.ID, rec.WebhookType, rec.JobID, rec.ReportID, rec.ReportTable,
		[]byte(payload), rec.ResponseStatus, rec.ResponseBody, rec.ErrorMessage,
		rec.AttemptNumber)
	if err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}
	return nil
}

// ListAttempts returns audit rows matching the filter, newest first.
func (s *PostgresStore) ListAttempts(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT id, webhook_type, job_id, report_id, COALESCE(report_table, ''),
		       COALESCE(request_payload, 'null'), response_status,
		       COALESCE(response_body, ''), COALESCE(error_message, ''),
		       attempt_number, created_at
		FROM webhook_audit_log WHERE 1=1`
	var args []any
	if filter.ReportID != "" {
		args = append(args, filter.ReportID)
		query += fmt.Sprintf(" AND report_id = $%d", len(args))
	}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += fmt.Sprintf(" AND job_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit rows: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			rec     AuditRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.WebhookType, &rec.JobID, &rec.ReportID,
			&rec.ReportTable, &payload, &rec.ResponseStatus, &rec.ResponseBody,
			&rec.ErrorMessage, &rec.AttemptNumber, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		rec.RequestPayload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return records, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close(ctx context.Context) error {
	return s.db.Close()
}
