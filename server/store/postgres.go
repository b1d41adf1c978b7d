package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for components that need their own
// session semantics (leader election holds an advisory lock on a
// dedicated connection).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema. Safe to run on every boot.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping checks connectivity for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// --- Organization Operations ---

const orgColumns = `id, name, tier, webhook_secret, exec_count, reset_at, warning_sent_at, reached_sent_at,
	notify_on_failure, notify_on_recovery, notify_email, notify_webhook_url, created_at`

func scanOrganization(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(
		&o.ID, &o.Name, &o.Tier, &o.WebhookSecret, &o.ExecCount, &o.ResetAt,
		&o.WarningSentAt, &o.ReachedSentAt, &o.NotifyOnFailure, &o.NotifyOnRecovery,
		&o.NotifyEmail, &o.NotifyWebhookURL, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	query := `
		INSERT INTO organizations (id, name, tier, webhook_secret, exec_count, reset_at,
			notify_on_failure, notify_on_recovery, notify_email, notify_webhook_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		org.ID, org.Name, org.Tier, org.WebhookSecret, org.ExecCount, org.ResetAt,
		org.NotifyOnFailure, org.NotifyOnRecovery, org.NotifyEmail, org.NotifyWebhookURL, org.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1`
	org, err := scanOrganization(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return org, err
}

func (s *PostgresStore) UpdateOrganizationNotify(ctx context.Context, org *Organization) error {
	query := `
		UPDATE organizations
		SET name = $2, tier = $3, notify_on_failure = $4, notify_on_recovery = $5,
			notify_email = $6, notify_webhook_url = $7
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		org.ID, org.Name, org.Tier, org.NotifyOnFailure, org.NotifyOnRecovery,
		org.NotifyEmail, org.NotifyWebhookURL,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("organization %s: %w", org.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RecordQuotaUsage(ctx context.Context, orgID string, now time.Time) (*Organization, error) {
	// Roll the monthly window forward when reset_at has passed, then count
	// this execution. Single statement so concurrent workers cannot lose
	// an increment.
	query := `
		UPDATE organizations SET
			exec_count      = CASE WHEN reset_at <= $2 THEN 1 ELSE exec_count + 1 END,
			warning_sent_at = CASE WHEN reset_at <= $2 THEN NULL ELSE warning_sent_at END,
			reached_sent_at = CASE WHEN reset_at <= $2 THEN NULL ELSE reached_sent_at END,
			reset_at        = CASE WHEN reset_at <= $2
				THEN date_trunc('month', $2::timestamptz) + interval '1 month'
				ELSE reset_at END
		WHERE id = $1
		RETURNING ` + orgColumns
	org, err := scanOrganization(s.pool.QueryRow(ctx, query, orgID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	return org, err
}

func (s *PostgresStore) MarkQuotaWarningSent(ctx context.Context, orgID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET warning_sent_at = $2 WHERE id = $1 AND warning_sent_at IS NULL`,
		orgID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkQuotaReachedSent(ctx context.Context, orgID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET reached_sent_at = $2 WHERE id = $1 AND reached_sent_at IS NULL`,
		orgID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResetExpiredQuotas(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE organizations SET
			exec_count      = 0,
			warning_sent_at = NULL,
			reached_sent_at = NULL,
			reset_at        = date_trunc('month', $1::timestamptz) + interval '1 month'
		WHERE reset_at <= $1
	`
	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- API Key Operations ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO api_keys (id, organization_id, name, key_id, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		key.ID, key.OrganizationID, key.Name, key.KeyID, key.KeyHash, key.CreatedAt)
	return err
}

func (s *PostgresStore) GetAPIKeyByKeyID(ctx context.Context, keyID string) (*APIKey, error) {
	query := `
		SELECT id, organization_id, name, key_id, key_hash, last_used_at, created_at
		FROM api_keys WHERE key_id = $1
	`
	var k APIKey
	err := s.pool.QueryRow(ctx, query, keyID).Scan(
		&k.ID, &k.OrganizationID, &k.Name, &k.KeyID, &k.KeyHash, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, orgID string) ([]*APIKey, error) {
	query := `
		SELECT id, organization_id, name, key_id, key_hash, last_used_at, created_at
		FROM api_keys WHERE organization_id = $1 ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.OrganizationID, &k.Name, &k.KeyID, &k.KeyHash, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_keys WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// --- Task Operations ---

const taskColumns = `id, organization_id, endpoint_id, name, url, method, headers, body,
	schedule_type, cron_expression, scheduled_at, enabled, timeout_ms, retry_attempts,
	callback_url, expected_status_codes, expected_body_pattern, queue, next_run_at,
	last_execution_at, last_execution_status, notify_on_failure, notify_on_recovery,
	deleted_at, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.OrganizationID, &t.EndpointID, &t.Name, &t.URL, &t.Method, &t.Headers, &t.Body,
		&t.ScheduleType, &t.CronExpression, &t.ScheduledAt, &t.Enabled, &t.TimeoutMS, &t.RetryAttempts,
		&t.CallbackURL, &t.ExpectedStatusCodes, &t.ExpectedBodyPattern, &t.Queue, &t.NextRunAt,
		&t.LastExecutionAt, &t.LastExecutionStatus, &t.NotifyOnFailure, &t.NotifyOnRecovery,
		&t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, organization_id, endpoint_id, name, url, method, headers, body,
			schedule_type, cron_expression, scheduled_at, enabled, timeout_ms, retry_attempts,
			callback_url, expected_status_codes, expected_body_pattern, queue, next_run_at,
			notify_on_failure, notify_on_recovery, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.OrganizationID, task.EndpointID, task.Name, task.URL, task.Method,
		task.Headers, task.Body, task.ScheduleType, task.CronExpression, task.ScheduledAt,
		task.Enabled, task.TimeoutMS, task.RetryAttempts, task.CallbackURL,
		task.ExpectedStatusCodes, task.ExpectedBodyPattern, task.Queue, task.NextRunAt,
		task.NotifyOnFailure, task.NotifyOnRecovery, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, orgID, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *PostgresStore) GetTaskByID(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, orgID string, f TaskFilter) ([]*Task, error) {
	// Fan-out siblings (endpoint_id set) are hidden from task listings.
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE organization_id = $1 AND deleted_at IS NULL AND endpoint_id IS NULL`
	args := []any{orgID}
	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		query += fmt.Sprintf(" AND enabled = $%d", len(args))
	}
	if f.Queue != nil {
		args = append(args, *f.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if f.ScheduleType != nil {
		args = append(args, *f.ScheduleType)
		query += fmt.Sprintf(" AND schedule_type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ListTasksByEndpoint(ctx context.Context, endpointID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE endpoint_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, endpointID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks SET
			name = $3, url = $4, method = $5, headers = $6, body = $7,
			schedule_type = $8, cron_expression = $9, scheduled_at = $10,
			enabled = $11, timeout_ms = $12, retry_attempts = $13, callback_url = $14,
			expected_status_codes = $15, expected_body_pattern = $16, queue = $17,
			next_run_at = $18, notify_on_failure = $19, notify_on_recovery = $20,
			updated_at = $21
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query,
		task.ID, task.OrganizationID, task.Name, task.URL, task.Method, task.Headers, task.Body,
		task.ScheduleType, task.CronExpression, task.ScheduledAt, task.Enabled,
		task.TimeoutMS, task.RetryAttempts, task.CallbackURL, task.ExpectedStatusCodes,
		task.ExpectedBodyPattern, task.Queue, task.NextRunAt,
		task.NotifyOnFailure, task.NotifyOnRecovery, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetTaskEnabled(ctx context.Context, orgID, id string, enabled bool, nextRunAt *time.Time) error {
	query := `
		UPDATE tasks SET enabled = $3, next_run_at = $4, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, orgID, enabled, nextRunAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteTask(ctx context.Context, orgID, id string, at time.Time) error {
	query := `
		UPDATE tasks SET deleted_at = $3, enabled = FALSE, next_run_at = NULL, updated_at = $3
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, orgID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskLastExecution(ctx context.Context, taskID string, at time.Time, status ExecStatus) error {
	// Outcomes are recorded even for soft-deleted tasks.
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET last_execution_at = $2, last_execution_status = $3 WHERE id = $1`,
		taskID, at, status)
	return err
}

// --- Scheduler Operations ---

func (s *PostgresStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE enabled AND deleted_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) NextDueAt(ctx context.Context, now time.Time, horizon time.Duration) (*time.Time, error) {
	query := `SELECT MIN(next_run_at) FROM tasks
		WHERE enabled AND deleted_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= $1`
	var next *time.Time
	if err := s.pool.QueryRow(ctx, query, now.Add(horizon)).Scan(&next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *PostgresStore) MaterializeExecution(ctx context.Context, exec *Execution, nextRunAt *time.Time, disable bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The unique index on (task_id, scheduled_for, attempt) makes this a
	// no-op when a previous leader already materialized the tick.
	insert := `
		INSERT INTO executions (id, task_id, organization_id, queue, status, scheduled_for,
			attempt, callback_url, internal, target_url, request_body, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id, scheduled_for, attempt) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert,
		exec.ID, exec.TaskID, exec.OrganizationID, exec.Queue, exec.ScheduledFor,
		exec.Attempt, exec.CallbackURL, exec.Internal, exec.TargetURL, exec.RequestBody,
		exec.CreatedAt,
	); err != nil {
		return err
	}

	update := `UPDATE tasks SET next_run_at = $2, updated_at = NOW()`
	if disable {
		update += `, enabled = FALSE`
	}
	update += ` WHERE id = $1`
	if _, err := tx.Exec(ctx, update, exec.TaskID, nextRunAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --- Execution Operations ---

const execColumns = `id, task_id, organization_id, queue, status, scheduled_for, started_at,
	finished_at, status_code, duration_ms, response_body, error_message, attempt,
	callback_url, internal, target_url, request_body, claimed_by, created_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.TaskID, &e.OrganizationID, &e.Queue, &e.Status, &e.ScheduledFor, &e.StartedAt,
		&e.FinishedAt, &e.StatusCode, &e.DurationMS, &e.ResponseBody, &e.ErrorMessage, &e.Attempt,
		&e.CallbackURL, &e.Internal, &e.TargetURL, &e.RequestBody, &e.ClaimedBy, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, task_id, organization_id, queue, status, scheduled_for,
			attempt, callback_url, internal, target_url, request_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id, scheduled_for, attempt) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		exec.ID, exec.TaskID, exec.OrganizationID, exec.Queue, exec.Status, exec.ScheduledFor,
		exec.Attempt, exec.CallbackURL, exec.Internal, exec.TargetURL, exec.RequestBody,
		exec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, orgID, id string) (*Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions WHERE id = $1 AND organization_id = $2`
	exec, err := scanExecution(s.pool.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, orgID string, f ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions
		WHERE organization_id = $1 AND NOT internal`
	args := []any{orgID}
	if f.TaskID != nil {
		args = append(args, *f.TaskID)
		query += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Queue != nil {
		args = append(args, *f.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

type claimCandidate struct {
	id    string
	orgID string
	tier  Tier
	queue *string
}

func (s *PostgresStore) ClaimExecution(ctx context.Context, workerID string, now time.Time, freeCap, proCap int) (*Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Candidate filter is best-effort: the running counts it sees can be
	// stale by the time we claim. The per-org advisory lock below makes
	// the re-checks authoritative, and the partial unique index on
	// (organization_id, queue) backstops the queue rule.
	rows, err := tx.Query(ctx, `
		SELECT e.id, e.organization_id, o.tier, e.queue
		FROM executions e
		JOIN organizations o ON o.id = e.organization_id
		WHERE e.status = 'pending'
		  AND e.scheduled_for <= $1
		  AND (e.queue IS NULL OR NOT EXISTS (
				SELECT 1 FROM queues q
				WHERE q.organization_id = e.organization_id AND q.name = e.queue AND q.paused))
		  AND (e.queue IS NULL OR NOT EXISTS (
				SELECT 1 FROM executions r
				WHERE r.organization_id = e.organization_id AND r.queue = e.queue AND r.status = 'running'))
		  AND (SELECT COUNT(*) FROM executions r2
				WHERE r2.organization_id = e.organization_id AND r2.status = 'running')
			  < CASE WHEN o.tier = 'pro' THEN $2 ELSE $3 END
		ORDER BY CASE WHEN o.tier = 'pro' THEN 0 ELSE 1 END, e.scheduled_for, e.id
		LIMIT 10
		FOR UPDATE OF e SKIP LOCKED
	`, now, proCap, freeCap)
	if err != nil {
		return nil, err
	}

	var candidates []claimCandidate
	for rows.Next() {
		var c claimCandidate
		if err := rows.Scan(&c.id, &c.orgID, &c.tier, &c.queue); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		var locked bool
		if err := tx.QueryRow(ctx,
			`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, c.orgID,
		).Scan(&locked); err != nil {
			return nil, err
		}
		if !locked {
			// Another claimer is mid-flight for this org; try the next one.
			continue
		}

		orgCap := freeCap
		if c.tier == TierPro {
			orgCap = proCap
		}
		var running int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM executions WHERE organization_id = $1 AND status = 'running'`,
			c.orgID,
		).Scan(&running); err != nil {
			return nil, err
		}
		if running >= orgCap {
			continue
		}

		if c.queue != nil {
			var busy bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM executions
					WHERE organization_id = $1 AND queue = $2 AND status = 'running')
			`, c.orgID, *c.queue).Scan(&busy); err != nil {
				return nil, err
			}
			if busy {
				continue
			}
		}

		exec, err := scanExecution(tx.QueryRow(ctx, `
			UPDATE executions SET status = 'running', started_at = $2, claimed_by = $3
			WHERE id = $1
			RETURNING `+execColumns, c.id, now, workerID))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, nil
			}
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			if isUniqueViolation(err) {
				return nil, nil
			}
			return nil, err
		}
		return exec, nil
	}

	return nil, nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, id string, out ExecutionOutcome) error {
	query := `
		UPDATE executions SET status = $2, finished_at = $3, status_code = $4,
			duration_ms = $5, response_body = $6, error_message = $7
		WHERE id = $1 AND status = 'running'
	`
	tag, err := s.pool.Exec(ctx, query,
		id, out.Status, out.FinishedAt, out.StatusCode, out.DurationMS,
		nullString(out.ResponseBody), nullString(out.ErrorMessage),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s is not running: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) DeletePendingByQueue(ctx context.Context, orgID, queue string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM executions WHERE organization_id = $1 AND queue = $2 AND status = 'pending'`,
		orgID, queue)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ReapStuckExecutions(ctx context.Context, cutoff, now time.Time) ([]*ReapedExecution, error) {
	query := `
		UPDATE executions SET status = 'failed', finished_at = $2, error_message = 'worker lost'
		WHERE status = 'running' AND started_at < $1
		RETURNING id, task_id, organization_id, attempt, internal
	`
	rows, err := s.pool.Query(ctx, query, cutoff, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []*ReapedExecution
	for rows.Next() {
		var r ReapedExecution
		if err := rows.Scan(&r.ID, &r.TaskID, &r.OrganizationID, &r.Attempt, &r.Internal); err != nil {
			return nil, err
		}
		reaped = append(reaped, &r)
	}
	return reaped, rows.Err()
}

// --- Queue Operations ---

func (s *PostgresStore) UpsertQueue(ctx context.Context, orgID, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (organization_id, name) VALUES ($1, $2)
		ON CONFLICT (organization_id, name) DO NOTHING
	`, orgID, name)
	return err
}

func (s *PostgresStore) GetQueue(ctx context.Context, orgID, name string) (*Queue, error) {
	var q Queue
	err := s.pool.QueryRow(ctx, `
		SELECT organization_id, name, paused, created_at
		FROM queues WHERE organization_id = $1 AND name = $2
	`, orgID, name).Scan(&q.OrganizationID, &q.Name, &q.Paused, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *PostgresStore) ListQueues(ctx context.Context, orgID string) ([]*Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, name, paused, created_at
		FROM queues WHERE organization_id = $1 ORDER BY name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []*Queue
	for rows.Next() {
		var q Queue
		if err := rows.Scan(&q.OrganizationID, &q.Name, &q.Paused, &q.CreatedAt); err != nil {
			return nil, err
		}
		queues = append(queues, &q)
	}
	return queues, rows.Err()
}

func (s *PostgresStore) SetQueuePaused(ctx context.Context, orgID, name string, paused bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queues SET paused = $3 WHERE organization_id = $1 AND name = $2`,
		orgID, name, paused)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue %s: %w", name, ErrNotFound)
	}
	return nil
}

// --- Endpoint Operations ---

const endpointColumns = `id, organization_id, name, slug, forward_urls, forward_method,
	forward_headers, forward_body, retry_attempts, use_queue, enabled,
	notify_on_failure, notify_on_recovery, on_failure_url, on_recovery_url,
	created_at, updated_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var ep Endpoint
	err := row.Scan(
		&ep.ID, &ep.OrganizationID, &ep.Name, &ep.Slug, &ep.ForwardURLs, &ep.ForwardMethod,
		&ep.ForwardHeaders, &ep.ForwardBody, &ep.RetryAttempts, &ep.UseQueue, &ep.Enabled,
		&ep.NotifyOnFailure, &ep.NotifyOnRecovery, &ep.OnFailureURL, &ep.OnRecoveryURL,
		&ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *PostgresStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	query := `
		INSERT INTO endpoints (id, organization_id, name, slug, forward_urls, forward_method,
			forward_headers, forward_body, retry_attempts, use_queue, enabled,
			notify_on_failure, notify_on_recovery, on_failure_url, on_recovery_url,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.pool.Exec(ctx, query,
		ep.ID, ep.OrganizationID, ep.Name, ep.Slug, ep.ForwardURLs, ep.ForwardMethod,
		ep.ForwardHeaders, ep.ForwardBody, ep.RetryAttempts, ep.UseQueue, ep.Enabled,
		ep.NotifyOnFailure, ep.NotifyOnRecovery, ep.OnFailureURL, ep.OnRecoveryURL,
		ep.CreatedAt, ep.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("slug %s already taken: %w", ep.Slug, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE id = $1 AND organization_id = $2`
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ep, err
}

func (s *PostgresStore) GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE slug = $1`
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, query, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ep, err
}

func (s *PostgresStore) ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints
		WHERE organization_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func (s *PostgresStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	query := `
		UPDATE endpoints SET
			name = $3, forward_urls = $4, forward_method = $5, forward_headers = $6,
			forward_body = $7, retry_attempts = $8, use_queue = $9, enabled = $10,
			notify_on_failure = $11, notify_on_recovery = $12, on_failure_url = $13,
			on_recovery_url = $14, updated_at = $15
		WHERE id = $1 AND organization_id = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		ep.ID, ep.OrganizationID, ep.Name, ep.ForwardURLs, ep.ForwardMethod, ep.ForwardHeaders,
		ep.ForwardBody, ep.RetryAttempts, ep.UseQueue, ep.Enabled,
		ep.NotifyOnFailure, ep.NotifyOnRecovery, ep.OnFailureURL, ep.OnRecoveryURL, ep.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s: %w", ep.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, orgID, id string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET deleted_at = $2, enabled = FALSE, next_run_at = NULL, updated_at = $2
		WHERE endpoint_id = $1 AND deleted_at IS NULL
	`, id, at); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM endpoints WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateInboundEvent(ctx context.Context, ev *InboundEvent) error {
	query := `
		INSERT INTO inbound_events (id, endpoint_id, method, headers, body, source_ip, received_at, task_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.EndpointID, ev.Method, ev.Headers, ev.Body, ev.SourceIP, ev.ReceivedAt, ev.TaskIDs)
	return err
}

func (s *PostgresStore) GetInboundEvent(ctx context.Context, endpointID, id string) (*InboundEvent, error) {
	query := `
		SELECT id, endpoint_id, method, headers, body, source_ip, received_at, task_ids
		FROM inbound_events WHERE id = $1 AND endpoint_id = $2
	`
	var ev InboundEvent
	err := s.pool.QueryRow(ctx, query, id, endpointID).Scan(&ev.ID, &ev.EndpointID, &ev.Method,
		&ev.Headers, &ev.Body, &ev.SourceIP, &ev.ReceivedAt, &ev.TaskIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) ListInboundEvents(ctx context.Context, endpointID string, limit int) ([]*InboundEvent, error) {
	query := `
		SELECT id, endpoint_id, method, headers, body, source_ip, received_at, task_ids
		FROM inbound_events WHERE endpoint_id = $1 ORDER BY received_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*InboundEvent
	for rows.Next() {
		var ev InboundEvent
		if err := rows.Scan(&ev.ID, &ev.EndpointID, &ev.Method, &ev.Headers, &ev.Body,
			&ev.SourceIP, &ev.ReceivedAt, &ev.TaskIDs); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- Monitor Operations ---

const monitorColumns = `id, organization_id, name, ping_token, schedule_type, interval_seconds,
	cron_expression, grace_period_seconds, status, enabled, last_ping_at, next_expected_at,
	notify_on_failure, notify_on_recovery, created_at, updated_at`

func scanMonitor(row pgx.Row) (*Monitor, error) {
	var m Monitor
	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.Name, &m.PingToken, &m.ScheduleType, &m.IntervalSeconds,
		&m.CronExpression, &m.GracePeriodSeconds, &m.Status, &m.Enabled, &m.LastPingAt,
		&m.NextExpectedAt, &m.NotifyOnFailure, &m.NotifyOnRecovery, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMonitor(ctx context.Context, m *Monitor) error {
	query := `
		INSERT INTO monitors (id, organization_id, name, ping_token, schedule_type,
			interval_seconds, cron_expression, grace_period_seconds, status, enabled,
			notify_on_failure, notify_on_recovery, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.OrganizationID, m.Name, m.PingToken, m.ScheduleType,
		m.IntervalSeconds, m.CronExpression, m.GracePeriodSeconds, m.Status, m.Enabled,
		m.NotifyOnFailure, m.NotifyOnRecovery, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetMonitor(ctx context.Context, orgID, id string) (*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE id = $1 AND organization_id = $2`
	m, err := scanMonitor(s.pool.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) GetMonitorByToken(ctx context.Context, token string) (*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE ping_token = $1`
	m, err := scanMonitor(s.pool.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) ListMonitors(ctx context.Context, orgID string) ([]*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors
		WHERE organization_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *PostgresStore) UpdateMonitor(ctx context.Context, m *Monitor) error {
	query := `
		UPDATE monitors SET
			name = $3, schedule_type = $4, interval_seconds = $5, cron_expression = $6,
			grace_period_seconds = $7, status = $8, enabled = $9, next_expected_at = $10,
			notify_on_failure = $11, notify_on_recovery = $12, updated_at = $13
		WHERE id = $1 AND organization_id = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		m.ID, m.OrganizationID, m.Name, m.ScheduleType, m.IntervalSeconds, m.CronExpression,
		m.GracePeriodSeconds, m.Status, m.Enabled, m.NextExpectedAt,
		m.NotifyOnFailure, m.NotifyOnRecovery, m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitor %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteMonitor(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM monitors WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RecordPing(ctx context.Context, ping *MonitorPing, nextExpected time.Time, status MonitorStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO monitor_pings (id, monitor_id, received_at, expected_interval_seconds)
		VALUES ($1, $2, $3, $4)
	`, ping.ID, ping.MonitorID, ping.ReceivedAt, ping.ExpectedIntervalSeconds); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE monitors SET last_ping_at = $2, next_expected_at = $3, status = $4, updated_at = $2
		WHERE id = $1
	`, ping.MonitorID, ping.ReceivedAt, nextExpected, status); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListPings(ctx context.Context, monitorID string, limit int) ([]*MonitorPing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, monitor_id, received_at, expected_interval_seconds
		FROM monitor_pings WHERE monitor_id = $1 ORDER BY received_at DESC LIMIT $2
	`, monitorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pings []*MonitorPing
	for rows.Next() {
		var p MonitorPing
		if err := rows.Scan(&p.ID, &p.MonitorID, &p.ReceivedAt, &p.ExpectedIntervalSeconds); err != nil {
			return nil, err
		}
		pings = append(pings, &p)
	}
	return pings, rows.Err()
}

func (s *PostgresStore) OverdueMonitors(ctx context.Context, now time.Time) ([]*Monitor, error) {
	// Monitors that never pinged stay "new" and do not alert.
	query := `SELECT ` + monitorColumns + ` FROM monitors
		WHERE enabled AND status <> 'down' AND last_ping_at IS NOT NULL
		  AND next_expected_at IS NOT NULL
		  AND next_expected_at + make_interval(secs => grace_period_seconds) < $1`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *PostgresStore) MarkMonitorDown(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitors SET status = 'down', updated_at = $2 WHERE id = $1 AND status <> 'down'`,
		id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- Idempotency Operations ---

func (s *PostgresStore) BeginIdempotent(ctx context.Context, orgID, key string, at time.Time) (*IdempotencyRecord, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (organization_id, key, inserted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, key) DO NOTHING
	`, orgID, key, at)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	var rec IdempotencyRecord
	err = s.pool.QueryRow(ctx, `
		SELECT organization_id, key, status_code, response_body, inserted_at
		FROM idempotency_records WHERE organization_id = $1 AND key = $2
	`, orgID, key).Scan(&rec.OrganizationID, &rec.Key, &rec.StatusCode, &rec.ResponseBody, &rec.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Purged between insert and select; treat as owned.
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, false, nil
}

func (s *PostgresStore) CompleteIdempotent(ctx context.Context, orgID, key string, status int, body []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records SET status_code = $3, response_body = $4
		WHERE organization_id = $1 AND key = $2
	`, orgID, key, status, body)
	return err
}

func (s *PostgresStore) AbortIdempotent(ctx context.Context, orgID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE organization_id = $1 AND key = $2 AND status_code IS NULL`,
		orgID, key)
	return err
}

func (s *PostgresStore) PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE inserted_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Invite Operations ---

func (s *PostgresStore) CreateInvite(ctx context.Context, inv *OrgInvite) error {
	query := `
		INSERT INTO org_invites (token, organization_id, email, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query,
		inv.Token, inv.OrganizationID, inv.Email, inv.ExpiresAt, inv.CreatedAt)
	return err
}

func (s *PostgresStore) GetInvite(ctx context.Context, token string) (*OrgInvite, error) {
	var inv OrgInvite
	err := s.pool.QueryRow(ctx, `
		SELECT token, organization_id, email, expires_at, accepted_at, created_at
		FROM org_invites WHERE token = $1
	`, token).Scan(&inv.Token, &inv.OrganizationID, &inv.Email, &inv.ExpiresAt, &inv.AcceptedAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) AcceptInvite(ctx context.Context, token string, at time.Time) (*OrgInvite, error) {
	var inv OrgInvite
	err := s.pool.QueryRow(ctx, `
		UPDATE org_invites SET accepted_at = $2
		WHERE token = $1 AND accepted_at IS NULL AND expires_at > $2
		RETURNING token, organization_id, email, expires_at, accepted_at, created_at
	`, token, at).Scan(&inv.Token, &inv.OrganizationID, &inv.Email, &inv.ExpiresAt, &inv.AcceptedAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetInvite(ctx, token)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil {
			return nil, fmt.Errorf("invite: %w", ErrNotFound)
		}
		if existing.AcceptedAt != nil {
			return nil, fmt.Errorf("invite already accepted: %w", ErrConflict)
		}
		return nil, ErrInviteExpired
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// --- Notification Throttle Log ---

func (s *PostgresStore) RecentNotify(ctx context.Context, orgID string, kind NotifyKind, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM notify_log
			WHERE organization_id = $1 AND kind = $2 AND sent_at > $3)
	`, orgID, kind, since).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) RecordNotify(ctx context.Context, orgID string, kind NotifyKind, target string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notify_log (organization_id, kind, target, sent_at) VALUES ($1, $2, $3, $4)
	`, orgID, kind, target, at)
	return err
}

// --- Stats Operations ---

func (s *PostgresStore) OrgOverview(ctx context.Context, orgID string, now time.Time) (*OrgOverview, error) {
	since := now.Add(-24 * time.Hour)
	var ov OrgOverview
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE organization_id = $1 AND deleted_at IS NULL AND endpoint_id IS NULL),
			(SELECT COUNT(*) FROM tasks WHERE organization_id = $1 AND deleted_at IS NULL AND endpoint_id IS NULL AND enabled),
			(SELECT COUNT(*) FROM monitors WHERE organization_id = $1),
			(SELECT COUNT(*) FROM monitors WHERE organization_id = $1 AND status = 'down'),
			(SELECT COUNT(*) FROM executions WHERE organization_id = $1 AND status = 'pending' AND NOT internal),
			(SELECT COUNT(*) FROM executions WHERE organization_id = $1 AND status = 'running' AND NOT internal),
			(SELECT COUNT(*) FROM executions WHERE organization_id = $1 AND status = 'success' AND NOT internal AND finished_at > $2),
			(SELECT COUNT(*) FROM executions WHERE organization_id = $1 AND status = 'failed' AND NOT internal AND finished_at > $2),
			(SELECT COUNT(*) FROM executions WHERE organization_id = $1 AND status = 'timeout' AND NOT internal AND finished_at > $2)
	`, orgID, since).Scan(
		&ov.Tasks, &ov.EnabledTasks, &ov.Monitors, &ov.MonitorsDown,
		&ov.Pending, &ov.Running, &ov.Success24h, &ov.Failed24h, &ov.Timeout24h,
	)
	if err != nil {
		return nil, err
	}
	return &ov, nil
}

func (s *PostgresStore) RecordAPILatency(ctx context.Context, route string, bucket time.Time, durMS int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_latency (route, bucket, count, total_ms, max_ms)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (route, bucket) DO UPDATE SET
			count = api_latency.count + 1,
			total_ms = api_latency.total_ms + EXCLUDED.total_ms,
			max_ms = GREATEST(api_latency.max_ms, EXCLUDED.max_ms)
	`, route, bucket, durMS)
	return err
}

func (s *PostgresStore) LatencyStats(ctx context.Context, since time.Time) ([]*APILatency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route, bucket, count, total_ms, max_ms
		FROM api_latency WHERE bucket >= $1
		ORDER BY bucket DESC, route
		LIMIT 500
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*APILatency
	for rows.Next() {
		var l APILatency
		if err := rows.Scan(&l.Route, &l.Bucket, &l.Count, &l.TotalMS, &l.MaxMS); err != nil {
			return nil, err
		}
		stats = append(stats, &l)
	}
	return stats, rows.Err()
}
