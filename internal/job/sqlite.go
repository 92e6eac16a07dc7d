package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store for single-node
// deployments. MongoStore is the default driver; the two are interchangeable
// behind the Store interface.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// SQLite serializes writers anyway; one connection keeps concurrent
	// claimers from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                    TEXT PRIMARY KEY,
			job_type              TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'pending',
			parameters            TEXT,
			progress              TEXT,
			results               TEXT,
			error                 TEXT,
			batch_id              TEXT NOT NULL DEFAULT '',
			user_id               TEXT NOT NULL DEFAULT '',
			access_control        TEXT,
			webhook               TEXT,
			created_at            DATETIME NOT NULL,
			updated_at            DATETIME NOT NULL,
			processing_started_at DATETIME,
			completed_at          DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_batch      ON jobs(batch_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed  ON jobs(completed_at);

		CREATE TABLE IF NOT EXISTS batches (
			id              TEXT PRIMARY KEY,
			batch_name      TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			total_jobs      INTEGER NOT NULL,
			pending_jobs    INTEGER NOT NULL,
			processing_jobs INTEGER NOT NULL DEFAULT 0,
			completed_jobs  INTEGER NOT NULL DEFAULT 0,
			failed_jobs     INTEGER NOT NULL DEFAULT 0,
			active          INTEGER NOT NULL DEFAULT 1,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS job_logs (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id    TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			level     TEXT NOT NULL,
			message   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, seq);
	`)
	return err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, j *Job) error {
	params, err := nullableJSON(j.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	access, err := nullableJSON(j.Access)
	if err != nil {
		return fmt.Errorf("encode access control: %w", err)
	}
	wh, err := nullableJSON(j.Webhook)
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, job_type, status, parameters, batch_id, user_id, access_control, webhook, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Type, StatusPending, params, j.BatchID, j.UserID, access, wh,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueBatch(ctx context.Context, b *Batch, jobs []*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches
			(id, batch_name, status, total_jobs, pending_jobs, active, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, 1, ?, ?)
	`, b.ID, b.Name, BatchPending, b.TotalJobs, b.PendingJobs, b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	for _, j := range jobs {
		params, err := nullableJSON(j.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		wh, err := nullableJSON(j.Webhook)
		if err != nil {
			return fmt.Errorf("encode webhook: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs
				(id, job_type, status, parameters, batch_id, user_id, webhook, created_at, updated_at)
			VALUES
				(?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.Type, StatusPending, params, j.BatchID, j.UserID, wh, j.CreatedAt.UTC(), j.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("enqueue batch job: %w", err)
		}
	}

	return tx.Commit()
}

// ClaimNextPending claims the oldest pending job in a single conditional
// UPDATE, so concurrent claimers can never observe the same job as claimable.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context, excludeTypes []string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	sub := `SELECT id FROM jobs WHERE status = ?`
	args := []any{StatusProcessing, now, now, StatusPending}
	if len(excludeTypes) > 0 {
		sub += ` AND job_type NOT IN (?` + strings.Repeat(",?", len(excludeTypes)-1) + `)`
		for _, t := range excludeTypes {
			args = append(args, t)
		}
	}
	sub += ` ORDER BY created_at, id LIMIT 1`

	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, processing_started_at = ?, updated_at = ?
		WHERE id = (`+sub+`)
		RETURNING id
	`, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	j, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if j.BatchID != "" {
		if err := s.applyBatchDelta(ctx, tx, j.BatchID, -1, +1, 0, 0); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, string(buf), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, results map[string]any) error {
	return s.finishJob(ctx, id, StatusCompleted, results, nil)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, jobErr *Error) error {
	return s.finishJob(ctx, id, StatusFailed, nil, jobErr)
}

// finishJob moves a processing job to a terminal state and updates the
// owning batch's counters in the same transaction.
func (s *SQLiteStore) finishJob(ctx context.Context, id string, status Status, results map[string]any, jobErr *Error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := nullableJSON(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	errJSON, err := nullableJSON(jobErr)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	now := time.Now().UTC()
	var batchID string
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, results = COALESCE(?, results), error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING batch_id
	`, status, res, errJSON, now, now, id, StatusProcessing).Scan(&batchID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("finish job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}

	if batchID != "" {
		dCompleted, dFailed := 0, 0
		if status == StatusCompleted {
			dCompleted = 1
		} else {
			dFailed = 1
		}
		if err := s.applyBatchDelta(ctx, tx, batchID, 0, -1, dCompleted, dFailed); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, id string, e LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, timestamp, level, message) VALUES (?, ?, ?, ?)
	`, id, e.Timestamp.UTC(), e.Level, e.Message)
	if err != nil {
		return fmt.Errorf("append log for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RestartJob(ctx context.Context, id string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status Status
	var batchID string
	err = tx.QueryRowContext(ctx, `SELECT status, batch_id FROM jobs WHERE id = ?`, id).Scan(&status, &batchID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restart job %s: %w", id, err)
	}
	if !status.IsTerminal() {
		return nil, ErrNotTerminal
	}

	// Results of the prior attempt stay until the next run overwrites them;
	// logs are history and are kept.
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = NULL, progress = NULL,
			processing_started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ?
	`, StatusPending, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("restart job %s: %w", id, err)
	}

	if batchID != "" {
		dCompleted, dFailed := 0, 0
		if status == StatusCompleted {
			dCompleted = -1
		} else {
			dFailed = -1
		}
		if err := s.applyBatchDelta(ctx, tx, batchID, +1, 0, dCompleted, dFailed); err != nil {
			return nil, err
		}
	}

	j, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit restart: %w", err)
	}
	return j, nil
}

// ResetProcessing moves all jobs stuck in "processing" back to "pending",
// fixing batch counters as it goes. Returns the IDs of the affected jobs.
func (s *SQLiteStore) ResetProcessing(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT id, batch_id FROM jobs WHERE status = ?`, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query processing jobs: %w", err)
	}

	var ids []string
	var batchIDs []string
	for rows.Next() {
		var id, batchID string
		if err := rows.Scan(&id, &batchID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
		if batchID != "" {
			batchIDs = append(batchIDs, batchID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, processing_started_at = NULL, updated_at = ? WHERE status = ?
	`, StatusPending, time.Now().UTC(), StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("reset processing jobs: %w", err)
	}

	for _, batchID := range batchIDs {
		if err := s.applyBatchDelta(ctx, tx, batchID, +1, -1, 0, 0); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := s.getTx(ctx, tx, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

const jobColumns = `id, job_type, status, parameters, progress, results, error,
	batch_id, user_id, access_control, webhook, created_at, updated_at,
	processing_started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT timestamp, level, message FROM job_logs WHERE job_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load logs for job %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		j.Logs = append(j.Logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return j, nil
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var params, progress, results, jobErr, access, wh sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &params, &progress, &results, &jobErr,
		&j.BatchID, &j.UserID, &access, &wh, &j.CreatedAt, &j.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeInto(params, &j.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := decodeInto(progress, &j.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if err := decodeInto(results, &j.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if err := decodeInto(jobErr, &j.Error); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if err := decodeInto(access, &j.Access); err != nil {
		return nil, fmt.Errorf("decode access control: %w", err)
	}
	if err := decodeInto(wh, &j.Webhook); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.ProcessingStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// List returns jobs matching the filter ordered by created_at DESC with
// pagination, plus the total match count. Logs are not loaded; use Get.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Job, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := "1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where += " AND job_type = ?"
		args = append(args, f.Type)
	}
	if f.BatchID != "" {
		where += " AND batch_id = ?"
		args = append(args, f.BatchID)
	}
	if f.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, f.UserID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE `+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b := &Batch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, batch_name, status, total_jobs, pending_jobs, processing_jobs,
		       completed_jobs, failed_jobs, active, created_at, updated_at
		FROM batches WHERE id = ?
	`, id).Scan(
		&b.ID, &b.Name, &b.Status, &b.TotalJobs, &b.PendingJobs, &b.ProcessingJobs,
		&b.CompletedJobs, &b.FailedJobs, &b.Active, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// ArchiveBatch toggles batch visibility. Member jobs and their results are
// untouched.
func (s *SQLiteStore) ArchiveBatch(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET active = ?, updated_at = ? WHERE id = ?
	`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archive batch %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, StatusCompleted, StatusFailed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

// applyBatchDelta adjusts a batch's counters inside tx and re-derives its
// status, keeping pending+processing+completed+failed == total.
func (s *SQLiteStore) applyBatchDelta(ctx context.Context, tx *sql.Tx, batchID string, dPending, dProcessing, dCompleted, dFailed int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE batches SET
			pending_jobs    = pending_jobs + ?,
			processing_jobs = processing_jobs + ?,
			completed_jobs  = completed_jobs + ?,
			failed_jobs     = failed_jobs + ?,
			updated_at      = ?
		WHERE id = ?
	`, dPending, dProcessing, dCompleted, dFailed, time.Now().UTC(), batchID)
	if err != nil {
		return fmt.Errorf("update batch %s counters: %w", batchID, err)
	}

	b := &Batch{}
	err = tx.QueryRowContext(ctx, `
		SELECT total_jobs, pending_jobs, processing_jobs, completed_jobs, failed_jobs
		FROM batches WHERE id = ?
	`, batchID).Scan(&b.TotalJobs, &b.PendingJobs, &b.ProcessingJobs, &b.CompletedJobs, &b.FailedJobs)
	if err != nil {
		return fmt.Errorf("read batch %s counters: %w", batchID, err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE batches SET status = ? WHERE id = ?`, b.DeriveStatus(), batchID)
	if err != nil {
		return fmt.Errorf("update batch %s status: %w", batchID, err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON marshals v, returning nil for nil pointers and empty maps so
// the column stays NULL.
func nullableJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case *Webhook:
		if t == nil {
			return nil, nil
		}
	case *AccessControl:
		if t == nil {
			return nil, nil
		}
	case *Error:
		if t == nil {
			return nil, nil
		}
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func decodeInto(col sql.NullString, dest any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}
