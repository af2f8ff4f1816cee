package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultResultTTL bounds how long a staged result record is retained.
const DefaultResultTTL = 24 * time.Hour

// Store wraps a SQLite database holding staged result records and the
// dispatch job queue.
type Store struct {
	db        *sql.DB
	resultTTL time.Duration
	logger    *slog.Logger
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "birdlens.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, resultTTL: DefaultResultTTL, logger: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle. Used by tests and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetResultTTL overrides the retention bound for staged results.
func (s *Store) SetResultTTL(ttl time.Duration) {
	if ttl > 0 {
		s.resultTTL = ttl
	}
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Results ---

// PutResult upserts a staged result record, stamping created_at on first
// write. A row that already reached a terminal status is never overwritten;
// such writes are silently ignored. Every successful put kicks off a
// best-effort retention sweep in the background.
func (s *Store) PutResult(rec ResultRecord) error {
	now := time.Now().UTC()
	createdAt := now
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt.UTC()
	}
	kind := rec.Kind
	if kind == "" {
		kind = "query"
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}

	_, err := s.db.Exec(`
		INSERT INTO results (request_id, kind, status, payload, error, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			error = excluded.error,
			message = excluded.message,
			updated_at = excluded.updated_at
		WHERE results.status = 'pending'`,
		rec.RequestID, kind, string(status), rec.Payload, rec.Error, rec.Message,
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing result %s: %w", rec.RequestID, err)
	}

	// Retention is bounded by the rate of writes, not wall-clock: every put
	// schedules a sweep and failures never reach the writer.
	go func() {
		if n, err := s.SweepExpiredResults(s.resultTTL); err != nil {
			s.logger.Warn("result sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("swept expired results", "deleted", n)
		}
	}()

	return nil
}

// GetResult retrieves a staged result record. Missing or unreadable rows
// both yield ErrNotFound.
func (s *Store) GetResult(requestID string) (ResultRecord, error) {
	var rec ResultRecord
	var status, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT request_id, kind, status, payload, error, message, created_at, updated_at
		FROM results WHERE request_id = ?`, requestID,
	).Scan(&rec.RequestID, &rec.Kind, &status, &rec.Payload, &rec.Error, &rec.Message, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ResultRecord{}, ErrNotFound
	}
	if err != nil {
		return ResultRecord{}, err
	}

	rec.Status = ResultStatus(status)
	// Corrupt timestamps degrade to a missing record rather than an error.
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ResultRecord{}, ErrNotFound
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ResultRecord{}, ErrNotFound
	}
	return rec, nil
}

// ResultExists reports whether a record is staged for the given identifier,
// independent of its content.
func (s *Store) ResultExists(requestID string) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM results WHERE request_id = ?", requestID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteResult removes a staged record. Missing rows are not an error.
func (s *Store) DeleteResult(requestID string) error {
	_, err := s.db.Exec("DELETE FROM results WHERE request_id = ?", requestID)
	return err
}

// SweepExpiredResults deletes records whose last write is older than ttl and
// returns how many rows were removed.
func (s *Store) SweepExpiredResults(ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	res, err := s.db.Exec("DELETE FROM results WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRecentResults returns the newest staged records, most recent first.
func (s *Store) ListRecentResults(limit int) ([]ResultRecord, error) {
	rows, err := s.db.Query(`
		SELECT request_id, kind, status, payload, error, message, created_at, updated_at
		FROM results ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		var status, createdAt, updatedAt string
		if err := rows.Scan(&rec.RequestID, &rec.Kind, &status, &rec.Payload, &rec.Error, &rec.Message, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.Status = ResultStatus(status)
		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			continue
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// --- Jobs ---

// EnqueueJob stages a background dispatch job.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob transactionally claims the oldest runnable job of any of the
// given types, marking it running. Returns (nil, nil) when nothing is
// claimable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a claimed job as finished.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until max_attempts is reached, then marked failed permanently.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
