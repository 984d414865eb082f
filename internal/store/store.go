// Package store persists the update state between cycles and process
// restarts, plus a log of recent policy decisions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fleetupdate/internal/logging"
	"fleetupdate/internal/migrations"
	"fleetupdate/internal/policy"
)

// ErrNotFound is returned by Load when no payload has been recorded yet.
var ErrNotFound = errors.New("no update state recorded")

// Record is the persisted state of the current candidate payload.
type Record struct {
	PayloadID string
	Version   string
	State     policy.UpdateState
	UpdatedAt time.Time
}

// Decision is one logged policy outcome.
type Decision struct {
	ID        string
	CycleID   string
	Request   string
	Status    string
	Reason    string
	Message   string
	CreatedAt time.Time
}

// Store is the SQLite-backed state database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Debug("State database ready at %s", path)
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted record or ErrNotFound.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	var (
		rec                        Record
		urls                       string
		firstSeen, failuresUpdated int64
		backoff, updatedAt         int64
		waitPeriod, waitPeriodMax  int64
		isDelta, backoffDisabled   bool
	)
	us := &rec.State
	err := s.db.QueryRowContext(ctx, `
		SELECT payload_id, version, is_delta_payload, first_seen, num_checks,
			num_failures, failures_last_updated, download_urls, download_errors_max,
			last_download_url_idx, last_download_url_num_errors, backoff_expiry,
			is_backoff_disabled, scatter_wait_period, scatter_check_threshold,
			scatter_wait_period_max, scatter_check_threshold_min,
			scatter_check_threshold_max, updated_at
		FROM update_state WHERE id = 1`).Scan(
		&rec.PayloadID, &rec.Version, &isDelta, &firstSeen, &us.NumChecks,
		&us.NumFailures, &failuresUpdated, &urls, &us.DownloadErrorsMax,
		&us.LastDownloadURLIndex, &us.LastDownloadURLNumErrors, &backoff,
		&backoffDisabled, &waitPeriod, &us.ScatterCheckThreshold,
		&waitPeriodMax, &us.ScatterCheckThresholdMin,
		&us.ScatterCheckThresholdMax, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load update state: %w", err)
	}

	us.IsDeltaPayload = isDelta
	us.IsBackoffDisabled = backoffDisabled
	us.FirstSeen = fromNanos(firstSeen)
	us.FailuresLastUpdated = fromNanos(failuresUpdated)
	us.BackoffExpiry = fromNanos(backoff)
	us.ScatterWaitPeriod = time.Duration(waitPeriod)
	us.ScatterWaitPeriodMax = time.Duration(waitPeriodMax)
	rec.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(urls), &us.DownloadURLs); err != nil {
		return nil, fmt.Errorf("failed to decode download URLs: %w", err)
	}

	us.DownloadErrors, err = s.downloadErrors(ctx, rec.PayloadID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) downloadErrors(ctx context.Context, payloadID string) ([]policy.DownloadError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url_index, code, occurred_at FROM download_errors
		WHERE payload_id = ? ORDER BY id ASC`, payloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query download errors: %w", err)
	}
	defer rows.Close()

	var errs []policy.DownloadError
	for rows.Next() {
		var (
			de   policy.DownloadError
			code string
			at   int64
		)
		if err := rows.Scan(&de.URLIndex, &code, &at); err != nil {
			return nil, fmt.Errorf("failed to scan download error: %w", err)
		}
		if de.Code, err = policy.ParseErrorCode(code); err != nil {
			logging.Warning("Treating stored download error %q as unknown: %v", code, err)
		}
		de.Time = fromNanos(at)
		errs = append(errs, de)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating download errors: %w", err)
	}
	return errs, nil
}

// Save replaces the persisted record and its download errors in a single
// transaction.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.PayloadID == "" {
		return errors.New("payload id must be set")
	}
	urls, err := json.Marshal(nonNil(rec.State.DownloadURLs))
	if err != nil {
		return fmt.Errorf("failed to encode download URLs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	us := rec.State
	_, err = tx.ExecContext(ctx, `
		INSERT INTO update_state (
			id, payload_id, version, is_delta_payload, first_seen, num_checks,
			num_failures, failures_last_updated, download_urls, download_errors_max,
			last_download_url_idx, last_download_url_num_errors, backoff_expiry,
			is_backoff_disabled, scatter_wait_period, scatter_check_threshold,
			scatter_wait_period_max, scatter_check_threshold_min,
			scatter_check_threshold_max, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload_id = excluded.payload_id,
			version = excluded.version,
			is_delta_payload = excluded.is_delta_payload,
			first_seen = excluded.first_seen,
			num_checks = excluded.num_checks,
			num_failures = excluded.num_failures,
			failures_last_updated = excluded.failures_last_updated,
			download_urls = excluded.download_urls,
			download_errors_max = excluded.download_errors_max,
			last_download_url_idx = excluded.last_download_url_idx,
			last_download_url_num_errors = excluded.last_download_url_num_errors,
			backoff_expiry = excluded.backoff_expiry,
			is_backoff_disabled = excluded.is_backoff_disabled,
			scatter_wait_period = excluded.scatter_wait_period,
			scatter_check_threshold = excluded.scatter_check_threshold,
			scatter_wait_period_max = excluded.scatter_wait_period_max,
			scatter_check_threshold_min = excluded.scatter_check_threshold_min,
			scatter_check_threshold_max = excluded.scatter_check_threshold_max,
			updated_at = excluded.updated_at`,
		rec.PayloadID, rec.Version, us.IsDeltaPayload, toNanos(us.FirstSeen), us.NumChecks,
		us.NumFailures, toNanos(us.FailuresLastUpdated), string(urls), us.DownloadErrorsMax,
		us.LastDownloadURLIndex, us.LastDownloadURLNumErrors, toNanos(us.BackoffExpiry),
		us.IsBackoffDisabled, int64(us.ScatterWaitPeriod), us.ScatterCheckThreshold,
		int64(us.ScatterWaitPeriodMax), us.ScatterCheckThresholdMin,
		us.ScatterCheckThresholdMax, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save update state: %w", err)
	}

	// Errors of any other payload are stale once this one is the candidate.
	if _, err := tx.ExecContext(ctx, `DELETE FROM download_errors`); err != nil {
		return fmt.Errorf("failed to clear download errors: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO download_errors (payload_id, url_index, code, occurred_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare download error insert: %w", err)
	}
	defer stmt.Close()
	for _, de := range us.DownloadErrors {
		if _, err := stmt.ExecContext(ctx, rec.PayloadID, de.URLIndex, de.Code.String(), toNanos(de.Time)); err != nil {
			return fmt.Errorf("failed to save download error: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update state: %w", err)
	}
	return nil
}

// Clear forgets the current payload. The next cycle starts from scratch.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	for _, q := range []string{`DELETE FROM download_errors`, `DELETE FROM update_state`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to clear update state: %w", err)
		}
	}
	return tx.Commit()
}

// RecordDecision appends d to the decision log.
func (s *Store) RecordDecision(ctx context.Context, d Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, cycle_id, request, status, reason, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CycleID, d.Request, d.Status, d.Reason, d.Message, d.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, request, status, reason, message, created_at
		FROM decisions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var (
			d  Decision
			at int64
		)
		if err := rows.Scan(&d.ID, &d.CycleID, &d.Request, &d.Status, &d.Reason, &d.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.CreatedAt = time.Unix(0, at)
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

// PruneDecisions keeps only the newest keep decisions.
func (s *Store) PruneDecisions(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM decisions WHERE rowid NOT IN (
			SELECT rowid FROM decisions ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	return res.RowsAffected()
}

// Zero times are stored as 0 rather than the (negative) nanoseconds of year 1.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
