package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldflow/dispatch/core/model"
	corestore "github.com/fieldflow/dispatch/core/store"
)

// SQLiteStore persists the engine state to a SQLite database. The
// reservation insert runs its overlap check and write inside one immediate
// transaction, making the committed-overlap invariant a real serialization
// boundary rather than an application-level lock.
type SQLiteStore struct {
	db *sql.DB
}

var _ corestore.Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    priority INTEGER NOT NULL,
    skills TEXT NOT NULL,
    area TEXT NOT NULL,
    status TEXT NOT NULL,
    technician_id TEXT NOT NULL DEFAULT '',
    escalation_level INTEGER NOT NULL DEFAULT 0,
    ack_deadline INTEGER,
    duration_ns INTEGER NOT NULL,
    earliest_start INTEGER NOT NULL,
    idem_key TEXT NOT NULL DEFAULT '',
    source_call_id TEXT NOT NULL DEFAULT '',
    customer_ref TEXT NOT NULL DEFAULT '',
    confirmation_code TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS ix_jobs_idem ON jobs (tenant_id, idem_key) WHERE idem_key != '';
CREATE TABLE IF NOT EXISTS technicians (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    record TEXT NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    technician_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    start INTEGER NOT NULL,
    end INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_res_tech ON reservations (tenant_id, technician_id, status);
CREATE INDEX IF NOT EXISTS ix_res_job ON reservations (tenant_id, job_id, status);
CREATE TABLE IF NOT EXISTS escalations (
    tenant_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    level INTEGER NOT NULL,
    last_escalated_at INTEGER NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (tenant_id, job_id)
);
CREATE TABLE IF NOT EXISTS watermarks (
    tenant_id TEXT PRIMARY KEY,
    mark INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS status_history (
    tenant_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    changed_by TEXT NOT NULL,
    reason TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_history_job ON status_history (tenant_id, job_id);
`

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corestore.ErrUnavailable, err)
	}
	// A single writer keeps every overlap check serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", corestore.ErrUnavailable, err)
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
	skills, err := json.Marshal(job.Skills)
	if err != nil {
		return model.Job{}, err
	}
	var deadline any
	if job.AckDeadline != nil {
		deadline = job.AckDeadline.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (tenant_id, id, priority, skills, area, status, technician_id,
            escalation_level, ack_deadline, duration_ns, earliest_start, idem_key,
            source_call_id, customer_ref, confirmation_code, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.TenantID, job.ID, int(job.Priority), string(skills), job.Area, string(job.Status),
		job.TechnicianID, job.EscalationLevel, deadline, int64(job.Duration),
		job.EarliestStart.UnixNano(), job.IdempotencyKey, job.SourceCallID,
		job.CustomerRef, job.ConfirmationCode, job.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) && job.IdempotencyKey != "" {
			existing, lerr := s.jobByIdemKey(ctx, job.TenantID, job.IdempotencyKey)
			if lerr != nil {
				return model.Job{}, lerr
			}
			return existing, corestore.ErrDuplicate
		}
		return model.Job{}, err
	}
	s.recordHistory(ctx, job.TenantID, job.ID, "", job.Status, "system", "created")
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		jobColumns+` WHERE tenant_id = ? AND id = ?`, tenantID, jobID))
}

func (s *SQLiteStore) jobByIdemKey(ctx context.Context, tenantID, idemKey string) (model.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		jobColumns+` WHERE tenant_id = ? AND idem_key = ?`, tenantID, idemKey))
}

const jobColumns = `SELECT tenant_id, id, priority, skills, area, status, technician_id,
    escalation_level, ack_deadline, duration_ns, earliest_start, idem_key,
    source_call_id, customer_ref, confirmation_code, created_at FROM jobs`

type rowScanner interface{ Scan(dest ...any) error }

func (s *SQLiteStore) scanJob(row rowScanner) (model.Job, error) {
	var (
		j                                 model.Job
		prio                              int
		skills, status                    string
		deadline                          sql.NullInt64
		durationNS, earliestNS, createdNS int64
	)
	err := row.Scan(&j.TenantID, &j.ID, &prio, &skills, &j.Area, &status, &j.TechnicianID,
		&j.EscalationLevel, &deadline, &durationNS, &earliestNS, &j.IdempotencyKey,
		&j.SourceCallID, &j.CustomerRef, &j.ConfirmationCode, &createdNS)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, corestore.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(skills), &j.Skills); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal skills: %w", err)
	}
	j.Priority = model.Priority(prio)
	j.Status = model.JobStatus(status)
	j.Duration = time.Duration(durationNS)
	j.EarliestStart = time.Unix(0, earliestNS)
	j.CreatedAt = time.Unix(0, createdNS)
	if deadline.Valid {
		t := time.Unix(0, deadline.Int64)
		j.AckDeadline = &t
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, tenantID, jobID string, to model.JobStatus, changedBy, reason string) error {
	prev, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE tenant_id = ? AND id = ?`,
		string(to), tenantID, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return corestore.ErrNotFound
	}
	s.recordHistory(ctx, tenantID, jobID, prev.Status, to, changedBy, reason)
	return nil
}

func (s *SQLiteStore) SetAssignment(ctx context.Context, tenantID, jobID, technicianID string, status model.JobStatus) error {
	prev, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, technician_id = ? WHERE tenant_id = ? AND id = ?`,
		string(status), technicianID, tenantID, jobID)
	if err != nil {
		return err
	}
	s.recordHistory(ctx, tenantID, jobID, prev.Status, status, "system", "assigned to "+technicianID)
	return nil
}

func (s *SQLiteStore) SetEscalationLevel(ctx context.Context, tenantID, jobID string, level int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET escalation_level = ? WHERE tenant_id = ? AND id = ?`,
		level, tenantID, jobID)
	return err
}

func (s *SQLiteStore) JobsInStatus(ctx context.Context, tenantID string, statuses ...model.JobStatus) ([]model.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{tenantID}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx,
		jobColumns+` WHERE tenant_id = ? AND status IN (`+strings.Join(ph, ",")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StatusHistory(ctx context.Context, tenantID, jobID string) ([]model.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_status, to_status, changed_by, reason, occurred_at
         FROM status_history WHERE tenant_id = ? AND job_id = ? ORDER BY occurred_at`,
		tenantID, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.StatusChange
	for rows.Next() {
		var (
			c  model.StatusChange
			ns int64
		)
		if err := rows.Scan(&c.From, &c.To, &c.ChangedBy, &c.Reason, &ns); err != nil {
			return nil, err
		}
		c.JobID = jobID
		c.OccurredAt = time.Unix(0, ns)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutTechnician(ctx context.Context, t model.Technician) error {
	rec, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO technicians (tenant_id, id, record) VALUES (?, ?, ?)
         ON CONFLICT (tenant_id, id) DO UPDATE SET record = excluded.record`,
		t.TenantID, t.ID, string(rec))
	return err
}

func (s *SQLiteStore) Technicians(ctx context.Context, tenantID string) ([]model.Technician, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM technicians WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Technician
	for rows.Next() {
		var rec string
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		var t model.Technician
		if err := json.Unmarshal([]byte(rec), &t); err != nil {
			return nil, fmt.Errorf("unmarshal technician: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Commit inserts the reservation after an overlap check against committed
// rows for the same technician, all inside one immediate transaction.
func (s *SQLiteStore) Commit(ctx context.Context, res model.SlotReservation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := noOverlap(ctx, tx, res, "")
		if err != nil {
			return err
		}
		if !ok {
			return corestore.ErrConflict
		}
		return insertReservation(ctx, tx, res)
	})
}

func (s *SQLiteStore) Release(ctx context.Context, tenantID, reservationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET status = ? WHERE tenant_id = ? AND id = ?`,
		string(model.ReservationReleased), tenantID, reservationID)
	return err
}

// Reassign performs the preemption bump in one transaction: release the
// victim, commit the emergency reservation and swap both job records. The
// database either applies all of it or none of it.
func (s *SQLiteStore) Reassign(ctx context.Context, victimReservationID string, res model.SlotReservation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var victimJobID string
		err := tx.QueryRowContext(ctx,
			`SELECT job_id FROM reservations WHERE id = ? AND tenant_id = ? AND status = ?`,
			victimReservationID, res.TenantID, string(model.ReservationCommitted)).Scan(&victimJobID)
		if errors.Is(err, sql.ErrNoRows) {
			return corestore.ErrConflict
		}
		if err != nil {
			return err
		}
		ok, err := noOverlap(ctx, tx, res, victimReservationID)
		if err != nil {
			return err
		}
		if !ok {
			return corestore.ErrConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET status = ? WHERE id = ?`,
			string(model.ReservationReleased), victimReservationID); err != nil {
			return err
		}
		if err := insertReservation(ctx, tx, res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, technician_id = '' WHERE tenant_id = ? AND id = ?`,
			string(model.JobPending), res.TenantID, victimJobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, technician_id = ? WHERE tenant_id = ? AND id = ?`,
			string(model.JobScheduled), res.TechnicianID, res.TenantID, res.JobID); err != nil {
			return err
		}
		return nil
	})
}

func (s *SQLiteStore) CommittedFor(ctx context.Context, tenantID, technicianID string, within model.TimeWindow) ([]model.SlotReservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, technician_id, job_id, start, end, status, created_at
         FROM reservations
         WHERE tenant_id = ? AND technician_id = ? AND status = ? AND start < ? AND end > ?
         ORDER BY start`,
		tenantID, technicianID, string(model.ReservationCommitted),
		within.End.UnixNano(), within.Start.UnixNano())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.SlotReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommittedByJob(ctx context.Context, tenantID, jobID string) (model.SlotReservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, technician_id, job_id, start, end, status, created_at
         FROM reservations WHERE tenant_id = ? AND job_id = ? AND status = ?`,
		tenantID, jobID, string(model.ReservationCommitted))
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SlotReservation{}, corestore.ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) PutEscalation(ctx context.Context, rec model.EscalationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (tenant_id, job_id, level, last_escalated_at, channel)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (tenant_id, job_id) DO UPDATE
         SET level = excluded.level, last_escalated_at = excluded.last_escalated_at, channel = excluded.channel`,
		rec.TenantID, rec.JobID, rec.Level, rec.LastEscalatedAt.UnixNano(), rec.Channel)
	return err
}

func (s *SQLiteStore) GetEscalation(ctx context.Context, tenantID, jobID string) (model.EscalationRecord, error) {
	var (
		rec model.EscalationRecord
		ns  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT level, last_escalated_at, channel FROM escalations WHERE tenant_id = ? AND job_id = ?`,
		tenantID, jobID).Scan(&rec.Level, &ns, &rec.Channel)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EscalationRecord{}, corestore.ErrNotFound
	}
	if err != nil {
		return model.EscalationRecord{}, err
	}
	rec.TenantID = tenantID
	rec.JobID = jobID
	rec.LastEscalatedAt = time.Unix(0, ns)
	return rec, nil
}

func (s *SQLiteStore) DeleteEscalation(ctx context.Context, tenantID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM escalations WHERE tenant_id = ? AND job_id = ?`, tenantID, jobID)
	return err
}

func (s *SQLiteStore) Watermark(ctx context.Context, tenantID string) (time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx,
		`SELECT mark FROM watermarks WHERE tenant_id = ?`, tenantID).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns), nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, tenantID string, mark time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (tenant_id, mark) VALUES (?, ?)
         ON CONFLICT (tenant_id) DO UPDATE SET mark = excluded.mark`,
		tenantID, mark.UnixNano())
	return err
}

func (s *SQLiteStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM jobs UNION SELECT tenant_id FROM technicians ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CancelJob(ctx context.Context, tenantID, jobID, reason string) error {
	prev, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if prev.Status == model.JobCancelled {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE tenant_id = ? AND id = ?`,
			string(model.JobCancelled), tenantID, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET status = ? WHERE tenant_id = ? AND job_id = ? AND status = ?`,
			string(model.ReservationReleased), tenantID, jobID, string(model.ReservationCommitted)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO status_history (tenant_id, job_id, from_status, to_status, changed_by, reason, occurred_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tenantID, jobID, string(prev.Status), string(model.JobCancelled), "customer", reason,
			time.Now().UTC().UnixNano()); err != nil {
			return err
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", corestore.ErrPartialFailure, err)
	}
	return nil
}

func noOverlap(ctx context.Context, tx *sql.Tx, res model.SlotReservation, ignoreID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations
         WHERE tenant_id = ? AND technician_id = ? AND status = ? AND start < ? AND end > ? AND id != ?`,
		res.TenantID, res.TechnicianID, string(model.ReservationCommitted),
		res.Window.End.UnixNano(), res.Window.Start.UnixNano(), ignoreID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func insertReservation(ctx context.Context, tx *sql.Tx, res model.SlotReservation) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, tenant_id, technician_id, job_id, start, end, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.TenantID, res.TechnicianID, res.JobID,
		res.Window.Start.UnixNano(), res.Window.End.UnixNano(),
		string(model.ReservationCommitted), res.CreatedAt.UnixNano())
	return err
}

func scanReservation(row rowScanner) (model.SlotReservation, error) {
	var (
		r                       model.SlotReservation
		startNS, endNS, created int64
		status                  string
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.TechnicianID, &r.JobID, &startNS, &endNS, &status, &created); err != nil {
		return model.SlotReservation{}, err
	}
	r.Window = model.TimeWindow{Start: time.Unix(0, startNS), End: time.Unix(0, endNS)}
	r.Status = model.ReservationStatus(status)
	r.CreatedAt = time.Unix(0, created)
	return r, nil
}

func (s *SQLiteStore) recordHistory(ctx context.Context, tenantID, jobID string, from, to model.JobStatus, by, reason string) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO status_history (tenant_id, job_id, from_status, to_status, changed_by, reason, occurred_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenantID, jobID, string(from), string(to), by, reason, time.Now().UTC().UnixNano())
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
