/*
Package postgres provides a PostgreSQL implementation of the ledger storage
interfaces on a pgx connection pool.

PURPOSE:
  The multi-node deployment target. Same tables as store/sqlite with
  NUMERIC amounts, TIMESTAMPTZ columns and real row locks.

CONCURRENCY:
  WithTx runs at REPEATABLE READ. LockRecord is SELECT ... FOR UPDATE, so
  two payments against one record queue on the row instead of racing.
  A serialization failure (40001) or deadlock (40P01) is reported as
  ledger.ErrConcurrentModification and retried by the engine.

ERRORS:
  23505 (unique_violation) maps to ledger.ErrDuplicateRecord or
  ledger.ErrDuplicateReference depending on the constraint.

AMOUNTS:
  NUMERIC columns are selected as ::text and read with ledger.ParseAmount,
  and written as decimal strings.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/fee-ledger/ledger"
)

// Schema is applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS students (
	school_id TEXT NOT NULL,
	id TEXT NOT NULL,
	class_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	guardian_email TEXT NOT NULL DEFAULT '',
	guardian_phone TEXT NOT NULL DEFAULT '',
	is_scholarship BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL DEFAULT 'active',
	PRIMARY KEY (school_id, id)
);

CREATE INDEX IF NOT EXISTS idx_students_class ON students(school_id, class_id, status);

CREATE TABLE IF NOT EXISTS class_fee_structures (
	school_id TEXT NOT NULL,
	class_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	term_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	PRIMARY KEY (school_id, class_id, session_id, term_id)
);

CREATE TABLE IF NOT EXISTS academic_periods (
	school_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	term_id TEXT NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	term_name TEXT NOT NULL DEFAULT '',
	is_current BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (school_id, session_id, term_id)
);

CREATE TABLE IF NOT EXISTS fee_records (
	id TEXT PRIMARY KEY,
	school_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	term_id TEXT NOT NULL,
	opening_balance NUMERIC NOT NULL,
	expected_amount NUMERIC NOT NULL,
	paid_amount NUMERIC NOT NULL,
	balance NUMERIC NOT NULL,
	expected_manual BOOLEAN NOT NULL DEFAULT FALSE,
	eligible_by_balance BOOLEAN NOT NULL DEFAULT FALSE,
	clearance_override TEXT NOT NULL DEFAULT 'none',
	is_cleared_for_exam BOOLEAN NOT NULL DEFAULT FALSE,
	cleared_by TEXT NOT NULL DEFAULT '',
	cleared_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT fee_records_student_period_key UNIQUE (school_id, student_id, term_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_fee_records_period ON fee_records(school_id, session_id, term_id);

CREATE TABLE IF NOT EXISTS fee_payments (
	id TEXT PRIMARY KEY,
	school_id TEXT NOT NULL,
	record_id TEXT NOT NULL REFERENCES fee_records(id),
	student_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	term_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	kind TEXT NOT NULL,
	method TEXT NOT NULL,
	reference TEXT,
	notes TEXT NOT NULL DEFAULT '',
	recorded_by TEXT NOT NULL DEFAULT '',
	payment_date TIMESTAMPTZ NOT NULL,
	edited_by TEXT NOT NULL DEFAULT '',
	edited_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_fee_payments_record ON fee_payments(school_id, record_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fee_payments_reference
	ON fee_payments(school_id, reference) WHERE reference IS NOT NULL;

CREATE TABLE IF NOT EXISTS outbox_events (
	id TEXT PRIMARY KEY,
	school_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(created_at) WHERE status <> 'dispatched';

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	school_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL,
	details JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_audit_school ON audit_logs(school_id, created_at DESC);
`

// NewPool creates a new PostgreSQL connection pool and pings it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}

	return pool, nil
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store implements ledger.TxStore, ledger.OutboxStore and ledger.AuditStore.
type Store struct {
	pool *pgxpool.Pool
	queries
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store/postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx executes fn within a REPEATABLE READ transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("store/postgres: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&queries{db: tx, locking: true}); err != nil {
		return mapTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxError(fmt.Errorf("store/postgres: commit tx: %w", err))
	}

	return nil
}

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) SaveStudent(ctx context.Context, st ledger.Student) error {
	status := st.Status
	if status == "" {
		status = ledger.StudentActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (school_id, id, class_id, name, guardian_email, guardian_phone, is_scholarship, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (school_id, id) DO UPDATE SET
			class_id = EXCLUDED.class_id,
			name = EXCLUDED.name,
			guardian_email = EXCLUDED.guardian_email,
			guardian_phone = EXCLUDED.guardian_phone,
			is_scholarship = EXCLUDED.is_scholarship,
			status = EXCLUDED.status
	`, string(st.SchoolID), string(st.ID), string(st.ClassID), st.Name, st.GuardianEmail, st.GuardianPhone, st.IsScholarship, string(status))
	if err != nil {
		return fmt.Errorf("store/postgres: save student: %w", err)
	}
	return nil
}

func (s *Store) SaveFeeStructure(ctx context.Context, fs ledger.ClassFeeStructure) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO class_fee_structures (school_id, class_id, session_id, term_id, amount)
		VALUES ($1, $2, $3, $4, $5::numeric)
		ON CONFLICT (school_id, class_id, session_id, term_id) DO UPDATE SET amount = EXCLUDED.amount
	`, string(fs.SchoolID), string(fs.ClassID), string(fs.Period.SessionID), string(fs.Period.TermID), fs.Amount.String())
	if err != nil {
		return fmt.Errorf("store/postgres: save fee structure: %w", err)
	}
	return nil
}

func (s *Store) SavePeriod(ctx context.Context, p ledger.AcademicPeriod) error {
	return s.withPlainTx(ctx, func(tx pgx.Tx) error {
		if p.IsCurrent {
			if _, err := tx.Exec(ctx, `UPDATE academic_periods SET is_current = FALSE WHERE school_id = $1`, string(p.SchoolID)); err != nil {
				return fmt.Errorf("store/postgres: clear current period: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO academic_periods (school_id, session_id, term_id, session_name, term_name, is_current)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (school_id, session_id, term_id) DO UPDATE SET
				session_name = EXCLUDED.session_name,
				term_name = EXCLUDED.term_name,
				is_current = EXCLUDED.is_current
		`, string(p.SchoolID), string(p.Period.SessionID), string(p.Period.TermID), p.SessionName, p.TermName, p.IsCurrent)
		if err != nil {
			return fmt.Errorf("store/postgres: save period: %w", err)
		}
		return nil
	})
}

func (s *Store) withPlainTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store/postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =============================================================================
// OUTBOX AND AUDIT
// =============================================================================

func (s *Store) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	query := `
		SELECT id, school_id, kind, payload::text, status, attempts, last_error, created_at, dispatched_at
		FROM outbox_events
		WHERE status <> 'dispatched' AND attempts < $1
		ORDER BY created_at ASC, id ASC`
	args := []any{maxAttempts}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: pending events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			e                                 ledger.Event
			id, school, kind, status, payload string
		)
		if err := rows.Scan(&id, &school, &kind, &payload, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.DispatchedAt); err != nil {
			return nil, fmt.Errorf("store/postgres: scan event: %w", err)
		}
		e.ID = ledger.EventID(id)
		e.SchoolID = ledger.SchoolID(school)
		e.Kind = ledger.EventKind(kind)
		e.Status = ledger.EventStatus(status)
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) MarkEventDispatched(ctx context.Context, id ledger.EventID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'dispatched', attempts = attempts + 1, last_error = '', dispatched_at = $2
		WHERE id = $1
	`, string(id), at)
	return err
}

func (s *Store) MarkEventFailed(ctx context.Context, id ledger.EventID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`, string(id), reason)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("store/postgres: encode audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, school_id, user_id, action, resource, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, entry.ID, string(entry.SchoolID), entry.UserID, entry.Action, entry.Resource, string(details), entry.At)
	if err != nil {
		return fmt.Errorf("store/postgres: append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, school ledger.SchoolID, limit int) ([]ledger.AuditEntry, error) {
	query := `
		SELECT id, school_id, user_id, action, resource, COALESCE(details::text, ''), created_at
		FROM audit_logs WHERE school_id = $1
		ORDER BY created_at DESC, seq DESC`
	args := []any{string(school)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list audit: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e          ledger.AuditEntry
			schoolID   string
			detailsRaw string
		)
		if err := rows.Scan(&e.ID, &schoolID, &e.UserID, &e.Action, &e.Resource, &detailsRaw, &e.At); err != nil {
			return nil, fmt.Errorf("store/postgres: scan audit: %w", err)
		}
		e.SchoolID = ledger.SchoolID(schoolID)
		if detailsRaw != "" {
			_ = json.Unmarshal([]byte(detailsRaw), &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// QUERIES - ledger.Store on a pool or an open transaction
// =============================================================================

type queries struct {
	db dbtx

	// locking is set inside WithTx, where FOR UPDATE has a transaction to
	// hold the lock in.
	locking bool
}

func (q *queries) GetStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (*ledger.Student, error) {
	rows, err := q.db.Query(ctx, `
		SELECT school_id, id, class_id, name, guardian_email, guardian_phone, is_scholarship, status
		FROM students WHERE school_id = $1 AND id = $2
	`, string(school), string(id))
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get student: %w", err)
	}
	students, err := collectStudents(rows)
	if err != nil || len(students) == 0 {
		return nil, err
	}
	return &students[0], nil
}

func (q *queries) ListActiveStudents(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID) ([]ledger.Student, error) {
	query := `
		SELECT school_id, id, class_id, name, guardian_email, guardian_phone, is_scholarship, status
		FROM students WHERE school_id = $1 AND status = 'active'`
	args := []any{string(school)}
	if classID != "" {
		query += ` AND class_id = $2`
		args = append(args, string(classID))
	}
	query += ` ORDER BY id ASC`

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list students: %w", err)
	}
	return collectStudents(rows)
}

func collectStudents(rows pgx.Rows) ([]ledger.Student, error) {
	defer rows.Close()
	var out []ledger.Student
	for rows.Next() {
		var school, id, class, status string
		st := ledger.Student{}
		if err := rows.Scan(&school, &id, &class, &st.Name, &st.GuardianEmail, &st.GuardianPhone, &st.IsScholarship, &status); err != nil {
			return nil, fmt.Errorf("store/postgres: scan student: %w", err)
		}
		st.SchoolID = ledger.SchoolID(school)
		st.ID = ledger.StudentID(id)
		st.ClassID = ledger.ClassID(class)
		st.Status = ledger.StudentStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (q *queries) GetFeeStructure(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID, period ledger.Period) (*ledger.ClassFeeStructure, error) {
	var amount string
	err := q.db.QueryRow(ctx, `
		SELECT amount::text FROM class_fee_structures
		WHERE school_id = $1 AND class_id = $2 AND session_id = $3 AND term_id = $4
	`, string(school), string(classID), string(period.SessionID), string(period.TermID)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get fee structure: %w", err)
	}
	return &ledger.ClassFeeStructure{SchoolID: school, ClassID: classID, Period: period, Amount: ledger.ParseAmount(amount)}, nil
}

func (q *queries) GetAcademicPeriod(ctx context.Context, school ledger.SchoolID, period ledger.Period) (*ledger.AcademicPeriod, error) {
	return q.queryPeriod(ctx, `
		SELECT session_id, term_id, session_name, term_name, is_current
		FROM academic_periods WHERE school_id = $1 AND session_id = $2 AND term_id = $3
	`, school, string(school), string(period.SessionID), string(period.TermID))
}

func (q *queries) CurrentPeriod(ctx context.Context, school ledger.SchoolID) (*ledger.AcademicPeriod, error) {
	return q.queryPeriod(ctx, `
		SELECT session_id, term_id, session_name, term_name, is_current
		FROM academic_periods WHERE school_id = $1 AND is_current
		LIMIT 1
	`, school, string(school))
}

func (q *queries) queryPeriod(ctx context.Context, query string, school ledger.SchoolID, args ...any) (*ledger.AcademicPeriod, error) {
	var session, term string
	p := ledger.AcademicPeriod{SchoolID: school}
	err := q.db.QueryRow(ctx, query, args...).Scan(&session, &term, &p.SessionName, &p.TermName, &p.IsCurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get academic period: %w", err)
	}
	p.Period = ledger.NewPeriod(session, term)
	return &p, nil
}

// ----- Fee records -----

const recordSelect = `
	SELECT id, school_id, student_id, session_id, term_id,
	       opening_balance::text, expected_amount::text, paid_amount::text, balance::text,
	       expected_manual, eligible_by_balance, clearance_override, is_cleared_for_exam,
	       cleared_by, cleared_at, version, created_at, updated_at
	FROM fee_records`

func collectRecords(rows pgx.Rows) ([]ledger.FeeRecord, error) {
	defer rows.Close()
	var out []ledger.FeeRecord
	for rows.Next() {
		var (
			r                                ledger.FeeRecord
			id, school, student              string
			session, term, override          string
			opening, expected, paid, balance string
		)
		err := rows.Scan(
			&id, &school, &student, &session, &term,
			&opening, &expected, &paid, &balance,
			&r.ExpectedManual, &r.EligibleByBalance, &override, &r.IsClearedForExam,
			&r.ClearedBy, &r.ClearedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan fee record: %w", err)
		}
		r.ID = ledger.RecordID(id)
		r.SchoolID = ledger.SchoolID(school)
		r.StudentID = ledger.StudentID(student)
		r.Period = ledger.NewPeriod(session, term)
		r.OpeningBalance = ledger.ParseAmount(opening)
		r.ExpectedAmount = ledger.ParseAmount(expected)
		r.PaidAmount = ledger.ParseAmount(paid)
		r.Balance = ledger.ParseAmount(balance)
		r.ClearanceOverride = ledger.ParseOverride(override)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) oneRecord(ctx context.Context, query string, args ...any) (*ledger.FeeRecord, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get fee record: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (q *queries) GetRecord(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, period ledger.Period) (*ledger.FeeRecord, error) {
	return q.oneRecord(ctx, recordSelect+` WHERE school_id = $1 AND student_id = $2 AND session_id = $3 AND term_id = $4`,
		string(school), string(student), string(period.SessionID), string(period.TermID))
}

func (q *queries) GetRecordByID(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	return q.oneRecord(ctx, recordSelect+` WHERE school_id = $1 AND id = $2`, string(school), string(id))
}

func (q *queries) LockRecord(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	query := recordSelect + ` WHERE school_id = $1 AND id = $2`
	if q.locking {
		query += ` FOR UPDATE`
	}
	return q.oneRecord(ctx, query, string(school), string(id))
}

func (q *queries) ListStudentRecords(ctx context.Context, school ledger.SchoolID, student ledger.StudentID) ([]ledger.FeeRecord, error) {
	rows, err := q.db.Query(ctx, recordSelect+` WHERE school_id = $1 AND student_id = $2 ORDER BY created_at ASC, id ASC`,
		string(school), string(student))
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list student records: %w", err)
	}
	return collectRecords(rows)
}

func (q *queries) ListPeriodRecords(ctx context.Context, school ledger.SchoolID, period ledger.Period) ([]ledger.FeeRecord, error) {
	rows, err := q.db.Query(ctx, recordSelect+` WHERE school_id = $1 AND session_id = $2 AND term_id = $3 ORDER BY created_at ASC, id ASC`,
		string(school), string(period.SessionID), string(period.TermID))
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list period records: %w", err)
	}
	return collectRecords(rows)
}

func (q *queries) InsertRecord(ctx context.Context, r ledger.FeeRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO fee_records (
			id, school_id, student_id, session_id, term_id,
			opening_balance, expected_amount, paid_amount, balance,
			expected_manual, eligible_by_balance, clearance_override, is_cleared_for_exam,
			cleared_by, cleared_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		string(r.ID), string(r.SchoolID), string(r.StudentID), string(r.Period.SessionID), string(r.Period.TermID),
		r.OpeningBalance.String(), r.ExpectedAmount.String(), r.PaidAmount.String(), r.Balance.String(),
		r.ExpectedManual, r.EligibleByBalance, string(r.ClearanceOverride), r.IsClearedForExam,
		r.ClearedBy, r.ClearedAt, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateRecord
	}
	if err != nil {
		return fmt.Errorf("store/postgres: insert fee record: %w", err)
	}
	return nil
}

func (q *queries) UpdateRecord(ctx context.Context, r ledger.FeeRecord, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE fee_records SET
			opening_balance = $1::numeric, expected_amount = $2::numeric, paid_amount = $3::numeric, balance = $4::numeric,
			expected_manual = $5, eligible_by_balance = $6, clearance_override = $7, is_cleared_for_exam = $8,
			cleared_by = $9, cleared_at = $10, version = $11, updated_at = $12
		WHERE id = $13 AND school_id = $14 AND version = $15
	`,
		r.OpeningBalance.String(), r.ExpectedAmount.String(), r.PaidAmount.String(), r.Balance.String(),
		r.ExpectedManual, r.EligibleByBalance, string(r.ClearanceOverride), r.IsClearedForExam,
		r.ClearedBy, r.ClearedAt, r.Version, r.UpdatedAt,
		string(r.ID), string(r.SchoolID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: update fee record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// ----- Payments -----

const paymentSelect = `
	SELECT id, school_id, record_id, student_id, session_id, term_id, amount::text, kind, method,
	       COALESCE(reference, ''), notes, recorded_by, payment_date, edited_by, edited_at, created_at
	FROM fee_payments`

func collectPayments(rows pgx.Rows) ([]ledger.FeePayment, error) {
	defer rows.Close()
	var out []ledger.FeePayment
	for rows.Next() {
		var (
			p                           ledger.FeePayment
			id, school, record, student string
			session, term, amount, kind string
		)
		err := rows.Scan(
			&id, &school, &record, &student, &session, &term, &amount, &kind, &p.Method,
			&p.Reference, &p.Notes, &p.RecordedBy, &p.PaymentDate, &p.EditedBy, &p.EditedAt, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan payment: %w", err)
		}
		p.ID = ledger.PaymentID(id)
		p.SchoolID = ledger.SchoolID(school)
		p.RecordID = ledger.RecordID(record)
		p.StudentID = ledger.StudentID(student)
		p.Period = ledger.NewPeriod(session, term)
		p.Amount = ledger.ParseAmount(amount)
		p.Kind = ledger.PaymentKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *queries) onePayment(ctx context.Context, query string, args ...any) (*ledger.FeePayment, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get payment: %w", err)
	}
	payments, err := collectPayments(rows)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (q *queries) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (*ledger.FeePayment, error) {
	return q.onePayment(ctx, paymentSelect+` WHERE school_id = $1 AND id = $2`, string(school), string(id))
}

func (q *queries) FindPaymentByReference(ctx context.Context, school ledger.SchoolID, reference string) (*ledger.FeePayment, error) {
	if reference == "" {
		return nil, nil
	}
	return q.onePayment(ctx, paymentSelect+` WHERE school_id = $1 AND reference = $2`, string(school), reference)
}

func (q *queries) ListPayments(ctx context.Context, school ledger.SchoolID, recordID ledger.RecordID) ([]ledger.FeePayment, error) {
	rows, err := q.db.Query(ctx, paymentSelect+` WHERE school_id = $1 AND record_id = $2 ORDER BY seq ASC`,
		string(school), string(recordID))
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list payments: %w", err)
	}
	return collectPayments(rows)
}

func (q *queries) InsertPayment(ctx context.Context, p ledger.FeePayment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO fee_payments (
			id, school_id, record_id, student_id, session_id, term_id, amount, kind, method,
			reference, notes, recorded_by, payment_date, edited_by, edited_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16)
	`,
		string(p.ID), string(p.SchoolID), string(p.RecordID), string(p.StudentID),
		string(p.Period.SessionID), string(p.Period.TermID), p.Amount.String(), string(p.Kind), p.Method,
		p.Reference, p.Notes, p.RecordedBy, p.PaymentDate, p.EditedBy, p.EditedAt, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("store/postgres: insert payment: %w", err)
	}
	return nil
}

func (q *queries) UpdatePayment(ctx context.Context, p ledger.FeePayment) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE fee_payments SET
			amount = $1::numeric, method = $2, reference = NULLIF($3, ''), notes = $4, edited_by = $5, edited_at = $6
		WHERE id = $7 AND school_id = $8
	`, p.Amount.String(), p.Method, p.Reference, p.Notes, p.EditedBy, p.EditedAt, string(p.ID), string(p.SchoolID))
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("store/postgres: update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrPaymentNotFound
	}
	return nil
}

func (q *queries) AppendEvent(ctx context.Context, evt ledger.Event) error {
	status := evt.Status
	if status == "" {
		status = ledger.EventPending
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO outbox_events (id, school_id, kind, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`, string(evt.ID), string(evt.SchoolID), string(evt.Kind), string(evt.Payload), string(status), evt.Attempts, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: append event: %w", err)
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// mapTxError turns lost races into ledger.ErrConcurrentModification so the
// engine retries them.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return fmt.Errorf("%w: %w", ledger.ErrConcurrentModification, err)
	}
	return err
}
