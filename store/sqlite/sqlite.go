/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.TxStore, ledger.OutboxStore and ledger.AuditStore on an
  embedded database. Used for single-node deployments and local development;
  the same schema runs on PostgreSQL (store/postgres) with dialect changes.

KEY TABLES:
  students, class_fee_structures, academic_periods:
                  Directory data owned by other services, seeded here
  fee_records:    One row per (school, student, term, session), versioned
  fee_payments:   Payment history, reference unique per school
  outbox_events:  Facts waiting for the relay
  audit_logs:     Who did what, outside the ledger transaction

INDEXES:
  - idx_fee_records_period:     cohort views and bulk sync
  - idx_fee_payments_record:    payment history per record
  - idx_fee_payments_reference: duplicate gateway callbacks
  - idx_outbox_pending:         relay polling

AMOUNTS:
  Stored as TEXT decimal strings and read back with ledger.ParseAmount, so a
  malformed value reads as 0 instead of failing the whole query.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. Writers are
  fully serialized, which is what LockRecord relies on here. In production
  with PostgreSQL, row locks handle this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and immediate
  transactions so a second process cannot interleave a writer.

USAGE:
  store, err := sqlite.New("./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/fee-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  *queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: &queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Directory (owned by the student, class and period services)
	CREATE TABLE IF NOT EXISTS students (
		school_id TEXT NOT NULL,
		id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		guardian_email TEXT NOT NULL DEFAULT '',
		guardian_phone TEXT NOT NULL DEFAULT '',
		is_scholarship INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		PRIMARY KEY (school_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_students_class
		ON students(school_id, class_id, status);

	CREATE TABLE IF NOT EXISTS class_fee_structures (
		school_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (school_id, class_id, session_id, term_id)
	);

	CREATE TABLE IF NOT EXISTS academic_periods (
		school_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		session_name TEXT NOT NULL DEFAULT '',
		term_name TEXT NOT NULL DEFAULT '',
		is_current INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (school_id, session_id, term_id)
	);

	-- Fee records: one per student per period
	CREATE TABLE IF NOT EXISTS fee_records (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		expected_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		balance TEXT NOT NULL,
		expected_manual INTEGER NOT NULL DEFAULT 0,
		eligible_by_balance INTEGER NOT NULL DEFAULT 0,
		clearance_override TEXT NOT NULL DEFAULT 'none',
		is_cleared_for_exam INTEGER NOT NULL DEFAULT 0,
		cleared_by TEXT,
		cleared_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (school_id, student_id, term_id, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_fee_records_student
		ON fee_records(school_id, student_id);
	CREATE INDEX IF NOT EXISTS idx_fee_records_period
		ON fee_records(school_id, session_id, term_id);

	-- Payment history
	CREATE TABLE IF NOT EXISTS fee_payments (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		record_id TEXT NOT NULL REFERENCES fee_records(id),
		student_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT,
		notes TEXT,
		recorded_by TEXT,
		payment_date TEXT NOT NULL,
		edited_by TEXT,
		edited_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fee_payments_record
		ON fee_payments(school_id, record_id, created_at);

	-- A gateway reference is recorded once per school
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fee_payments_reference
		ON fee_payments(school_id, reference) WHERE reference IS NOT NULL;

	-- Outbox
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		dispatched_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox_events(status, created_at);

	-- Audit log
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		details_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_school
		ON audit_logs(school_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING - Directory data
// =============================================================================

// SaveStudent upserts a student.
func (s *Store) SaveStudent(ctx context.Context, st ledger.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := st.Status
	if status == "" {
		status = ledger.StudentActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (school_id, id, class_id, name, guardian_email, guardian_phone, is_scholarship, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(school_id, id) DO UPDATE SET
			class_id = excluded.class_id,
			name = excluded.name,
			guardian_email = excluded.guardian_email,
			guardian_phone = excluded.guardian_phone,
			is_scholarship = excluded.is_scholarship,
			status = excluded.status
	`, st.SchoolID, st.ID, st.ClassID, st.Name, st.GuardianEmail, st.GuardianPhone, st.IsScholarship, status)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

// SaveFeeStructure upserts a class fee for one period.
func (s *Store) SaveFeeStructure(ctx context.Context, fs ledger.ClassFeeStructure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO class_fee_structures (school_id, class_id, session_id, term_id, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(school_id, class_id, session_id, term_id) DO UPDATE SET amount = excluded.amount
	`, fs.SchoolID, fs.ClassID, fs.Period.SessionID, fs.Period.TermID, fs.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to save fee structure: %w", err)
	}
	return nil
}

// SavePeriod upserts a period. Marking a period current clears the flag on
// the school's other periods.
func (s *Store) SavePeriod(ctx context.Context, p ledger.AcademicPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.IsCurrent {
		if _, err := tx.ExecContext(ctx, `UPDATE academic_periods SET is_current = 0 WHERE school_id = ?`, p.SchoolID); err != nil {
			return fmt.Errorf("failed to clear current period: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO academic_periods (school_id, session_id, term_id, session_name, term_name, is_current)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(school_id, session_id, term_id) DO UPDATE SET
			session_name = excluded.session_name,
			term_name = excluded.term_name,
			is_current = excluded.is_current
	`, p.SchoolID, p.Period.SessionID, p.Period.TermID, p.SessionName, p.TermName, p.IsCurrent)
	if err != nil {
		return fmt.Errorf("failed to save period: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// ledger.Store - locked wrappers around the shared queries
// =============================================================================

func (s *Store) GetStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (*ledger.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetStudent(ctx, school, id)
}

func (s *Store) ListActiveStudents(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID) ([]ledger.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListActiveStudents(ctx, school, classID)
}

func (s *Store) GetFeeStructure(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID, period ledger.Period) (*ledger.ClassFeeStructure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetFeeStructure(ctx, school, classID, period)
}

func (s *Store) GetAcademicPeriod(ctx context.Context, school ledger.SchoolID, period ledger.Period) (*ledger.AcademicPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetAcademicPeriod(ctx, school, period)
}

func (s *Store) CurrentPeriod(ctx context.Context, school ledger.SchoolID) (*ledger.AcademicPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.CurrentPeriod(ctx, school)
}

func (s *Store) GetRecord(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, period ledger.Period) (*ledger.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetRecord(ctx, school, student, period)
}

func (s *Store) GetRecordByID(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetRecordByID(ctx, school, id)
}

func (s *Store) LockRecord(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	return s.GetRecordByID(ctx, school, id)
}

func (s *Store) ListStudentRecords(ctx context.Context, school ledger.SchoolID, student ledger.StudentID) ([]ledger.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListStudentRecords(ctx, school, student)
}

func (s *Store) ListPeriodRecords(ctx context.Context, school ledger.SchoolID, period ledger.Period) ([]ledger.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPeriodRecords(ctx, school, period)
}

func (s *Store) InsertRecord(ctx context.Context, rec ledger.FeeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InsertRecord(ctx, rec)
}

func (s *Store) UpdateRecord(ctx context.Context, rec ledger.FeeRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateRecord(ctx, rec, expectedVersion)
}

func (s *Store) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (*ledger.FeePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetPayment(ctx, school, id)
}

func (s *Store) ListPayments(ctx context.Context, school ledger.SchoolID, recordID ledger.RecordID) ([]ledger.FeePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPayments(ctx, school, recordID)
}

func (s *Store) FindPaymentByReference(ctx context.Context, school ledger.SchoolID, reference string) (*ledger.FeePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.FindPaymentByReference(ctx, school, reference)
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.FeePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InsertPayment(ctx, p)
}

func (s *Store) UpdatePayment(ctx context.Context, p ledger.FeePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdatePayment(ctx, p)
}

func (s *Store) AppendEvent(ctx context.Context, evt ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendEvent(ctx, evt)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{db: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every query on the open transaction. It takes no locks: the
// surrounding WithTx already holds the write lock.
type txStore struct {
	queries
}

// =============================================================================
// OUTBOX STORE (ledger.OutboxStore interface)
// =============================================================================

func (s *Store) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, school_id, kind, payload, status, attempts, last_error, created_at, dispatched_at
		FROM outbox_events
		WHERE status != 'dispatched' AND attempts < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			e            ledger.Event
			payload      string
			lastError    sql.NullString
			createdAt    string
			dispatchedAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SchoolID, &e.Kind, &payload, &e.Status, &e.Attempts, &lastError, &createdAt, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = []byte(payload)
		e.LastError = lastError.String
		e.CreatedAt = parseTime(createdAt)
		e.DispatchedAt = parseTimePtr(dispatchedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) MarkEventDispatched(ctx context.Context, id ledger.EventID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'dispatched', attempts = attempts + 1, last_error = NULL, dispatched_at = ?
		WHERE id = ?
	`, formatTime(at), id)
	return err
}

func (s *Store) MarkEventFailed(ctx context.Context, id ledger.EventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'failed', attempts = attempts + 1, last_error = ?
		WHERE id = ?
	`, reason, id)
	return err
}

// =============================================================================
// AUDIT STORE (ledger.AuditStore interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, school_id, user_id, action, resource, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SchoolID, entry.UserID, entry.Action, entry.Resource, string(detailsJSON), formatTime(entry.At))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, school ledger.SchoolID, limit int) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, school_id, user_id, action, resource, details_json, created_at
		FROM audit_logs
		WHERE school_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, school, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e           ledger.AuditEntry
			detailsJSON sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&e.ID, &e.SchoolID, &e.UserID, &e.Action, &e.Resource, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &e.Details)
		}
		e.At = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db querier
}

const studentColumns = `school_id, id, class_id, name, guardian_email, guardian_phone, is_scholarship, status`

func scanStudent(row interface{ Scan(dest ...any) error }) (ledger.Student, error) {
	var st ledger.Student
	err := row.Scan(&st.SchoolID, &st.ID, &st.ClassID, &st.Name, &st.GuardianEmail, &st.GuardianPhone, &st.IsScholarship, &st.Status)
	return st, err
}

func (q *queries) GetStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (*ledger.Student, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE school_id = ? AND id = ?`, school, id)
	st, err := scanStudent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	return &st, nil
}

func (q *queries) ListActiveStudents(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID) ([]ledger.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE school_id = ? AND status = 'active'`
	args := []any{school}
	if classID != "" {
		query += ` AND class_id = ?`
		args = append(args, classID)
	}
	query += ` ORDER BY id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var students []ledger.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

func (q *queries) GetFeeStructure(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID, period ledger.Period) (*ledger.ClassFeeStructure, error) {
	var amount string
	err := q.db.QueryRowContext(ctx, `
		SELECT amount FROM class_fee_structures
		WHERE school_id = ? AND class_id = ? AND session_id = ? AND term_id = ?
	`, school, classID, period.SessionID, period.TermID).Scan(&amount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fee structure: %w", err)
	}
	return &ledger.ClassFeeStructure{
		SchoolID: school,
		ClassID:  classID,
		Period:   period,
		Amount:   ledger.ParseAmount(amount),
	}, nil
}

func (q *queries) GetAcademicPeriod(ctx context.Context, school ledger.SchoolID, period ledger.Period) (*ledger.AcademicPeriod, error) {
	return q.queryPeriod(ctx, `
		SELECT school_id, session_id, term_id, session_name, term_name, is_current
		FROM academic_periods WHERE school_id = ? AND session_id = ? AND term_id = ?
	`, school, period.SessionID, period.TermID)
}

func (q *queries) CurrentPeriod(ctx context.Context, school ledger.SchoolID) (*ledger.AcademicPeriod, error) {
	return q.queryPeriod(ctx, `
		SELECT school_id, session_id, term_id, session_name, term_name, is_current
		FROM academic_periods WHERE school_id = ? AND is_current = 1
		LIMIT 1
	`, school)
}

func (q *queries) queryPeriod(ctx context.Context, query string, args ...any) (*ledger.AcademicPeriod, error) {
	var p ledger.AcademicPeriod
	err := q.db.QueryRowContext(ctx, query, args...).Scan(
		&p.SchoolID, &p.Period.SessionID, &p.Period.TermID, &p.SessionName, &p.TermName, &p.IsCurrent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get academic period: %w", err)
	}
	return &p, nil
}

// ----- Fee records -----

const recordColumns = `id, school_id, student_id, session_id, term_id,
	opening_balance, expected_amount, paid_amount, balance,
	expected_manual, eligible_by_balance, clearance_override, is_cleared_for_exam,
	cleared_by, cleared_at, version, created_at, updated_at`

func scanRecord(row interface{ Scan(dest ...any) error }) (ledger.FeeRecord, error) {
	var (
		r                                ledger.FeeRecord
		opening, expected, paid, balance string
		override                         string
		clearedBy, clearedAt             sql.NullString
		createdAt, updatedAt             string
	)
	err := row.Scan(
		&r.ID, &r.SchoolID, &r.StudentID, &r.Period.SessionID, &r.Period.TermID,
		&opening, &expected, &paid, &balance,
		&r.ExpectedManual, &r.EligibleByBalance, &override, &r.IsClearedForExam,
		&clearedBy, &clearedAt, &r.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}
	r.OpeningBalance = ledger.ParseAmount(opening)
	r.ExpectedAmount = ledger.ParseAmount(expected)
	r.PaidAmount = ledger.ParseAmount(paid)
	r.Balance = ledger.ParseAmount(balance)
	r.ClearanceOverride = ledger.ParseOverride(override)
	r.ClearedBy = clearedBy.String
	r.ClearedAt = parseTimePtr(clearedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func (q *queries) getRecord(ctx context.Context, where string, args ...any) (*ledger.FeeRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM fee_records WHERE `+where, args...)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fee record: %w", err)
	}
	return &r, nil
}

func (q *queries) listRecords(ctx context.Context, where string, args ...any) ([]ledger.FeeRecord, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM fee_records WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee records: %w", err)
	}
	defer rows.Close()

	var records []ledger.FeeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fee record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (q *queries) GetRecord(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, period ledger.Period) (*ledger.FeeRecord, error) {
	return q.getRecord(ctx, `school_id = ? AND student_id = ? AND session_id = ? AND term_id = ?`,
		school, student, period.SessionID, period.TermID)
}

func (q *queries) GetRecordByID(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	return q.getRecord(ctx, `school_id = ? AND id = ?`, school, id)
}

// LockRecord is a plain read: the transaction already holds SQLite's
// single write lock.
func (q *queries) LockRecord(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	return q.GetRecordByID(ctx, school, id)
}

func (q *queries) ListStudentRecords(ctx context.Context, school ledger.SchoolID, student ledger.StudentID) ([]ledger.FeeRecord, error) {
	return q.listRecords(ctx, `school_id = ? AND student_id = ?`, school, student)
}

func (q *queries) ListPeriodRecords(ctx context.Context, school ledger.SchoolID, period ledger.Period) ([]ledger.FeeRecord, error) {
	return q.listRecords(ctx, `school_id = ? AND session_id = ? AND term_id = ?`, school, period.SessionID, period.TermID)
}

func (q *queries) InsertRecord(ctx context.Context, r ledger.FeeRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO fee_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.SchoolID, r.StudentID, r.Period.SessionID, r.Period.TermID,
		r.OpeningBalance.String(), r.ExpectedAmount.String(), r.PaidAmount.String(), r.Balance.String(),
		r.ExpectedManual, r.EligibleByBalance, string(r.ClearanceOverride), r.IsClearedForExam,
		nullString(r.ClearedBy), formatTimePtr(r.ClearedAt), r.Version,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueKeyError(err) {
			return ledger.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to insert fee record: %w", err)
	}
	return nil
}

func (q *queries) UpdateRecord(ctx context.Context, r ledger.FeeRecord, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE fee_records SET
			opening_balance = ?, expected_amount = ?, paid_amount = ?, balance = ?,
			expected_manual = ?, eligible_by_balance = ?, clearance_override = ?, is_cleared_for_exam = ?,
			cleared_by = ?, cleared_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND school_id = ? AND version = ?
	`,
		r.OpeningBalance.String(), r.ExpectedAmount.String(), r.PaidAmount.String(), r.Balance.String(),
		r.ExpectedManual, r.EligibleByBalance, string(r.ClearanceOverride), r.IsClearedForExam,
		nullString(r.ClearedBy), formatTimePtr(r.ClearedAt), r.Version, formatTime(r.UpdatedAt),
		r.ID, r.SchoolID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update fee record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update fee record: %w", err)
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// ----- Payments -----

const paymentColumns = `id, school_id, record_id, student_id, session_id, term_id, amount, kind, method,
	reference, notes, recorded_by, payment_date, edited_by, edited_at, created_at`

func scanPayment(row interface{ Scan(dest ...any) error }) (ledger.FeePayment, error) {
	var (
		p                            ledger.FeePayment
		amount                       string
		reference, notes, recordedBy sql.NullString
		editedBy, editedAt           sql.NullString
		paymentDate, createdAt       string
	)
	err := row.Scan(
		&p.ID, &p.SchoolID, &p.RecordID, &p.StudentID, &p.Period.SessionID, &p.Period.TermID,
		&amount, &p.Kind, &p.Method, &reference, &notes, &recordedBy,
		&paymentDate, &editedBy, &editedAt, &createdAt,
	)
	if err != nil {
		return p, err
	}
	p.Amount = ledger.ParseAmount(amount)
	p.Reference = reference.String
	p.Notes = notes.String
	p.RecordedBy = recordedBy.String
	p.PaymentDate = parseTime(paymentDate)
	p.EditedBy = editedBy.String
	p.EditedAt = parseTimePtr(editedAt)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (q *queries) getPayment(ctx context.Context, where string, args ...any) (*ledger.FeePayment, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM fee_payments WHERE `+where, args...)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

func (q *queries) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (*ledger.FeePayment, error) {
	return q.getPayment(ctx, `school_id = ? AND id = ?`, school, id)
}

func (q *queries) FindPaymentByReference(ctx context.Context, school ledger.SchoolID, reference string) (*ledger.FeePayment, error) {
	if reference == "" {
		return nil, nil
	}
	return q.getPayment(ctx, `school_id = ? AND reference = ?`, school, reference)
}

func (q *queries) ListPayments(ctx context.Context, school ledger.SchoolID, recordID ledger.RecordID) ([]ledger.FeePayment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM fee_payments
		WHERE school_id = ? AND record_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, school, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.FeePayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (q *queries) InsertPayment(ctx context.Context, p ledger.FeePayment) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO fee_payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.SchoolID, p.RecordID, p.StudentID, p.Period.SessionID, p.Period.TermID,
		p.Amount.String(), string(p.Kind), p.Method,
		nullString(p.Reference), nullString(p.Notes), nullString(p.RecordedBy),
		formatTime(p.PaymentDate), nullString(p.EditedBy), formatTimePtr(p.EditedAt), formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueKeyError(err) {
			return ledger.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (q *queries) UpdatePayment(ctx context.Context, p ledger.FeePayment) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE fee_payments SET amount = ?, method = ?, reference = ?, notes = ?, edited_by = ?, edited_at = ?
		WHERE id = ? AND school_id = ?
	`,
		p.Amount.String(), p.Method, nullString(p.Reference), nullString(p.Notes),
		nullString(p.EditedBy), formatTimePtr(p.EditedAt), p.ID, p.SchoolID,
	)
	if err != nil {
		if isUniqueKeyError(err) {
			return ledger.ErrDuplicateReference
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPaymentNotFound
	}
	return nil
}

// ----- Outbox -----

func (q *queries) AppendEvent(ctx context.Context, evt ledger.Event) error {
	status := evt.Status
	if status == "" {
		status = ledger.EventPending
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, school_id, kind, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.SchoolID, string(evt.Kind), string(evt.Payload), string(status), evt.Attempts, formatTime(evt.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueKeyError reports a UNIQUE key violation. Primary key collisions
// carry their own extended code and are not matched. fee_records and
// fee_payments each have exactly one unique key besides the primary key,
// so the table written identifies which key failed.
func isUniqueKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
