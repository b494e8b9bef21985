/*
store.go - Persistence interfaces for the fee ledger

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never reaches for a global handle: a Store (or TxStore) is injected, and
  every method takes the tenant explicitly.

KEY INTERFACES:
  Directory:   Read-only collaborators (students, fee structures, periods)
  Store:       Directory + fee records, payments and outbox events
  TxStore:     Store + WithTx for atomic multi-row writes
  OutboxStore: Relay-side access to pending events
  AuditStore:  Append-only audit entries

NOT-FOUND CONVENTION:
  Single-row getters return (nil, nil) when the row does not exist,
  the same convention the store implementations use for every lookup.

CONCURRENCY:
  LockRecord takes a row lock inside WithTx (SELECT ... FOR UPDATE on
  Postgres; SQLite and memory stores serialize whole transactions).
  UpdateRecord is additionally guarded by the record version: it fails with
  ErrConcurrentModification when the stored version is not expectedVersion.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import (
	"context"
	"time"
)

// Directory is the read-only view of the period registry, the student roster
// and the fee structure table.
type Directory interface {
	GetStudent(ctx context.Context, school SchoolID, id StudentID) (*Student, error)

	// ListActiveStudents returns active students, optionally filtered by class.
	ListActiveStudents(ctx context.Context, school SchoolID, classID ClassID) ([]Student, error)

	GetFeeStructure(ctx context.Context, school SchoolID, classID ClassID, period Period) (*ClassFeeStructure, error)

	GetAcademicPeriod(ctx context.Context, school SchoolID, period Period) (*AcademicPeriod, error)
	CurrentPeriod(ctx context.Context, school SchoolID) (*AcademicPeriod, error)
}

// Store handles persistence of fee records, payments and outbox events.
type Store interface {
	Directory

	GetRecord(ctx context.Context, school SchoolID, student StudentID, period Period) (*FeeRecord, error)
	GetRecordByID(ctx context.Context, school SchoolID, id RecordID) (*FeeRecord, error)

	// LockRecord reads a record and holds a row lock until the surrounding
	// transaction ends.
	LockRecord(ctx context.Context, school SchoolID, id RecordID) (*FeeRecord, error)

	ListStudentRecords(ctx context.Context, school SchoolID, student StudentID) ([]FeeRecord, error)
	ListPeriodRecords(ctx context.Context, school SchoolID, period Period) ([]FeeRecord, error)

	// InsertRecord fails with ErrDuplicateRecord if the key exists.
	InsertRecord(ctx context.Context, rec FeeRecord) error

	// UpdateRecord writes rec if the stored version equals expectedVersion.
	UpdateRecord(ctx context.Context, rec FeeRecord, expectedVersion int64) error

	GetPayment(ctx context.Context, school SchoolID, id PaymentID) (*FeePayment, error)
	ListPayments(ctx context.Context, school SchoolID, recordID RecordID) ([]FeePayment, error)
	FindPaymentByReference(ctx context.Context, school SchoolID, reference string) (*FeePayment, error)

	// InsertPayment fails with ErrDuplicateReference on a reused reference.
	InsertPayment(ctx context.Context, p FeePayment) error
	UpdatePayment(ctx context.Context, p FeePayment) error

	AppendEvent(ctx context.Context, evt Event) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// OutboxStore is used by the relay, outside any ledger transaction.
type OutboxStore interface {
	// PendingEvents returns undelivered events with fewer than maxAttempts
	// attempts, oldest first, across all schools.
	PendingEvents(ctx context.Context, limit, maxAttempts int) ([]Event, error)
	MarkEventDispatched(ctx context.Context, id EventID, at time.Time) error
	MarkEventFailed(ctx context.Context, id EventID, reason string) error
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

type AuditEntry struct {
	ID       string
	SchoolID SchoolID
	UserID   string
	Action   string
	Resource string
	Details  map[string]any
	At       time.Time
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, school SchoolID, limit int) ([]AuditEntry, error)
}
