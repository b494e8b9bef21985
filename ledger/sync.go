/*
sync.go - Record Synchronizer

PURPOSE:
  Guarantees one FeeRecord per (school, student, term, session) with an
  opening balance and expected amount that reflect the current state of
  other periods and the fee structure table.

ALGORITHM (per student):
  1. expected = 0 for scholarship, else class fee structure (0 if none)
  2. opening  = PreviousOutstanding (balance.go)
  3. missing record  -> insert with paid 0
     existing record -> refresh opening (and expected unless pinned),
                        keep paid, recompute balance
  4. eligibleByBalance = expected == 0 || balance <= 0
     isClearedForExam  = EffectiveClearance(eligible, override)

IDEMPOTENCE:
  When nothing changed, nothing is written: the stored record (same
  version, same timestamps) is returned as is.

MANUAL OVERRIDES:
  Sync never touches ClearanceOverride. A revoked student stays revoked
  after any number of syncs; the derived eligibility still refreshes.

COHORTS:
  SyncCohort walks active students one at a time. Each student is its own
  transaction; a failure is recorded in the report and the loop continues.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type SyncOutcome string

const (
	SyncCreated   SyncOutcome = "created"
	SyncUpdated   SyncOutcome = "updated"
	SyncUnchanged SyncOutcome = "unchanged"
)

type SyncResult struct {
	Record  FeeRecord
	Outcome SyncOutcome
}

type SyncFailure struct {
	StudentID StudentID
	Error     string
}

// CohortSyncReport counts what a bulk sync did. Skipped counts students
// whose record was already up to date.
type CohortSyncReport struct {
	Created  int
	Updated  int
	Skipped  int
	Failed   int
	Failures []SyncFailure
}

// SyncRecord creates or refreshes the student's record for the period.
func (e *Engine) SyncRecord(ctx context.Context, school SchoolID, student StudentID, period Period) (FeeRecord, error) {
	res, err := e.syncRecord(ctx, school, student, period)
	return res.Record, err
}

func (e *Engine) syncRecord(ctx context.Context, school SchoolID, student StudentID, period Period) (SyncResult, error) {
	if err := validateScope(school, student, period); err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	err := e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(st Store) error {
			var err error
			res, err = e.syncInTx(ctx, st, school, student, period)
			return err
		})
	})
	return res, err
}

// SyncCohort syncs every active student of the school (optionally one class).
func (e *Engine) SyncCohort(ctx context.Context, school SchoolID, period Period, classID ClassID) (CohortSyncReport, error) {
	var report CohortSyncReport
	if err := requireSchool(school); err != nil {
		return report, err
	}
	if err := period.Validate(); err != nil {
		return report, err
	}

	students, err := e.store.ListActiveStudents(ctx, school, classID)
	if err != nil {
		return report, fmt.Errorf("list active students: %w", err)
	}

	for _, s := range students {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := e.syncRecord(ctx, school, s.ID, period)
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, SyncFailure{StudentID: s.ID, Error: err.Error()})
			continue
		}

		switch res.Outcome {
		case SyncCreated:
			report.Created++
		case SyncUpdated:
			report.Updated++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// syncInTx is the shared create-or-refresh step. It must run inside WithTx.
func (e *Engine) syncInTx(ctx context.Context, st Store, school SchoolID, studentID StudentID, period Period) (SyncResult, error) {
	student, err := loadStudent(ctx, st, school, studentID)
	if err != nil {
		return SyncResult{}, err
	}

	opening, expected, err := recordInputs(ctx, st, school, *student, period)
	if err != nil {
		return SyncResult{}, err
	}

	existing, err := st.GetRecord(ctx, school, studentID, period)
	if err != nil {
		return SyncResult{}, err
	}

	if existing == nil {
		rec := e.newRecord(school, studentID, period, opening, expected)
		if err := insertRecord(ctx, st, rec); err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Record: rec, Outcome: SyncCreated}, nil
	}

	next := *existing
	next.OpeningBalance = opening
	if !next.ExpectedManual {
		next.ExpectedAmount = expected
	}
	next.Recompute()

	if next.sameState(*existing) {
		return SyncResult{Record: *existing, Outcome: SyncUnchanged}, nil
	}

	next, err = e.saveRecord(ctx, st, next, existing.Version)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Record: next, Outcome: SyncUpdated}, nil
}

// ensureRecord returns the existing record or creates one with the same
// creation logic as syncInTx. Existing records are returned untouched.
func (e *Engine) ensureRecord(ctx context.Context, st Store, school SchoolID, studentID StudentID, period Period) (FeeRecord, *Student, error) {
	student, err := loadStudent(ctx, st, school, studentID)
	if err != nil {
		return FeeRecord{}, nil, err
	}

	existing, err := st.GetRecord(ctx, school, studentID, period)
	if err != nil {
		return FeeRecord{}, nil, err
	}
	if existing != nil {
		locked, err := st.LockRecord(ctx, school, existing.ID)
		if err != nil {
			return FeeRecord{}, nil, err
		}
		if locked == nil {
			return FeeRecord{}, nil, ErrConcurrentModification
		}
		return *locked, student, nil
	}

	opening, expected, err := recordInputs(ctx, st, school, *student, period)
	if err != nil {
		return FeeRecord{}, nil, err
	}
	rec := e.newRecord(school, studentID, period, opening, expected)
	if err := insertRecord(ctx, st, rec); err != nil {
		return FeeRecord{}, nil, err
	}
	return rec, student, nil
}

// =============================================================================
// UPSERT - Accountant sets expected and/or paid directly
// =============================================================================

type UpsertInput struct {
	StudentID StudentID
	Period    Period

	// ExpectedAmount, when set, pins the record's expected amount.
	ExpectedAmount *decimal.Decimal

	// PaidAmount, when set, becomes the record's paid total. The difference
	// is written as an adjustment payment so payments still sum to it.
	PaidAmount *decimal.Decimal

	Actor string
}

// UpsertRecord syncs the record, then applies the supplied overrides.
func (e *Engine) UpsertRecord(ctx context.Context, school SchoolID, in UpsertInput) (FeeRecord, error) {
	if err := validateScope(school, in.StudentID, in.Period); err != nil {
		return FeeRecord{}, err
	}
	if in.ExpectedAmount != nil && in.ExpectedAmount.IsNegative() {
		return FeeRecord{}, &ValidationError{Field: "expectedAmount", Message: "expectedAmount cannot be negative"}
	}
	if in.PaidAmount != nil && in.PaidAmount.IsNegative() {
		return FeeRecord{}, &ValidationError{Field: "paidAmount", Message: "paidAmount cannot be negative"}
	}
	if in.ExpectedAmount != nil {
		if err := checkScale("expectedAmount", *in.ExpectedAmount); err != nil {
			return FeeRecord{}, err
		}
	}
	if in.PaidAmount != nil {
		if err := checkScale("paidAmount", *in.PaidAmount); err != nil {
			return FeeRecord{}, err
		}
	}

	var out FeeRecord
	err := e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(st Store) error {
			res, err := e.syncInTx(ctx, st, school, in.StudentID, in.Period)
			if err != nil {
				return err
			}

			locked, err := st.LockRecord(ctx, school, res.Record.ID)
			if err != nil {
				return err
			}
			if locked == nil {
				return ErrConcurrentModification
			}

			next := *locked
			if in.ExpectedAmount != nil {
				next.ExpectedAmount = *in.ExpectedAmount
				next.ExpectedManual = true
			}

			if in.PaidAmount != nil {
				delta := in.PaidAmount.Sub(next.PaidAmount)
				if !delta.IsZero() {
					now := e.now()
					adj := FeePayment{
						ID:          PaymentID(e.newID()),
						SchoolID:    school,
						RecordID:    next.ID,
						StudentID:   next.StudentID,
						Period:      next.Period,
						Amount:      delta,
						Kind:        PaymentKindAdjustment,
						Method:      string(PaymentKindAdjustment),
						Notes:       "paid amount set manually",
						RecordedBy:  in.Actor,
						PaymentDate: now,
						CreatedAt:   now,
					}
					if err := st.InsertPayment(ctx, adj); err != nil {
						return err
					}
					next.PaidAmount = *in.PaidAmount
				}
			}

			next.Recompute()
			if next.sameState(*locked) {
				out = *locked
				return nil
			}
			out, err = e.saveRecord(ctx, st, next, locked.Version)
			return err
		})
	})
	return out, err
}

// =============================================================================
// HELPERS
// =============================================================================

func loadStudent(ctx context.Context, st Store, school SchoolID, id StudentID) (*Student, error) {
	student, err := st.GetStudent(ctx, school, id)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, fmt.Errorf("student %s: %w", id, ErrStudentNotFound)
	}
	return student, nil
}

func recordInputs(ctx context.Context, st Store, school SchoolID, student Student, period Period) (opening, expected decimal.Decimal, err error) {
	expected, err = expectedAmount(ctx, st, school, student, period)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	opening, err = previousOutstanding(ctx, st, school, student.ID, period)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return opening, expected, nil
}

func (e *Engine) newRecord(school SchoolID, student StudentID, period Period, opening, expected decimal.Decimal) FeeRecord {
	now := e.now()
	rec := FeeRecord{
		ID:                RecordID(e.newID()),
		SchoolID:          school,
		StudentID:         student,
		Period:            period,
		OpeningBalance:    opening,
		ExpectedAmount:    expected,
		PaidAmount:        decimal.Zero,
		ClearanceOverride: OverrideNone,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	rec.Recompute()
	return rec
}

// insertRecord turns a lost insert race into a retryable conflict: the
// retry will find the row the other writer created.
func insertRecord(ctx context.Context, st Store, rec FeeRecord) error {
	err := st.InsertRecord(ctx, rec)
	if errors.Is(err, ErrDuplicateRecord) {
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	}
	return err
}

// saveRecord bumps version and timestamp and writes the record.
func (e *Engine) saveRecord(ctx context.Context, st Store, rec FeeRecord, expectedVersion int64) (FeeRecord, error) {
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = e.now()
	if err := st.UpdateRecord(ctx, rec, expectedVersion); err != nil {
		return FeeRecord{}, err
	}
	return rec, nil
}
