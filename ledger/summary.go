/*
summary.go - Summary Aggregator and cohort read models

PURPOSE:
  Read-side composition for API consumers. Nothing in this file writes.

SUMMARY:
  With a stored record: its fields are used as they are.
  Without one: a virtual view is built from the resolver and the fee
  structure with paid = 0. The virtual record is never persisted; only
  the synchronizer and the clearance gate create records.

NUMERIC SAFETY:
  All amounts are decimal.Decimal; stores parse with ParseAmount, so a
  malformed stored value surfaces as 0, never as NaN.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Summary struct {
	StudentID StudentID
	Period    Period

	OpeningBalance      decimal.Decimal
	PreviousOutstanding decimal.Decimal
	CurrentTermFee      decimal.Decimal
	TotalExpected       decimal.Decimal
	TotalPaid           decimal.Decimal
	CurrentBalance      decimal.Decimal
	IsClearedForExam    bool

	// HasRecord is false when the summary was built from a virtual record.
	HasRecord bool
	Record    FeeRecord
	Payments  []FeePayment
}

// GetRecord returns the stored record, or nil when the student has none for
// the period. An unknown student is ErrStudentNotFound.
func (e *Engine) GetRecord(ctx context.Context, school SchoolID, student StudentID, period Period) (*FeeRecord, error) {
	if err := validateScope(school, student, period); err != nil {
		return nil, err
	}
	rec, err := e.store.GetRecord(ctx, school, student, period)
	if err != nil || rec != nil {
		return rec, err
	}
	if _, err := loadStudent(ctx, e.store, school, student); err != nil {
		return nil, err
	}
	return nil, nil
}

// Summary composes the student's full fee position for the period.
func (e *Engine) Summary(ctx context.Context, school SchoolID, student StudentID, period Period) (Summary, error) {
	if err := validateScope(school, student, period); err != nil {
		return Summary{}, err
	}

	s, err := loadStudent(ctx, e.store, school, student)
	if err != nil {
		return Summary{}, err
	}

	previous, err := previousOutstanding(ctx, e.store, school, student, period)
	if err != nil {
		return Summary{}, err
	}

	rec, stored, err := e.recordView(ctx, school, *s, period, previous)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{
		StudentID:           student,
		Period:              period,
		OpeningBalance:      rec.OpeningBalance,
		PreviousOutstanding: previous,
		CurrentTermFee:      rec.ExpectedAmount,
		TotalExpected:       rec.OpeningBalance.Add(rec.ExpectedAmount),
		TotalPaid:           rec.PaidAmount,
		CurrentBalance:      rec.Balance,
		IsClearedForExam:    rec.IsClearedForExam,
		HasRecord:           stored,
		Record:              rec,
		Payments:            []FeePayment{},
	}

	if stored {
		payments, err := e.store.ListPayments(ctx, school, rec.ID)
		if err != nil {
			return Summary{}, err
		}
		if payments != nil {
			out.Payments = payments
		}
	}
	return out, nil
}

// recordView returns the stored record, or a virtual one built from the
// given carried-forward amount and the fee structure.
func (e *Engine) recordView(ctx context.Context, school SchoolID, student Student, period Period, previous decimal.Decimal) (FeeRecord, bool, error) {
	rec, err := e.store.GetRecord(ctx, school, student.ID, period)
	if err != nil {
		return FeeRecord{}, false, err
	}
	if rec != nil {
		return *rec, true, nil
	}

	expected, err := expectedAmount(ctx, e.store, school, student, period)
	if err != nil {
		return FeeRecord{}, false, err
	}
	virtual := FeeRecord{
		SchoolID:          school,
		StudentID:         student.ID,
		Period:            period,
		OpeningBalance:    previous,
		ExpectedAmount:    expected,
		PaidAmount:        decimal.Zero,
		ClearanceOverride: OverrideNone,
	}
	virtual.Recompute()
	return virtual, false, nil
}

// =============================================================================
// COHORT VIEWS
// =============================================================================

// StudentFeeStatus pairs a student with their real or virtual record.
// Problem is set when no virtual record can be built for the student (for
// example a fee-paying student without a class); Record then holds zero
// amounts and is never cleared.
type StudentFeeStatus struct {
	Student   Student
	Record    FeeRecord
	HasRecord bool
	Problem   string
}

// ListCohort returns every active student (optionally one class) with the
// record for the period.
func (e *Engine) ListCohort(ctx context.Context, school SchoolID, period Period, classID ClassID) ([]StudentFeeStatus, error) {
	if err := requireSchool(school); err != nil {
		return nil, err
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}

	students, err := e.store.ListActiveStudents(ctx, school, classID)
	if err != nil {
		return nil, fmt.Errorf("list active students: %w", err)
	}
	records, err := e.store.ListPeriodRecords(ctx, school, period)
	if err != nil {
		return nil, fmt.Errorf("list period records: %w", err)
	}

	byStudent := make(map[StudentID]FeeRecord, len(records))
	for _, r := range records {
		byStudent[r.StudentID] = r
	}

	out := make([]StudentFeeStatus, 0, len(students))
	for _, s := range students {
		if rec, ok := byStudent[s.ID]; ok {
			out = append(out, StudentFeeStatus{Student: s, Record: rec, HasRecord: true})
			continue
		}
		previous, err := previousOutstanding(ctx, e.store, school, s.ID, period)
		if err != nil {
			return nil, err
		}
		rec, _, err := e.recordView(ctx, school, s, period, previous)
		if errors.Is(err, ErrValidation) {
			out = append(out, StudentFeeStatus{Student: s, Record: unresolvedRecord(school, s.ID, period), Problem: err.Error()})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, StudentFeeStatus{Student: s, Record: rec})
	}
	return out, nil
}

func unresolvedRecord(school SchoolID, student StudentID, period Period) FeeRecord {
	return FeeRecord{
		SchoolID:          school,
		StudentID:         student,
		Period:            period,
		OpeningBalance:    decimal.Zero,
		ExpectedAmount:    decimal.Zero,
		PaidAmount:        decimal.Zero,
		Balance:           decimal.Zero,
		ClearanceOverride: OverrideNone,
	}
}

// CohortStats aggregates the cohort for dashboards.
type CohortStats struct {
	Period           Period
	StudentCount     int
	RecordCount      int
	TotalExpected    decimal.Decimal // opening + expected
	TotalPaid        decimal.Decimal
	TotalBalance     decimal.Decimal
	ClearedCount     int
	NotClearedCount  int
	FullyPaidCount   int
	PartialCount     int
	UnpaidCount      int
	ScholarshipCount int
	UnresolvedCount  int // students whose fee cannot be computed
}

// CohortStats summarizes every active student of the school for the period.
func (e *Engine) CohortStats(ctx context.Context, school SchoolID, period Period) (CohortStats, error) {
	cohort, err := e.ListCohort(ctx, school, period, "")
	if err != nil {
		return CohortStats{}, err
	}

	stats := CohortStats{
		Period:        period,
		TotalExpected: decimal.Zero,
		TotalPaid:     decimal.Zero,
		TotalBalance:  decimal.Zero,
	}
	for _, c := range cohort {
		r := c.Record
		stats.StudentCount++
		if c.HasRecord {
			stats.RecordCount++
		}
		stats.TotalExpected = stats.TotalExpected.Add(r.OpeningBalance.Add(r.ExpectedAmount))
		stats.TotalPaid = stats.TotalPaid.Add(r.PaidAmount)
		stats.TotalBalance = stats.TotalBalance.Add(r.Balance)

		if r.IsClearedForExam {
			stats.ClearedCount++
		} else {
			stats.NotClearedCount++
		}
		if c.Student.IsScholarship {
			stats.ScholarshipCount++
		}
		if c.Problem != "" {
			stats.UnresolvedCount++
			continue
		}

		switch {
		case !r.Balance.IsPositive():
			stats.FullyPaidCount++
		case r.PaidAmount.IsPositive():
			stats.PartialCount++
		default:
			stats.UnpaidCount++
		}
	}
	return stats, nil
}
