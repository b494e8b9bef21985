/*
balance.go - Balance Resolver

PURPOSE:
  Answers "what does this student still owe from every other period?"
  The result becomes the opening balance of the target period's record.

KEY INSIGHT:
  A record's balance already contains the opening balance it carried in.
  Summing raw balances would count an arrear once per period that carried
  it. Each other record therefore contributes only its own outstanding
  amount (balance - openingBalance = expected - paid).

EXAMPLE:
  Term 1: expected 10,000, paid 5,000      -> contributes 5,000
  Term 2: opening 5,000, expected 10,000,
          paid 10,000, balance 5,000       -> contributes 0
  Resolve for Term 3                        -> 5,000 (not 10,000)

PROPERTIES:
  - Pure read: never writes
  - Point-in-time: recomputed from all records on every call
  - The target period itself is always excluded
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PreviousOutstanding returns the carried-forward balance for the target
// period.
func (e *Engine) PreviousOutstanding(ctx context.Context, school SchoolID, student StudentID, target Period) (decimal.Decimal, error) {
	if err := validateScope(school, student, target); err != nil {
		return decimal.Zero, err
	}
	return previousOutstanding(ctx, e.store, school, student, target)
}

func previousOutstanding(ctx context.Context, st Store, school SchoolID, student StudentID, target Period) (decimal.Decimal, error) {
	records, err := st.ListStudentRecords(ctx, school, student)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, r := range records {
		if r.Period.Same(target) {
			continue
		}
		total = total.Add(r.Outstanding())
	}
	return total, nil
}

// expectedAmount is the fee a student owes for a period before any payment:
// zero for scholarship students, the class fee structure otherwise, and zero
// when no structure has been configured yet. A fee-paying student without a
// class cannot be priced and is a validation error.
func expectedAmount(ctx context.Context, st Store, school SchoolID, student Student, period Period) (decimal.Decimal, error) {
	if student.IsScholarship {
		return decimal.Zero, nil
	}
	if student.ClassID == "" {
		return decimal.Zero, &ValidationError{
			Field:   "classId",
			Message: fmt.Sprintf("student %s has no class", student.ID),
		}
	}
	fs, err := st.GetFeeStructure(ctx, school, student.ClassID, period)
	if err != nil {
		return decimal.Zero, err
	}
	if fs == nil {
		return decimal.Zero, nil
	}
	return fs.Amount, nil
}
