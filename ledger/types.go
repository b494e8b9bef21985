/*
Package ledger provides the fee ledger and clearance engine.

PURPOSE:
  Tracks what each student owes per academic period (session + term),
  carries unpaid balances forward, applies payments transactionally and
  derives exam clearance from the resulting balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - SchoolID: The tenant. Every store call and engine call takes one.
  - Period: An (academic session, term) pair.
  - FeeRecord: One ledger row per (school, student, period).
  - FeePayment: One discrete payment event against a FeeRecord.

INVARIANT:
  balance == openingBalance + expectedAmount - paidAmount
  paidAmount == sum of the record's FeePayment amounts

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Tenancy: SchoolID is an explicit parameter, never ambient state
  3. Two-field clearance: derived eligibility + manual override
  4. Outbox: Side effects are facts written with the ledger mutation

SEE ALSO:
  - balance.go: Balance Resolver
  - sync.go: Record Synchronizer
  - payment.go: Payment Recorder
  - clearance.go: Clearance Gate
  - summary.go: Summary Aggregator
*/
package ledger

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SchoolID string
type StudentID string
type ClassID string
type SessionID string
type TermID string
type RecordID string
type PaymentID string
type EventID string

// =============================================================================
// AMOUNTS - NaN-safe parsing
// =============================================================================

// ParseAmount parses a stored numeric value. Anything unparseable is zero.
func ParseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// AmountFromFloat converts a float, mapping NaN and infinities to zero.
func AmountFromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

// =============================================================================
// PERIOD - Academic session + term
// =============================================================================

type Period struct {
	SessionID SessionID
	TermID    TermID
}

func NewPeriod(session, term string) Period {
	return Period{SessionID: SessionID(session), TermID: TermID(term)}
}

// Validate reports a missing session or term as a validation error.
func (p Period) Validate() error {
	if p.TermID == "" {
		return &ValidationError{Field: "termId", Message: "termId is required"}
	}
	if p.SessionID == "" {
		return &ValidationError{Field: "academicSessionId", Message: "academicSessionId is required"}
	}
	return nil
}

// Same reports whether both periods name the same session and term.
func (p Period) Same(o Period) bool {
	return p.SessionID == o.SessionID && p.TermID == o.TermID
}

func (p Period) String() string {
	return string(p.SessionID) + "/" + string(p.TermID)
}

// AcademicPeriod is what the period registry knows about a Period.
type AcademicPeriod struct {
	SchoolID    SchoolID
	Period      Period
	SessionName string
	TermName    string
	IsCurrent   bool
}

// =============================================================================
// STUDENTS AND FEE STRUCTURES (read-only inputs)
// =============================================================================

type StudentStatus string

const (
	StudentActive    StudentStatus = "active"
	StudentGraduated StudentStatus = "graduated"
	StudentWithdrawn StudentStatus = "withdrawn"
)

type Student struct {
	ID            StudentID
	SchoolID      SchoolID
	ClassID       ClassID
	Name          string
	GuardianEmail string
	GuardianPhone string
	IsScholarship bool
	Status        StudentStatus
}

// ClassFeeStructure is the amount a class owes for one period.
type ClassFeeStructure struct {
	SchoolID SchoolID
	ClassID  ClassID
	Period   Period
	Amount   decimal.Decimal
}

// =============================================================================
// FEE RECORD - The ledger row
// =============================================================================

// ClearanceOverride is the manual layer of the clearance gate.
// Sync never writes it.
type ClearanceOverride string

const (
	OverrideNone  ClearanceOverride = "none"
	OverrideAllow ClearanceOverride = "allow"
	OverrideDeny  ClearanceOverride = "deny"
)

// ParseOverride maps unknown stored values to OverrideNone.
func ParseOverride(s string) ClearanceOverride {
	switch ClearanceOverride(s) {
	case OverrideAllow:
		return OverrideAllow
	case OverrideDeny:
		return OverrideDeny
	default:
		return OverrideNone
	}
}

// EffectiveClearance combines the derived eligibility with the override.
func EffectiveClearance(eligible bool, override ClearanceOverride) bool {
	switch override {
	case OverrideAllow:
		return true
	case OverrideDeny:
		return false
	default:
		return eligible
	}
}

// EligibleByBalance is the balance-derived default: scholarship (nothing
// expected) or fully paid.
func EligibleByBalance(expected, balance decimal.Decimal) bool {
	return expected.IsZero() || !balance.IsPositive()
}

type FeeRecord struct {
	ID        RecordID
	SchoolID  SchoolID
	StudentID StudentID
	Period    Period

	OpeningBalance decimal.Decimal // carried from other periods
	ExpectedAmount decimal.Decimal // this period's fee, 0 for scholarship
	PaidAmount     decimal.Decimal // cumulative payments
	Balance        decimal.Decimal // derived

	// ExpectedManual pins ExpectedAmount against fee-structure refreshes.
	ExpectedManual bool

	EligibleByBalance bool
	ClearanceOverride ClearanceOverride
	IsClearedForExam  bool
	ClearedBy         string
	ClearedAt         *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recompute restores the derived fields from the stored inputs.
func (r *FeeRecord) Recompute() {
	r.Balance = r.OpeningBalance.Add(r.ExpectedAmount).Sub(r.PaidAmount)
	r.EligibleByBalance = EligibleByBalance(r.ExpectedAmount, r.Balance)
	if r.ClearanceOverride == "" {
		r.ClearanceOverride = OverrideNone
	}
	r.IsClearedForExam = EffectiveClearance(r.EligibleByBalance, r.ClearanceOverride)
}

// Outstanding is what this record's own period still owes, excluding
// anything it carried in from other periods.
func (r FeeRecord) Outstanding() decimal.Decimal {
	return r.Balance.Sub(r.OpeningBalance)
}

// sameState compares everything except version and timestamps.
func (r FeeRecord) sameState(o FeeRecord) bool {
	return r.OpeningBalance.Equal(o.OpeningBalance) &&
		r.ExpectedAmount.Equal(o.ExpectedAmount) &&
		r.PaidAmount.Equal(o.PaidAmount) &&
		r.Balance.Equal(o.Balance) &&
		r.ExpectedManual == o.ExpectedManual &&
		r.EligibleByBalance == o.EligibleByBalance &&
		r.ClearanceOverride == o.ClearanceOverride &&
		r.IsClearedForExam == o.IsClearedForExam &&
		r.ClearedBy == o.ClearedBy
}

// =============================================================================
// FEE PAYMENT - Append-only payment history
// =============================================================================

type PaymentKind string

const (
	PaymentKindPayment    PaymentKind = "payment"
	PaymentKindAdjustment PaymentKind = "adjustment" // paid amount set directly by an accountant
)

type FeePayment struct {
	ID          PaymentID
	SchoolID    SchoolID
	RecordID    RecordID
	StudentID   StudentID
	Period      Period
	Amount      decimal.Decimal
	Kind        PaymentKind
	Method      string
	Reference   string
	Notes       string
	RecordedBy  string
	PaymentDate time.Time

	EditedBy  string
	EditedAt  *time.Time
	CreatedAt time.Time
}

// DefaultPaymentMethod is used when a caller leaves the method empty.
const DefaultPaymentMethod = "cash"
