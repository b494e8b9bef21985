/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract. Field names are
  camelCase to match the school platform's frontend.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings with two places in responses ("47000.50").
  Requests accept either a JSON number or a string.

VALIDATION:
  Request structs carry go-playground/validator tags. Amount positivity and
  the two-decimal scale are checked by the ledger, which owns those rules.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// PeriodRequest names an academic period. Both fields empty means the
// school's current period.
type PeriodRequest struct {
	TermID            string `json:"termId" validate:"required_with=AcademicSessionID,max=64"`
	AcademicSessionID string `json:"academicSessionId" validate:"required_with=TermID,max=64"`
}

type RecordPaymentRequest struct {
	StudentID string `json:"studentId" validate:"required,max=64"`
	PeriodRequest
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"paymentMethod" validate:"omitempty,max=32"`
	Reference   string          `json:"reference" validate:"omitempty,max=128"`
	Notes       string          `json:"notes" validate:"omitempty,max=500"`
	PaymentDate *time.Time      `json:"paymentDate"`
}

type EditPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"paymentMethod" validate:"omitempty,max=32"`
	Reference string          `json:"reference" validate:"omitempty,max=128"`
	Notes     string          `json:"notes" validate:"omitempty,max=500"`
}

// UpsertRecordRequest sets the expected and/or paid amount directly.
type UpsertRecordRequest struct {
	StudentID string `json:"studentId" validate:"required,max=64"`
	PeriodRequest
	ExpectedAmount *decimal.Decimal `json:"expectedAmount"`
	PaidAmount     *decimal.Decimal `json:"paidAmount"`
}

// CohortRequest drives bulk sync and reminders.
type CohortRequest struct {
	PeriodRequest
	ClassID string `json:"classId" validate:"omitempty,max=64"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type FeeRecordDTO struct {
	ID                string  `json:"id,omitempty"`
	StudentID         string  `json:"studentId"`
	TermID            string  `json:"termId"`
	AcademicSessionID string  `json:"academicSessionId"`
	OpeningBalance    string  `json:"openingBalance"`
	ExpectedAmount    string  `json:"expectedAmount"`
	PaidAmount        string  `json:"paidAmount"`
	Balance           string  `json:"balance"`
	ExpectedManual    bool    `json:"expectedManual"`
	EligibleByBalance bool    `json:"eligibleByBalance"`
	ClearanceOverride string  `json:"clearanceOverride"`
	IsClearedForExam  bool    `json:"isClearedForExam"`
	ClearedBy         string  `json:"clearedBy,omitempty"`
	ClearedAt         *string `json:"clearedAt,omitempty"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"createdAt,omitempty"`
	UpdatedAt         string  `json:"updatedAt,omitempty"`
}

type PaymentDTO struct {
	ID                string  `json:"id"`
	FeeRecordID       string  `json:"feeRecordId"`
	StudentID         string  `json:"studentId"`
	TermID            string  `json:"termId"`
	AcademicSessionID string  `json:"academicSessionId"`
	Amount            string  `json:"amount"`
	Kind              string  `json:"kind"`
	Method            string  `json:"paymentMethod"`
	Reference         string  `json:"reference,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	RecordedBy        string  `json:"recordedBy"`
	PaymentDate       string  `json:"paymentDate"`
	EditedBy          string  `json:"editedBy,omitempty"`
	EditedAt          *string `json:"editedAt,omitempty"`
}

type PaymentResultDTO struct {
	FeeRecord FeeRecordDTO `json:"feeRecord"`
	Payment   PaymentDTO   `json:"payment"`
}

type SummaryDTO struct {
	StudentID           string       `json:"studentId"`
	TermID              string       `json:"termId"`
	AcademicSessionID   string       `json:"academicSessionId"`
	OpeningBalance      string       `json:"openingBalance"`
	PreviousOutstanding string       `json:"previousOutstanding"`
	CurrentTermFee      string       `json:"currentTermFee"`
	TotalExpected       string       `json:"totalExpected"`
	TotalPaid           string       `json:"totalPaid"`
	CurrentBalance      string       `json:"currentBalance"`
	IsClearedForExam    bool         `json:"isClearedForExam"`
	HasRecord           bool         `json:"hasRecord"`
	Payments            []PaymentDTO `json:"payments"`
}

type StudentFeeStatusDTO struct {
	StudentID     string       `json:"studentId"`
	Name          string       `json:"name"`
	ClassID       string       `json:"classId"`
	IsScholarship bool         `json:"isScholarship"`
	HasRecord     bool         `json:"hasRecord"`
	Record        FeeRecordDTO `json:"feeRecord"`
	Problem       string       `json:"problem,omitempty"`
}

// StudentRecordDTO is the stored record of one student. FeeRecord is null
// until the record has been synced.
type StudentRecordDTO struct {
	FeeRecord *FeeRecordDTO `json:"feeRecord"`
	Payments  []PaymentDTO  `json:"payments"`
}

type CohortStatsDTO struct {
	TermID            string `json:"termId"`
	AcademicSessionID string `json:"academicSessionId"`
	StudentCount      int    `json:"studentCount"`
	RecordCount       int    `json:"recordCount"`
	TotalExpected     string `json:"totalExpected"`
	TotalPaid         string `json:"totalPaid"`
	TotalBalance      string `json:"totalBalance"`
	ClearedCount      int    `json:"clearedCount"`
	NotClearedCount   int    `json:"notClearedCount"`
	FullyPaidCount    int    `json:"fullyPaidCount"`
	PartialCount      int    `json:"partialCount"`
	UnpaidCount       int    `json:"unpaidCount"`
	ScholarshipCount  int    `json:"scholarshipCount"`
	UnresolvedCount   int    `json:"unresolvedCount"`
}

type FailureDTO struct {
	StudentID string `json:"studentId"`
	Error     string `json:"error"`
}

type SyncReportDTO struct {
	CreatedCount int          `json:"createdCount"`
	UpdatedCount int          `json:"updatedCount"`
	SkippedCount int          `json:"skippedCount"`
	FailedCount  int          `json:"failedCount"`
	Failures     []FailureDTO `json:"failures"`
}

type ReminderReportDTO struct {
	Queued   int          `json:"queued"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Failures []FailureDTO `json:"failures"`
}

type PeriodDTO struct {
	TermID            string `json:"termId"`
	AcademicSessionID string `json:"academicSessionId"`
	TermName          string `json:"termName,omitempty"`
	SessionName       string `json:"sessionName,omitempty"`
	IsCurrent         bool   `json:"isCurrent"`
}

type AuditEntryDTO struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Details  map[string]any `json:"details,omitempty"`
	At       string         `json:"at"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timePtrString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toFeeRecordDTO(r ledger.FeeRecord) FeeRecordDTO {
	return FeeRecordDTO{
		ID:                string(r.ID),
		StudentID:         string(r.StudentID),
		TermID:            string(r.Period.TermID),
		AcademicSessionID: string(r.Period.SessionID),
		OpeningBalance:    money(r.OpeningBalance),
		ExpectedAmount:    money(r.ExpectedAmount),
		PaidAmount:        money(r.PaidAmount),
		Balance:           money(r.Balance),
		ExpectedManual:    r.ExpectedManual,
		EligibleByBalance: r.EligibleByBalance,
		ClearanceOverride: string(r.ClearanceOverride),
		IsClearedForExam:  r.IsClearedForExam,
		ClearedBy:         r.ClearedBy,
		ClearedAt:         timePtrString(r.ClearedAt),
		Version:           r.Version,
		CreatedAt:         timeString(r.CreatedAt),
		UpdatedAt:         timeString(r.UpdatedAt),
	}
}

func toPaymentDTO(p ledger.FeePayment) PaymentDTO {
	return PaymentDTO{
		ID:                string(p.ID),
		FeeRecordID:       string(p.RecordID),
		StudentID:         string(p.StudentID),
		TermID:            string(p.Period.TermID),
		AcademicSessionID: string(p.Period.SessionID),
		Amount:            money(p.Amount),
		Kind:              string(p.Kind),
		Method:            p.Method,
		Reference:         p.Reference,
		Notes:             p.Notes,
		RecordedBy:        p.RecordedBy,
		PaymentDate:       timeString(p.PaymentDate),
		EditedBy:          p.EditedBy,
		EditedAt:          timePtrString(p.EditedAt),
	}
}

func toPaymentDTOs(ps []ledger.FeePayment) []PaymentDTO {
	out := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		out[i] = toPaymentDTO(p)
	}
	return out
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	return SummaryDTO{
		StudentID:           string(s.StudentID),
		TermID:              string(s.Period.TermID),
		AcademicSessionID:   string(s.Period.SessionID),
		OpeningBalance:      money(s.OpeningBalance),
		PreviousOutstanding: money(s.PreviousOutstanding),
		CurrentTermFee:      money(s.CurrentTermFee),
		TotalExpected:       money(s.TotalExpected),
		TotalPaid:           money(s.TotalPaid),
		CurrentBalance:      money(s.CurrentBalance),
		IsClearedForExam:    s.IsClearedForExam,
		HasRecord:           s.HasRecord,
		Payments:            toPaymentDTOs(s.Payments),
	}
}

func toCohortStatsDTO(s ledger.CohortStats) CohortStatsDTO {
	return CohortStatsDTO{
		TermID:            string(s.Period.TermID),
		AcademicSessionID: string(s.Period.SessionID),
		StudentCount:      s.StudentCount,
		RecordCount:       s.RecordCount,
		TotalExpected:     money(s.TotalExpected),
		TotalPaid:         money(s.TotalPaid),
		TotalBalance:      money(s.TotalBalance),
		ClearedCount:      s.ClearedCount,
		NotClearedCount:   s.NotClearedCount,
		FullyPaidCount:    s.FullyPaidCount,
		PartialCount:      s.PartialCount,
		UnpaidCount:       s.UnpaidCount,
		ScholarshipCount:  s.ScholarshipCount,
		UnresolvedCount:   s.UnresolvedCount,
	}
}

func toFailureDTOs(fs []ledger.SyncFailure) []FailureDTO {
	out := make([]FailureDTO, len(fs))
	for i, f := range fs {
		out[i] = FailureDTO{StudentID: string(f.StudentID), Error: f.Error}
	}
	return out
}
