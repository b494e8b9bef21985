/*
payment.go - Payment Recorder

PURPOSE:
  Applies money to an existing FeeRecord. The balance update, the payment
  history row and the outbox event commit together or not at all.

FLOW (RecordPayment):
  1. Validate amount (> 0), period, student
  2. Begin transaction
  3. Find the record (missing -> "create a fee record first")
  4. Lock the record row
  5. Reject a reference the school already recorded
  6. paid += amount, balance recomputed from opening + expected - paid
  7. Insert FeePayment, insert payment.recorded event
  8. Commit; a lost version race is retried from step 2

CORRECTIONS (EditPayment):
  delta = newAmount - oldAmount is applied to the parent record in the
  same transaction as the payment update. A delta that would make the
  paid total negative is rejected with ErrNegativePaidAmount.

SIDE EFFECTS:
  None here. Receipts go out when the outbox relay delivers the event.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentInput struct {
	StudentID StudentID
	Period    Period
	Amount    decimal.Decimal
	Method    string
	Reference string
	Notes     string
	Actor     string

	// PaymentDate defaults to now.
	PaymentDate time.Time
}

type PaymentResult struct {
	Record  FeeRecord
	Payment FeePayment
}

// RecordPayment applies a payment to the student's record for the period.
func (e *Engine) RecordPayment(ctx context.Context, school SchoolID, in PaymentInput) (PaymentResult, error) {
	if err := validateScope(school, in.StudentID, in.Period); err != nil {
		return PaymentResult{}, err
	}
	if !in.Amount.IsPositive() {
		return PaymentResult{}, ErrInvalidAmount
	}
	if err := checkScale("amount", in.Amount); err != nil {
		return PaymentResult{}, err
	}
	in.Method = strings.TrimSpace(in.Method)
	if in.Method == "" {
		in.Method = DefaultPaymentMethod
	}
	in.Reference = strings.TrimSpace(in.Reference)

	var out PaymentResult
	err := e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(st Store) error {
			res, err := e.recordPaymentInTx(ctx, st, school, in)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	})
	return out, err
}

func (e *Engine) recordPaymentInTx(ctx context.Context, st Store, school SchoolID, in PaymentInput) (PaymentResult, error) {
	found, err := st.GetRecord(ctx, school, in.StudentID, in.Period)
	if err != nil {
		return PaymentResult{}, err
	}
	if found == nil {
		return PaymentResult{}, &RecordNotFoundError{StudentID: in.StudentID, Period: in.Period}
	}

	rec, err := st.LockRecord(ctx, school, found.ID)
	if err != nil {
		return PaymentResult{}, err
	}
	if rec == nil {
		return PaymentResult{}, ErrConcurrentModification
	}

	if in.Reference != "" {
		dup, err := st.FindPaymentByReference(ctx, school, in.Reference)
		if err != nil {
			return PaymentResult{}, err
		}
		if dup != nil {
			return PaymentResult{}, ErrDuplicateReference
		}
	}

	next := *rec
	next.PaidAmount = next.PaidAmount.Add(in.Amount)
	next.Recompute()
	next, err = e.saveRecord(ctx, st, next, rec.Version)
	if err != nil {
		return PaymentResult{}, err
	}

	now := e.now()
	paidOn := in.PaymentDate
	if paidOn.IsZero() {
		paidOn = now
	}
	payment := FeePayment{
		ID:          PaymentID(e.newID()),
		SchoolID:    school,
		RecordID:    next.ID,
		StudentID:   next.StudentID,
		Period:      next.Period,
		Amount:      in.Amount,
		Kind:        PaymentKindPayment,
		Method:      in.Method,
		Reference:   in.Reference,
		Notes:       in.Notes,
		RecordedBy:  in.Actor,
		PaymentDate: paidOn,
		CreatedAt:   now,
	}
	if err := st.InsertPayment(ctx, payment); err != nil {
		return PaymentResult{}, err
	}

	student, err := st.GetStudent(ctx, school, in.StudentID)
	if err != nil {
		return PaymentResult{}, err
	}
	evt, err := newEvent(EventID(e.newID()), school, EventPaymentRecorded, paymentEvent(student, next, payment), now)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := st.AppendEvent(ctx, evt); err != nil {
		return PaymentResult{}, err
	}

	return PaymentResult{Record: next, Payment: payment}, nil
}

// =============================================================================
// CORRECTIONS
// =============================================================================

// EditPaymentInput replaces the amount and descriptive fields of a payment.
// Empty Method keeps the current method.
type EditPaymentInput struct {
	PaymentID PaymentID
	Amount    decimal.Decimal
	Method    string
	Reference string
	Notes     string
	Actor     string
}

// EditPayment corrects a recorded payment and moves the parent record by
// the difference.
func (e *Engine) EditPayment(ctx context.Context, school SchoolID, in EditPaymentInput) (PaymentResult, error) {
	if err := requireSchool(school); err != nil {
		return PaymentResult{}, err
	}
	if in.PaymentID == "" {
		return PaymentResult{}, &ValidationError{Field: "paymentId", Message: "payment id is required"}
	}
	if !in.Amount.IsPositive() {
		return PaymentResult{}, ErrInvalidAmount
	}
	if err := checkScale("amount", in.Amount); err != nil {
		return PaymentResult{}, err
	}
	in.Reference = strings.TrimSpace(in.Reference)

	var out PaymentResult
	err := e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(st Store) error {
			res, err := e.editPaymentInTx(ctx, st, school, in)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	})
	return out, err
}

func (e *Engine) editPaymentInTx(ctx context.Context, st Store, school SchoolID, in EditPaymentInput) (PaymentResult, error) {
	current, err := st.GetPayment(ctx, school, in.PaymentID)
	if err != nil {
		return PaymentResult{}, err
	}
	if current == nil {
		return PaymentResult{}, ErrPaymentNotFound
	}

	rec, err := st.LockRecord(ctx, school, current.RecordID)
	if err != nil {
		return PaymentResult{}, err
	}
	if rec == nil {
		return PaymentResult{}, ErrRecordNotFound
	}

	// Re-read under the record lock so two edits of one payment serialize.
	payment, err := st.GetPayment(ctx, school, in.PaymentID)
	if err != nil {
		return PaymentResult{}, err
	}
	if payment == nil {
		return PaymentResult{}, ErrPaymentNotFound
	}

	if in.Reference != "" && in.Reference != payment.Reference {
		dup, err := st.FindPaymentByReference(ctx, school, in.Reference)
		if err != nil {
			return PaymentResult{}, err
		}
		if dup != nil && dup.ID != payment.ID {
			return PaymentResult{}, ErrDuplicateReference
		}
	}

	previous := payment.Amount
	delta := in.Amount.Sub(previous)
	paid := rec.PaidAmount.Add(delta)
	if paid.IsNegative() {
		return PaymentResult{}, &NegativePaidError{RecordID: rec.ID, Paid: rec.PaidAmount, Delta: delta}
	}

	next := *rec
	next.PaidAmount = paid
	next.Recompute()
	if !delta.IsZero() {
		next, err = e.saveRecord(ctx, st, next, rec.Version)
		if err != nil {
			return PaymentResult{}, err
		}
	}

	now := e.now()
	edited := *payment
	edited.Amount = in.Amount
	if m := strings.TrimSpace(in.Method); m != "" {
		edited.Method = m
	}
	if in.Reference != "" {
		edited.Reference = in.Reference
	}
	edited.Notes = in.Notes
	edited.EditedBy = in.Actor
	edited.EditedAt = &now
	if err := st.UpdatePayment(ctx, edited); err != nil {
		return PaymentResult{}, err
	}

	student, err := st.GetStudent(ctx, school, next.StudentID)
	if err != nil {
		return PaymentResult{}, err
	}
	payload := paymentEvent(student, next, edited)
	payload.PreviousAmount = previous.String()
	payload.RecordedBy = in.Actor
	evt, err := newEvent(EventID(e.newID()), school, EventPaymentEdited, payload, now)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := st.AppendEvent(ctx, evt); err != nil {
		return PaymentResult{}, err
	}

	return PaymentResult{Record: next, Payment: edited}, nil
}

// Payments lists the payment history of a record.
func (e *Engine) Payments(ctx context.Context, school SchoolID, recordID RecordID) ([]FeePayment, error) {
	if err := requireSchool(school); err != nil {
		return nil, err
	}
	return e.store.ListPayments(ctx, school, recordID)
}
