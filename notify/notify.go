/*
Package notify delivers guardian-facing messages for ledger events.

PURPOSE:
  The ledger never sends anything itself. It writes facts to the outbox and
  the relay (or the asynq worker) hands them to a Sender. Delivery is
  best-effort: a failed send is reported to the caller, who decides whether
  to retry.

SENDERS:
  LogSender:      Writes the rendered message to slog. Stand-in for SMS.
  SendgridSender: Emails the guardian through the SendGrid v3 API.
  Multi:          Fans one message out to several senders.
*/
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// AbsenceAlert is raised by the attendance module. The fee ledger only
// forwards it.
type AbsenceAlert struct {
	SchoolID      ledger.SchoolID  `json:"school_id"`
	StudentID     ledger.StudentID `json:"student_id"`
	StudentName   string           `json:"student_name"`
	GuardianEmail string           `json:"guardian_email,omitempty"`
	GuardianPhone string           `json:"guardian_phone,omitempty"`
	Date          time.Time        `json:"date"`
	Reason        string           `json:"reason,omitempty"`
}

// Sender is the notification collaborator.
type Sender interface {
	SendPaymentConfirmation(ctx context.Context, evt ledger.PaymentEvent) error
	SendFeeReminder(ctx context.Context, evt ledger.ReminderEvent) error
	SendAbsenceAlert(ctx context.Context, alert AbsenceAlert) error
}

// Multi sends through every sender and joins their errors.
type Multi []Sender

func (m Multi) SendPaymentConfirmation(ctx context.Context, evt ledger.PaymentEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SendPaymentConfirmation(ctx, evt))
	}
	return errors.Join(errs...)
}

func (m Multi) SendFeeReminder(ctx context.Context, evt ledger.ReminderEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SendFeeReminder(ctx, evt))
	}
	return errors.Join(errs...)
}

func (m Multi) SendAbsenceAlert(ctx context.Context, alert AbsenceAlert) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SendAbsenceAlert(ctx, alert))
	}
	return errors.Join(errs...)
}
