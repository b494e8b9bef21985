package ledger

import (
	"encoding/json"
	"time"
)

// EventKind names a fact the ledger emits into the outbox.
type EventKind string

const (
	EventPaymentRecorded EventKind = "payment.recorded"
	EventPaymentEdited   EventKind = "payment.edited"
	EventFeeReminder     EventKind = "fee.reminder"
)

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventDispatched EventStatus = "dispatched"
	EventFailed     EventStatus = "failed"
)

// Event is an outbox row. It is written in the same transaction as the
// ledger change it describes and delivered later by the relay.
type Event struct {
	ID           EventID
	SchoolID     SchoolID
	Kind         EventKind
	Payload      []byte
	Status       EventStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// PaymentEvent is the payload of payment.recorded and payment.edited.
// Amounts are decimal strings.
type PaymentEvent struct {
	SchoolID       SchoolID  `json:"school_id"`
	StudentID      StudentID `json:"student_id"`
	StudentName    string    `json:"student_name"`
	GuardianEmail  string    `json:"guardian_email,omitempty"`
	GuardianPhone  string    `json:"guardian_phone,omitempty"`
	SessionID      SessionID `json:"session_id"`
	TermID         TermID    `json:"term_id"`
	RecordID       RecordID  `json:"record_id"`
	PaymentID      PaymentID `json:"payment_id"`
	Amount         string    `json:"amount"`
	PreviousAmount string    `json:"previous_amount,omitempty"`
	Method         string    `json:"method"`
	Reference      string    `json:"reference,omitempty"`
	PaidAmount     string    `json:"paid_amount"`
	Balance        string    `json:"balance"`
	PaymentDate    time.Time `json:"payment_date"`
	RecordedBy     string    `json:"recorded_by"`
}

// ReminderEvent is the payload of fee.reminder.
type ReminderEvent struct {
	SchoolID       SchoolID  `json:"school_id"`
	StudentID      StudentID `json:"student_id"`
	StudentName    string    `json:"student_name"`
	GuardianEmail  string    `json:"guardian_email,omitempty"`
	GuardianPhone  string    `json:"guardian_phone,omitempty"`
	SessionID      SessionID `json:"session_id"`
	TermID         TermID    `json:"term_id"`
	ExpectedAmount string    `json:"expected_amount"`
	PaidAmount     string    `json:"paid_amount"`
	Balance        string    `json:"balance"`
}

func newEvent(id EventID, school SchoolID, kind EventKind, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        id,
		SchoolID:  school,
		Kind:      kind,
		Payload:   data,
		Status:    EventPending,
		CreatedAt: now,
	}, nil
}

func paymentEvent(student *Student, rec FeeRecord, p FeePayment) PaymentEvent {
	evt := PaymentEvent{
		SchoolID:    rec.SchoolID,
		StudentID:   rec.StudentID,
		SessionID:   rec.Period.SessionID,
		TermID:      rec.Period.TermID,
		RecordID:    rec.ID,
		PaymentID:   p.ID,
		Amount:      p.Amount.String(),
		Method:      p.Method,
		Reference:   p.Reference,
		PaidAmount:  rec.PaidAmount.String(),
		Balance:     rec.Balance.String(),
		PaymentDate: p.PaymentDate,
		RecordedBy:  p.RecordedBy,
	}
	if student != nil {
		evt.StudentName = student.Name
		evt.GuardianEmail = student.GuardianEmail
		evt.GuardianPhone = student.GuardianPhone
	}
	return evt
}
