package notify

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/warp/fee-ledger/ledger"
)

// Message is a rendered notification, independent of the channel.
type Message struct {
	To      string
	ToName  string
	Phone   string
	Subject string
	Text    string
}

// Renderer turns ledger events into messages for one school brand and
// currency.
type Renderer struct {
	AppName  string
	Currency currency.Unit
	printer  *message.Printer
}

// NewRenderer falls back to NGN when code is not an ISO 4217 currency.
func NewRenderer(appName, code string) *Renderer {
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.MustParseISO("NGN")
	}
	return &Renderer{
		AppName:  appName,
		Currency: unit,
		printer:  message.NewPrinter(language.English),
	}
}

// Money formats a stored decimal string, e.g. "NGN 47,000.50".
func (r *Renderer) Money(amount string) string {
	f, _ := ledger.ParseAmount(amount).Float64()
	return r.printer.Sprintf("%s %.2f", r.Currency, f)
}

func (r *Renderer) PaymentConfirmation(evt ledger.PaymentEvent) Message {
	subject := fmt.Sprintf("Payment received for %s", evt.StudentName)
	if evt.PreviousAmount != "" {
		subject = fmt.Sprintf("Payment corrected for %s", evt.StudentName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dear parent/guardian,\n\n")
	if evt.PreviousAmount != "" {
		fmt.Fprintf(&b, "A payment for %s (%s, %s) was corrected from %s to %s.\n",
			evt.StudentName, evt.SessionID, evt.TermID, r.Money(evt.PreviousAmount), r.Money(evt.Amount))
	} else {
		fmt.Fprintf(&b, "We received %s for %s (%s, %s).\n",
			r.Money(evt.Amount), evt.StudentName, evt.SessionID, evt.TermID)
	}
	if evt.Reference != "" {
		fmt.Fprintf(&b, "Reference: %s\n", evt.Reference)
	}
	fmt.Fprintf(&b, "Total paid this term: %s\n", r.Money(evt.PaidAmount))
	fmt.Fprintf(&b, "Outstanding balance: %s\n", r.Money(evt.Balance))
	fmt.Fprintf(&b, "\n%s Bursary\n", r.AppName)

	return Message{
		To:      evt.GuardianEmail,
		ToName:  evt.StudentName,
		Phone:   evt.GuardianPhone,
		Subject: subject,
		Text:    b.String(),
	}
}

func (r *Renderer) FeeReminder(evt ledger.ReminderEvent) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear parent/guardian,\n\n")
	fmt.Fprintf(&b, "%s has an outstanding balance of %s for %s, %s.\n",
		evt.StudentName, r.Money(evt.Balance), evt.SessionID, evt.TermID)
	fmt.Fprintf(&b, "Expected: %s. Paid so far: %s.\n", r.Money(evt.ExpectedAmount), r.Money(evt.PaidAmount))
	fmt.Fprintf(&b, "Students with unpaid fees may not be cleared for examinations.\n")
	fmt.Fprintf(&b, "\n%s Bursary\n", r.AppName)

	return Message{
		To:      evt.GuardianEmail,
		ToName:  evt.StudentName,
		Phone:   evt.GuardianPhone,
		Subject: fmt.Sprintf("Fee reminder for %s", evt.StudentName),
		Text:    b.String(),
	}
}

func (r *Renderer) AbsenceAlert(alert AbsenceAlert) Message {
	text := fmt.Sprintf("Dear parent/guardian,\n\n%s was marked absent on %s.\n",
		alert.StudentName, alert.Date.Format("Monday 2 January 2006"))
	if alert.Reason != "" {
		text += "Note: " + alert.Reason + "\n"
	}
	text += "\n" + r.AppName + "\n"

	return Message{
		To:      alert.GuardianEmail,
		ToName:  alert.StudentName,
		Phone:   alert.GuardianPhone,
		Subject: fmt.Sprintf("Absence alert for %s", alert.StudentName),
		Text:    text,
	}
}
