package notify

import (
	"context"
	"log/slog"

	"github.com/warp/fee-ledger/ledger"
)

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger   *slog.Logger
	renderer *Renderer
}

func NewLogSender(logger *slog.Logger, renderer *Renderer) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify"), renderer: renderer}
}

func (s *LogSender) SendPaymentConfirmation(ctx context.Context, evt ledger.PaymentEvent) error {
	s.log(ctx, "payment_confirmation", evt.SchoolID, s.renderer.PaymentConfirmation(evt))
	return nil
}

func (s *LogSender) SendFeeReminder(ctx context.Context, evt ledger.ReminderEvent) error {
	s.log(ctx, "fee_reminder", evt.SchoolID, s.renderer.FeeReminder(evt))
	return nil
}

func (s *LogSender) SendAbsenceAlert(ctx context.Context, alert AbsenceAlert) error {
	s.log(ctx, "absence_alert", alert.SchoolID, s.renderer.AbsenceAlert(alert))
	return nil
}

func (s *LogSender) log(ctx context.Context, kind string, school ledger.SchoolID, msg Message) {
	s.logger.InfoContext(ctx, "notification",
		"kind", kind,
		"school_id", school,
		"to", msg.To,
		"phone", msg.Phone,
		"subject", msg.Subject,
	)
}
