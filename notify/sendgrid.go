package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/warp/fee-ledger/ledger"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// ErrDeliveryFailed wraps non-2xx answers from the mail API.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// SendgridSender emails guardians. Messages without a guardian email are
// skipped.
type SendgridSender struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
	renderer   *Renderer
	logger     *slog.Logger
}

type SendgridOption func(*SendgridSender)

// WithSendgridHost points the sender at another API host.
func WithSendgridHost(host string) SendgridOption {
	return func(s *SendgridSender) { s.host = host }
}

func NewSendgridSender(key, fromEmail string, renderer *Renderer, logger *slog.Logger, opts ...SendgridOption) *SendgridSender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SendgridSender{
		key:        key,
		host:       sendgridHost,
		from:       sgmail.NewEmail(renderer.AppName, fromEmail),
		subjPrefix: "[" + renderer.AppName + "] ",
		renderer:   renderer,
		logger:     logger.With("component", "sendgrid"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SendgridSender) SendPaymentConfirmation(ctx context.Context, evt ledger.PaymentEvent) error {
	return s.send(ctx, s.renderer.PaymentConfirmation(evt))
}

func (s *SendgridSender) SendFeeReminder(ctx context.Context, evt ledger.ReminderEvent) error {
	return s.send(ctx, s.renderer.FeeReminder(evt))
}

func (s *SendgridSender) SendAbsenceAlert(ctx context.Context, alert AbsenceAlert) error {
	return s.send(ctx, s.renderer.AbsenceAlert(alert))
}

func (s *SendgridSender) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.To))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", msg.Text),
		sgmail.NewContent("text/html", "<p>"+strings.ReplaceAll(html.EscapeString(msg.Text), "\n", "<br>")+"</p>"),
	)
	return m
}

func (s *SendgridSender) send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		s.logger.DebugContext(ctx, "no guardian email, skipping", "subject", msg.Subject)
		return nil
	}

	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("notify: sendgrid: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: sendgrid status %d: %s", ErrDeliveryFailed, res.StatusCode, res.Body)
	}
	return nil
}
