package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/notify"
)

const (
	// QueueDefault is the queue notification tasks go to.
	QueueDefault = "default"

	TaskPaymentRecorded = "fees:payment_recorded"
	TaskPaymentEdited   = "fees:payment_edited"
	TaskFeeReminder     = "fees:fee_reminder"
)

var taskTypes = map[ledger.EventKind]string{
	ledger.EventPaymentRecorded: TaskPaymentRecorded,
	ledger.EventPaymentEdited:   TaskPaymentEdited,
	ledger.EventFeeReminder:     TaskFeeReminder,
}

// NewEventTask builds the asynq task for an outbox event.
func NewEventTask(evt ledger.Event, maxRetry int) (*asynq.Task, error) {
	typ, ok := taskTypes[evt.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Kind)
	}
	return asynq.NewTask(typ, evt.Payload,
		asynq.TaskID(string(evt.ID)),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(maxRetry),
	), nil
}

// AsynqDispatcher enqueues events for cmd/worker.
type AsynqDispatcher struct {
	client   *asynq.Client
	maxRetry int
}

func NewAsynqDispatcher(client *asynq.Client, maxRetry int) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, maxRetry: maxRetry}
}

// Dispatch treats a task id conflict as success: the event was enqueued by
// an earlier pass that crashed before marking it.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, evt ledger.Event) error {
	task, err := NewEventTask(evt, d.maxRetry)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// TaskHandlers returns the asynq handlers for every event task type.
func TaskHandlers(sender notify.Sender, logger *slog.Logger) map[string]asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	handler := func(kind ledger.EventKind) asynq.HandlerFunc {
		return func(ctx context.Context, t *asynq.Task) error {
			err := Deliver(ctx, sender, kind, t.Payload())
			if err == nil {
				return nil
			}
			logger.WarnContext(ctx, "task delivery failed", "type", t.Type(), "error", err)
			if errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrMalformedPayload) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
	}
	out := make(map[string]asynq.HandlerFunc, len(taskTypes))
	for kind, typ := range taskTypes {
		out[typ] = handler(kind)
	}
	return out
}
