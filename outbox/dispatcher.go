/*
Package outbox delivers ledger events written to the outbox table.

PURPOSE:
  Ledger mutations write facts (payment.recorded, payment.edited,
  fee.reminder) in the same transaction as the ledger rows. Nothing is sent
  from inside that transaction. This package reads the facts back and hands
  them to a notification sender, either in-process or through asynq.

COMPONENTS:
  Relay:            Polls pending events, dispatches, marks the outcome
  DirectDispatcher: Calls the sender in the relay goroutine
  AsynqDispatcher:  Enqueues one task per event (task id = event id)
  Worker:           asynq server running the task handlers (cmd/worker)

DELIVERY GUARANTEE:
  At least once. An event is marked dispatched only after the dispatcher
  returned nil; a crash between the two replays the event. The asynq task
  id deduplicates replays that reach the queue.
*/
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/notify"
)

var (
	// ErrUnknownEvent is returned for event kinds nobody handles.
	ErrUnknownEvent = errors.New("outbox: unknown event kind")

	ErrMalformedPayload = errors.New("outbox: malformed payload")
)

// Dispatcher hands one event to its consumer.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt ledger.Event) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, evt ledger.Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, evt ledger.Event) error {
	return f(ctx, evt)
}

// DirectDispatcher delivers through a Sender without a queue.
type DirectDispatcher struct {
	Sender notify.Sender
}

func NewDirectDispatcher(sender notify.Sender) *DirectDispatcher {
	return &DirectDispatcher{Sender: sender}
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, evt ledger.Event) error {
	return Deliver(ctx, d.Sender, evt.Kind, evt.Payload)
}

// Deliver decodes payload according to kind and calls the matching sender
// method. Both dispatch paths end here.
func Deliver(ctx context.Context, sender notify.Sender, kind ledger.EventKind, payload []byte) error {
	switch kind {
	case ledger.EventPaymentRecorded, ledger.EventPaymentEdited:
		var evt ledger.PaymentEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
		}
		return sender.SendPaymentConfirmation(ctx, evt)

	case ledger.EventFeeReminder:
		var evt ledger.ReminderEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
		}
		return sender.SendFeeReminder(ctx, evt)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
}
