package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// Relay moves pending outbox events to a Dispatcher on a fixed interval.
type Relay struct {
	Store       ledger.OutboxStore
	Dispatcher  Dispatcher
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Enabled     bool

	logger *slog.Logger
	now    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RelayReport summarizes one pass.
type RelayReport struct {
	Dispatched int
	Failed     int
}

func NewRelay(store ledger.OutboxStore, dispatcher Dispatcher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Store:       store,
		Dispatcher:  dispatcher,
		Interval:    5 * time.Second,
		BatchSize:   50,
		MaxAttempts: 5,
		Enabled:     true,
		logger:      logger.With("component", "outbox_relay"),
		now:         time.Now,
	}
}

// Start begins polling in a background goroutine.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Enabled {
		r.logger.Info("disabled, not starting")
		return
	}
	if r.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.stop = make(chan struct{})
	r.ticker = time.NewTicker(r.Interval)
	r.wg.Add(1)

	go r.run(ctx)

	r.logger.Info("started", "interval", r.Interval, "batch", r.BatchSize)
}

// Stop waits for the current pass to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.cancel()
	r.wg.Wait()
	r.ticker = nil
	r.logger.Info("stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	// Drain whatever accumulated while we were down.
	r.pass(ctx)

	for {
		select {
		case <-r.ticker.C:
			r.pass(ctx)
		case <-r.stop:
			return
		}
	}
}

func (r *Relay) pass(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("listing pending events", "error", err)
		return
	}
	if report.Dispatched > 0 || report.Failed > 0 {
		r.logger.Info("pass completed", "dispatched", report.Dispatched, "failed", report.Failed)
	}
}

// RunOnce dispatches one batch. Delivery failures are recorded on the
// event and counted; only a failure to read the outbox is returned.
func (r *Relay) RunOnce(ctx context.Context) (RelayReport, error) {
	var report RelayReport

	events, err := r.Store.PendingEvents(ctx, r.BatchSize, r.MaxAttempts)
	if err != nil {
		return report, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		if err := r.Dispatcher.Dispatch(ctx, evt); err != nil {
			report.Failed++
			r.logger.Warn("dispatch failed",
				"event_id", evt.ID, "kind", evt.Kind, "school_id", evt.SchoolID,
				"attempt", evt.Attempts+1, "error", err)
			if markErr := r.Store.MarkEventFailed(ctx, evt.ID, err.Error()); markErr != nil {
				r.logger.Error("marking event failed", "event_id", evt.ID, "error", markErr)
			}
			continue
		}
		if err := r.Store.MarkEventDispatched(ctx, evt.ID, r.now()); err != nil {
			r.logger.Error("marking event dispatched", "event_id", evt.ID, "error", err)
			continue
		}
		report.Dispatched++
	}
	return report, nil
}
