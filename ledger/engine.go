package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds retries after an optimistic version conflict.
const DefaultMaxAttempts = 3

// Engine runs the ledger operations against an injected store.
// It holds no per-tenant state; the school is passed on every call.
type Engine struct {
	store TxStore

	now         func() time.Time
	newID       func() string
	maxAttempts int
}

type Option func(*Engine)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator used for new rows.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithMaxAttempts sets how often a conflicting write is retried.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() TxStore {
	return e.store
}

// retry re-runs fn while it fails with a retryable error.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
	}
	return err
}

func requireSchool(school SchoolID) error {
	if school == "" {
		return &ValidationError{Field: "schoolId", Message: "school is required"}
	}
	return nil
}

func requireStudent(student StudentID) error {
	if student == "" {
		return &ValidationError{Field: "studentId", Message: "studentId is required"}
	}
	return nil
}

func validateScope(school SchoolID, student StudentID, period Period) error {
	if err := requireSchool(school); err != nil {
		return err
	}
	if err := requireStudent(student); err != nil {
		return err
	}
	return period.Validate()
}
