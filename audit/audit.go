// Package audit records who changed what in the fee ledger.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/fee-ledger/ledger"
)

// Logger writes audit entries off the request path. A failed write is
// logged and dropped; callers never wait on it.
type Logger struct {
	store   ledger.AuditStore
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewLogger(store ledger.AuditStore, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		store:   store,
		logger:  logger.With("component", "audit"),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// LogAction records an action asynchronously.
func (l *Logger) LogAction(school ledger.SchoolID, userID, action, resource string, details map[string]any) {
	if l == nil || l.store == nil {
		return
	}
	entry := ledger.AuditEntry{
		ID:       uuid.NewString(),
		SchoolID: school,
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Details:  details,
		At:       l.now().UTC(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.store.AppendAudit(ctx, entry); err != nil {
			l.logger.Error("audit write failed",
				"school_id", school, "user_id", userID, "action", action, "resource", resource, "error", err)
		}
	}()
}

// Wait blocks until queued entries are written. Used on shutdown.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}

// Recent returns the newest entries for a school.
func (l *Logger) Recent(ctx context.Context, school ledger.SchoolID, limit int) ([]ledger.AuditEntry, error) {
	return l.store.ListAudit(ctx, school, limit)
}
