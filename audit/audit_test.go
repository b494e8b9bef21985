package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/ledger/store"
)

func TestLogAction_WritesEntry(t *testing.T) {
	// GIVEN
	mem := store.NewMemory()
	l := NewLogger(mem, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// WHEN
	l.LogAction("school-a", "bursar-1", "payment.record", "fee_record/r1", map[string]any{"amount": "5000"})
	l.LogAction("school-b", "bursar-2", "clearance.clear", "fee_record/r2", nil)
	l.Wait()

	// THEN: Entries are scoped by school
	entries, err := l.Recent(context.Background(), "school-a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bursar-1", entries[0].UserID)
	assert.Equal(t, "payment.record", entries[0].Action)
	assert.Equal(t, "5000", entries[0].Details["amount"])
	assert.NotEmpty(t, entries[0].ID)
}

type brokenAudit struct{}

func (brokenAudit) AppendAudit(context.Context, ledger.AuditEntry) error {
	return errors.New("disk full")
}

func (brokenAudit) ListAudit(context.Context, ledger.SchoolID, int) ([]ledger.AuditEntry, error) {
	return nil, nil
}

func TestLogAction_FailureIsSwallowed(t *testing.T) {
	l := NewLogger(brokenAudit{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		l.LogAction("school-a", "u", "x", "y", nil)
		l.Wait()
	})
}

func TestLogAction_NilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogAction("school-a", "u", "x", "y", nil)
		l.Wait()
	})
}
