package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

// newTestStore connects to FEES_TEST_PG_DSN and isolates the test under a
// fresh school id. Tests are skipped without a database.
func newTestStore(t *testing.T) (*Store, ledger.SchoolID) {
	t.Helper()
	dsn := os.Getenv("FEES_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FEES_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := New(pool)
	require.NoError(t, store.Migrate(ctx))

	school := ledger.SchoolID("pg-test-" + uuid.NewString())
	require.NoError(t, store.SaveStudent(ctx, ledger.Student{ID: "stu-1", SchoolID: school, ClassID: "jss1", Name: "Ada"}))
	require.NoError(t, store.SaveFeeStructure(ctx, ledger.ClassFeeStructure{
		SchoolID: school, ClassID: "jss1", Period: ledger.NewPeriod("2025-2026", "term-1"), Amount: decimal.NewFromInt(50000),
	}))
	return store, school
}

func TestPostgres_ConcurrentPaymentsSerializeOnRowLock(t *testing.T) {
	// GIVEN: A synced record
	store, school := newTestStore(t)
	engine := ledger.NewEngine(store, ledger.WithMaxAttempts(10))
	ctx := context.Background()
	period := ledger.NewPeriod("2025-2026", "term-1")

	_, err := engine.SyncRecord(ctx, school, "stu-1", period)
	require.NoError(t, err)

	// WHEN: Ten payments race
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RecordPayment(ctx, school, ledger.PaymentInput{StudentID: "stu-1", Period: period, Amount: decimal.NewFromInt(1000)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: Every payment landed
	rec, err := store.GetRecord(ctx, school, "stu-1", period)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.PaidAmount.Equal(decimal.NewFromInt(10000)), "paid %s", rec.PaidAmount)
	assert.True(t, rec.Balance.Equal(decimal.NewFromInt(40000)), "balance %s", rec.Balance)

	payments, err := store.ListPayments(ctx, school, rec.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 10)
}

func TestPostgres_UniqueKeys(t *testing.T) {
	store, school := newTestStore(t)
	engine := ledger.NewEngine(store)
	ctx := context.Background()
	period := ledger.NewPeriod("2025-2026", "term-1")

	rec, err := engine.SyncRecord(ctx, school, "stu-1", period)
	require.NoError(t, err)

	dup := rec
	dup.ID = ledger.RecordID(uuid.NewString())
	assert.ErrorIs(t, store.InsertRecord(ctx, dup), ledger.ErrDuplicateRecord)

	in := ledger.PaymentInput{StudentID: "stu-1", Period: period, Amount: decimal.NewFromInt(5), Reference: "PG-REF-1"}
	_, err = engine.RecordPayment(ctx, school, in)
	require.NoError(t, err)
	_, err = engine.RecordPayment(ctx, school, in)
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
}
