package ledger_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/ledger/store"
)

func TestRecordPayment_RequiresExistingRecord(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)

	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(100)})

	var notFound *ledger.RecordNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "create a fee record first")
	assert.Empty(t, f.mem.Events())
}

func TestRecordPayment_RejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	for _, n := range []int64{0, -500} {
		_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(n)})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}
	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: ledger.ParseAmount("abc")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	assertAmount(t, 0, f.record(x, term1).PaidAmount)
}

func TestRecordPayment_WritesHistoryAndEvent(t *testing.T) {
	// GIVEN: A record owing 50,000
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	// WHEN: Paying 20,000 with no method
	res, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{
		StudentID: x,
		Period:    term1,
		Amount:    amt(20000),
		Reference: " RCPT-001 ",
		Actor:     "bursar-1",
	})
	require.NoError(t, err)

	// THEN: Record, history and outbox agree
	assertAmount(t, 20000, res.Record.PaidAmount)
	assertAmount(t, 30000, res.Record.Balance)
	assert.False(t, res.Record.IsClearedForExam)
	assert.Equal(t, ledger.DefaultPaymentMethod, res.Payment.Method)
	assert.Equal(t, "RCPT-001", res.Payment.Reference)
	assert.Equal(t, f.now, res.Payment.PaymentDate)
	f.assertInvariant(f.record(x, term1))

	events := f.mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventPaymentRecorded, events[0].Kind)
	assert.Equal(t, ledger.EventPending, events[0].Status)

	var payload ledger.PaymentEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, x, payload.StudentID)
	assert.Equal(t, "x@parents.example", payload.GuardianEmail)
	assert.Equal(t, "20000", payload.Amount)
	assert.Equal(t, "30000", payload.Balance)
	assert.Equal(t, res.Payment.ID, payload.PaymentID)
}

func TestRecordPayment_DuplicateReferenceRejected(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	y := f.student("y", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	f.sync(y, term1)

	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(5000), Reference: "GW-77"})
	require.NoError(t, err)

	// WHEN: The gateway replays the same reference, even for another student
	_, err = f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: y, Period: term1, Amount: amt(5000), Reference: "GW-77"})

	// THEN: Conflict, nothing applied
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
	assert.True(t, ledger.IsConflict(err))
	assertAmount(t, 0, f.record(y, term1).PaidAmount)
	assert.Len(t, f.mem.Events(), 1)
}

func TestRecordPayment_FailureLeavesRecordUntouched(t *testing.T) {
	// GIVEN: A store whose payment insert fails
	mem := store.NewMemory()
	faulty := &faultyStore{Memory: mem}
	f := newFixtureWithStore(t, faulty, mem)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	before := f.record(x, term1)
	faulty.failInsertPayment = true

	// WHEN: Paying
	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(10000)})

	// THEN: The balance update rolled back with the failed insert
	require.Error(t, err)
	after := f.record(x, term1)
	assert.Equal(t, before.Version, after.Version)
	assertAmount(t, 50000, after.Balance)
	assert.Empty(t, f.mem.Events())
}

func TestRecordPayment_ConcurrentPaymentsAllApply(t *testing.T) {
	// GIVEN: A record owing 50,000
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	// WHEN: 25 payments of 1,000 race
	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(1000)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: No update was lost
	rec := f.record(x, term1)
	assertAmount(t, 25000, rec.PaidAmount)
	assertAmount(t, 25000, rec.Balance)
	assert.Equal(t, int64(1+n), rec.Version)
	f.assertInvariant(rec)
	assert.Len(t, f.mem.Events(), n)
}

func TestRecordPayment_VersionConflictRetriesOnFreshState(t *testing.T) {
	// GIVEN: A record owing 50,000 and a store whose first update conflicts
	// while another bursar's 5,000 payment commits
	mem := store.NewMemory()
	faulty := &faultyStore{Memory: mem}
	f := newFixtureWithStore(t, faulty, mem)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	other := ledger.NewEngine(mem)
	faulty.conflicts = 1
	faulty.onConflict = func() {
		_, err := other.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(5000), Reference: "OTHER-1"})
		require.NoError(t, err)
	}

	// WHEN: Paying 10,000
	res, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(10000), Reference: "MINE-1"})

	// THEN: The retry applied the payment once, on top of the competing one
	require.NoError(t, err)
	assert.Equal(t, 2, faulty.updateCalls)
	assertAmount(t, 15000, res.Record.PaidAmount)
	assertAmount(t, 35000, res.Record.Balance)

	rec := f.record(x, term1)
	assertAmount(t, 15000, rec.PaidAmount)
	assert.Equal(t, int64(3), rec.Version)
	f.assertInvariant(rec)

	payments, err := mem.ListPayments(f.ctx, schoolA, rec.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
	assert.Len(t, f.mem.Events(), 2)
}

func TestRecordPayment_GivesUpAfterMaxAttempts(t *testing.T) {
	mem := store.NewMemory()
	faulty := &faultyStore{Memory: mem}
	f := newFixtureWithStore(t, faulty, mem)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	faulty.conflicts = 10

	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(1000)})

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsConflict(err))
	assert.Equal(t, 3, faulty.updateCalls)
	assertAmount(t, 0, f.record(x, term1).PaidAmount)
	assert.Empty(t, f.mem.Events())
}

func TestRecordPayment_RejectsSubCentAmounts(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: decimal.RequireFromString("100.555")})

	var vErr *ledger.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount", vErr.Field)
	assert.True(t, ledger.IsClientError(err))
	assertAmount(t, 0, f.record(x, term1).PaidAmount)

	// Trailing zeros are fine
	res, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: decimal.RequireFromString("100.500")})
	require.NoError(t, err)
	assert.Equal(t, "100.50", res.Record.PaidAmount.StringFixed(2))
}

// =============================================================================
// CORRECTIONS
// =============================================================================

func TestEditPayment_AppliesDifference(t *testing.T) {
	// GIVEN: A 10,000 payment
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	paid := f.pay(x, term1, 10000)

	// WHEN: It is corrected to 7,000
	res, err := f.engine.EditPayment(f.ctx, schoolA, ledger.EditPaymentInput{
		PaymentID: paid.Payment.ID,
		Amount:    amt(7000),
		Notes:     "cashier typo",
		Actor:     "bursar-2",
	})
	require.NoError(t, err)

	// THEN: Paid drops by exactly 3,000 and balance rises by exactly 3,000
	assertAmount(t, 3000, paid.Record.PaidAmount.Sub(res.Record.PaidAmount))
	assertAmount(t, 3000, res.Record.Balance.Sub(paid.Record.Balance))
	assert.Equal(t, "transfer", res.Payment.Method, "empty method keeps the original")
	assert.Equal(t, "bursar-2", res.Payment.EditedBy)
	require.NotNil(t, res.Payment.EditedAt)
	f.assertInvariant(f.record(x, term1))

	events := f.mem.Events()
	require.Len(t, events, 2)
	assert.Equal(t, ledger.EventPaymentEdited, events[1].Kind)
	var payload ledger.PaymentEvent
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "10000", payload.PreviousAmount)
	assert.Equal(t, "7000", payload.Amount)
}

func TestEditPayment_RejectsNegativePaidTotal(t *testing.T) {
	// GIVEN: 10,000 paid then the total set down to 2,000 by hand
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	paid := f.pay(x, term1, 10000)
	manual := amt(2000)
	_, err := f.engine.UpsertRecord(f.ctx, schoolA, ledger.UpsertInput{StudentID: x, Period: term1, PaidAmount: &manual})
	require.NoError(t, err)

	// WHEN: The original payment is cut to 1,000 (paid would be -7,000)
	_, err = f.engine.EditPayment(f.ctx, schoolA, ledger.EditPaymentInput{PaymentID: paid.Payment.ID, Amount: amt(1000)})

	// THEN: Rejected, nothing changed
	var negErr *ledger.NegativePaidError
	require.ErrorAs(t, err, &negErr)
	assert.ErrorIs(t, err, ledger.ErrNegativePaidAmount)
	assert.True(t, ledger.IsClientError(err))
	assertAmount(t, 2000, f.record(x, term1).PaidAmount)
}

func TestEditPayment_ReferenceMustStayUnique(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	_, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(100), Reference: "A"})
	require.NoError(t, err)
	second, err := f.engine.RecordPayment(f.ctx, schoolA, ledger.PaymentInput{StudentID: x, Period: term1, Amount: amt(100), Reference: "B"})
	require.NoError(t, err)

	_, err = f.engine.EditPayment(f.ctx, schoolA, ledger.EditPaymentInput{PaymentID: second.Payment.ID, Amount: amt(100), Reference: "A"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	// Keeping its own reference is fine.
	_, err = f.engine.EditPayment(f.ctx, schoolA, ledger.EditPaymentInput{PaymentID: second.Payment.ID, Amount: amt(150), Reference: "B"})
	assert.NoError(t, err)
}

func TestEditPayment_UnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.EditPayment(f.ctx, schoolA, ledger.EditPaymentInput{PaymentID: "missing", Amount: amt(1)})
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)

	_, err = f.engine.EditPayment(f.ctx, schoolA, ledger.EditPaymentInput{PaymentID: "missing", Amount: amt(0)})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}
