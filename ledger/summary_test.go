package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

func TestSummary_VirtualRecordIsNotPersisted(t *testing.T) {
	// GIVEN: A term-1 arrear and no term-2 record
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 10000)
	f.fee("jss1", term2, 12000)
	f.sync(x, term1)
	f.pay(x, term1, 6000)

	// WHEN: Summarizing term 2
	sum, err := f.engine.Summary(f.ctx, schoolA, x, term2)
	require.NoError(t, err)

	// THEN: The figures are computed but nothing is written
	assert.False(t, sum.HasRecord)
	assertAmount(t, 4000, sum.OpeningBalance)
	assertAmount(t, 4000, sum.PreviousOutstanding)
	assertAmount(t, 12000, sum.CurrentTermFee)
	assertAmount(t, 16000, sum.TotalExpected)
	assertAmount(t, 0, sum.TotalPaid)
	assertAmount(t, 16000, sum.CurrentBalance)
	assert.False(t, sum.IsClearedForExam)
	assert.NotNil(t, sum.Payments)
	assert.Empty(t, sum.Payments)

	rec, err := f.engine.GetRecord(f.ctx, schoolA, x, term2)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSummary_StoredRecordWithPayments(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 10000)
	f.sync(x, term1)
	f.pay(x, term1, 2500)
	f.pay(x, term1, 2500)

	sum, err := f.engine.Summary(f.ctx, schoolA, x, term1)
	require.NoError(t, err)

	assert.True(t, sum.HasRecord)
	assertAmount(t, 5000, sum.TotalPaid)
	assertAmount(t, 5000, sum.CurrentBalance)
	assert.Len(t, sum.Payments, 2)
}

func TestSummary_UnknownStudent(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Summary(f.ctx, schoolA, "ghost", term1)

	assert.ErrorIs(t, err, ledger.ErrStudentNotFound)
}

func TestListCohort_MixesStoredAndVirtual(t *testing.T) {
	f := newFixture(t)
	a := f.student("a", "jss1")
	f.student("b", "jss1")
	f.student("c", "jss2")
	f.fee("jss1", term1, 10000)
	f.sync(a, term1)

	cohort, err := f.engine.ListCohort(f.ctx, schoolA, term1, "jss1")
	require.NoError(t, err)

	require.Len(t, cohort, 2)
	assert.True(t, cohort[0].HasRecord)
	assert.False(t, cohort[1].HasRecord)
	assertAmount(t, 10000, cohort[1].Record.Balance)
}

func TestCohortStats(t *testing.T) {
	// GIVEN: One paid, one partial, one unpaid without record, one scholar
	f := newFixture(t)
	paid := f.student("a", "jss1")
	partial := f.student("b", "jss1")
	f.student("c", "jss1")
	f.scholar("d", "jss1")
	f.fee("jss1", term1, 10000)
	f.sync(paid, term1)
	f.pay(paid, term1, 10000)
	f.sync(partial, term1)
	f.pay(partial, term1, 4000)

	// WHEN
	stats, err := f.engine.CohortStats(f.ctx, schoolA, term1)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 4, stats.StudentCount)
	assert.Equal(t, 2, stats.RecordCount)
	assertAmount(t, 30000, stats.TotalExpected)
	assertAmount(t, 14000, stats.TotalPaid)
	assertAmount(t, 16000, stats.TotalBalance)
	assert.Equal(t, 2, stats.ClearedCount)
	assert.Equal(t, 2, stats.NotClearedCount)
	assert.Equal(t, 2, stats.FullyPaidCount)
	assert.Equal(t, 1, stats.PartialCount)
	assert.Equal(t, 1, stats.UnpaidCount)
	assert.Equal(t, 1, stats.ScholarshipCount)
}

func TestQueueReminders(t *testing.T) {
	// GIVEN: One debtor, one paid student, one debtor without contact
	f := newFixture(t)
	debtor := f.student("a", "jss1")
	paid := f.student("b", "jss1")
	f.mem.SaveStudent(ledger.Student{ID: "c", SchoolID: schoolA, ClassID: "jss1", Name: "No Contact", Status: ledger.StudentActive})
	f.fee("jss1", term1, 10000)
	f.sync(debtor, term1)
	f.sync(paid, term1)
	f.pay(paid, term1, 10000)
	before := len(f.mem.Events())

	// WHEN
	report, err := f.engine.QueueReminders(f.ctx, schoolA, term1, "")
	require.NoError(t, err)

	// THEN: Only the reachable debtor gets a reminder
	assert.Equal(t, 1, report.Queued)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	events := f.mem.Events()[before:]
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventFeeReminder, events[0].Kind)
	var payload ledger.ReminderEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, debtor, payload.StudentID)
	assert.Equal(t, "10000", payload.Balance)
}
