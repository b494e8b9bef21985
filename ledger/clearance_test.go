package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

func TestClearance_RevokeSurvivesSync(t *testing.T) {
	// GIVEN: A fully paid, cleared student
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)
	f.pay(x, term1, 50000)
	require.True(t, f.sync(x, term1).IsClearedForExam)

	// WHEN: Clearance is revoked
	rec, err := f.engine.Revoke(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)

	// THEN: Not cleared, no clearedBy
	assert.False(t, rec.IsClearedForExam)
	assert.Empty(t, rec.ClearedBy)
	assert.Nil(t, rec.ClearedAt)
	assert.True(t, rec.EligibleByBalance, "balance still qualifies")

	// WHEN: Synced again
	rec = f.sync(x, term1)

	// THEN: The manual decision stands
	assert.False(t, rec.IsClearedForExam)
	assert.Equal(t, ledger.OverrideDeny, rec.ClearanceOverride)

	// WHEN: The override is reset
	rec, err = f.engine.ResetClearance(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)

	// THEN: Clearance follows the balance again
	assert.True(t, rec.IsClearedForExam)
	assert.Equal(t, ledger.OverrideNone, rec.ClearanceOverride)
}

func TestClearance_ClearOwingStudent(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	rec, err := f.engine.Clear(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)

	assert.True(t, rec.IsClearedForExam)
	assert.False(t, rec.EligibleByBalance)
	assert.Equal(t, "principal", rec.ClearedBy)
	require.NotNil(t, rec.ClearedAt)
	assert.Equal(t, f.now, *rec.ClearedAt)

	// A later payment and sync keep the allow override.
	f.pay(x, term1, 100)
	rec = f.sync(x, term1)
	assert.True(t, rec.IsClearedForExam)
	assertAmount(t, 49900, rec.Balance)
}

func TestClearance_ClearTwiceDoesNotRewrite(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	first, err := f.engine.Clear(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)
	f.now = f.now.Add(1)
	second, err := f.engine.Clear(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version-1, "a later stamp is a new write")

	third, err := f.engine.Revoke(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)
	fourth, err := f.engine.Revoke(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)
	assert.Equal(t, third.Version, fourth.Version)
}

func TestClearance_ToggleMissingRecordCreatesItDenied(t *testing.T) {
	// GIVEN: A fully-funded scholar with no record yet
	f := newFixture(t)
	s := f.scholar("s", "jss1")

	// WHEN: Toggling
	rec, err := f.engine.Toggle(f.ctx, schoolA, s, term1, "principal")
	require.NoError(t, err)

	// THEN: Record created, result is not cleared
	assert.False(t, rec.IsClearedForExam)
	stored := f.record(s, term1)
	assert.Equal(t, rec.ID, stored.ID)
	assert.False(t, stored.IsClearedForExam)

	// WHEN: Toggling again
	rec, err = f.engine.Toggle(f.ctx, schoolA, s, term1, "principal")
	require.NoError(t, err)

	// THEN: Cleared with an audit stamp
	assert.True(t, rec.IsClearedForExam)
	assert.Equal(t, "principal", rec.ClearedBy)
	require.NotNil(t, rec.ClearedAt)
}

func TestClearance_ToggleFlipsExistingRecord(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 50000)
	f.sync(x, term1)

	rec, err := f.engine.Toggle(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)
	assert.True(t, rec.IsClearedForExam)

	rec, err = f.engine.Toggle(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)
	assert.False(t, rec.IsClearedForExam)
	assert.Empty(t, rec.ClearedBy)
}

func TestClearance_MissingRecordIsCreatedForClear(t *testing.T) {
	f := newFixture(t)
	x := f.student("x", "jss1")
	f.fee("jss1", term1, 30000)

	rec, err := f.engine.Clear(f.ctx, schoolA, x, term1, "principal")
	require.NoError(t, err)

	assertAmount(t, 30000, rec.Balance)
	assert.True(t, rec.IsClearedForExam)
	assert.Equal(t, int64(2), rec.Version)
	f.assertInvariant(f.record(x, term1))
}

func TestClearance_UnknownStudent(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Clear(f.ctx, schoolA, "ghost", term1, "principal")

	assert.ErrorIs(t, err, ledger.ErrStudentNotFound)
}
