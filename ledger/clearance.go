/*
clearance.go - Clearance Gate

STATE:
  eligibleByBalance  derived by sync: expected == 0 || balance <= 0
  clearanceOverride  none | allow | deny, written only here
  isClearedForExam   EffectiveClearance(eligible, override)

OPERATIONS:
  Clear           override = allow, clearedBy/clearedAt stamped
  Revoke          override = deny, stamp removed
  Toggle          flips the effective value; a record created by the
                  toggle itself starts denied
  ResetClearance  override = none, effective value follows the balance

MISSING RECORDS:
  Every operation creates the record with the synchronizer's creation
  logic (ensureRecord) instead of failing. A missing student is
  ErrStudentNotFound.
*/
package ledger

import (
	"context"
	"time"
)

type ClearanceAction string

const (
	ClearanceClear  ClearanceAction = "clear"
	ClearanceRevoke ClearanceAction = "revoke"
	ClearanceToggle ClearanceAction = "toggle"
	ClearanceReset  ClearanceAction = "reset"
)

// Clear allows the student to sit exams regardless of balance.
func (e *Engine) Clear(ctx context.Context, school SchoolID, student StudentID, period Period, actor string) (FeeRecord, error) {
	return e.applyClearance(ctx, school, student, period, actor, ClearanceClear)
}

// Revoke bars the student from exams regardless of balance.
func (e *Engine) Revoke(ctx context.Context, school SchoolID, student StudentID, period Period, actor string) (FeeRecord, error) {
	return e.applyClearance(ctx, school, student, period, actor, ClearanceRevoke)
}

// Toggle flips the student's effective clearance.
func (e *Engine) Toggle(ctx context.Context, school SchoolID, student StudentID, period Period, actor string) (FeeRecord, error) {
	return e.applyClearance(ctx, school, student, period, actor, ClearanceToggle)
}

// ResetClearance drops any manual override.
func (e *Engine) ResetClearance(ctx context.Context, school SchoolID, student StudentID, period Period, actor string) (FeeRecord, error) {
	return e.applyClearance(ctx, school, student, period, actor, ClearanceReset)
}

func (e *Engine) applyClearance(ctx context.Context, school SchoolID, student StudentID, period Period, actor string, action ClearanceAction) (FeeRecord, error) {
	if err := validateScope(school, student, period); err != nil {
		return FeeRecord{}, err
	}

	var out FeeRecord
	err := e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(st Store) error {
			existing, err := st.GetRecord(ctx, school, student, period)
			if err != nil {
				return err
			}
			created := existing == nil

			rec, _, err := e.ensureRecord(ctx, st, school, student, period)
			if err != nil {
				return err
			}

			next := rec
			switch action {
			case ClearanceClear:
				e.allow(&next, actor)
			case ClearanceRevoke:
				deny(&next)
			case ClearanceReset:
				next.ClearanceOverride = OverrideNone
				next.ClearedBy = ""
				next.ClearedAt = nil
			case ClearanceToggle:
				if created || next.IsClearedForExam {
					deny(&next)
				} else {
					e.allow(&next, actor)
				}
			}
			next.Recompute()

			if next.sameState(rec) && equalTimes(next.ClearedAt, rec.ClearedAt) {
				out = rec
				return nil
			}
			out, err = e.saveRecord(ctx, st, next, rec.Version)
			return err
		})
	})
	return out, err
}

func (e *Engine) allow(rec *FeeRecord, actor string) {
	now := e.now()
	rec.ClearanceOverride = OverrideAllow
	rec.ClearedBy = actor
	rec.ClearedAt = &now
}

func deny(rec *FeeRecord) {
	rec.ClearanceOverride = OverrideDeny
	rec.ClearedBy = ""
	rec.ClearedAt = nil
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
