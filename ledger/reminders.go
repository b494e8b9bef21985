package ledger

import (
	"context"
)

// ReminderReport counts a reminder run. Skipped students owe nothing or
// have no guardian contact.
type ReminderReport struct {
	Queued   int
	Skipped  int
	Failed   int
	Failures []SyncFailure
}

// QueueReminders writes a fee.reminder outbox event for every active student
// with a positive balance for the period. Each event is its own
// transaction; one failure does not stop the run.
func (e *Engine) QueueReminders(ctx context.Context, school SchoolID, period Period, classID ClassID) (ReminderReport, error) {
	var report ReminderReport

	cohort, err := e.ListCohort(ctx, school, period, classID)
	if err != nil {
		return report, err
	}

	for _, c := range cohort {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		r := c.Record
		if !r.Balance.IsPositive() || (c.Student.GuardianEmail == "" && c.Student.GuardianPhone == "") {
			report.Skipped++
			continue
		}

		payload := ReminderEvent{
			SchoolID:       school,
			StudentID:      c.Student.ID,
			StudentName:    c.Student.Name,
			GuardianEmail:  c.Student.GuardianEmail,
			GuardianPhone:  c.Student.GuardianPhone,
			SessionID:      period.SessionID,
			TermID:         period.TermID,
			ExpectedAmount: r.OpeningBalance.Add(r.ExpectedAmount).String(),
			PaidAmount:     r.PaidAmount.String(),
			Balance:        r.Balance.String(),
		}
		evt, err := newEvent(EventID(e.newID()), school, EventFeeReminder, payload, e.now())
		if err == nil {
			err = e.store.WithTx(ctx, func(st Store) error {
				return st.AppendEvent(ctx, evt)
			})
		}
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, SyncFailure{StudentID: c.Student.ID, Error: err.Error()})
			continue
		}
		report.Queued++
	}
	return report, nil
}

// CurrentPeriod asks the period registry which period is current.
func (e *Engine) CurrentPeriod(ctx context.Context, school SchoolID) (AcademicPeriod, error) {
	if err := requireSchool(school); err != nil {
		return AcademicPeriod{}, err
	}
	p, err := e.store.CurrentPeriod(ctx, school)
	if err != nil {
		return AcademicPeriod{}, err
	}
	if p == nil {
		return AcademicPeriod{}, ErrPeriodNotFound
	}
	return *p, nil
}

// CheckPeriod verifies the registry knows the period.
func (e *Engine) CheckPeriod(ctx context.Context, school SchoolID, period Period) error {
	if err := requireSchool(school); err != nil {
		return err
	}
	if err := period.Validate(); err != nil {
		return err
	}
	p, err := e.store.GetAcademicPeriod(ctx, school, period)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrPeriodNotFound
	}
	return nil
}
