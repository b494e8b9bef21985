/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the caller's school with realistic data for demos and manual
  testing: periods, classes with fee structures, students, and payments
  that exercise carry-forward, scholarship and clearance behaviour.

AVAILABLE SCENARIOS:
  first-term:     One session, three terms, nothing paid yet
  carry-forward:  Term 1 partly paid, term 2 current, arrears carried
  clearance:      Mixed payers with a manual revoke and a manual clear

HOW SCENARIOS WORK:
  1. Save periods and mark the current one
  2. Save fee structures per class and term
  3. Save students
  4. Sync records and record payments through the ledger engine

  Loading is repeatable: seed rows are upserts and demo payments carry
  fixed references, so a second load stops at the first duplicate
  reference instead of paying twice.

USAGE VIA API:
  GET  /api/dev/scenarios
  POST /api/dev/scenarios/load {"scenarioId": "carry-forward"}

NOTE:
  Routes are mounted only outside production and only for admins.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/ledger"
)

// Seeder writes the read-only inputs the ledger consumes. Both SQL stores
// implement it.
type Seeder interface {
	SaveStudent(ctx context.Context, st ledger.Student) error
	SaveFeeStructure(ctx context.Context, fs ledger.ClassFeeStructure) error
	SavePeriod(ctx context.Context, p ledger.AcademicPeriod) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required,oneof=first-term carry-forward clearance"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "first-term",
		Name:        "First Term",
		Description: "Fresh session: fee structures and students, no payments",
	},
	{
		ID:          "carry-forward",
		Name:        "Carry Forward",
		Description: "Term 1 partly paid; term 2 opens with the arrears",
	},
	{
		ID:          "clearance",
		Name:        "Exam Clearance",
		Description: "Paid, partial and scholarship students with manual overrides",
	},
}

const demoSession = "2025-2026"

var (
	demoTerm1 = ledger.NewPeriod(demoSession, "term-1")
	demoTerm2 = ledger.NewPeriod(demoSession, "term-2")
	demoTerm3 = ledger.NewPeriod(demoSession, "term-3")
)

// ListScenarios returns available scenarios.
// GET /api/dev/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the caller's school.
// POST /api/dev/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Seeder == nil {
		writeError(w, http.StatusNotFound, "Scenarios are not available", nil)
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := principal(r)
	ctx := r.Context()

	var err error
	switch req.ScenarioID {
	case "first-term":
		err = h.loadFirstTermScenario(ctx, p, demoTerm1)
	case "carry-forward":
		err = h.loadCarryForwardScenario(ctx, p)
	case "clearance":
		err = h.loadClearanceScenario(ctx, p)
	}
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		h.respondError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.afterMutation(ctx, p, "scenario.load", "scenario/"+req.ScenarioID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type demoStudent struct {
	id, class, name string
	scholarship     bool
}

var demoStudents = []demoStudent{
	{"demo-ada", "jss1", "Ada Okafor", false},
	{"demo-bayo", "jss1", "Bayo Adeyemi", false},
	{"demo-chioma", "jss1", "Chioma Eze", false},
	{"demo-dami", "jss2", "Dami Bello", false},
	{"demo-efe", "jss2", "Efe Ogbu", true},
}

var demoFees = map[string]int64{
	"jss1": 45000,
	"jss2": 52000,
}

// loadFirstTermScenario saves periods, fees and students with current as
// the current period.
func (h *Handler) loadFirstTermScenario(ctx context.Context, p Principal, current ledger.Period) error {
	terms := []struct {
		period ledger.Period
		name   string
	}{
		{demoTerm1, "First Term"},
		{demoTerm2, "Second Term"},
		{demoTerm3, "Third Term"},
	}
	for _, t := range terms {
		if err := h.Seeder.SavePeriod(ctx, ledger.AcademicPeriod{
			SchoolID:    p.SchoolID,
			Period:      t.period,
			SessionName: "2025/2026 Session",
			TermName:    t.name,
			IsCurrent:   t.period.Same(current),
		}); err != nil {
			return err
		}
		for class, amount := range demoFees {
			if err := h.Seeder.SaveFeeStructure(ctx, ledger.ClassFeeStructure{
				SchoolID: p.SchoolID,
				ClassID:  ledger.ClassID(class),
				Period:   t.period,
				Amount:   decimal.NewFromInt(amount),
			}); err != nil {
				return err
			}
		}
	}

	for _, s := range demoStudents {
		if err := h.Seeder.SaveStudent(ctx, ledger.Student{
			ID:            ledger.StudentID(s.id),
			SchoolID:      p.SchoolID,
			ClassID:       ledger.ClassID(s.class),
			Name:          s.name,
			GuardianEmail: s.id + "@parents.example",
			IsScholarship: s.scholarship,
			Status:        ledger.StudentActive,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) demoPayment(ctx context.Context, p Principal, student string, period ledger.Period, amount int64, ref string) error {
	_, err := h.Engine.RecordPayment(ctx, p.SchoolID, ledger.PaymentInput{
		StudentID: ledger.StudentID(student),
		Period:    period,
		Amount:    decimal.NewFromInt(amount),
		Method:    "transfer",
		Reference: ref,
		Notes:     "demo",
		Actor:     p.UserID,
	})
	return err
}

func (h *Handler) loadCarryForwardScenario(ctx context.Context, p Principal) error {
	if err := h.loadFirstTermScenario(ctx, p, demoTerm2); err != nil {
		return err
	}
	if _, err := h.Engine.SyncCohort(ctx, p.SchoolID, demoTerm1, ""); err != nil {
		return err
	}

	// Ada pays in full, Bayo half, Chioma nothing, Dami most of it.
	payments := []struct {
		student string
		amount  int64
	}{
		{"demo-ada", 45000},
		{"demo-bayo", 22500},
		{"demo-dami", 40000},
	}
	for i, pay := range payments {
		if err := h.demoPayment(ctx, p, pay.student, demoTerm1, pay.amount, fmt.Sprintf("DEMO-CF-%d", i+1)); err != nil {
			return err
		}
	}

	_, err := h.Engine.SyncCohort(ctx, p.SchoolID, demoTerm2, "")
	return err
}

func (h *Handler) loadClearanceScenario(ctx context.Context, p Principal) error {
	if err := h.loadFirstTermScenario(ctx, p, demoTerm1); err != nil {
		return err
	}
	if _, err := h.Engine.SyncCohort(ctx, p.SchoolID, demoTerm1, ""); err != nil {
		return err
	}

	if err := h.demoPayment(ctx, p, "demo-ada", demoTerm1, 45000, "DEMO-CL-1"); err != nil {
		return err
	}
	if err := h.demoPayment(ctx, p, "demo-bayo", demoTerm1, 30000, "DEMO-CL-2"); err != nil {
		return err
	}
	if _, err := h.Engine.SyncCohort(ctx, p.SchoolID, demoTerm1, ""); err != nil {
		return err
	}

	// Bayo gets an exception from the principal; Ada is held back despite paying.
	if _, err := h.Engine.Clear(ctx, p.SchoolID, "demo-bayo", demoTerm1, p.UserID); err != nil {
		return err
	}
	_, err := h.Engine.Revoke(ctx, p.SchoolID, "demo-ada", demoTerm1, p.UserID)
	return err
}
