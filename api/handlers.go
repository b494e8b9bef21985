/*
handlers.go - HTTP API handlers for the fee ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger.

ENDPOINTS (all under /api/fees, tenant taken from the token):
  Reads:
    GET  /students                 Cohort fee status (real or virtual records)
    GET  /student/{id}             One stored record with its payments
    GET  /student/{id}/summary     Summary, virtual when no record exists
    GET  /summary                  Cohort statistics (cached)
    GET  /periods/current          The school's current period
    GET  /audit                    Recent audit entries

  Writes:
    POST /record                   Set expected and/or paid amount
    POST /payment                  Record a payment
    PUT  /payment/{id}             Correct a payment
    POST /toggle-clearance/{id}    Flip exam clearance
    POST /clear/{id}               Allow exam access
    POST /revoke-clearance/{id}    Deny exam access
    POST /reset-clearance/{id}     Back to the balance-derived value
    POST /sync-records             Bulk sync for a cohort
    POST /reminders                Queue fee reminders

PERIOD PARAMETERS:
  termId and academicSessionId come from the query string on GET and
  from the body (or query) on POST. When both are absent the school's
  current period is used.

REQUEST FLOW:
  1. Parse and validate the request
  2. Call the ledger with the caller's school
  3. Invalidate cached stats and write an audit entry after a mutation
  4. Serialize the response

ERROR HANDLING:
  - 400: Validation errors, bad amounts, negative paid totals
  - 401/403: Missing token, wrong role
  - 404: Unknown student, record, payment or period
  - 409: Duplicate reference, lost concurrent update
  - 500: Everything else, with a generic message

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Token verification and roles
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/warp/fee-ledger/audit"
	"github.com/warp/fee-ledger/cache"
	"github.com/warp/fee-ledger/ledger"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Stats  *cache.StatsCache
	Audit  *audit.Logger
	DB     Pinger

	// Seeder enables the demo scenario routes when set.
	Seeder Seeder

	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a handler around the engine. Stats, Audit, DB and
// Seeder are optional.
func NewHandler(engine *ledger.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:   engine,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness and database reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// READ HANDLERS
// =============================================================================

// ListStudents returns every active student with their record.
// GET /api/fees/students?termId&academicSessionId&classId
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	period, ok := h.queryPeriod(w, r, p.SchoolID)
	if !ok {
		return
	}

	cohort, err := h.Engine.ListCohort(r.Context(), p.SchoolID, period, ledger.ClassID(r.URL.Query().Get("classId")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	dtos := make([]StudentFeeStatusDTO, len(cohort))
	for i, c := range cohort {
		dtos[i] = StudentFeeStatusDTO{
			StudentID:     string(c.Student.ID),
			Name:          c.Student.Name,
			ClassID:       string(c.Student.ClassID),
			IsScholarship: c.Student.IsScholarship,
			HasRecord:     c.HasRecord,
			Record:        toFeeRecordDTO(c.Record),
			Problem:       c.Problem,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStudentRecord returns the stored record and its payments. A student
// without a record for the period gets a null feeRecord.
// GET /api/fees/student/{id}?termId&academicSessionId
func (h *Handler) GetStudentRecord(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	studentID := ledger.StudentID(chi.URLParam(r, "id"))
	period, ok := h.queryPeriod(w, r, p.SchoolID)
	if !ok {
		return
	}

	ctx := r.Context()
	rec, err := h.Engine.GetRecord(ctx, p.SchoolID, studentID, period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, StudentRecordDTO{Payments: []PaymentDTO{}})
		return
	}
	payments, err := h.Engine.Payments(ctx, p.SchoolID, rec.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	dto := toFeeRecordDTO(*rec)
	writeJSON(w, http.StatusOK, StudentRecordDTO{FeeRecord: &dto, Payments: toPaymentDTOs(payments)})
}

// GetSummary returns the student's summary for the period.
// GET /api/fees/student/{id}/summary?termId&academicSessionId
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	period, ok := h.queryPeriod(w, r, p.SchoolID)
	if !ok {
		return
	}

	sum, err := h.Engine.Summary(r.Context(), p.SchoolID, ledger.StudentID(chi.URLParam(r, "id")), period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// GetCohortStats returns dashboard counters for the period.
// GET /api/fees/summary?termId&academicSessionId
func (h *Handler) GetCohortStats(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	period, ok := h.queryPeriod(w, r, p.SchoolID)
	if !ok {
		return
	}

	stats, err := h.Stats.CohortStats(r.Context(), p.SchoolID, period, h.Engine.CohortStats)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCohortStatsDTO(stats))
}

// GetCurrentPeriod returns the school's current period.
// GET /api/fees/periods/current
func (h *Handler) GetCurrentPeriod(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	cur, err := h.Engine.CurrentPeriod(r.Context(), p.SchoolID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDTO{
		TermID:            string(cur.Period.TermID),
		AcademicSessionID: string(cur.Period.SessionID),
		TermName:          cur.TermName,
		SessionName:       cur.SessionName,
		IsCurrent:         cur.IsCurrent,
	})
}

// ListAudit returns the newest audit entries of the school.
// GET /api/fees/audit?limit=50
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", err)
			return
		}
		limit = n
	}
	if h.Audit == nil {
		writeJSON(w, http.StatusOK, []AuditEntryDTO{})
		return
	}

	entries, err := h.Audit.Recent(r.Context(), p.SchoolID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:       e.ID,
			UserID:   e.UserID,
			Action:   e.Action,
			Resource: e.Resource,
			Details:  e.Details,
			At:       timeString(e.At),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WRITE HANDLERS
// =============================================================================

// UpsertRecord sets the expected and/or paid amount of a record.
// POST /api/fees/record
func (h *Handler) UpsertRecord(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req UpsertRecordRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, ok := h.bodyPeriod(w, r, p.SchoolID, req.PeriodRequest)
	if !ok {
		return
	}

	ctx := r.Context()
	rec, err := h.Engine.UpsertRecord(ctx, p.SchoolID, ledger.UpsertInput{
		StudentID:      ledger.StudentID(req.StudentID),
		Period:         period,
		ExpectedAmount: req.ExpectedAmount,
		PaidAmount:     req.PaidAmount,
		Actor:          p.UserID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	details := map[string]any{"period": period.String()}
	if req.ExpectedAmount != nil {
		details["expectedAmount"] = req.ExpectedAmount.String()
	}
	if req.PaidAmount != nil {
		details["paidAmount"] = req.PaidAmount.String()
	}
	h.afterMutation(ctx, p, "fee_record.upsert", "fee_record/"+string(rec.ID), details)
	writeJSON(w, http.StatusOK, toFeeRecordDTO(rec))
}

// RecordPayment applies a payment.
// POST /api/fees/payment
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, ok := h.bodyPeriod(w, r, p.SchoolID, req.PeriodRequest)
	if !ok {
		return
	}

	in := ledger.PaymentInput{
		StudentID: ledger.StudentID(req.StudentID),
		Period:    period,
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Notes:     req.Notes,
		Actor:     p.UserID,
	}
	if req.PaymentDate != nil {
		in.PaymentDate = *req.PaymentDate
	}

	ctx := r.Context()
	res, err := h.Engine.RecordPayment(ctx, p.SchoolID, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.afterMutation(ctx, p, "payment.record", "fee_payment/"+string(res.Payment.ID), map[string]any{
		"studentId": req.StudentID,
		"period":    period.String(),
		"amount":    res.Payment.Amount.String(),
		"reference": res.Payment.Reference,
	})
	writeJSON(w, http.StatusCreated, PaymentResultDTO{
		FeeRecord: toFeeRecordDTO(res.Record),
		Payment:   toPaymentDTO(res.Payment),
	})
}

// EditPayment corrects a payment's amount and details.
// PUT /api/fees/payment/{id}
func (h *Handler) EditPayment(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req EditPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	paymentID := ledger.PaymentID(chi.URLParam(r, "id"))
	res, err := h.Engine.EditPayment(ctx, p.SchoolID, ledger.EditPaymentInput{
		PaymentID: paymentID,
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Notes:     req.Notes,
		Actor:     p.UserID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.afterMutation(ctx, p, "payment.edit", "fee_payment/"+string(paymentID), map[string]any{
		"amount": res.Payment.Amount.String(),
	})
	writeJSON(w, http.StatusOK, PaymentResultDTO{
		FeeRecord: toFeeRecordDTO(res.Record),
		Payment:   toPaymentDTO(res.Payment),
	})
}

type clearanceFunc func(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, period ledger.Period, actor string) (ledger.FeeRecord, error)

// clearance builds the four clearance handlers.
// POST /api/fees/{toggle-clearance,clear,revoke-clearance,reset-clearance}/{studentId}
func (h *Handler) clearance(action string, apply clearanceFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		var req PeriodRequest
		if !h.decodeOptional(w, r, &req) {
			return
		}
		period, ok := h.bodyPeriod(w, r, p.SchoolID, req)
		if !ok {
			return
		}

		ctx := r.Context()
		studentID := ledger.StudentID(chi.URLParam(r, "studentId"))
		rec, err := apply(ctx, p.SchoolID, studentID, period, p.UserID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}

		h.afterMutation(ctx, p, "clearance."+action, "fee_record/"+string(rec.ID), map[string]any{
			"studentId":        string(studentID),
			"period":           period.String(),
			"isClearedForExam": rec.IsClearedForExam,
		})
		writeJSON(w, http.StatusOK, toFeeRecordDTO(rec))
	}
}

func (h *Handler) ToggleClearance() http.HandlerFunc { return h.clearance("toggle", h.Engine.Toggle) }
func (h *Handler) Clear() http.HandlerFunc           { return h.clearance("clear", h.Engine.Clear) }
func (h *Handler) Revoke() http.HandlerFunc          { return h.clearance("revoke", h.Engine.Revoke) }
func (h *Handler) ResetClearance() http.HandlerFunc  { return h.clearance("reset", h.Engine.ResetClearance) }

// SyncRecords runs the bulk sync for a cohort.
// POST /api/fees/sync-records
func (h *Handler) SyncRecords(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req CohortRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	period, ok := h.bodyPeriod(w, r, p.SchoolID, req.PeriodRequest)
	if !ok {
		return
	}

	ctx := r.Context()
	report, err := h.Engine.SyncCohort(ctx, p.SchoolID, period, ledger.ClassID(req.ClassID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.afterMutation(ctx, p, "fee_record.sync", "cohort/"+period.String(), map[string]any{
		"classId": req.ClassID,
		"created": report.Created,
		"updated": report.Updated,
		"failed":  report.Failed,
	})
	writeJSON(w, http.StatusOK, SyncReportDTO{
		CreatedCount: report.Created,
		UpdatedCount: report.Updated,
		SkippedCount: report.Skipped,
		FailedCount:  report.Failed,
		Failures:     toFailureDTOs(report.Failures),
	})
}

// QueueReminders writes fee reminder events for students who owe.
// POST /api/fees/reminders
func (h *Handler) QueueReminders(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req CohortRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	period, ok := h.bodyPeriod(w, r, p.SchoolID, req.PeriodRequest)
	if !ok {
		return
	}

	ctx := r.Context()
	report, err := h.Engine.QueueReminders(ctx, p.SchoolID, period, ledger.ClassID(req.ClassID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if h.Audit != nil {
		h.Audit.LogAction(p.SchoolID, p.UserID, "reminder.queue", "cohort/"+period.String(), map[string]any{
			"classId": req.ClassID,
			"queued":  report.Queued,
		})
	}
	writeJSON(w, http.StatusAccepted, ReminderReportDTO{
		Queued:   report.Queued,
		Skipped:  report.Skipped,
		Failed:   report.Failed,
		Failures: toFailureDTOs(report.Failures),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// afterMutation drops cached stats and records the action.
func (h *Handler) afterMutation(ctx context.Context, p Principal, action, resource string, details map[string]any) {
	if err := h.Stats.Invalidate(ctx, p.SchoolID); err != nil {
		h.logger.WarnContext(ctx, "stats invalidation failed", "school_id", p.SchoolID, "error", err)
	}
	if h.Audit != nil {
		h.Audit.LogAction(p.SchoolID, p.UserID, action, resource, details)
	}
}

func (h *Handler) resolvePeriod(ctx context.Context, school ledger.SchoolID, req PeriodRequest) (ledger.Period, error) {
	if req.TermID == "" && req.AcademicSessionID == "" {
		cur, err := h.Engine.CurrentPeriod(ctx, school)
		if err != nil {
			return ledger.Period{}, err
		}
		return cur.Period, nil
	}
	period := ledger.NewPeriod(req.AcademicSessionID, req.TermID)
	return period, period.Validate()
}

func (h *Handler) queryPeriod(w http.ResponseWriter, r *http.Request, school ledger.SchoolID) (ledger.Period, bool) {
	q := r.URL.Query()
	return h.bodyPeriod(w, r, school, PeriodRequest{
		TermID:            q.Get("termId"),
		AcademicSessionID: q.Get("academicSessionId"),
	})
}

// bodyPeriod falls back to the query string when the body names no period.
func (h *Handler) bodyPeriod(w http.ResponseWriter, r *http.Request, school ledger.SchoolID, req PeriodRequest) (ledger.Period, bool) {
	if req.TermID == "" && req.AcademicSessionID == "" {
		q := r.URL.Query()
		req.TermID = q.Get("termId")
		req.AcademicSessionID = q.Get("academicSessionId")
	}
	period, err := h.resolvePeriod(r.Context(), school, req)
	if err != nil {
		h.respondError(w, r, err)
		return ledger.Period{}, false
	}
	return period, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Details: fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()),
			Field:   fe.Field(),
		})
		return false
	}
	writeError(w, http.StatusBadRequest, "Validation failed", err)
	return false
}

// respondError maps ledger errors to HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Field: verr.Field})
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
