/*
handlers_test.go - HTTP tests for the fee API

Tests for:
- Authentication, roles and tenant isolation
- Payment, sync, clearance and summary routes end to end on SQLite
- Error mapping (400/404/409/429)
- Stats cache invalidation and audit entries after mutations
- Demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/audit"
	"github.com/warp/fee-ledger/cache"
	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/store/sqlite"
)

const (
	testSecret = "test-secret"
	schoolA    = ledger.SchoolID("school-a")
	schoolB    = ledger.SchoolID("school-b")
)

var term1 = ledger.NewPeriod("2025-2026", "term-1")

type testServer struct {
	t       *testing.T
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SavePeriod(ctx, ledger.AcademicPeriod{SchoolID: schoolA, Period: term1, TermName: "First Term", SessionName: "2025/2026", IsCurrent: true}))
	require.NoError(t, store.SaveFeeStructure(ctx, ledger.ClassFeeStructure{SchoolID: schoolA, ClassID: "jss1", Period: term1, Amount: decimal.NewFromInt(50000)}))
	require.NoError(t, store.SaveStudent(ctx, ledger.Student{ID: "stu-1", SchoolID: schoolA, ClassID: "jss1", Name: "Ada", GuardianEmail: "ada@parents.example", Status: ledger.StudentActive}))
	require.NoError(t, store.SaveStudent(ctx, ledger.Student{ID: "stu-2", SchoolID: schoolA, ClassID: "jss1", Name: "Bayo", IsScholarship: true, Status: ledger.StudentActive}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(ledger.NewEngine(store), logger)
	h.Stats = cache.NewStatsCache(rdb, time.Minute, logger)
	h.Audit = audit.NewLogger(store, logger)
	h.DB = store
	h.Seeder = store

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	return &testServer{t: t, store: store, handler: h, router: NewRouter(h, cfg)}
}

func (ts *testServer) token(school ledger.SchoolID, role Role) string {
	ts.t.Helper()
	tok, err := IssueToken(testSecret, Principal{UserID: "user-" + string(role), SchoolID: school, Role: role}, time.Hour)
	require.NoError(ts.t, err)
	return tok
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) bursar() string { return ts.token(schoolA, RoleAccountant) }

func (ts *testServer) syncAll() {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/fees/sync-records", ts.bursar(), map[string]string{"termId": "term-1", "academicSessionId": "2025-2026"})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) pay(amount int64, ref string) *httptest.ResponseRecorder {
	return ts.do(http.MethodPost, "/api/fees/payment", ts.bursar(), map[string]any{
		"studentId": "stu-1", "termId": "term-1", "academicSessionId": "2025-2026",
		"amount": amount, "paymentMethod": "transfer", "reference": ref,
	})
}

// =============================================================================
// AUTH
// =============================================================================

func TestHealthz_NoAuth(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec := ts.do(http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAuth_MissingAndInvalidToken(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/fees/periods/current", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/fees/periods/current", "not-a-jwt", nil).Code)

	forged, err := IssueToken("other-secret", Principal{UserID: "u", SchoolID: schoolA, Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/fees/periods/current", forged, nil).Code)

	expired, err := IssueToken(testSecret, Principal{UserID: "u", SchoolID: schoolA, Role: RoleAdmin}, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/fees/periods/current", expired, nil).Code)
}

func TestAuth_RoleChecks(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	parent := ts.token(schoolA, RoleParent)

	// Parents can read a summary...
	rec := ts.do(http.MethodGet, "/api/fees/student/stu-1/summary", parent, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// ...but cannot record payments or list the cohort
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodPost, "/api/fees/payment", parent, map[string]any{}).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodGet, "/api/fees/students", parent, nil).Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_RequiresRecord(t *testing.T) {
	// GIVEN: No synced record
	ts := newTestServer(t, RouterConfig{})

	// WHEN
	rec := ts.pay(20000, "")

	// THEN
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, "create a fee record first")
}

func TestRecordPayment_FlowAndSummary(t *testing.T) {
	// GIVEN: Records synced for the cohort
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()

	// WHEN: A payment is recorded
	rec := ts.pay(20000, "TRX-1")

	// THEN: The record moves and the payment is returned
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[PaymentResultDTO](t, rec)
	assert.Equal(t, "20000.00", res.FeeRecord.PaidAmount)
	assert.Equal(t, "30000.00", res.FeeRecord.Balance)
	assert.False(t, res.FeeRecord.IsClearedForExam)
	assert.Equal(t, "user-accountant", res.Payment.RecordedBy)
	assert.Equal(t, "TRX-1", res.Payment.Reference)

	// AND: The summary without period params uses the current period
	rec = ts.do(http.MethodGet, "/api/fees/student/stu-1/summary", ts.token(schoolA, RoleParent), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeBody[SummaryDTO](t, rec)
	assert.True(t, sum.HasRecord)
	assert.Equal(t, "term-1", sum.TermID)
	assert.Equal(t, "20000.00", sum.TotalPaid)
	assert.Equal(t, "30000.00", sum.CurrentBalance)
	assert.Len(t, sum.Payments, 1)

	// AND: The stored record lists its payment
	rec = ts.do(http.MethodGet, "/api/fees/student/stu-1?termId=term-1&academicSessionId=2025-2026", ts.bursar(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		FeeRecord FeeRecordDTO `json:"feeRecord"`
		Payments  []PaymentDTO `json:"payments"`
	}](t, rec)
	assert.Equal(t, int64(2), body.FeeRecord.Version)
	assert.Len(t, body.Payments, 1)
}

func TestGetStudentRecord_NullBeforeSync(t *testing.T) {
	// GIVEN: A known student without a record
	ts := newTestServer(t, RouterConfig{})

	// WHEN
	rec := ts.do(http.MethodGet, "/api/fees/student/stu-1?termId=term-1&academicSessionId=2025-2026", ts.bursar(), nil)

	// THEN: 200 with a null record
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"feeRecord": null, "payments": []}`, rec.Body.String())

	// AND: An unknown student is still a 404
	rec = ts.do(http.MethodGet, "/api/fees/student/ghost?termId=term-1&academicSessionId=2025-2026", ts.bursar(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncRecords_ReportCounts(t *testing.T) {
	// GIVEN: Two priced students and one fee payer without a class
	ts := newTestServer(t, RouterConfig{})
	require.NoError(t, ts.store.SaveStudent(context.Background(), ledger.Student{
		ID: "stu-3", SchoolID: schoolA, Name: "Chioma", Status: ledger.StudentActive,
	}))
	body := map[string]string{"termId": "term-1", "academicSessionId": "2025-2026"}

	// WHEN: Syncing twice
	first := ts.do(http.MethodPost, "/api/fees/sync-records", ts.bursar(), body)
	second := ts.do(http.MethodPost, "/api/fees/sync-records", ts.bursar(), body)

	// THEN: The counts use the documented field names
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	report := decodeBody[map[string]any](t, first)
	assert.EqualValues(t, 2, report["createdCount"])
	assert.EqualValues(t, 0, report["updatedCount"])
	assert.EqualValues(t, 0, report["skippedCount"])
	assert.EqualValues(t, 1, report["failedCount"])
	failures, ok := report["failures"].([]any)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, "stu-3", failures[0].(map[string]any)["studentId"])

	again := decodeBody[SyncReportDTO](t, second)
	assert.Equal(t, 2, again.SkippedCount)
	assert.Equal(t, 0, again.CreatedCount)

	// AND: The cohort list flags the student instead of clearing them
	list := decodeBody[[]StudentFeeStatusDTO](t, ts.do(http.MethodGet, "/api/fees/students", ts.bursar(), nil))
	require.Len(t, list, 3)
	for _, st := range list {
		if st.StudentID == "stu-3" {
			assert.Contains(t, st.Problem, "has no class")
			assert.False(t, st.Record.IsClearedForExam)
		}
	}
	stats := decodeBody[CohortStatsDTO](t, ts.do(http.MethodGet, "/api/fees/summary", ts.bursar(), nil))
	assert.Equal(t, 1, stats.UnresolvedCount)
}

func TestRecordPayment_DuplicateReferenceConflicts(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()
	require.Equal(t, http.StatusCreated, ts.pay(5000, "GW-77").Code)

	rec := ts.pay(5000, "GW-77")

	assert.Equal(t, http.StatusConflict, rec.Code)
	sum := decodeBody[SummaryDTO](t, ts.do(http.MethodGet, "/api/fees/student/stu-1/summary", ts.bursar(), nil))
	assert.Equal(t, "5000.00", sum.TotalPaid)
}

func TestRecordPayment_BadInput(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()

	assert.Equal(t, http.StatusBadRequest, ts.pay(0, "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.pay(-10, "").Code)

	rec := ts.do(http.MethodPost, "/api/fees/payment", ts.bursar(), map[string]any{
		"studentId": "stu-1", "termId": "term-1", "academicSessionId": "2025-2026", "amount": "100.555",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "amount", decodeBody[ErrorResponse](t, rec).Field)

	rec = ts.do(http.MethodPost, "/api/fees/payment", ts.bursar(), map[string]any{"amount": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "StudentID", decodeBody[ErrorResponse](t, rec).Field)

	rec = ts.do(http.MethodPost, "/api/fees/payment", ts.bursar(), map[string]any{"studentId": "stu-1", "termId": "term-1", "amount": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/fees/payment", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+ts.bursar())
	raw := httptest.NewRecorder()
	ts.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestEditPayment(t *testing.T) {
	// GIVEN: A 10000 payment
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()
	created := decodeBody[PaymentResultDTO](t, ts.pay(10000, "TRX-E"))

	// WHEN: It is corrected to 7000
	rec := ts.do(http.MethodPut, "/api/fees/payment/"+created.Payment.ID, ts.bursar(), map[string]any{"amount": "7000"})

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[PaymentResultDTO](t, rec)
	assert.Equal(t, "7000.00", res.FeeRecord.PaidAmount)
	assert.Equal(t, "43000.00", res.FeeRecord.Balance)
	assert.Equal(t, "user-accountant", res.Payment.EditedBy)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPut, "/api/fees/payment/missing", ts.bursar(), map[string]any{"amount": 1}).Code)
}

// =============================================================================
// RECORDS, CLEARANCE, STATS
// =============================================================================

func TestUpsertRecord_PinsExpected(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec := ts.do(http.MethodPost, "/api/fees/record", ts.bursar(), map[string]any{
		"studentId": "stu-1", "termId": "term-1", "academicSessionId": "2025-2026", "expectedAmount": "40000",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[FeeRecordDTO](t, rec)
	assert.Equal(t, "40000.00", dto.ExpectedAmount)
	assert.True(t, dto.ExpectedManual)

	rec = ts.do(http.MethodPost, "/api/fees/record", ts.bursar(), map[string]any{"studentId": "stu-1", "paidAmount": "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearance_RevokeAndReset(t *testing.T) {
	// GIVEN: A fully paid student
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()
	require.Equal(t, http.StatusCreated, ts.pay(50000, "").Code)
	ts.syncAll()

	// WHEN: Clearance is revoked
	rec := ts.do(http.MethodPost, "/api/fees/revoke-clearance/stu-1", ts.bursar(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[FeeRecordDTO](t, rec).IsClearedForExam)

	// THEN: A later sync keeps it revoked
	ts.syncAll()
	sum := decodeBody[SummaryDTO](t, ts.do(http.MethodGet, "/api/fees/student/stu-1/summary", ts.bursar(), nil))
	assert.False(t, sum.IsClearedForExam)

	// AND: Reset restores the paid-up default
	rec = ts.do(http.MethodPost, "/api/fees/reset-clearance/stu-1?termId=term-1&academicSessionId=2025-2026", ts.bursar(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decodeBody[FeeRecordDTO](t, rec)
	assert.True(t, dto.IsClearedForExam)
	assert.Equal(t, "none", dto.ClearanceOverride)
}

func TestClearance_ToggleCreatesRecord(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec := ts.do(http.MethodPost, "/api/fees/toggle-clearance/stu-1", ts.bursar(), map[string]string{"termId": "term-1", "academicSessionId": "2025-2026"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[FeeRecordDTO](t, rec)
	assert.False(t, first.IsClearedForExam)
	assert.NotEmpty(t, first.ID)

	rec = ts.do(http.MethodPost, "/api/fees/toggle-clearance/stu-1", ts.bursar(), nil)
	assert.True(t, decodeBody[FeeRecordDTO](t, rec).IsClearedForExam)

	rec = ts.do(http.MethodPost, "/api/fees/clear/ghost", ts.bursar(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCohortStats_InvalidatedByPayment(t *testing.T) {
	// GIVEN: Cached stats
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()
	rec := ts.do(http.MethodGet, "/api/fees/summary", ts.bursar(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	before := decodeBody[CohortStatsDTO](t, rec)
	assert.Equal(t, 2, before.StudentCount)
	assert.Equal(t, "0.00", before.TotalPaid)

	// WHEN: A payment lands
	require.Equal(t, http.StatusCreated, ts.pay(12500, "").Code)

	// THEN: The next read is fresh
	after := decodeBody[CohortStatsDTO](t, ts.do(http.MethodGet, "/api/fees/summary", ts.bursar(), nil))
	assert.Equal(t, "12500.00", after.TotalPaid)
	assert.Equal(t, "37500.00", after.TotalBalance)
	assert.Equal(t, 1, after.PartialCount)
	assert.Equal(t, 1, after.ScholarshipCount)
}

func TestListStudents_IncludesVirtualRecords(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec := ts.do(http.MethodGet, "/api/fees/students?classId=jss1", ts.bursar(), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]StudentFeeStatusDTO](t, rec)
	require.Len(t, list, 2)
	for _, s := range list {
		assert.False(t, s.HasRecord)
	}

	rec = ts.do(http.MethodGet, "/api/fees/students?termId=term-1", ts.bursar(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantIsolation(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()
	require.Equal(t, http.StatusCreated, ts.pay(1000, "").Code)

	other := ts.token(schoolB, RoleAccountant)
	rec := ts.do(http.MethodGet, "/api/fees/student/stu-1?termId=term-1&academicSessionId=2025-2026", other, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	// School B has no current period either
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/fees/periods/current", other, nil).Code)
}

func TestQueueReminders(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()

	rec := ts.do(http.MethodPost, "/api/fees/reminders", ts.bursar(), nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	report := decodeBody[ReminderReportDTO](t, rec)
	assert.Equal(t, 1, report.Queued)
	assert.Equal(t, 1, report.Skipped)
}

func TestAudit_RecordsMutations(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.syncAll()
	require.Equal(t, http.StatusCreated, ts.pay(1000, "AUD-1").Code)
	ts.handler.Audit.Wait()

	rec := ts.do(http.MethodGet, "/api/fees/audit?limit=10", ts.token(schoolA, RoleAdmin), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "payment.record", entries[0].Action)
	assert.Equal(t, "fee_record.sync", entries[1].Action)
	assert.Equal(t, "AUD-1", entries[0].Details["reference"])

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/fees/audit?limit=0", ts.bursar(), nil).Code)
}

func TestRateLimit_PaymentRoutes(t *testing.T) {
	ts := newTestServer(t, RouterConfig{RateLimitPerMinute: 2})
	ts.syncAll()

	assert.Equal(t, http.StatusCreated, ts.pay(100, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.pay(100, "").Code)

	// Reads are not limited
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/fees/summary", ts.bursar(), nil).Code)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_CarryForward(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	admin := ts.token(schoolB, RoleAdmin)

	rec := ts.do(http.MethodGet, "/api/dev/scenarios", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), 3)

	// WHEN: Loaded twice
	for i := 0; i < 2; i++ {
		rec = ts.do(http.MethodPost, "/api/dev/scenarios/load", admin, map[string]string{"scenarioId": "carry-forward"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// THEN: Bayo's unpaid half of term 1 opens term 2, paid once
	rec = ts.do(http.MethodGet, "/api/fees/student/demo-bayo/summary", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeBody[SummaryDTO](t, rec)
	assert.Equal(t, "term-2", sum.TermID)
	assert.Equal(t, "22500.00", sum.PreviousOutstanding)
	assert.Equal(t, "67500.00", sum.CurrentBalance)

	// AND: Only admins may load
	rec = ts.do(http.MethodPost, "/api/dev/scenarios/load", ts.token(schoolB, RoleAccountant), map[string]string{"scenarioId": "clearance"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(http.MethodPost, "/api/dev/scenarios/load", admin, map[string]string{"scenarioId": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios_HiddenInProduction(t *testing.T) {
	ts := newTestServer(t, RouterConfig{Production: true})

	rec := ts.do(http.MethodGet, "/api/dev/scenarios", ts.token(schoolA, RoleAdmin), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
