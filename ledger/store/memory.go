// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore, ledger.OutboxStore and ledger.AuditStore.
// Transactions work on a copy of the state that replaces the original on
// commit, so a failed transaction leaves nothing behind.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type recordKey struct {
	School  ledger.SchoolID
	Student ledger.StudentID
	Period  ledger.Period
}

type classPeriodKey struct {
	School ledger.SchoolID
	Class  ledger.ClassID
	Period ledger.Period
}

type state struct {
	students   map[ledger.SchoolID]map[ledger.StudentID]ledger.Student
	structures map[classPeriodKey]ledger.ClassFeeStructure
	periods    map[ledger.SchoolID][]ledger.AcademicPeriod

	records     map[ledger.RecordID]ledger.FeeRecord
	recordIndex map[recordKey]ledger.RecordID
	payments    map[ledger.PaymentID]ledger.FeePayment
	paymentSeq  []ledger.PaymentID
	events      []ledger.Event
	audit       []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() *state {
	return &state{
		students:    make(map[ledger.SchoolID]map[ledger.StudentID]ledger.Student),
		structures:  make(map[classPeriodKey]ledger.ClassFeeStructure),
		periods:     make(map[ledger.SchoolID][]ledger.AcademicPeriod),
		records:     make(map[ledger.RecordID]ledger.FeeRecord),
		recordIndex: make(map[recordKey]ledger.RecordID),
		payments:    make(map[ledger.PaymentID]ledger.FeePayment),
	}
}

func (s *state) clone() *state {
	c := newState()
	for school, byID := range s.students {
		m := make(map[ledger.StudentID]ledger.Student, len(byID))
		for id, st := range byID {
			m[id] = st
		}
		c.students[school] = m
	}
	for k, v := range s.structures {
		c.structures[k] = v
	}
	for k, v := range s.periods {
		c.periods[k] = append([]ledger.AcademicPeriod(nil), v...)
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.recordIndex {
		c.recordIndex[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.paymentSeq = append([]ledger.PaymentID(nil), s.paymentSeq...)
	c.events = append([]ledger.Event(nil), s.events...)
	c.audit = append([]ledger.AuditEntry(nil), s.audit...)
	return c
}

// =============================================================================
// SEEDING - Directory data owned by other services
// =============================================================================

func (m *Memory) SaveStudent(s ledger.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.students[s.SchoolID] == nil {
		m.state.students[s.SchoolID] = make(map[ledger.StudentID]ledger.Student)
	}
	m.state.students[s.SchoolID][s.ID] = s
}

func (m *Memory) SaveFeeStructure(fs ledger.ClassFeeStructure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.structures[classPeriodKey{School: fs.SchoolID, Class: fs.ClassID, Period: fs.Period}] = fs
}

// SavePeriod registers a period. A current period clears the flag on the
// school's other periods.
func (m *Memory) SavePeriod(p ledger.AcademicPeriod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	periods := m.state.periods[p.SchoolID]
	for i := range periods {
		if p.IsCurrent {
			periods[i].IsCurrent = false
		}
		if periods[i].Period.Same(p.Period) {
			periods[i] = p
			m.state.periods[p.SchoolID] = periods
			return
		}
	}
	m.state.periods[p.SchoolID] = append(periods, p)
}

// =============================================================================
// ledger.Store
// =============================================================================

func (m *Memory) GetStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (*ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetStudent(ctx, school, id)
}

func (m *Memory) ListActiveStudents(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID) ([]ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListActiveStudents(ctx, school, classID)
}

func (m *Memory) GetFeeStructure(ctx context.Context, school ledger.SchoolID, classID ledger.ClassID, period ledger.Period) (*ledger.ClassFeeStructure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetFeeStructure(ctx, school, classID, period)
}

func (m *Memory) GetAcademicPeriod(ctx context.Context, school ledger.SchoolID, period ledger.Period) (*ledger.AcademicPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetAcademicPeriod(ctx, school, period)
}

func (m *Memory) CurrentPeriod(ctx context.Context, school ledger.SchoolID) (*ledger.AcademicPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CurrentPeriod(ctx, school)
}

func (m *Memory) GetRecord(ctx context.Context, school ledger.SchoolID, student ledger.StudentID, period ledger.Period) (*ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetRecord(ctx, school, student, period)
}

func (m *Memory) GetRecordByID(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetRecordByID(ctx, school, id)
}

func (m *Memory) LockRecord(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	return m.GetRecordByID(ctx, school, id)
}

func (m *Memory) ListStudentRecords(ctx context.Context, school ledger.SchoolID, student ledger.StudentID) ([]ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListStudentRecords(ctx, school, student)
}

func (m *Memory) ListPeriodRecords(ctx context.Context, school ledger.SchoolID, period ledger.Period) ([]ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListPeriodRecords(ctx, school, period)
}

func (m *Memory) InsertRecord(ctx context.Context, rec ledger.FeeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertRecord(ctx, rec)
}

func (m *Memory) UpdateRecord(ctx context.Context, rec ledger.FeeRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateRecord(ctx, rec, expectedVersion)
}

func (m *Memory) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (*ledger.FeePayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetPayment(ctx, school, id)
}

func (m *Memory) ListPayments(ctx context.Context, school ledger.SchoolID, recordID ledger.RecordID) ([]ledger.FeePayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListPayments(ctx, school, recordID)
}

func (m *Memory) FindPaymentByReference(ctx context.Context, school ledger.SchoolID, reference string) (*ledger.FeePayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindPaymentByReference(ctx, school, reference)
}

func (m *Memory) InsertPayment(ctx context.Context, p ledger.FeePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertPayment(ctx, p)
}

func (m *Memory) UpdatePayment(ctx context.Context, p ledger.FeePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePayment(ctx, p)
}

func (m *Memory) AppendEvent(ctx context.Context, evt ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendEvent(ctx, evt)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a private copy of the state. The copy replaces the
// live state only if fn succeeds. Transactions are fully serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// =============================================================================
// OUTBOX AND AUDIT
// =============================================================================

func (m *Memory) PendingEvents(_ context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Event
	for _, e := range m.state.events {
		if e.Status == ledger.EventDispatched || e.Attempts >= maxAttempts {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkEventDispatched(_ context.Context, id ledger.EventID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.events {
		if m.state.events[i].ID == id {
			at := at
			m.state.events[i].Status = ledger.EventDispatched
			m.state.events[i].Attempts++
			m.state.events[i].DispatchedAt = &at
			m.state.events[i].LastError = ""
			return nil
		}
	}
	return nil
}

func (m *Memory) MarkEventFailed(_ context.Context, id ledger.EventID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.events {
		if m.state.events[i].ID == id {
			m.state.events[i].Status = ledger.EventFailed
			m.state.events[i].Attempts++
			m.state.events[i].LastError = reason
			return nil
		}
	}
	return nil
}

// Events returns every outbox event, oldest first.
func (m *Memory) Events() []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Event(nil), m.state.events...)
}

func (m *Memory) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.audit = append(m.state.audit, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, school ledger.SchoolID, limit int) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.AuditEntry
	for i := len(m.state.audit) - 1; i >= 0; i-- {
		if m.state.audit[i].SchoolID != school {
			continue
		}
		out = append(out, m.state.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// STATE - unlocked ledger.Store implementation
// =============================================================================

func (s *state) GetStudent(_ context.Context, school ledger.SchoolID, id ledger.StudentID) (*ledger.Student, error) {
	st, ok := s.students[school][id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *state) ListActiveStudents(_ context.Context, school ledger.SchoolID, classID ledger.ClassID) ([]ledger.Student, error) {
	var out []ledger.Student
	for _, st := range s.students[school] {
		if st.Status != ledger.StudentActive {
			continue
		}
		if classID != "" && st.ClassID != classID {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) GetFeeStructure(_ context.Context, school ledger.SchoolID, classID ledger.ClassID, period ledger.Period) (*ledger.ClassFeeStructure, error) {
	fs, ok := s.structures[classPeriodKey{School: school, Class: classID, Period: period}]
	if !ok {
		return nil, nil
	}
	return &fs, nil
}

func (s *state) GetAcademicPeriod(_ context.Context, school ledger.SchoolID, period ledger.Period) (*ledger.AcademicPeriod, error) {
	for _, p := range s.periods[school] {
		if p.Period.Same(period) {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *state) CurrentPeriod(_ context.Context, school ledger.SchoolID) (*ledger.AcademicPeriod, error) {
	for _, p := range s.periods[school] {
		if p.IsCurrent {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *state) GetRecord(_ context.Context, school ledger.SchoolID, student ledger.StudentID, period ledger.Period) (*ledger.FeeRecord, error) {
	id, ok := s.recordIndex[recordKey{School: school, Student: student, Period: period}]
	if !ok {
		return nil, nil
	}
	rec := s.records[id]
	return &rec, nil
}

func (s *state) GetRecordByID(_ context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	rec, ok := s.records[id]
	if !ok || rec.SchoolID != school {
		return nil, nil
	}
	return &rec, nil
}

func (s *state) LockRecord(ctx context.Context, school ledger.SchoolID, id ledger.RecordID) (*ledger.FeeRecord, error) {
	return s.GetRecordByID(ctx, school, id)
}

func (s *state) ListStudentRecords(_ context.Context, school ledger.SchoolID, student ledger.StudentID) ([]ledger.FeeRecord, error) {
	var out []ledger.FeeRecord
	for _, r := range s.records {
		if r.SchoolID == school && r.StudentID == student {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *state) ListPeriodRecords(_ context.Context, school ledger.SchoolID, period ledger.Period) ([]ledger.FeeRecord, error) {
	var out []ledger.FeeRecord
	for _, r := range s.records {
		if r.SchoolID == school && r.Period.Same(period) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *state) InsertRecord(_ context.Context, rec ledger.FeeRecord) error {
	k := recordKey{School: rec.SchoolID, Student: rec.StudentID, Period: rec.Period}
	if _, ok := s.recordIndex[k]; ok {
		return ledger.ErrDuplicateRecord
	}
	s.records[rec.ID] = rec
	s.recordIndex[k] = rec.ID
	return nil
}

func (s *state) UpdateRecord(_ context.Context, rec ledger.FeeRecord, expectedVersion int64) error {
	cur, ok := s.records[rec.ID]
	if !ok || cur.SchoolID != rec.SchoolID || cur.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *state) GetPayment(_ context.Context, school ledger.SchoolID, id ledger.PaymentID) (*ledger.FeePayment, error) {
	p, ok := s.payments[id]
	if !ok || p.SchoolID != school {
		return nil, nil
	}
	return &p, nil
}

func (s *state) ListPayments(_ context.Context, school ledger.SchoolID, recordID ledger.RecordID) ([]ledger.FeePayment, error) {
	var out []ledger.FeePayment
	for _, id := range s.paymentSeq {
		p := s.payments[id]
		if p.SchoolID == school && p.RecordID == recordID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *state) FindPaymentByReference(_ context.Context, school ledger.SchoolID, reference string) (*ledger.FeePayment, error) {
	if reference == "" {
		return nil, nil
	}
	for _, id := range s.paymentSeq {
		p := s.payments[id]
		if p.SchoolID == school && p.Reference == reference {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *state) InsertPayment(ctx context.Context, p ledger.FeePayment) error {
	if p.Reference != "" {
		if dup, _ := s.FindPaymentByReference(ctx, p.SchoolID, p.Reference); dup != nil {
			return ledger.ErrDuplicateReference
		}
	}
	s.payments[p.ID] = p
	s.paymentSeq = append(s.paymentSeq, p.ID)
	return nil
}

func (s *state) UpdatePayment(_ context.Context, p ledger.FeePayment) error {
	cur, ok := s.payments[p.ID]
	if !ok || cur.SchoolID != p.SchoolID {
		return ledger.ErrPaymentNotFound
	}
	s.payments[p.ID] = p
	return nil
}

func (s *state) AppendEvent(_ context.Context, evt ledger.Event) error {
	s.events = append(s.events, evt)
	return nil
}

func sortRecords(rs []ledger.FeeRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
