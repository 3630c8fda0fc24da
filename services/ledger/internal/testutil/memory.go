// Package testutil — in-memory реализации репозиториев леджера для unit-тестов.
// Все хранилища защищены мьютексом и повторяют гарантии MySQL схемы:
// уникальность активных operation_id/inv_id, неотрицательный баланс,
// условное завершение операции вместе с outbox.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"example.com/stars-ledger/pkg/outbox"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/repository"
)

// ErrInjected — искусственный сбой хранилища.
var ErrInjected = errors.New("injected store failure")

// Faults — счётчик сбоев, которые вернёт следующий вызов метода.
type Faults struct {
	mu    sync.Mutex
	left  map[string]int
	calls map[string]int
}

// FailNext заставляет следующие n вызовов method вернуть сбой.
func (f *Faults) FailNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.left == nil {
		f.left = make(map[string]int)
	}
	f.left[method] = n
}

// Calls — сколько раз вызывался method.
func (f *Faults) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Faults) hit(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	if f.left[method] > 0 {
		f.left[method]--
		return domain.NewStoreError(method, ErrInjected)
	}
	return nil
}

// =============================================================================
// Payments
// =============================================================================

// Payments — in-memory repository.PaymentRepository.
type Payments struct {
	Faults
	mu   sync.Mutex
	rows map[string]*domain.Payment
}

var _ repository.PaymentRepository = (*Payments)(nil)

// NewPayments создаёт пустой журнал.
func NewPayments() *Payments {
	return &Payments{rows: make(map[string]*domain.Payment)}
}

func clonePayment(p *domain.Payment) *domain.Payment {
	c := *p
	return &c
}

func sameKey(a, b *string) bool {
	return a != nil && b != nil && *a != "" && *a == *b
}

func (m *Payments) FindDuplicate(_ context.Context, operationID, invID string) (*domain.Payment, error) {
	if err := m.hit("FindDuplicate"); err != nil {
		return nil, err
	}
	if operationID == "" && invID == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := &domain.Payment{OperationID: domain.StringPtr(operationID), InvID: domain.StringPtr(invID)}
	if p := m.findActiveLocked(key); p != nil {
		return clonePayment(p), nil
	}
	return nil, nil
}

func (m *Payments) findActiveLocked(key *domain.Payment) *domain.Payment {
	for _, p := range m.rows {
		if p.Status == domain.PaymentStatusCancelled {
			continue
		}
		if sameKey(p.OperationID, key.OperationID) || sameKey(p.InvID, key.InvID) {
			return p
		}
	}
	return nil
}

func (m *Payments) Create(_ context.Context, p *domain.Payment) error {
	if err := m.hit("Create"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findActiveLocked(p) != nil {
		return domain.ErrDuplicatePayment
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.rows[p.ID] = clonePayment(p)
	return nil
}

func (m *Payments) GetByID(_ context.Context, id string) (*domain.Payment, error) {
	if err := m.hit("GetByID"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *Payments) InvIDExists(_ context.Context, invID string) (bool, error) {
	if err := m.hit("InvIDExists"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findActiveLocked(&domain.Payment{InvID: &invID}) != nil, nil
}

func (m *Payments) UpdateStatus(_ context.Context, id string, to domain.PaymentStatus, failureReason *string) (bool, error) {
	if err := m.hit("UpdateStatus"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != domain.PaymentStatusPending {
		return false, nil
	}
	p.Status = to
	p.FailureReason = failureReason
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Payments) ListStalePending(_ context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	if err := m.hit("ListStalePending"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Payment
	for _, p := range m.rows {
		if p.Status == domain.PaymentStatusPending && p.CreatedAt.Before(before) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All — снимок всех строк.
func (m *Payments) All() []*domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Payment, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, clonePayment(p))
	}
	return out
}

// Put кладёт строку как есть (подготовка данных).
func (m *Payments) Put(p *domain.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = clonePayment(p)
}

// =============================================================================
// Balances
// =============================================================================

// Balances — in-memory repository.BalanceRepository.
// Adjust выполняется под мьютексом целиком, как одна транзакция.
type Balances struct {
	Faults
	mu       sync.Mutex
	balances map[string]int64
	history  map[string]*domain.AdjustResult
}

var _ repository.BalanceRepository = (*Balances)(nil)

// NewBalances создаёт пустое хранилище балансов.
func NewBalances() *Balances {
	return &Balances{balances: make(map[string]int64), history: make(map[string]*domain.AdjustResult)}
}

// Set задаёт баланс напрямую.
func (m *Balances) Set(telegramID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[telegramID] = balance
}

func (m *Balances) Read(_ context.Context, telegramID string) (int64, error) {
	if err := m.hit("Read"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[telegramID], nil
}

func (m *Balances) Adjust(_ context.Context, telegramID, operationID string, delta int64) (*domain.AdjustResult, error) {
	if err := m.hit("Adjust"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.history[operationID]; ok {
		r := *prev
		r.Replayed = true
		return &r, nil
	}

	before := m.balances[telegramID]
	if before+delta < 0 {
		return nil, domain.ErrInsufficientFunds
	}
	m.balances[telegramID] = before + delta

	res := &domain.AdjustResult{OperationID: operationID, Delta: delta, Before: before, After: before + delta}
	m.history[operationID] = res
	r := *res
	return &r, nil
}

func (m *Balances) History(_ context.Context, operationID string) (*domain.AdjustResult, error) {
	if err := m.hit("History"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.history[operationID]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	r := *prev
	r.Replayed = true
	return &r, nil
}

// =============================================================================
// Operations
// =============================================================================

// Operations — in-memory repository.OperationRepository с outbox в памяти.
type Operations struct {
	Faults
	mu     sync.Mutex
	ops    map[string]*domain.Operation
	events []*outbox.Record
}

var _ repository.OperationRepository = (*Operations)(nil)

// NewOperations создаёт пустое хранилище чекпоинтов.
func NewOperations() *Operations {
	return &Operations{ops: make(map[string]*domain.Operation)}
}

func cloneOperation(op *domain.Operation) *domain.Operation {
	c := *op
	return &c
}

func (m *Operations) Begin(_ context.Context, op *domain.Operation) (*domain.Operation, bool, error) {
	if err := m.hit("Begin"); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.ops[op.OperationID]; ok {
		return cloneOperation(existing), false, nil
	}
	now := time.Now().UTC()
	op.Status = domain.OperationRunning
	op.CreatedAt, op.UpdatedAt = now, now
	if op.Attempts == 0 {
		op.Attempts = 1
	}
	m.ops[op.OperationID] = cloneOperation(op)
	return op, true, nil
}

func (m *Operations) Get(_ context.Context, operationID string) (*domain.Operation, error) {
	if err := m.hit("Get"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	return cloneOperation(op), nil
}

func (m *Operations) Checkpoint(_ context.Context, operationID string, step domain.Step, patch repository.CheckpointPatch) error {
	if err := m.hit("Checkpoint"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != domain.OperationRunning {
		return nil
	}
	op.LastStep = step
	if patch.PaymentID != nil {
		op.PaymentID = *patch.PaymentID
	}
	if patch.OldBalance != nil {
		v := *patch.OldBalance
		op.OldBalance = &v
	}
	if patch.NewBalance != nil {
		v := *patch.NewBalance
		op.NewBalance = &v
	}
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Operations) Finish(_ context.Context, op *domain.Operation, event *outbox.Record) (bool, error) {
	if err := m.hit("Finish"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ops[op.OperationID]
	if !ok || cur.Status != domain.OperationRunning {
		return false, nil
	}
	done := cloneOperation(op)
	done.UpdatedAt = time.Now().UTC()
	done.CreatedAt = cur.CreatedAt
	done.Attempts = cur.Attempts
	m.ops[op.OperationID] = done
	if event != nil {
		m.events = append(m.events, event)
	}
	return true, nil
}

func (m *Operations) ListStaleRunning(_ context.Context, before time.Time, limit int) ([]*domain.Operation, error) {
	if err := m.hit("ListStaleRunning"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Operation
	for _, op := range m.ops {
		if op.Status == domain.OperationRunning && op.UpdatedAt.Before(before) {
			out = append(out, cloneOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Operations) Claim(_ context.Context, operationID string, seenUpdatedAt time.Time) (bool, error) {
	if err := m.hit("Claim"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != domain.OperationRunning || !op.UpdatedAt.Equal(seenUpdatedAt) {
		return false, nil
	}
	op.Attempts++
	op.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Put кладёт чекпоинт как есть (подготовка данных).
func (m *Operations) Put(op *domain.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.OperationID] = cloneOperation(op)
}

// Events — события, записанные в outbox, в порядке записи.
func (m *Operations) Events() []*outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*outbox.Record(nil), m.events...)
}

// EventsByTopic — события одного топика.
func (m *Operations) EventsByTopic(topic string) []*outbox.Record {
	var out []*outbox.Record
	for _, e := range m.Events() {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
