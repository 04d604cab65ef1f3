//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"payman-billing/internal/domain"
	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/domain/ports/repository"
)

// Mocks keep copies so that a use case mutating its own pointer does not
// change "stored" rows, which is how the Postgres repositories behave.

// =============================
// Repositories
// =============================

// ---- MockPaymentMethodRepo ----

type MockPaymentMethodRepo struct {
	mu   sync.Mutex
	rows map[string]model.PaymentMethod

	InsertFunc         func(ctx context.Context, tx repository.Tx, pm *model.PaymentMethod) error
	UpdateStatusIfFunc func(ctx context.Context, tx repository.Tx, pm *model.PaymentMethod, from model.ContractStatus) (bool, error)
}

var _ repository.PaymentMethodRepository = (*MockPaymentMethodRepo)(nil)

func NewMockPaymentMethodRepo() *MockPaymentMethodRepo {
	return &MockPaymentMethodRepo{rows: map[string]model.PaymentMethod{}}
}

func (m *MockPaymentMethodRepo) Insert(ctx context.Context, tx repository.Tx, pm *model.PaymentMethod) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, tx, pm)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[pm.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.rows[pm.ID] = *pm
	return nil
}

func (m *MockPaymentMethodRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &pm, nil
}

func (m *MockPaymentMethodRepo) FindByAuthority(_ context.Context, _ repository.Tx, authority string) (*model.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pm := range m.rows {
		if pm.PaymanAuthority == authority {
			cp := pm
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPaymentMethodRepo) filter(keep func(model.PaymentMethod) bool) []*model.PaymentMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PaymentMethod
	for _, pm := range m.rows {
		if keep(pm) {
			cp := pm
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MockPaymentMethodRepo) ListByUser(_ context.Context, _ repository.Tx, userID string) ([]*model.PaymentMethod, error) {
	out := m.filter(func(pm model.PaymentMethod) bool { return pm.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockPaymentMethodRepo) ListByUserAndStatus(_ context.Context, _ repository.Tx, userID string, status model.ContractStatus) ([]*model.PaymentMethod, error) {
	out := m.filter(func(pm model.PaymentMethod) bool { return pm.UserID == userID && pm.ContractStatus == status })
	verified := func(pm *model.PaymentMethod) time.Time {
		if pm.ContractVerifiedAt == nil {
			return time.Time{}
		}
		return *pm.ContractVerifiedAt
	}
	sort.Slice(out, func(i, j int) bool { return verified(out[i]).After(verified(out[j])) })
	return out, nil
}

func (m *MockPaymentMethodRepo) ListByStatusCreatedBefore(_ context.Context, _ repository.Tx, status model.ContractStatus, before time.Time, limit int) ([]*model.PaymentMethod, error) {
	out := m.filter(func(pm model.PaymentMethod) bool { return pm.ContractStatus == status && pm.CreatedAt.Before(before) })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPaymentMethodRepo) ListExpired(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.PaymentMethod, error) {
	out := m.filter(func(pm model.PaymentMethod) bool { return pm.IsExpired(now) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPaymentMethodRepo) UpdateStatusIf(ctx context.Context, tx repository.Tx, pm *model.PaymentMethod, from model.ContractStatus) (bool, error) {
	if m.UpdateStatusIfFunc != nil {
		return m.UpdateStatusIfFunc(ctx, tx, pm, from)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[pm.ID]
	if !ok || cur.ContractStatus != from {
		return false, nil
	}
	cur.ContractStatus = pm.ContractStatus
	cur.ContractType = pm.ContractType
	cur.ContractSignature = pm.ContractSignature
	cur.ContractVerifiedAt = pm.ContractVerifiedAt
	cur.IsActive = pm.IsActive
	cur.IsPrimary = pm.IsPrimary
	cur.UpdatedAt = pm.UpdatedAt
	m.rows[pm.ID] = cur
	return true, nil
}

func (m *MockPaymentMethodRepo) SetPrimary(_ context.Context, _ repository.Tx, id string, primary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok || (primary && !cur.IsActive) {
		return domain.ErrNotFound
	}
	cur.IsPrimary = primary
	m.rows[id] = cur
	return nil
}

func (m *MockPaymentMethodRepo) TouchLastUsed(_ context.Context, _ repository.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	cur.LastUsedAt = &at
	m.rows[id] = cur
	return nil
}

// Put stores pm as-is, bypassing any configured funcs.
func (m *MockPaymentMethodRepo) Put(pm *model.PaymentMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[pm.ID] = *pm
}

// ---- MockSubscriptionRepo ----

type MockSubscriptionRepo struct {
	mu   sync.Mutex
	rows map[string]model.Subscription
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo {
	return &MockSubscriptionRepo{rows: map[string]model.Subscription{}}
}

func (m *MockSubscriptionRepo) Insert(_ context.Context, _ repository.Tx, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = *s
	return nil
}

func (m *MockSubscriptionRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *MockSubscriptionRepo) UpdateBilling(_ context.Context, _ repository.Tx, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[s.ID] = *s
	return nil
}

func (m *MockSubscriptionRepo) ListDue(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.rows {
		if s.Chargeable() == nil && !s.NextBillingDate.After(now) {
			cp := s
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- MockPaymentRepo ----

type MockPaymentRepo struct {
	mu   sync.Mutex
	rows map[string]model.Payment

	// UpdateFunc runs before the row is written; an error aborts the write.
	UpdateFunc func(ctx context.Context, tx repository.Tx, p *model.Payment) error
}

var _ repository.PaymentRepository = (*MockPaymentRepo)(nil)

func NewMockPaymentRepo() *MockPaymentRepo {
	return &MockPaymentRepo{rows: map[string]model.Payment{}}
}

func (m *MockPaymentRepo) Insert(_ context.Context, _ repository.Tx, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.rows {
		if cur.SubscriptionID == p.SubscriptionID && cur.Status == model.PaymentStatusPending {
			return domain.ErrAlreadyExists
		}
	}
	m.rows[p.ID] = *p
	return nil
}

func (m *MockPaymentRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *MockPaymentRepo) FindPendingBySubscription(_ context.Context, _ repository.Tx, subscriptionID string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.SubscriptionID == subscriptionID && p.Status == model.PaymentStatusPending {
			cp := p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPaymentRepo) FindLatestBySubscription(_ context.Context, _ repository.Tx, subscriptionID string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Payment
	for _, p := range m.rows {
		if p.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			cp := p
			latest = &cp
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

// Store writes p as-is, bypassing UpdateFunc.
func (m *MockPaymentRepo) Store(p *model.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = *p
}

func (m *MockPaymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if m.UpdateFunc != nil {
		if err := m.UpdateFunc(ctx, tx, p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[p.ID] = *p
	return nil
}

func (m *MockPaymentRepo) ListDueRetries(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Payment
	for _, p := range m.rows {
		if p.Status == model.PaymentStatusPending && p.NextRetryAt != nil && !p.NextRetryAt.After(now) {
			cp := p
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- MockBillingEventRepo ----

type MockBillingEventRepo struct {
	mu     sync.Mutex
	Events []model.BillingEvent

	InsertFunc func(ctx context.Context, tx repository.Tx, ev *model.BillingEvent) error
}

var _ repository.BillingEventRepository = (*MockBillingEventRepo)(nil)

func (m *MockBillingEventRepo) Insert(ctx context.Context, tx repository.Tx, ev *model.BillingEvent) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, tx, ev)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, *ev)
	return nil
}

func (m *MockBillingEventRepo) ListByUser(_ context.Context, _ repository.Tx, userID string, limit int) ([]*model.BillingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.BillingEvent
	for i := len(m.Events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.Events[i].UserID == userID {
			ev := m.Events[i]
			out = append(out, &ev)
		}
	}
	return out, nil
}

// OfType returns recorded events of typ in insertion order.
func (m *MockBillingEventRepo) OfType(typ model.BillingEventType) []model.BillingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BillingEvent
	for _, ev := range m.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ---- MockTxManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx runs fn immediately with NoTX unless WithTxFunc is set.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// =============================
// Adapters
// =============================

// ---- MockPaymanGateway ----

type MockPaymanGateway struct {
	mu sync.Mutex

	RequestContractFunc func(ctx context.Context, req adapter.ContractRequest) (string, error)
	BankListFunc        func(ctx context.Context) ([]adapter.Bank, error)
	VerifyContractFunc  func(ctx context.Context, authority string) (string, error)
	ExecuteFunc         func(ctx context.Context, authority, signature string) (adapter.DirectTransaction, error)
	CancelContractFunc  func(ctx context.Context, signature string) (adapter.Confirmation, error)

	Calls struct {
		Request  []adapter.ContractRequest
		Verify   []string
		Execute  []string
		Cancel   []string
		BankList int
	}
}

var _ adapter.PaymanGateway = (*MockPaymanGateway)(nil)

func (m *MockPaymanGateway) RequestContract(ctx context.Context, req adapter.ContractRequest) (string, error) {
	m.mu.Lock()
	m.Calls.Request = append(m.Calls.Request, req)
	n := len(m.Calls.Request)
	m.mu.Unlock()
	if m.RequestContractFunc != nil {
		return m.RequestContractFunc(ctx, req)
	}
	return fmt.Sprintf("P-authority-%d", n), nil
}

func (m *MockPaymanGateway) BankList(ctx context.Context) ([]adapter.Bank, error) {
	m.mu.Lock()
	m.Calls.BankList++
	m.mu.Unlock()
	if m.BankListFunc != nil {
		return m.BankListFunc(ctx)
	}
	return []adapter.Bank{{Name: "Bank Mellat", Slug: "mellat", BankCode: "012"}}, nil
}

func (m *MockPaymanGateway) VerifyContract(ctx context.Context, authority string) (string, error) {
	m.mu.Lock()
	m.Calls.Verify = append(m.Calls.Verify, authority)
	m.mu.Unlock()
	if m.VerifyContractFunc != nil {
		return m.VerifyContractFunc(ctx, authority)
	}
	return "sig-" + authority, nil
}

func (m *MockPaymanGateway) ExecuteDirectTransaction(ctx context.Context, authority, signature string) (adapter.DirectTransaction, error) {
	m.mu.Lock()
	m.Calls.Execute = append(m.Calls.Execute, authority)
	m.mu.Unlock()
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, authority, signature)
	}
	return adapter.DirectTransaction{RefID: "ref-" + authority}, nil
}

func (m *MockPaymanGateway) CancelContract(ctx context.Context, signature string) (adapter.Confirmation, error) {
	m.mu.Lock()
	m.Calls.Cancel = append(m.Calls.Cancel, signature)
	m.mu.Unlock()
	if m.CancelContractFunc != nil {
		return m.CancelContractFunc(ctx, signature)
	}
	return adapter.Confirmation{Code: 100, Message: "Success"}, nil
}

func (m *MockPaymanGateway) SigningURL(authority, bankCode string) string {
	return "https://www.zarinpal.com/pg/StartPayman/" + authority + "/" + bankCode
}

// NetworkCalls counts every call that would have left the process.
func (m *MockPaymanGateway) NetworkCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls.Request) + len(m.Calls.Verify) + len(m.Calls.Execute) + len(m.Calls.Cancel) + m.Calls.BankList
}

// ---- MockPaymentGateway ----

type MockPaymentGateway struct {
	mu sync.Mutex

	RequestPaymentFunc func(ctx context.Context, amount int64, description, callbackURL string, meta map[string]string) (string, error)
	VerifyPaymentFunc  func(ctx context.Context, authority string, amount int64) (string, error)
	RefundPaymentFunc  func(ctx context.Context, sessionID string, amount int64, description string, method adapter.RefundMethod, reason adapter.RefundReason) (adapter.RefundResult, error)

	Requests int
	Verifies []string
	Refunds  []string
}

var _ adapter.PaymentGateway = (*MockPaymentGateway)(nil)

func (m *MockPaymentGateway) RequestPayment(ctx context.Context, amount int64, description, callbackURL string, meta map[string]string) (string, error) {
	m.mu.Lock()
	m.Requests++
	m.mu.Unlock()
	if m.RequestPaymentFunc != nil {
		return m.RequestPaymentFunc(ctx, amount, description, callbackURL, meta)
	}
	return "A" + uuid.NewString(), nil
}

// VerifyPayment reports every authority as unpaid unless VerifyPaymentFunc is set.
func (m *MockPaymentGateway) VerifyPayment(ctx context.Context, authority string, amount int64) (string, error) {
	m.mu.Lock()
	m.Verifies = append(m.Verifies, authority)
	m.mu.Unlock()
	if m.VerifyPaymentFunc != nil {
		return m.VerifyPaymentFunc(ctx, authority, amount)
	}
	return "", &adapter.PaymanError{Op: "payment_verify", Code: -51, Message: "Session is not valid", Kind: adapter.KindRejected}
}

func (m *MockPaymentGateway) RefundPayment(ctx context.Context, sessionID string, amount int64, description string, method adapter.RefundMethod, reason adapter.RefundReason) (adapter.RefundResult, error) {
	m.mu.Lock()
	m.Refunds = append(m.Refunds, sessionID)
	m.mu.Unlock()
	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, sessionID, amount, description, method, reason)
	}
	return adapter.RefundResult{ID: "rf-" + sessionID, Status: "PENDING", RefundAmount: amount}, nil
}

// ---- MockNotifier ----

type MockNotifier struct {
	mu   sync.Mutex
	Sent []model.BillingEvent
}

var _ adapter.AlertNotifier = (*MockNotifier)(nil)

func (m *MockNotifier) NotifyBillingEvent(_ context.Context, ev *model.BillingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, *ev)
	return nil
}

// =============================
// Utilities
// =============================

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// fixedClock returns a clock that can be moved forward by tests.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
