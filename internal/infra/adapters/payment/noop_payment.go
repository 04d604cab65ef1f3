package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payman-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.PaymanGateway  = (*NoopGateway)(nil)
	_ adapter.PaymentGateway = (*NoopGateway)(nil)
)

// NoopGateway is an in-memory ZarinPal used in dev mode and tests. Every
// contract it issues verifies successfully unless it was cancelled.
type NoopGateway struct {
	mu          sync.Mutex
	seq         int64
	contracts   map[string]string // authority -> signature ("" until verified)
	cancelled   map[string]bool   // signature -> cancelled
	authorities map[string]int64  // payment authority -> amount
	settled     map[string]string // payment authority -> ref id
}

func NewNoopGateway() *NoopGateway {
	return &NoopGateway{
		contracts:   make(map[string]string),
		cancelled:   make(map[string]bool),
		authorities: make(map[string]int64),
		settled:     make(map[string]string),
	}
}

func (g *NoopGateway) Name() string { return "noop" }

func (g *NoopGateway) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%d", prefix, g.seq)
}

func (g *NoopGateway) RequestContract(ctx context.Context, req adapter.ContractRequest) (string, error) {
	if req.MaxAmount < 1000 {
		return "", rejectedError("request_contract", -50)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.next("payman")
	g.contracts[a] = ""
	return a, nil
}

func (g *NoopGateway) BankList(ctx context.Context) ([]adapter.Bank, error) {
	return []adapter.Bank{
		{Name: "Bank Mellat", Slug: "mellat", BankCode: "012", MaxDailyAmount: 500_000_000, MaxDailyCount: 10},
		{Name: "Bank Melli", Slug: "melli", BankCode: "017", MaxDailyAmount: 500_000_000, MaxDailyCount: 10},
	}, nil
}

func (g *NoopGateway) VerifyContract(ctx context.Context, paymanAuthority string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sig, ok := g.contracts[paymanAuthority]
	if !ok {
		return "", rejectedError("verify", -54)
	}
	if sig == "" {
		sig = "sig-" + paymanAuthority
		g.contracts[paymanAuthority] = sig
	}
	return sig, nil
}

func (g *NoopGateway) ExecuteDirectTransaction(ctx context.Context, authority, signature string) (adapter.DirectTransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.authorities[authority]
	if !ok {
		return adapter.DirectTransaction{}, rejectedError("checkout", -51)
	}
	if g.cancelled[signature] {
		return adapter.DirectTransaction{}, rejectedError("checkout", -53)
	}
	delete(g.authorities, authority)
	ref := g.next("ref")
	g.settled[authority] = ref
	return adapter.DirectTransaction{RefID: ref, Amount: amount}, nil
}

func (g *NoopGateway) CancelContract(ctx context.Context, signature string) (adapter.Confirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[signature] = true
	return adapter.Confirmation{Code: codeSuccess, Message: "Success"}, nil
}

func (g *NoopGateway) SigningURL(paymanAuthority, bankCode string) string {
	return SigningURL(paymanAuthority, bankCode)
}

func (g *NoopGateway) RequestPayment(ctx context.Context, amount int64, description, callbackURL string, meta map[string]string) (string, error) {
	if amount < 1000 {
		return "", rejectedError("payment_request", -33)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.next("A")
	g.authorities[a] = amount
	return a, nil
}

func (g *NoopGateway) VerifyPayment(ctx context.Context, authority string, amount int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.settled[authority]; ok {
		return ref, nil
	}
	return "", rejectedError("payment_verify", -51)
}

func (g *NoopGateway) RefundPayment(ctx context.Context, sessionID string, amount int64, description string, method adapter.RefundMethod, reason adapter.RefundReason) (adapter.RefundResult, error) {
	return adapter.RefundResult{
		ID:           "refund-" + sessionID,
		Status:       "DONE",
		RefundAmount: amount,
		RefundTime:   time.Now(),
	}, nil
}
