package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/oapi-codegen/runtime"
	"github.com/rs/zerolog"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
	"payman-billing/internal/infra/i18n"
	"payman-billing/internal/infra/metrics"
	red "payman-billing/internal/infra/redis"
	"payman-billing/internal/infra/resilience"
	"payman-billing/internal/usecase"
)

// BreakerSnapshot is implemented by resilience.Registry.
type BreakerSnapshot interface {
	Snapshot() []resilience.BreakerStatus
}

type Deps struct {
	Contracts usecase.ContractUseCase
	Billing   usecase.BillingUseCase
	Webhooks  repository.WebhookEventRepository
	Limiter   Limiter
	Breakers  BreakerSnapshot
	Sessions  *Sessions
}

type Options struct {
	InternalAPIKey string
	WebhookSecret  string
	ContractRate   int
	ContractWindow time.Duration
	WebhookRate    int
	WebhookWindow  time.Duration
	RequestTimeout time.Duration
	// ResultRedirectURL receives browsers after the signing callback; empty renders a result page.
	ResultRedirectURL string
	// ResultLang selects the locale of the result page (default fa).
	ResultLang string
}

// Server exposes the direct debit HTTP API.
type Server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	msgs     *i18n.Translator
	log      *zerolog.Logger
}

func NewServer(deps Deps, opts Options, logger *zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 45 * time.Second
	}
	if opts.WebhookRate <= 0 {
		opts.WebhookRate = 120
	}
	if opts.WebhookWindow <= 0 {
		opts.WebhookWindow = time.Minute
	}
	l := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{deps: deps, opts: opts, validate: newValidator(), msgs: i18n.MustLoad(opts.ResultLang), log: &l}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, TraceID(), RequestLog(s.log), Recover(s.log), Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/payment-methods/direct-debit/callback", s.handleCallback)
	r.With(PerIP(s.deps.Limiter, s.opts.WebhookRate, s.opts.WebhookWindow, s.log)).
		Post("/webhooks/zarinpal", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Session(s.deps.Sessions, s.log))
		r.Post("/payment-methods/direct-debit/contract", s.handleCreateContract)
		r.Get("/payment-methods/direct-debit/banks", s.handleBanks)
		r.Get("/payment-methods", s.handleListMethods)
		r.Post("/payment-methods/{id}/cancel", s.handleCancel)
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalKey(s.opts.InternalAPIKey, s.log))
		r.Post("/subscriptions/{id}/charge", s.handleCharge)
		r.Post("/payments/{id}/refund", s.handleRefund)
	})
	return r
}

// pathID binds the {id} path parameter.
func pathID(r *http.Request) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		return "", &validationError{Fields: map[string]string{"id": err.Error()}}
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	var breakers []resilience.BreakerStatus
	if s.deps.Breakers != nil {
		breakers = s.deps.Breakers.Snapshot()
	}
	for _, b := range breakers {
		if b.State != resilience.StateClosed {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "breakers": breakers})
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	var req contractRequest
	if err := decode(r, s.validate, &req); err != nil {
		writeError(w, r, err, s.log)
		return
	}
	if !allow(w, r, s.deps.Limiter, red.ContractRequestKey(userID), s.opts.ContractRate, s.opts.ContractWindow, s.log) {
		return
	}

	out, err := s.deps.Contracts.Initiate(r.Context(), userID, req.terms())
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	writeJSON(w, http.StatusCreated, contractResponse{
		PaymentMethodID:    out.PaymentMethod.ID,
		PaymanAuthority:    out.PaymanAuthority,
		Banks:              toBanks(out.Banks),
		SigningURLTemplate: out.SigningURLTemplate,
	})
}

func (s *Server) handleBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.deps.Contracts.Banks(r.Context())
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": toBanks(banks)})
}

func (s *Server) handleListMethods(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Contracts.List(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	out := make([]paymentMethodDTO, 0, len(list))
	for _, pm := range list {
		out = append(out, toPaymentMethod(pm))
	}
	writeJSON(w, http.StatusOK, map[string]any{"paymentMethods": out})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	pm, err := s.deps.Contracts.Cancel(r.Context(), currentUser(r), id)
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentMethod(pm))
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	p, err := s.deps.Billing.Charge(r.Context(), id)
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	switch p.Status {
	case model.PaymentStatusCompleted:
		writeJSON(w, http.StatusOK, toPayment(p))
	case model.PaymentStatusFailed:
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   errorBody{Category: string(resilience.CategoryExternalService), Message: p.FailureReason},
			"payment": toPayment(p),
		})
	default:
		// Retry scheduled.
		writeJSON(w, http.StatusAccepted, toPayment(p))
	}
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	var req refundRequest
	if err := decode(r, s.validate, &req); err != nil {
		writeError(w, r, err, s.log)
		return
	}
	p, err := s.deps.Billing.Refund(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(p))
}

// HTTPServer wraps net/http.Server with the configured address.
type HTTPServer struct {
	srv *http.Server
}

func NewHTTPServer(addr string, h http.Handler) *HTTPServer {
	return &HTTPServer{srv: &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (s *HTTPServer) ListenAndServe() error { return s.srv.ListenAndServe() }

func (s *HTTPServer) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
