package api

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"payman-billing/internal/domain"
	"payman-billing/internal/domain/model"
	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/metrics"
	"payman-billing/internal/infra/security"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const WebhookSignatureHeader = "X-Zarinpal-Signature"

type finalizeResult struct {
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
	ContractStatus  string `json:"contractStatus"`
	IsPrimary       bool   `json:"isPrimary"`
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// record stores the inbound notification before acting on it. Storage
// failures are logged; the notification is still processed.
func (s *Server) record(r *http.Request, ev *model.WebhookEvent) bool {
	if s.deps.Webhooks == nil {
		return false
	}
	if err := s.deps.Webhooks.Insert(r.Context(), nil, ev); err != nil {
		logging.With(r.Context(), s.log).Error().Err(err).Str("source", string(ev.Source)).Msg("webhook event not stored")
		return false
	}
	return true
}

func (s *Server) markProcessed(r *http.Request, ev *model.WebhookEvent, procErr error) {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if _, err := s.deps.Webhooks.MarkProcessed(r.Context(), nil, ev.ID, msg, time.Now().UTC()); err != nil {
		logging.With(r.Context(), s.log).Warn().Err(err).Str("webhook_event_id", ev.ID).Msg("mark processed failed")
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var authority, status string
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, true, "payman_authority", q, &authority); err != nil {
		s.callbackError(w, r, &validationError{Fields: map[string]string{"payman_authority": "is required"}})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "status", q, &status); err != nil {
		s.callbackError(w, r, &validationError{Fields: map[string]string{"status": err.Error()}})
		return
	}

	raw, _ := json.Marshal(q)
	ev := model.NewWebhookEvent(model.WebhookSourceCallback, authority, status, raw, false, time.Now().UTC())
	stored := s.record(r, ev)

	pm, err := s.deps.Contracts.Finalize(r.Context(), authority, status)
	if stored {
		s.markProcessed(r, ev, err)
	}
	metrics.IncWebhookEvent(string(model.WebhookSourceCallback), outcome(err))
	if err != nil {
		s.callbackError(w, r, err)
		return
	}

	res := finalizeResult{PaymentMethodID: pm.ID, ContractStatus: string(pm.ContractStatus), IsPrimary: pm.IsPrimary}
	switch {
	case wantsJSON(r):
		writeJSON(w, http.StatusOK, res)
	case s.opts.ResultRedirectURL != "":
		http.Redirect(w, r, resultURL(s.opts.ResultRedirectURL, res), http.StatusSeeOther)
	default:
		ok := pm.ContractStatus == model.ContractStatusActive
		msg := s.msgs.T("callback.active")
		if !ok {
			msg = s.msgs.T("callback.not_signed")
		}
		s.renderResult(w, http.StatusOK, ok, msg)
	}
}

func (s *Server) callbackError(w http.ResponseWriter, r *http.Request, err error) {
	if wantsJSON(r) {
		writeError(w, r, err, s.log)
		return
	}
	status, body := httpError(err)
	logging.With(r.Context(), s.log).Warn().Err(err).Int("status", status).Msg("contract callback failed")
	if s.opts.ResultRedirectURL != "" {
		u := resultURL(s.opts.ResultRedirectURL, finalizeResult{ContractStatus: "error"})
		http.Redirect(w, r, u+"&message="+url.QueryEscape(body.Message), http.StatusSeeOther)
		return
	}
	s.renderResult(w, status, false, s.msgs.T("callback.failed", body.Message))
}

func resultURL(base string, res finalizeResult) string {
	v := url.Values{}
	v.Set("status", res.ContractStatus)
	if res.PaymentMethodID != "" {
		v.Set("payment_method_id", res.PaymentMethodID)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + v.Encode()
}

type webhookPayload struct {
	PaymanAuthority string `json:"payman_authority"`
	Authority       string `json:"authority"`
	Status          string `json:"status"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, errMalformedBody, s.log)
		return
	}
	valid := s.opts.WebhookSecret != "" && security.VerifyWebhook(s.opts.WebhookSecret, body, r.Header.Get(WebhookSignatureHeader))

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.IncWebhookEvent(string(model.WebhookSourceWebhook), "malformed")
		writeError(w, r, errMalformedBody, s.log)
		return
	}
	authority := p.PaymanAuthority
	if authority == "" {
		authority = p.Authority
	}

	ev := model.NewWebhookEvent(model.WebhookSourceWebhook, authority, p.Status, body, valid, time.Now().UTC())
	stored := s.record(r, ev)

	if !valid {
		metrics.IncWebhookEvent(string(model.WebhookSourceWebhook), "invalid_signature")
		if stored {
			s.markProcessed(r, ev, errors.New("invalid signature"))
		}
		writeError(w, r, domain.ErrUnauthorized, s.log)
		return
	}
	if authority == "" {
		writeError(w, r, &validationError{Fields: map[string]string{"payman_authority": "is required"}}, s.log)
		return
	}

	pm, err := s.deps.Contracts.Finalize(r.Context(), authority, p.Status)
	if stored {
		s.markProcessed(r, ev, err)
	}
	metrics.IncWebhookEvent(string(model.WebhookSourceWebhook), outcome(err))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, finalizeResult{PaymentMethodID: pm.ID, ContractStatus: string(pm.ContractStatus), IsPrimary: pm.IsPrimary})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		// Nothing left to do for this notification; acknowledge so it is not redelivered.
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
	default:
		writeError(w, r, err, s.log)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "processed"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "ignored"
	case errors.Is(err, domain.ErrNotFound):
		return "unknown_authority"
	default:
		return "error"
	}
}

var page = template.Must(template.New("cb").Parse(`<!doctype html>
<html lang="{{.Lang}}" dir="{{.Dir}}">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{.Title}}</h2>
  <p>{{.Msg}}</p>
</div>
</body>
</html>`))

func (s *Server) renderResult(w http.ResponseWriter, code int, ok bool, msg string) {
	title := s.msgs.T("callback.title_fail")
	if ok {
		title = s.msgs.T("callback.title_ok")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = page.Execute(w, struct {
		Lang, Dir, Title, Msg string
		OK                    bool
	}{Lang: s.msgs.Lang(), Dir: s.msgs.Dir(), Title: title, Msg: msg, OK: ok})
}
