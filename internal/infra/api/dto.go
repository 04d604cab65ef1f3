package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/usecase"
)

var errMalformedBody = errors.New("malformed request body")

const maxBodyBytes = 64 << 10

type validationError struct {
	Fields map[string]string
}

func (e *validationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

var mobileRe = regexp.MustCompile(`^09\d{9}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ir_mobile", func(fl validator.FieldLevel) bool {
		return mobileRe.MatchString(fl.Field().String())
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, v *validator.Validate, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return validate(v, dst)
}

func validate(v *validator.Validate, dst any) error {
	err := v.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &validationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ir_mobile":
		return "must match 09XXXXXXXXX"
	case "len":
		return "must be " + fe.Param() + " characters"
	case "numeric":
		return "must be numeric"
	case "gt", "gte":
		return "must be greater than " + fe.Param()
	case "gtefield":
		return "must not be less than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}

type contractRequest struct {
	Mobile          string    `json:"mobile" validate:"required,ir_mobile"`
	NationalID      string    `json:"nationalId,omitempty" validate:"omitempty,len=10,numeric"`
	ExpiresAt       time.Time `json:"expiresAt" validate:"required"`
	MaxDailyCount   int       `json:"maxDailyCount" validate:"required,gt=0"`
	MaxMonthlyCount int       `json:"maxMonthlyCount" validate:"required,gt=0,gtefield=MaxDailyCount"`
	MaxAmount       int64     `json:"maxAmount" validate:"required,gt=0"`
}

func (c contractRequest) terms() model.ContractTerms {
	return model.ContractTerms{
		Mobile:          c.Mobile,
		NationalID:      c.NationalID,
		ExpiresAt:       c.ExpiresAt,
		MaxDailyCount:   c.MaxDailyCount,
		MaxMonthlyCount: c.MaxMonthlyCount,
		MaxAmount:       c.MaxAmount,
	}
}

type refundRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=255"`
}

type bankDTO struct {
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	BankCode       string `json:"bankCode"`
	MaxDailyAmount int64  `json:"maxDailyAmount"`
	MaxDailyCount  int    `json:"maxDailyCount"`
	SigningURL     string `json:"signingUrl"`
}

func toBanks(in []usecase.BankOption) []bankDTO {
	out := make([]bankDTO, 0, len(in))
	for _, b := range in {
		out = append(out, bankDTO{
			Name:           b.Name,
			Slug:           b.Slug,
			BankCode:       b.BankCode,
			MaxDailyAmount: b.MaxDailyAmount,
			MaxDailyCount:  b.MaxDailyCount,
			SigningURL:     b.SigningURL,
		})
	}
	return out
}

type contractResponse struct {
	PaymentMethodID    string    `json:"paymentMethodId"`
	PaymanAuthority    string    `json:"paymanAuthority"`
	Banks              []bankDTO `json:"banks"`
	SigningURLTemplate string    `json:"signingUrlTemplate"`
}

// paymentMethodDTO never carries the contract signature.
type paymentMethodDTO struct {
	ID                 string     `json:"id"`
	ContractType       string     `json:"contractType"`
	ContractStatus     string     `json:"contractStatus"`
	Mobile             string     `json:"mobile"`
	MaxAmount          int64      `json:"maxAmount"`
	MaxDailyCount      int        `json:"maxDailyCount"`
	MaxMonthlyCount    int        `json:"maxMonthlyCount"`
	IsPrimary          bool       `json:"isPrimary"`
	IsActive           bool       `json:"isActive"`
	ContractExpiresAt  time.Time  `json:"contractExpiresAt"`
	ContractVerifiedAt *time.Time `json:"contractVerifiedAt,omitempty"`
	LastUsedAt         *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func toPaymentMethod(pm *model.PaymentMethod) paymentMethodDTO {
	return paymentMethodDTO{
		ID:                 pm.ID,
		ContractType:       string(pm.ContractType),
		ContractStatus:     string(pm.ContractStatus),
		Mobile:             maskMobile(pm.ContractMobile),
		MaxAmount:          pm.MaxDailyAmount,
		MaxDailyCount:      pm.MaxDailyCount,
		MaxMonthlyCount:    pm.MaxMonthlyCount,
		IsPrimary:          pm.IsPrimary,
		IsActive:           pm.IsActive,
		ContractExpiresAt:  pm.ContractExpiresAt,
		ContractVerifiedAt: pm.ContractVerifiedAt,
		LastUsedAt:         pm.LastUsedAt,
		CreatedAt:          pm.CreatedAt,
	}
}

func maskMobile(m string) string {
	if len(m) != 11 {
		return m
	}
	return m[:4] + "*****" + m[9:]
}

type paymentDTO struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId"`
	AmountIRR      int64      `json:"amount"`
	Status         string     `json:"status"`
	RefID          string     `json:"refId,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
}

func toPayment(p *model.Payment) paymentDTO {
	return paymentDTO{
		ID:             p.ID,
		SubscriptionID: p.SubscriptionID,
		AmountIRR:      p.AmountIRR,
		Status:         string(p.Status),
		RefID:          p.ZarinpalRefID,
		Attempts:       p.RetryCount,
		MaxAttempts:    p.MaxRetries,
		NextRetryAt:    p.NextRetryAt,
		FailureReason:  p.FailureReason,
		PaidAt:         p.PaidAt,
	}
}
