// Package gateway adapts external payment providers to one contract. Provider-specific
// objects never leave this package: every confirmation is normalized into a PaymentEvent.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
)

var (
	// ErrInvalidSignature means the webhook authenticity proof did not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrEventIgnored means the webhook is authentic but carries nothing the reconciler acts on.
	ErrEventIgnored = errors.New("event type ignored")
)

// OutcomeStatus is the normalized result of a payment attempt
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomePending   OutcomeStatus = "pending"
)

// PaymentOutcome is what the provider reports about a payment attempt
type PaymentOutcome struct {
	Status        OutcomeStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Method        string          `json:"method,omitempty"`
}

// PaymentEvent is a provider confirmation normalized at the adapter boundary. It is also
// the payload stored on unmatched_event reconciliation items, so it must round-trip through JSON.
type PaymentEvent struct {
	Provider   models.PaymentProvider `json:"provider"`
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	OccurredAt time.Time              `json:"occurred_at"`

	// ProviderPaymentID is the provider's authoritative id for the payment when known.
	ProviderPaymentID string `json:"provider_payment_id,omitempty"`
	// AliasIDs are other ids the provider used for the same payment (session, token, merchant order id).
	AliasIDs []string `json:"alias_ids,omitempty"`
	// OrderID is the internal order id the provider echoed back from request metadata.
	OrderID string `json:"order_id,omitempty"`
	// Facts are extra correlation values to record on the matched payment.
	Facts map[string]string `json:"facts,omitempty"`

	Outcome PaymentOutcome `json:"outcome"`
	Raw     []byte         `json:"raw,omitempty"`
}

// CandidateIDs returns every provider id the event carries, primary first.
func (e PaymentEvent) CandidateIDs() []string {
	ids := make([]string, 0, len(e.AliasIDs)+1)
	seen := make(map[string]bool, len(e.AliasIDs)+1)
	for _, id := range append([]string{e.ProviderPaymentID}, e.AliasIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// HandleRequest asks a provider for a payment object sized to Order.Amount.
type HandleRequest struct {
	Order     models.Order
	PaymentID uuid.UUID
	ReturnURL string
	CancelURL string
}

// Handle is the provider-side payment object the customer completes.
type Handle struct {
	ProviderPaymentID string
	AliasIDs          []string
	Facts             map[string]string
	RedirectURL       string
	ClientToken       string
}

// PaymentRef identifies an existing local payment to its provider.
type PaymentRef struct {
	PaymentID         uuid.UUID
	OrderID           uuid.UUID
	ProviderPaymentID string
	Aliases           []string
	Facts             map[string]string
	Amount            decimal.Decimal
	Currency          string
}

// RefundStatus is the provider-side state of a reversal
type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundPending   RefundStatus = "pending"
	RefundFailed    RefundStatus = "failed"
)

// RefundResult is the provider's answer to a refund request or lookup
type RefundResult struct {
	ProviderRefundID string
	Status           RefundStatus
	Amount           decimal.Decimal
	FailureReason    string
}

// Gateway is implemented once per payment provider. Adapters hold their own SDK clients;
// nothing here is shared process state.
type Gateway interface {
	Provider() models.PaymentProvider
	CreatePaymentHandle(ctx context.Context, req HandleRequest) (*Handle, error)
	// CancelPaymentHandle voids a handle that is being superseded. Best effort.
	CancelPaymentHandle(ctx context.Context, ref PaymentRef) error
	// ConfirmAndRetrieveOutcome commits or looks up the payment and returns the authoritative outcome.
	ConfirmAndRetrieveOutcome(ctx context.Context, ref PaymentRef) (*PaymentEvent, error)
	CreateRefund(ctx context.Context, ref PaymentRef, amount decimal.Decimal) (*RefundResult, error)
	GetRefund(ctx context.Context, ref PaymentRef, providerRefundID string) (*RefundResult, error)
	// ParseWebhook verifies and normalizes an inbound webhook body.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*PaymentEvent, error)
}

// Gateways resolves a provider name to its adapter.
type Gateways struct {
	byProvider map[models.PaymentProvider]Gateway
}

func NewGateways(gateways ...Gateway) *Gateways {
	g := &Gateways{byProvider: make(map[models.PaymentProvider]Gateway, len(gateways))}
	for _, gw := range gateways {
		g.byProvider[gw.Provider()] = gw
	}
	return g
}

// Get returns the adapter for provider or a validation error when it is not configured.
func (g *Gateways) Get(provider models.PaymentProvider) (Gateway, error) {
	gw, ok := g.byProvider[provider]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "payment provider %q is not enabled", provider)
	}
	return gw, nil
}

// Providers lists the configured providers.
func (g *Gateways) Providers() []models.PaymentProvider {
	out := make([]models.PaymentProvider, 0, len(g.byProvider))
	for p := range g.byProvider {
		out = append(out, p)
	}
	return out
}

// RefundIdempotencyKey is sent with every refund create so retries never reverse twice.
func RefundIdempotencyKey(paymentID uuid.UUID) string {
	return "refund-" + paymentID.String()
}

func unavailable(op string, err error) error {
	return apperr.New(apperr.KindProviderUnavailable, op, err)
}

func rejected(op string, err error) error {
	return apperr.New(apperr.KindValidation, op+": rejected by provider", err)
}
