package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"

	"orderflow_billing/internal/apperr"
	"orderflow_billing/internal/models"
	"orderflow_billing/internal/money"
)

// Midtrans reports transaction times in Western Indonesia Time.
var wib = time.FixedZone("WIB", 7*60*60)

const midtransTimeLayout = "2006-01-02 15:04:05"

// midtransNotification is the HTTP notification body. Status checks return the same fields.
type midtransNotification struct {
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	TransactionTime   string `json:"transaction_time"`
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
	SignatureKey      string `json:"signature_key"`
	CustomField1      string `json:"custom_field1"`
}

// MidtransGateway is the bank-redirect adapter. The merchant order id sent to Snap is the
// local payment id; Midtrans later assigns its own transaction_id.
type MidtransGateway struct {
	api       MidtransAPI
	serverKey string
	now       func() time.Time
}

func NewMidtransGateway(api MidtransAPI, serverKey string) *MidtransGateway {
	return &MidtransGateway{api: api, serverKey: serverKey, now: time.Now}
}

func (g *MidtransGateway) Provider() models.PaymentProvider {
	return models.ProviderMidtrans
}

func (g *MidtransGateway) CreatePaymentHandle(ctx context.Context, req HandleRequest) (*Handle, error) {
	order := req.Order
	if money.NormalizeCurrency(order.Currency) != "IDR" {
		return nil, apperr.Newf(apperr.KindValidation, "midtrans only settles IDR, got %s", order.Currency)
	}
	wire, err := money.ToWire(order.Amount, order.Currency, money.ProfileWholeUnits)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "order amount cannot be charged", err)
	}

	merchantOrderID := req.PaymentID.String()
	minutes := int64(order.ExpiresAt.Sub(g.now()) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  merchantOrderID,
			GrossAmt: wire,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    string(order.ProductType),
			Name:  fmt.Sprintf("Order #%d", order.OrderNumber),
			Price: wire,
			Qty:   1,
		}},
		Expiry: &snap.ExpiryDetails{
			Unit:     "minute",
			Duration: minutes,
		},
		CustomField1: order.ID.String(),
	}
	if req.ReturnURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.ReturnURL}
	}
	if order.CustomerEmail != "" || order.CustomerPhone != "" {
		snapReq.CustomerDetail = &midtrans.CustomerDetails{
			Email: order.CustomerEmail,
			Phone: order.CustomerPhone,
		}
	}

	resp, err := g.api.CreateTransaction(snapReq)
	if err != nil {
		return nil, midtransError("create snap transaction", err)
	}
	return &Handle{
		ProviderPaymentID: merchantOrderID,
		AliasIDs:          []string{merchantOrderID},
		Facts:             map[string]string{models.FactMidtransOrderID: merchantOrderID},
		RedirectURL:       resp.RedirectURL,
		ClientToken:       resp.Token,
	}, nil
}

func (g *MidtransGateway) CancelPaymentHandle(ctx context.Context, ref PaymentRef) error {
	err := g.api.CancelTransaction(merchantOrderID(ref))
	if err == nil || midtransNotFound(err) {
		// A Snap page the customer never opened has no transaction to cancel.
		return nil
	}
	return midtransError("cancel transaction", err)
}

func (g *MidtransGateway) ConfirmAndRetrieveOutcome(ctx context.Context, ref PaymentRef) (*PaymentEvent, error) {
	orderID := merchantOrderID(ref)
	resp, err := g.api.CheckTransaction(orderID)
	if err != nil && !midtransNotFound(err) {
		return nil, midtransError("check transaction", err)
	}

	var n midtransNotification
	if err == nil && resp.StatusCode != "404" {
		n = midtransNotification{
			TransactionID:     resp.TransactionID,
			TransactionStatus: resp.TransactionStatus,
			TransactionTime:   resp.TransactionTime,
			StatusCode:        resp.StatusCode,
			StatusMessage:     resp.StatusMessage,
			OrderID:           resp.OrderID,
			GrossAmount:       resp.GrossAmount,
			Currency:          resp.Currency,
			PaymentType:       resp.PaymentType,
			FraudStatus:       resp.FraudStatus,
		}
	} else {
		n = midtransNotification{OrderID: orderID, TransactionStatus: "pending", Currency: ref.Currency}
	}

	event, err := g.buildEvent(n)
	if errors.Is(err, ErrEventIgnored) {
		// Refund states still mean the payment itself went through.
		event, err = g.buildEvent(midtransNotification{
			TransactionID:     n.TransactionID,
			TransactionStatus: "settlement",
			OrderID:           n.OrderID,
			GrossAmount:       n.GrossAmount,
			Currency:          n.Currency,
			PaymentType:       n.PaymentType,
		})
	}
	if err != nil {
		return nil, err
	}
	if event.ProviderPaymentID == "" {
		event.ProviderPaymentID = ref.ProviderPaymentID
	}
	if event.Outcome.Amount.IsZero() {
		event.Outcome.Amount = ref.Amount
	}
	event.OrderID = ref.OrderID.String()
	event.EventType = "confirmation"
	event.EventID = fmt.Sprintf("confirm:%s:%s", event.ProviderPaymentID, event.Outcome.Status)
	event.OccurredAt = g.now()
	return event, nil
}

func (g *MidtransGateway) CreateRefund(ctx context.Context, ref PaymentRef, amount decimal.Decimal) (*RefundResult, error) {
	wire, err := money.ToWire(amount, ref.Currency, money.ProfileWholeUnits)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "refund amount cannot be encoded", err)
	}
	key := RefundIdempotencyKey(ref.PaymentID)
	resp, err := g.api.RefundTransaction(merchantOrderID(ref), &coreapi.RefundReq{
		RefundKey: key,
		Amount:    wire,
		Reason:    "order refund",
	})
	if err != nil {
		return nil, midtransError("refund transaction", err)
	}

	result := &RefundResult{ProviderRefundID: key, Status: RefundPending, Amount: amount}
	switch resp.StatusCode {
	case "200":
		result.Status = RefundSucceeded
	case "201":
		// accepted; settles asynchronously
	default:
		return nil, rejected("refund transaction", fmt.Errorf("status %s: %s", resp.StatusCode, resp.StatusMessage))
	}
	return result, nil
}

func (g *MidtransGateway) GetRefund(ctx context.Context, ref PaymentRef, providerRefundID string) (*RefundResult, error) {
	resp, err := g.api.CheckTransaction(merchantOrderID(ref))
	if err != nil {
		return nil, midtransError("check transaction", err)
	}
	result := &RefundResult{ProviderRefundID: providerRefundID, Status: RefundPending, Amount: ref.Amount}
	switch resp.TransactionStatus {
	case "refund", "partial_refund":
		result.Status = RefundSucceeded
	}
	return result, nil
}

func (g *MidtransGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*PaymentEvent, error) {
	var n midtransNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed notification: %v", ErrInvalidSignature, err)
	}
	if !VerifyMidtransSignature(n.OrderID, n.StatusCode, n.GrossAmount, g.serverKey, n.SignatureKey) {
		return nil, ErrInvalidSignature
	}

	event, err := g.buildEvent(n)
	if err != nil {
		return nil, err
	}
	event.EventID = fmt.Sprintf("%s:%s:%s", n.TransactionID, n.TransactionStatus, n.StatusCode)
	event.EventType = n.TransactionStatus
	event.OccurredAt = g.transactionTime(n.TransactionTime)
	event.Raw = payload
	return event, nil
}

func (g *MidtransGateway) buildEvent(n midtransNotification) (*PaymentEvent, error) {
	status, reason, ok := midtransOutcome(n.TransactionStatus, n.FraudStatus)
	if !ok {
		return nil, ErrEventIgnored
	}

	amount := decimal.Zero
	if n.GrossAmount != "" {
		parsed, err := decimal.NewFromString(n.GrossAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid gross_amount %q: %w", n.GrossAmount, err)
		}
		amount = parsed
	}
	currency := money.NormalizeCurrency(n.Currency)
	if currency == "" {
		currency = "IDR"
	}

	event := &PaymentEvent{
		Provider:          models.ProviderMidtrans,
		ProviderPaymentID: n.TransactionID,
		OrderID:           n.CustomField1,
		Facts:             map[string]string{},
		Outcome: PaymentOutcome{
			Status:        status,
			Amount:        amount,
			Currency:      currency,
			FailureReason: reason,
			Method:        n.PaymentType,
		},
	}
	if n.OrderID != "" {
		event.AliasIDs = []string{n.OrderID}
		event.Facts[models.FactMidtransOrderID] = n.OrderID
	}
	if event.ProviderPaymentID == "" {
		event.ProviderPaymentID = n.OrderID
	}
	return event, nil
}

func (g *MidtransGateway) transactionTime(raw string) time.Time {
	t, err := time.ParseInLocation(midtransTimeLayout, raw, wib)
	if err != nil {
		return g.now()
	}
	return t.UTC()
}

// midtransOutcome maps transaction_status and fraud_status. ok is false for states that do
// not describe the payment attempt itself.
func midtransOutcome(transactionStatus, fraudStatus string) (status OutcomeStatus, reason string, ok bool) {
	switch transactionStatus {
	case "capture":
		switch fraudStatus {
		case "challenge":
			return OutcomePending, "", true
		case "deny":
			return OutcomeFailed, "fraud check denied", true
		}
		return OutcomeSucceeded, "", true
	case "settlement":
		return OutcomeSucceeded, "", true
	case "pending", "authorize":
		return OutcomePending, "", true
	case "deny", "cancel", "expire", "failure":
		return OutcomeFailed, "transaction " + transactionStatus, true
	}
	return "", "", false
}

// VerifyMidtransSignature checks SHA512(order_id + status_code + gross_amount + server_key).
func VerifyMidtransSignature(orderID, statusCode, grossAmount, serverKey, signature string) bool {
	if signature == "" {
		return false
	}
	hash := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	expected := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func merchantOrderID(ref PaymentRef) string {
	if id := ref.Facts[models.FactMidtransOrderID]; id != "" {
		return id
	}
	return ref.PaymentID.String()
}

func midtransNotFound(err error) bool {
	var me *midtrans.Error
	return errors.As(err, &me) && me.StatusCode == http.StatusNotFound
}

func midtransError(op string, err error) error {
	var me *midtrans.Error
	if errors.As(err, &me) && me.StatusCode != 0 {
		if me.StatusCode == http.StatusTooManyRequests || me.StatusCode >= http.StatusInternalServerError {
			return unavailable(op, err)
		}
		return rejected(op, err)
	}
	return unavailable(op, err)
}
