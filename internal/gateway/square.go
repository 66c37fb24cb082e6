package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

const squareVersion = "2024-07-17"

// Square charges card-on-file and wallet sources through the Payments API.
type Square struct {
	creds config.ProviderCredentials
	api   *restClient
}

var _ Adapter = (*Square)(nil)

func NewSquare(creds config.ProviderCredentials, timeout time.Duration) *Square {
	return &Square{creds: creds, api: newRestClient(creds.BaseURL, timeout, bearer(creds.ClientSecret))}
}

func (s *Square) Provider() model.Provider { return model.ProviderSquare }

var hundred = decimal.NewFromInt(100)

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Square) headers() map[string]string {
	return map[string]string{"Square-Version": squareVersion}
}

func (s *Square) AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if res, err := preflight(s.Provider(), req); res != nil || err != nil {
		return res, err
	}
	if req.PaymentToken == "" {
		return nil, &AuthorizationError{Provider: s.Provider(), Reason: "source id is required"}
	}
	body := map[string]interface{}{
		"source_id":       req.PaymentToken,
		"idempotency_key": uuid.NewString(),
		"amount_money": squareMoney{
			Amount:   req.Amount.Mul(hundred).Round(0).IntPart(),
			Currency: strings.ToUpper(req.Currency),
		},
		"reference_id": req.Reference,
		"note":         req.Description,
		"autocomplete": true,
	}
	if s.creds.LocationID != "" {
		body["location_id"] = s.creds.LocationID
	}
	var out struct {
		Payment struct {
			ID          string      `json:"id"`
			Status      string      `json:"status"`
			AmountMoney squareMoney `json:"amount_money"`
		} `json:"payment"`
	}
	if err := s.api.postJSON(ctx, "/v2/payments", s.headers(), body, &out); err != nil {
		return nil, authErr(s.Provider(), err)
	}
	p := out.Payment
	switch p.Status {
	case "FAILED", "CANCELED":
		return nil, &AuthorizationError{Provider: s.Provider(), Reason: "payment " + strings.ToLower(p.Status)}
	}
	status := ResultPending
	if p.Status == "COMPLETED" {
		status = ResultCompleted
	}
	return &AuthorizeResult{
		PaymentID:        p.ID,
		SettledAmount:    decimal.New(p.AmountMoney.Amount, -2),
		Status:           status,
		ProviderResponse: map[string]interface{}{"status": p.Status},
	}, nil
}

func (s *Square) AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	if req.MethodToken == "" {
		return nil, &AttachmentError{Provider: s.Provider(), Reason: "card nonce is required"}
	}
	var customer struct {
		Customer struct {
			ID    string `json:"id"`
			Email string `json:"email_address"`
		} `json:"customer"`
	}
	custBody := map[string]interface{}{
		"idempotency_key": uuid.NewString(),
		"email_address":   req.Billing.Email,
		"given_name":      req.Billing.Name,
		"reference_id":    req.OwnerRef,
	}
	if err := s.api.postJSON(ctx, "/v2/customers", s.headers(), custBody, &customer); err != nil {
		return nil, attachErr(s.Provider(), err)
	}

	var card struct {
		Card struct {
			ID string `json:"id"`
		} `json:"card"`
	}
	cardBody := map[string]interface{}{
		"idempotency_key": uuid.NewString(),
		"source_id":       req.MethodToken,
		"card": map[string]interface{}{
			"customer_id":     customer.Customer.ID,
			"cardholder_name": req.Billing.Name,
			"billing_address": map[string]string{
				"postal_code": req.Billing.PostalCode,
				"country":     req.Billing.Country,
			},
		},
	}
	if err := s.api.postJSON(ctx, "/v2/cards", s.headers(), cardBody, &card); err != nil {
		return nil, attachErr(s.Provider(), err)
	}
	return &AttachResult{
		AttachedMethodID:   card.Card.ID,
		ExternalCustomerID: customer.Customer.ID,
		CustomerDetails:    map[string]interface{}{"email": customer.Customer.Email},
	}, nil
}
