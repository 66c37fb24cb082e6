package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

// Wise moves money with the quote, transfer, fund sequence.
type Wise struct {
	creds config.ProviderCredentials
	api   *restClient
}

var (
	_ Adapter       = (*Wise)(nil)
	_ BalanceReader = (*Wise)(nil)
)

func NewWise(creds config.ProviderCredentials, timeout time.Duration) *Wise {
	return &Wise{creds: creds, api: newRestClient(creds.BaseURL, timeout, bearer(creds.ClientSecret))}
}

func (w *Wise) Provider() model.Provider { return model.ProviderWise }

func (w *Wise) AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if res, err := preflight(w.Provider(), req); res != nil || err != nil {
		return res, err
	}
	if req.Destination == "" {
		return nil, &AuthorizationError{Provider: w.Provider(), Reason: "recipient account id is required"}
	}
	currency := strings.ToUpper(req.Currency)

	var quote struct {
		ID string `json:"id"`
	}
	quoteBody := map[string]interface{}{
		"sourceCurrency": currency,
		"targetCurrency": currency,
		"sourceAmount":   req.Amount.InexactFloat64(),
	}
	if err := w.api.postJSON(ctx, fmt.Sprintf("/v3/profiles/%s/quotes", w.creds.ProfileID), nil, quoteBody, &quote); err != nil {
		return nil, authErr(w.Provider(), err)
	}

	var transfer struct {
		ID           int64   `json:"id"`
		Status       string  `json:"status"`
		TargetValue  float64 `json:"targetValue"`
		SourceAmount float64 `json:"sourceValue"`
	}
	transferBody := map[string]interface{}{
		"targetAccount":         req.Destination,
		"quoteUuid":             quote.ID,
		"customerTransactionId": uuid.NewString(),
		"details":               map[string]string{"reference": req.Reference},
	}
	if err := w.api.postJSON(ctx, "/v1/transfers", nil, transferBody, &transfer); err != nil {
		return nil, authErr(w.Provider(), err)
	}

	var funding struct {
		Status string `json:"status"`
		Error  string `json:"errorCode"`
	}
	fundPath := fmt.Sprintf("/v3/profiles/%s/transfers/%d/payments", w.creds.ProfileID, transfer.ID)
	if err := w.api.postJSON(ctx, fundPath, nil, map[string]string{"type": "BALANCE"}, &funding); err != nil {
		return nil, authErr(w.Provider(), err)
	}
	if funding.Status != "COMPLETED" {
		return nil, &AuthorizationError{Provider: w.Provider(), Reason: "funding rejected: " + funding.Error}
	}

	settled := req.Amount
	if transfer.TargetValue > 0 {
		settled = decimal.NewFromFloat(transfer.TargetValue)
	}
	// Wise settles out of band; the transfers#state-change webhook completes it.
	return &AuthorizeResult{
		PaymentID:        fmt.Sprintf("%d", transfer.ID),
		SettledAmount:    settled,
		Status:           ResultPending,
		ProviderResponse: map[string]interface{}{"quote_id": quote.ID, "status": transfer.Status},
	}, nil
}

func (w *Wise) AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	if req.Billing.Email == "" && req.MethodToken == "" {
		return nil, &AttachmentError{Provider: w.Provider(), Reason: "recipient email or account token is required"}
	}
	body := map[string]interface{}{
		"profile":           w.creds.ProfileID,
		"accountHolderName": req.Billing.Name,
		"currency":          "USD",
		"type":              "email",
		"details":           map[string]string{"email": req.Billing.Email},
	}
	var out struct {
		ID      int64 `json:"id"`
		Profile int64 `json:"profile"`
	}
	if err := w.api.postJSON(ctx, "/v1/accounts", nil, body, &out); err != nil {
		return nil, attachErr(w.Provider(), err)
	}
	return &AttachResult{
		AttachedMethodID:   fmt.Sprintf("%d", out.ID),
		ExternalCustomerID: w.creds.ProfileID,
		CustomerDetails:    map[string]interface{}{"account_holder": req.Billing.Name},
	}, nil
}

func (w *Wise) Balance(ctx context.Context, wallet *model.Wallet) (decimal.Decimal, error) {
	var out []struct {
		Amount struct {
			Value    float64 `json:"value"`
			Currency string  `json:"currency"`
		} `json:"amount"`
	}
	if err := w.api.getJSON(ctx, fmt.Sprintf("/v4/profiles/%s/balances?types=STANDARD", w.creds.ProfileID), &out); err != nil {
		return decimal.Zero, err
	}
	for _, b := range out {
		if strings.EqualFold(b.Amount.Currency, wallet.Currency) {
			return decimal.NewFromFloat(b.Amount.Value), nil
		}
	}
	return decimal.Zero, nil
}
