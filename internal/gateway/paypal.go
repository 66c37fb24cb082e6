package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

// PayPal pays recipients through Payouts and captures deposits through Orders.
type PayPal struct {
	creds config.ProviderCredentials
	api   *restClient
}

var (
	_ Adapter       = (*PayPal)(nil)
	_ BalanceReader = (*PayPal)(nil)
)

func NewPayPal(creds config.ProviderCredentials, timeout time.Duration) *PayPal {
	p := &PayPal{creds: creds}
	tokens := newRestClient(creds.BaseURL, timeout, func(_ context.Context, req *http.Request) error {
		req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
		return nil
	})
	p.api = newRestClient(creds.BaseURL, timeout, func(ctx context.Context, req *http.Request) error {
		var tok struct {
			AccessToken string `json:"access_token"`
		}
		form := url.Values{"grant_type": {"client_credentials"}}
		if err := tokens.postForm(ctx, "/v1/oauth2/token", form, nil, &tok); err != nil {
			return fmt.Errorf("paypal oauth: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		return nil
	})
	return p
}

func (p *PayPal) Provider() model.Provider { return model.ProviderPayPal }

type paypalMoney struct {
	Value    string `json:"value"`
	Currency string `json:"currency,omitempty"`
	// orders API spells it currency_code
	CurrencyCode string `json:"currency_code,omitempty"`
}

func (p *PayPal) AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if res, err := preflight(p.Provider(), req); res != nil || err != nil {
		return res, err
	}
	if req.Mode.Has(ModeWalletDeposit) {
		return p.captureOrder(ctx, req)
	}
	return p.payout(ctx, req)
}

func (p *PayPal) payout(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.Destination == "" {
		return nil, &AuthorizationError{Provider: p.Provider(), Reason: "recipient email is required"}
	}
	body := map[string]interface{}{
		"sender_batch_header": map[string]interface{}{
			"sender_batch_id": "batch_" + req.Reference,
			"email_subject":   "You have received a payment",
		},
		"items": []map[string]interface{}{{
			"recipient_type": "EMAIL",
			"receiver":       req.Destination,
			"amount":         paypalMoney{Value: req.Amount.StringFixed(2), Currency: strings.ToUpper(req.Currency)},
			"note":           req.Description,
			"sender_item_id": req.Reference,
		}},
	}
	var out struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := p.api.postJSON(ctx, "/v1/payments/payouts", nil, body, &out); err != nil {
		return nil, authErr(p.Provider(), err)
	}
	status := ResultPending
	if out.BatchHeader.BatchStatus == "SUCCESS" {
		status = ResultCompleted
	}
	return &AuthorizeResult{
		PaymentID:     out.BatchHeader.PayoutBatchID,
		SettledAmount: req.Amount,
		Status:        status,
		ProviderResponse: map[string]interface{}{
			"batch_status": out.BatchHeader.BatchStatus,
		},
	}, nil
}

func (p *PayPal) captureOrder(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.PaymentToken == "" {
		return nil, &AuthorizationError{Provider: p.Provider(), Reason: "order id is required"}
	}
	var out struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string      `json:"id"`
					Amount paypalMoney `json:"amount"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	path := "/v2/checkout/orders/" + url.PathEscape(req.PaymentToken) + "/capture"
	headers := map[string]string{"PayPal-Request-Id": req.Reference}
	if err := p.api.postJSON(ctx, path, headers, map[string]interface{}{}, &out); err != nil {
		return nil, authErr(p.Provider(), err)
	}
	settled := req.Amount
	paymentID := out.ID
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		c := out.PurchaseUnits[0].Payments.Captures[0]
		paymentID = c.ID
		if v, err := decimal.NewFromString(c.Amount.Value); err == nil {
			settled = v
		}
	}
	status := ResultPending
	if out.Status == "COMPLETED" {
		status = ResultCompleted
	}
	return &AuthorizeResult{
		PaymentID:        paymentID,
		SettledAmount:    settled,
		Status:           status,
		ProviderResponse: map[string]interface{}{"order_id": out.ID, "status": out.Status},
	}, nil
}

func (p *PayPal) AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	if req.MethodToken == "" {
		return nil, &AttachmentError{Provider: p.Provider(), Reason: "setup token is required"}
	}
	body := map[string]interface{}{
		"payment_source": map[string]interface{}{
			"token": map[string]string{"id": req.MethodToken, "type": "SETUP_TOKEN"},
		},
	}
	var out struct {
		ID       string `json:"id"`
		Customer struct {
			ID string `json:"id"`
		} `json:"customer"`
	}
	if err := p.api.postJSON(ctx, "/v3/vault/payment-tokens", nil, body, &out); err != nil {
		return nil, attachErr(p.Provider(), err)
	}
	if out.Customer.ID == "" {
		return nil, &AttachmentError{Provider: p.Provider(), Reason: "no customer returned for vaulted token"}
	}
	return &AttachResult{
		AttachedMethodID:   out.ID,
		ExternalCustomerID: out.Customer.ID,
		CustomerDetails:    map[string]interface{}{"email": req.Billing.Email, "name": req.Billing.Name},
	}, nil
}

func (p *PayPal) Balance(ctx context.Context, w *model.Wallet) (decimal.Decimal, error) {
	var out struct {
		Balances []struct {
			Currency     string      `json:"currency"`
			TotalBalance paypalMoney `json:"total_balance"`
		} `json:"balances"`
	}
	if err := p.api.getJSON(ctx, "/v1/reporting/balances?currency_code="+url.QueryEscape(w.Currency), &out); err != nil {
		return decimal.Zero, err
	}
	for _, b := range out.Balances {
		if strings.EqualFold(b.Currency, w.Currency) {
			return decimal.NewFromString(b.TotalBalance.Value)
		}
	}
	return decimal.Zero, nil
}
