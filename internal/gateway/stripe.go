package gateway

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

// Stripe confirms PaymentIntents. Google Pay and Apple Pay wallets are
// Stripe payment methods under their own provider name.
type Stripe struct {
	provider model.Provider
	creds    config.ProviderCredentials
	api      *restClient
}

var _ Adapter = (*Stripe)(nil)

func NewStripe(creds config.ProviderCredentials, timeout time.Duration) *Stripe {
	return newStripeVariant(model.ProviderStripe, creds, timeout)
}

func NewGooglePay(creds config.ProviderCredentials, timeout time.Duration) *Stripe {
	return newStripeVariant(model.ProviderGooglePay, creds, timeout)
}

func NewApplePay(creds config.ProviderCredentials, timeout time.Duration) *Stripe {
	return newStripeVariant(model.ProviderApplePay, creds, timeout)
}

func newStripeVariant(p model.Provider, creds config.ProviderCredentials, timeout time.Duration) *Stripe {
	return &Stripe{provider: p, creds: creds, api: newRestClient(creds.BaseURL, timeout, bearer(creds.ClientSecret))}
}

func (s *Stripe) Provider() model.Provider { return s.provider }

func (s *Stripe) AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if res, err := preflight(s.provider, req); res != nil || err != nil {
		return res, err
	}
	if req.PaymentToken == "" {
		return nil, &AuthorizationError{Provider: s.provider, Reason: "payment method is required"}
	}
	form := url.Values{}
	form.Set("amount", req.Amount.Mul(hundred).Round(0).String())
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.PaymentToken)
	form.Set("confirm", "true")
	form.Set("description", req.Description)
	form.Set("metadata[transactionId]", req.Reference)
	form.Set("metadata[wallet]", string(s.provider))
	if req.Mode.Has(ModeRecipientTransfer) && req.Destination != "" {
		form.Set("transfer_data[destination]", req.Destination)
	}
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")

	var out struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		AmountReceived int64  `json:"amount_received"`
		LastError      *struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	headers := map[string]string{"Idempotency-Key": "pi_" + req.Reference}
	if err := s.api.postForm(ctx, "/v1/payment_intents", form, headers, &out); err != nil {
		return nil, authErr(s.provider, err)
	}
	switch out.Status {
	case "succeeded":
		return &AuthorizeResult{
			PaymentID:        out.ID,
			SettledAmount:    decimal.New(out.AmountReceived, -2),
			Status:           ResultCompleted,
			ProviderResponse: map[string]interface{}{"status": out.Status},
		}, nil
	case "processing", "requires_capture":
		return &AuthorizeResult{
			PaymentID:        out.ID,
			SettledAmount:    req.Amount,
			Status:           ResultPending,
			ProviderResponse: map[string]interface{}{"status": out.Status},
		}, nil
	}
	reason := "payment intent " + out.Status
	if out.LastError != nil && out.LastError.Message != "" {
		reason = out.LastError.Message
	}
	return nil, &AuthorizationError{Provider: s.provider, Reason: reason}
}

func (s *Stripe) AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	if req.MethodToken == "" {
		return nil, &AttachmentError{Provider: s.provider, Reason: "payment method id is required"}
	}
	var customer struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	custForm := url.Values{}
	custForm.Set("email", req.Billing.Email)
	custForm.Set("name", req.Billing.Name)
	custForm.Set("metadata[owner]", req.OwnerRef)
	if req.Billing.PostalCode != "" {
		custForm.Set("address[postal_code]", req.Billing.PostalCode)
		custForm.Set("address[country]", req.Billing.Country)
	}
	if err := s.api.postForm(ctx, "/v1/customers", custForm, nil, &customer); err != nil {
		return nil, attachErr(s.provider, err)
	}

	var pm struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	attachForm := url.Values{"customer": {customer.ID}}
	path := "/v1/payment_methods/" + url.PathEscape(req.MethodToken) + "/attach"
	if err := s.api.postForm(ctx, path, attachForm, nil, &pm); err != nil {
		return nil, attachErr(s.provider, err)
	}
	return &AttachResult{
		AttachedMethodID:   pm.ID,
		ExternalCustomerID: customer.ID,
		CustomerDetails:    map[string]interface{}{"email": customer.Email, "type": pm.Type},
	}, nil
}
