package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

const braintreeVersion = "2024-08-01"

// Braintree settles Venmo wallets through the Braintree GraphQL API.
type Braintree struct {
	creds config.ProviderCredentials
	api   *restClient
}

var _ Adapter = (*Braintree)(nil)

func NewBraintree(creds config.ProviderCredentials, timeout time.Duration) *Braintree {
	return &Braintree{
		creds: creds,
		api: newRestClient(creds.BaseURL, timeout, func(_ context.Context, req *http.Request) error {
			req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
			req.Header.Set("Braintree-Version", braintreeVersion)
			return nil
		}),
	}
}

func (b *Braintree) Provider() model.Provider { return model.ProviderVenmo }

type graphQLError struct {
	Message string `json:"message"`
}

// graphql posts one operation; GraphQL reports failures in the body with a 200.
func (b *Braintree) graphql(ctx context.Context, query string, vars map[string]interface{}, data interface{}) error {
	var out struct {
		Data   interface{}    `json:"data"`
		Errors []graphQLError `json:"errors"`
	}
	out.Data = data
	err := b.api.postJSON(ctx, "/graphql", nil, map[string]interface{}{"query": query, "variables": vars}, &out)
	if err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return &apiError{Status: http.StatusUnprocessableEntity, Message: strings.Join(msgs, "; ")}
	}
	return nil
}

const chargeMutation = `mutation Charge($input: ChargePaymentMethodInput!) {
  chargePaymentMethod(input: $input) { transaction { id status amount { value currencyCode } } }
}`

func (b *Braintree) AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if res, err := preflight(b.Provider(), req); res != nil || err != nil {
		return res, err
	}
	// Braintree can only charge a vaulted method; there is no merchant-funded payout.
	if req.Mode.Has(ModeBalanceSourced) {
		return nil, &AuthorizationError{Provider: b.Provider(), Reason: "BALANCE_SOURCED payouts are not supported"}
	}
	if req.PaymentToken == "" {
		return nil, &AuthorizationError{Provider: b.Provider(), Reason: "payment method token is required"}
	}
	txInput := map[string]interface{}{
		"amount":  req.Amount.StringFixed(2),
		"orderId": req.Reference,
		"customFields": []map[string]string{
			{"name": "recipient", "value": req.Destination},
		},
	}
	if b.creds.MerchantID != "" {
		txInput["merchantAccountId"] = b.creds.MerchantID
	}
	vars := map[string]interface{}{"input": map[string]interface{}{
		"paymentMethodId": req.PaymentToken,
		"transaction":     txInput,
	}}
	var data struct {
		ChargePaymentMethod struct {
			Transaction struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount struct {
					Value string `json:"value"`
				} `json:"amount"`
			} `json:"transaction"`
		} `json:"chargePaymentMethod"`
	}
	if err := b.graphql(ctx, chargeMutation, vars, &data); err != nil {
		return nil, authErr(b.Provider(), err)
	}
	tx := data.ChargePaymentMethod.Transaction
	settled := req.Amount
	if v, err := decimal.NewFromString(tx.Amount.Value); err == nil {
		settled = v
	}
	status := ResultPending
	switch tx.Status {
	case "SUBMITTED_FOR_SETTLEMENT", "SETTLING", "SETTLED":
		status = ResultCompleted
	case "FAILED", "GATEWAY_REJECTED", "PROCESSOR_DECLINED":
		return nil, &AuthorizationError{Provider: b.Provider(), Reason: "transaction " + strings.ToLower(tx.Status)}
	}
	return &AuthorizeResult{
		PaymentID:        tx.ID,
		SettledAmount:    settled,
		Status:           status,
		ProviderResponse: map[string]interface{}{"status": tx.Status},
	}, nil
}

const createCustomerMutation = `mutation CreateCustomer($input: CreateCustomerInput!) {
  createCustomer(input: $input) { customer { id email } }
}`

const vaultMutation = `mutation Vault($input: VaultPaymentMethodInput!) {
  vaultPaymentMethod(input: $input) { paymentMethod { id customer { id } } }
}`

func (b *Braintree) AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	if req.MethodToken == "" {
		return nil, &AttachmentError{Provider: b.Provider(), Reason: "payment method nonce is required"}
	}
	var customer struct {
		CreateCustomer struct {
			Customer struct {
				ID    string `json:"id"`
				Email string `json:"email"`
			} `json:"customer"`
		} `json:"createCustomer"`
	}
	custVars := map[string]interface{}{"input": map[string]interface{}{
		"customer": map[string]string{"email": req.Billing.Email, "firstName": req.Billing.Name},
	}}
	if err := b.graphql(ctx, createCustomerMutation, custVars, &customer); err != nil {
		return nil, attachErr(b.Provider(), err)
	}
	customerID := customer.CreateCustomer.Customer.ID
	if customerID == "" {
		return nil, &AttachmentError{Provider: b.Provider(), Reason: "customer could not be created"}
	}

	var vaulted struct {
		VaultPaymentMethod struct {
			PaymentMethod struct {
				ID string `json:"id"`
			} `json:"paymentMethod"`
		} `json:"vaultPaymentMethod"`
	}
	vaultVars := map[string]interface{}{"input": map[string]interface{}{
		"paymentMethodId": req.MethodToken,
		"customerId":      customerID,
	}}
	if err := b.graphql(ctx, vaultMutation, vaultVars, &vaulted); err != nil {
		return nil, attachErr(b.Provider(), err)
	}
	return &AttachResult{
		AttachedMethodID:   vaulted.VaultPaymentMethod.PaymentMethod.ID,
		ExternalCustomerID: customerID,
		CustomerDetails:    map[string]interface{}{"email": customer.CreateCustomer.Customer.Email},
	}, nil
}
