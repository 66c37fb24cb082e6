package gateway

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

// Mock is the sandbox adapter. Tokens starting with "fail" are rejected and
// tokens starting with "pending" settle asynchronously.
type Mock struct {
	provider model.Provider
	balance  decimal.Decimal
	calls    atomic.Int64
}

var (
	_ Adapter       = (*Mock)(nil)
	_ BalanceReader = (*Mock)(nil)
)

func NewMock(p model.Provider) *Mock {
	return &Mock{provider: p, balance: decimal.NewFromInt(1000)}
}

func (m *Mock) Provider() model.Provider { return m.provider }

// Calls returns how many authorizations reached the mock's settlement step.
func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) AuthorizePayment(_ context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if res, err := preflight(m.provider, req); res != nil || err != nil {
		return res, err
	}
	m.calls.Add(1)
	switch {
	case strings.HasPrefix(req.PaymentToken, "fail"):
		return nil, &AuthorizationError{Provider: m.provider, Reason: "sandbox decline"}
	case strings.HasPrefix(req.PaymentToken, "pending"):
		return &AuthorizeResult{
			PaymentID:        "mock_" + uuid.NewString(),
			SettledAmount:    req.Amount,
			Status:           ResultPending,
			ProviderResponse: map[string]interface{}{"sandbox": true},
		}, nil
	}
	return &AuthorizeResult{
		PaymentID:        "mock_" + uuid.NewString(),
		SettledAmount:    req.Amount,
		Status:           ResultCompleted,
		ProviderResponse: map[string]interface{}{"sandbox": true, "mode": req.Mode.String()},
	}, nil
}

func (m *Mock) AttachPaymentMethod(_ context.Context, req AttachRequest) (*AttachResult, error) {
	if req.MethodToken == "" || strings.HasPrefix(req.MethodToken, "fail") {
		return nil, &AttachmentError{Provider: m.provider, Reason: "sandbox rejected token"}
	}
	return &AttachResult{
		AttachedMethodID:   "pm_" + req.MethodToken,
		ExternalCustomerID: "cus_" + req.OwnerRef,
		CustomerDetails:    map[string]interface{}{"email": req.Billing.Email},
	}, nil
}

func (m *Mock) Balance(_ context.Context, _ *model.Wallet) (decimal.Decimal, error) {
	return m.balance, nil
}
