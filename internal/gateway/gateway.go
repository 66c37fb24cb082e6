// Package gateway executes payments on the external providers a wallet can
// be connected to. Adapters are stateless apart from their credentials and
// never write to the ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

// Mode selects where funds for an authorization come from and go to.
type Mode uint8

const (
	// ModeWalletDeposit moves funds into the platform's own merchant account.
	ModeWalletDeposit Mode = 1 << iota
	// ModeRecipientTransfer moves funds to a named external recipient.
	ModeRecipientTransfer
	// ModeBalanceSourced funds a payout from the platform's pooled balance.
	ModeBalanceSourced
)

// Has reports whether every flag in f is set.
func (m Mode) Has(f Mode) bool { return m&f == f }

func (m Mode) String() string {
	var parts []string
	if m.Has(ModeWalletDeposit) {
		parts = append(parts, "WALLET_DEPOSIT")
	}
	if m.Has(ModeRecipientTransfer) {
		parts = append(parts, "RECIPIENT_TRANSFER")
	}
	if m.Has(ModeBalanceSourced) {
		parts = append(parts, "BALANCE_SOURCED")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Authorization result statuses.
const (
	ResultCompleted             = "completed"
	ResultPending               = "pending"
	ResultCrossPlatformPending  = "cross_platform_pending"
	crossPlatformPaymentIDStart = "xplat_"
)

var (
	// ErrConflictingModes is a caller error: deposit and balance-sourced are exclusive.
	ErrConflictingModes = errors.New("gateway: WALLET_DEPOSIT and BALANCE_SOURCED are mutually exclusive")
	ErrInvalidRequest   = errors.New("gateway: invalid authorization request")
	ErrNoAdapter        = errors.New("gateway: no adapter for provider")
)

// AuthorizationError carries the provider-reported reason for a rejected payment.
type AuthorizationError struct {
	Provider model.Provider
	Reason   string
	Err      error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s authorization failed: %s", e.Provider, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// AttachmentError is returned when a payment method cannot be attached.
type AttachmentError struct {
	Provider model.Provider
	Reason   string
	Err      error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("%s attach payment method failed: %s", e.Provider, e.Reason)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// BillingInfo accompanies a payment method attachment.
type BillingInfo struct {
	Name       string
	Email      string
	PostalCode string
	Country    string
}

type AttachRequest struct {
	OwnerRef    string
	MethodToken string
	Billing     BillingInfo
}

type AttachResult struct {
	AttachedMethodID   string
	ExternalCustomerID string
	CustomerDetails    map[string]interface{}
}

type AuthorizeRequest struct {
	Amount       decimal.Decimal
	Currency     string
	PaymentToken string
	// Destination is the provider-specific recipient handle (email, account id).
	Destination string
	// DestinationProvider and DestinationWalletRef describe the recipient wallet when known.
	DestinationProvider  model.Provider
	DestinationWalletRef string
	Mode                 Mode
	Description          string
	// Reference is echoed back by provider webhooks as the correlation id.
	Reference string
}

// Validate checks the request shape before any network call.
func (r AuthorizeRequest) Validate() error {
	if r.Mode.Has(ModeWalletDeposit) && r.Mode.Has(ModeBalanceSourced) {
		return ErrConflictingModes
	}
	if r.Mode == 0 {
		return fmt.Errorf("%w: mode is required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	return nil
}

type AuthorizeResult struct {
	PaymentID        string
	SettledAmount    decimal.Decimal
	Status           string
	ProviderResponse map[string]interface{}
}

// CrossPlatform reports whether the adapter declined to settle because the
// recipient lives on another provider.
func (r *AuthorizeResult) CrossPlatform() bool {
	return r != nil && r.Status == ResultCrossPlatformPending
}

// Adapter is the capability every provider variant offers.
type Adapter interface {
	Provider() model.Provider
	AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error)
	AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
}

// BalanceReader is implemented by adapters whose provider exposes a balance API.
type BalanceReader interface {
	Balance(ctx context.Context, w *model.Wallet) (decimal.Decimal, error)
}

// preflight validates req and, when the recipient belongs to another
// provider, returns the synthetic cross-platform marker the caller must
// hand back instead of settling.
func preflight(p model.Provider, req AuthorizeRequest) (*AuthorizeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.DestinationWalletRef != "" && req.DestinationProvider != "" && req.DestinationProvider != p {
		return &AuthorizeResult{
			PaymentID:     crossPlatformPaymentIDStart + uuid.NewString(),
			SettledAmount: decimal.Zero,
			Status:        ResultCrossPlatformPending,
			ProviderResponse: map[string]interface{}{
				"from_provider": string(p),
				"to_provider":   string(req.DestinationProvider),
				"destination":   req.DestinationWalletRef,
			},
		}, nil
	}
	return nil, nil
}

func authErr(p model.Provider, err error) error {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return err
	}
	return &AuthorizationError{Provider: p, Reason: reasonOf(err), Err: err}
}

func attachErr(p model.Provider, err error) error {
	var ae *AttachmentError
	if errors.As(err, &ae) {
		return err
	}
	return &AttachmentError{Provider: p, Reason: reasonOf(err), Err: err}
}

func reasonOf(err error) string {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider timeout"
	}
	return err.Error()
}
