package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider is an external payment network a wallet is connected to.
type Provider string

const (
	ProviderPayPal    Provider = "PAYPAL"
	ProviderVenmo     Provider = "VENMO"
	ProviderWise      Provider = "WISE"
	ProviderSquare    Provider = "SQUARE"
	ProviderGooglePay Provider = "GOOGLEPAY"
	ProviderApplePay  Provider = "APPLEPAY"
	ProviderRapyd     Provider = "RAPYD"

	// ProviderStripe processes Google Pay and Apple Pay tokens; it never owns a wallet.
	ProviderStripe Provider = "STRIPE"
	// ProviderPlatform marks ledger rows the platform books for itself (admin fees).
	ProviderPlatform Provider = "PLATFORM"
	// ProviderIntermediary marks transfers routed through the settlement network.
	ProviderIntermediary Provider = "INTERMEDIARY"
)

// WalletProviders lists the providers a user can connect.
var WalletProviders = []Provider{
	ProviderPayPal, ProviderVenmo, ProviderWise, ProviderSquare,
	ProviderGooglePay, ProviderApplePay, ProviderRapyd,
}

// ParseProvider normalises a provider name; ok is false for unknown names.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case ProviderPayPal, ProviderVenmo, ProviderWise, ProviderSquare,
		ProviderGooglePay, ProviderApplePay, ProviderRapyd, ProviderStripe:
		return p, true
	case "BRAINTREE":
		return ProviderVenmo, true
	}
	return "", false
}

// Capability flags stored as a comma separated list.
const (
	CapabilitySend          = "send"
	CapabilityReceive       = "receive"
	CapabilityBalanceCheck  = "balance_check"
	CapabilityMultiCurrency = "multi_currency"
)

// Wallet is a user's connection to one external provider account.
type Wallet struct {
	ID                 uint64          `gorm:"primaryKey;column:id" json:"id"`
	UserID             string          `gorm:"size:64;not null;index:idx_wallet_user_provider" json:"user_id"`
	Provider           Provider        `gorm:"size:16;not null;index:idx_wallet_user_provider;index:idx_wallet_provider_external" json:"provider"`
	ExternalWalletID   string          `gorm:"size:128;index:idx_wallet_provider_external" json:"external_wallet_id"`
	Email              string          `gorm:"size:255;index" json:"email,omitempty"`
	DisplayName        string          `gorm:"size:255" json:"display_name,omitempty"`
	Username           string          `gorm:"size:128;index" json:"username,omitempty"`
	Currency           string          `gorm:"size:3;not null;default:'USD'" json:"currency"`
	Balance            decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'" json:"balance"`
	Capabilities       string          `gorm:"size:128" json:"-"`
	IsActive           bool            `gorm:"not null;default:true;index" json:"is_active"`
	LastSyncedAt       time.Time       `gorm:"index" json:"last_synced_at"`
	AccessToken        string          `gorm:"size:512" json:"-"`
	RefreshToken       string          `gorm:"size:512" json:"-"`
	PaymentMethodToken string          `gorm:"size:255" json:"-"`
	CustomerID         string          `gorm:"size:128;index" json:"-"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallet" }

// CapabilityList splits the stored capability set.
func (w *Wallet) CapabilityList() []string {
	if w.Capabilities == "" {
		return nil
	}
	return strings.Split(w.Capabilities, ",")
}

// Can reports whether the wallet advertises a capability.
func (w *Wallet) Can(capability string) bool {
	for _, c := range w.CapabilityList() {
		if c == capability {
			return true
		}
	}
	return false
}

// DefaultCapabilities returns what a freshly connected wallet of p can do.
func DefaultCapabilities(p Provider) []string {
	switch p {
	case ProviderPayPal, ProviderWise:
		return []string{CapabilitySend, CapabilityReceive, CapabilityBalanceCheck, CapabilityMultiCurrency}
	case ProviderVenmo, ProviderSquare:
		return []string{CapabilitySend, CapabilityReceive, CapabilityBalanceCheck}
	case ProviderGooglePay, ProviderApplePay:
		return []string{CapabilitySend}
	case ProviderRapyd:
		return []string{CapabilitySend, CapabilityReceive, CapabilityMultiCurrency}
	}
	return nil
}
