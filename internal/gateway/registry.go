package gateway

import (
	"fmt"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
)

// Gateways looks up the adapter for a provider.
type Gateways interface {
	Adapter(p model.Provider) (Adapter, error)
}

// Registry is a fixed provider to adapter table built once at startup.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry builds one adapter per supported provider. RAPYD wallets are
// reachable only through the settlement bridge and get no adapter.
func NewRegistry(cfg config.GatewaysConfig) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter)}
	providers := append([]model.Provider{model.ProviderStripe}, model.WalletProviders...)
	for _, p := range providers {
		if a := newAdapter(p, cfg); a != nil {
			r.adapters[p] = a
		}
	}
	return r
}

func newAdapter(p model.Provider, cfg config.GatewaysConfig) Adapter {
	if cfg.Sandbox {
		if p == model.ProviderRapyd {
			return nil
		}
		return NewMock(p)
	}
	switch p {
	case model.ProviderPayPal:
		return NewPayPal(cfg.PayPal, cfg.Timeout)
	case model.ProviderVenmo:
		return NewBraintree(cfg.Braintree, cfg.Timeout)
	case model.ProviderWise:
		return NewWise(cfg.Wise, cfg.Timeout)
	case model.ProviderSquare:
		return NewSquare(cfg.Square, cfg.Timeout)
	case model.ProviderStripe:
		return NewStripe(cfg.Stripe, cfg.Timeout)
	case model.ProviderGooglePay:
		return NewGooglePay(cfg.Stripe, cfg.Timeout)
	case model.ProviderApplePay:
		return NewApplePay(cfg.Stripe, cfg.Timeout)
	case model.ProviderRapyd:
		return nil
	}
	return nil
}

// NewStaticRegistry wraps pre-built adapters, keyed by their own provider.
func NewStaticRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Adapter(p model.Provider) (Adapter, error) {
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p)
}

// BalanceReaders returns the adapters that can report a live balance.
func (r *Registry) BalanceReaders() map[model.Provider]BalanceReader {
	out := make(map[model.Provider]BalanceReader)
	for p, a := range r.adapters {
		if br, ok := a.(BalanceReader); ok {
			out[p] = br
		}
	}
	return out
}
