package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/oauthstate"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WalletLister lists a user's connected wallets, one per provider.
type WalletLister interface {
	ListForUser(ctx context.Context, userID string) ([]model.Wallet, error)
}

// StateStore correlates OAuth redirects with the user who started them.
type StateStore interface {
	Issue(ctx context.Context, userID string, p model.Provider) (string, error)
	Consume(ctx context.Context, state string) (*oauthstate.Entry, error)
}

// ConnectRequest carries what a provider handed back when the user linked
// an account. Empty fields leave an existing wallet's values untouched.
type ConnectRequest struct {
	Provider           model.Provider
	ExternalWalletID   string
	Email              string
	DisplayName        string
	Username           string
	Currency           string
	AccessToken        string
	RefreshToken       string
	PaymentMethodToken string
	CustomerID         string
	Billing            gateway.BillingInfo
}

// WalletService glues wallet connections, the directory and the repository.
type WalletService struct {
	repo     repo.RepositoryInterface
	dir      WalletLister
	gateways gateway.Gateways
	states   StateStore
	log      *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, dir WalletLister, gw gateway.Gateways, states StateStore, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, dir: dir, gateways: gw, states: states, log: logger}
}

func isWalletProvider(p model.Provider) bool {
	for _, wp := range model.WalletProviders {
		if wp == p {
			return true
		}
	}
	return false
}

func (req *ConnectRequest) validate() error {
	var v ValidationErrors
	if !isWalletProvider(req.Provider) {
		v.add("provider", "unknown provider")
	}
	if req.ExternalWalletID == "" && req.PaymentMethodToken == "" {
		v.add("external_wallet_id", "is required when no payment method token is given")
	}
	if req.Currency != "" && len(req.Currency) != 3 {
		v.add("currency", "must be a 3-letter ISO 4217 code")
	}
	return v.err()
}

// Connect links a provider account to userID. A payment method token is
// attached through the provider first. The user's active wallet for the
// provider is updated in place so at most one stays active.
func (s *WalletService) Connect(ctx context.Context, userID string, req ConnectRequest) (*model.Wallet, error) {
	req.ExternalWalletID = strings.TrimSpace(req.ExternalWalletID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.PaymentMethodToken != "" {
		adapter, err := s.gateways.Adapter(req.Provider)
		if err != nil {
			return nil, err
		}
		owner := req.CustomerID
		if owner == "" {
			owner = userID
		}
		att, err := adapter.AttachPaymentMethod(ctx, gateway.AttachRequest{
			OwnerRef: owner, MethodToken: req.PaymentMethodToken, Billing: req.Billing,
		})
		if err != nil {
			s.log.Warnw("attach payment method failed", "user_id", userID, "provider", req.Provider, "error", err)
			return nil, err
		}
		req.PaymentMethodToken = att.AttachedMethodID
		if att.ExternalCustomerID != "" {
			req.CustomerID = att.ExternalCustomerID
		}
		if req.ExternalWalletID == "" {
			req.ExternalWalletID = att.AttachedMethodID
		}
	}

	var saved *model.Wallet
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.FindActiveWalletByProvider(ctx, tx, userID, req.Provider)
		if errors.Is(err, repo.ErrNotFound) {
			w = &model.Wallet{UserID: userID, Provider: req.Provider, Currency: "USD"}
		} else if err != nil {
			return err
		}
		merge(w, req)
		w.IsActive = true
		w.LastSyncedAt = time.Now().UTC()
		if w.Capabilities == "" {
			w.Capabilities = strings.Join(model.DefaultCapabilities(w.Provider), ",")
		}
		if err := s.repo.SaveWallet(ctx, tx, w); err != nil {
			return err
		}
		saved = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("wallet connected", "user_id", userID, "wallet_id", saved.ID, "provider", saved.Provider)
	return saved, nil
}

func merge(w *model.Wallet, req ConnectRequest) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&w.ExternalWalletID, req.ExternalWalletID)
	set(&w.Email, req.Email)
	set(&w.DisplayName, req.DisplayName)
	set(&w.Username, req.Username)
	set(&w.Currency, req.Currency)
	set(&w.AccessToken, req.AccessToken)
	set(&w.RefreshToken, req.RefreshToken)
	set(&w.PaymentMethodToken, req.PaymentMethodToken)
	set(&w.CustomerID, req.CustomerID)
}

// Disconnect soft-deletes one of the user's wallets.
func (s *WalletService) Disconnect(ctx context.Context, userID string, walletID uint64) error {
	if err := s.repo.DeactivateWallet(ctx, userID, walletID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrWalletNotFound
		}
		return err
	}
	payload := map[string]interface{}{"wallet_id": walletID, "user_id": userID, "reason": "disconnected"}
	if err := s.repo.EnqueueEvent(ctx, nil, "wallet", walletID, model.EventWalletDeactivated, payload); err != nil {
		s.log.Warnw("wallet deactivation event not queued", "wallet_id", walletID, "error", err)
	}
	s.log.Infow("wallet disconnected", "user_id", userID, "wallet_id", walletID)
	return nil
}

// List returns the user's wallets with cached balances where available.
func (s *WalletService) List(ctx context.Context, userID string) ([]model.Wallet, error) {
	ws, err := s.dir.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range ws {
		if bal, err := s.repo.GetCachedBalance(ctx, ws[i].ID); err == nil {
			ws[i].Balance = bal
		}
	}
	return ws, nil
}

// GetBalance returns the cached balance, falling back to the last synced value.
func (s *WalletService) GetBalance(ctx context.Context, userID string, walletID uint64) (decimal.Decimal, error) {
	w, err := s.repo.GetWallet(ctx, nil, walletID, repo.WalletScope{UserID: userID})
	if errors.Is(err, repo.ErrNotFound) {
		return decimal.Zero, ErrWalletNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	if bal, err := s.repo.GetCachedBalance(ctx, walletID); err == nil {
		return bal, nil
	}
	if err := s.repo.CacheBalance(ctx, walletID, w.Balance); err != nil {
		s.log.Warn(err)
	}
	return w.Balance, nil
}

// BeginOAuth issues the state token the provider redirect must echo back.
func (s *WalletService) BeginOAuth(ctx context.Context, userID, provider string) (string, error) {
	p, ok := model.ParseProvider(provider)
	if !ok || !isWalletProvider(p) {
		return "", ValidationErrors{{Field: "provider", Message: "unknown provider"}}
	}
	return s.states.Issue(ctx, userID, p)
}

// CompleteOAuth consumes state and connects the wallet for the user who
// started the flow. A state works once.
func (s *WalletService) CompleteOAuth(ctx context.Context, state string, creds ConnectRequest) (*model.Wallet, error) {
	e, err := s.states.Consume(ctx, state)
	if errors.Is(err, oauthstate.ErrStateNotFound) {
		return nil, ValidationErrors{{Field: "state", Message: "unknown, expired or already used"}}
	}
	if err != nil {
		return nil, err
	}
	creds.Provider = e.Provider
	return s.Connect(ctx, e.UserID, creds)
}
