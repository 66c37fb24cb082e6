// Package directory resolves caller-supplied wallet references to ledger
// wallets.
package directory

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("wallet not found")
	ErrAmbiguousReference = errors.New("wallet reference matches more than one wallet")
)

// MatchedBy names the key a reference resolved through.
type MatchedBy string

const (
	MatchedByID         MatchedBy = "id"
	MatchedByExternalID MatchedBy = "external_wallet_id"
)

// Options scopes a lookup. Source lookups set UserID.
type Options struct {
	UserID          string
	IncludeInactive bool
}

type Resolution struct {
	Wallet    *model.Wallet
	MatchedBy MatchedBy
}

type Directory struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func New(r repo.RepositoryInterface, log *zap.SugaredLogger) *Directory {
	return &Directory{repo: r, log: log}
}

// Resolve tries the strong keys (internal id, then external wallet id)
// before the weak tiers (customer id, access token, email, username).
// Within a weak tier more than one match is ErrAmbiguousReference.
func (d *Directory) Resolve(ctx context.Context, ref string, opts Options) (*Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	scope := repo.WalletScope{UserID: opts.UserID, IncludeInactive: opts.IncludeInactive}

	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		w, err := d.repo.GetWallet(ctx, nil, id, scope)
		switch {
		case err == nil:
			return d.matched(w, MatchedByID), nil
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}

	ws, err := d.repo.FindWalletsByExternalID(ctx, ref, scope)
	if err != nil {
		return nil, err
	}
	if len(ws) > 0 {
		if len(ws) > 1 {
			d.log.Warnw("external wallet id shared across providers, using oldest wallet",
				"matches", len(ws), "wallet_id", ws[0].ID)
		}
		return d.matched(&ws[0], MatchedByExternalID), nil
	}

	for _, field := range repo.WeakFields {
		ws, err := d.repo.FindWalletsByWeakKey(ctx, field, ref, scope)
		if err != nil {
			return nil, err
		}
		switch len(ws) {
		case 0:
			continue
		case 1:
			return d.matched(&ws[0], MatchedBy(field)), nil
		default:
			d.log.Warnw("ambiguous wallet reference", "match", field, "matches", len(ws))
			return nil, ErrAmbiguousReference
		}
	}
	return nil, ErrNotFound
}

func (d *Directory) matched(w *model.Wallet, by MatchedBy) *Resolution {
	d.log.Debugw("wallet resolved", "wallet_id", w.ID, "provider", w.Provider, "match", by)
	return &Resolution{Wallet: w, MatchedBy: by}
}

// ListForUser returns the user's active wallets with one entry per
// provider, the most recently synced one.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]model.Wallet, error) {
	ws, err := d.repo.ListActiveWallets(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.Provider]bool, len(ws))
	out := make([]model.Wallet, 0, len(ws))
	for _, w := range ws {
		if seen[w.Provider] {
			continue
		}
		seen[w.Provider] = true
		out = append(out, w)
	}
	return out, nil
}
