// Package monitor keeps wallet connections fresh: it re-syncs balances on
// one cadence and deactivates stale connections on another. It only ever
// writes Wallet rows.
package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/metrics"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("monitor already started")

const syncPage = 100

type Monitor struct {
	repo    repo.RepositoryInterface
	readers map[model.Provider]gateway.BalanceReader
	cfg     config.MonitorConfig
	log     *zap.SugaredLogger
	now     func() time.Time
	started atomic.Bool
}

func New(r repo.RepositoryInterface, readers map[model.Provider]gateway.BalanceReader, cfg config.MonitorConfig, log *zap.SugaredLogger) *Monitor {
	return &Monitor{repo: r, readers: readers, cfg: cfg, log: log, now: time.Now}
}

// Start launches the background loop until ctx is cancelled. A second call
// returns ErrAlreadyStarted.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go m.run(ctx)
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	m.log.Infow("connection monitor started",
		"health_interval", m.cfg.HealthInterval, "cleanup_interval", m.cfg.CleanupInterval)

	healthTicker := time.NewTicker(m.cfg.HealthInterval)
	defer healthTicker.Stop()
	cleanupTicker := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-healthTicker.C:
			if err := m.SyncBalances(ctx); err != nil {
				m.log.Errorw("balance sync failed", "error", err)
			}
		case <-cleanupTicker.C:
			if _, err := m.CleanupStale(ctx); err != nil {
				m.log.Errorw("stale wallet cleanup failed", "error", err)
			}
		case <-ctx.Done():
			m.log.Info("connection monitor stopped")
			return
		}
	}
}

// SyncBalances refreshes every active wallet. Wallets whose provider has no
// balance API are only marked as seen; a failed read leaves the wallet
// untouched so it eventually goes stale.
func (m *Monitor) SyncBalances(ctx context.Context) error {
	var after uint64
	synced, failed := 0, 0
	for {
		ws, err := m.repo.ListWalletsForSync(ctx, after, syncPage)
		if err != nil {
			return err
		}
		for i := range ws {
			w := &ws[i]
			after = w.ID
			bal := w.Balance
			if br, ok := m.readers[w.Provider]; ok {
				bal, err = br.Balance(ctx, w)
				if err != nil {
					failed++
					m.log.Warnw("balance read failed", "wallet_id", w.ID, "provider", w.Provider, "error", err)
					continue
				}
				if err := m.repo.CacheBalance(ctx, w.ID, bal); err != nil {
					m.log.Warn(err)
				}
			}
			if err := m.repo.TouchWalletSync(ctx, w.ID, bal, m.now().UTC()); err != nil {
				return err
			}
			synced++
		}
		if len(ws) < syncPage {
			break
		}
	}
	m.log.Infow("wallet balances synced", "synced", synced, "failed", failed)
	return nil
}

// CleanupStale deactivates wallets not synced within StaleAfter.
func (m *Monitor) CleanupStale(ctx context.Context) ([]uint64, error) {
	cutoff := m.now().UTC().Add(-m.cfg.StaleAfter)
	ids, err := m.repo.DeactivateStaleWallets(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		payload := map[string]interface{}{"wallet_id": id, "reason": "stale", "cutoff": cutoff}
		if err := m.repo.EnqueueEvent(ctx, nil, "wallet", id, model.EventWalletDeactivated, payload); err != nil {
			m.log.Warnw("wallet deactivation event not queued", "wallet_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		metrics.WalletsDeactivatedTotal.Add(float64(len(ids)))
		m.log.Infow("stale wallets deactivated", "count", len(ids), "cutoff", cutoff)
	}
	return ids, nil
}
