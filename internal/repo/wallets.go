package repo

import (
	"context"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WalletScope narrows wallet lookups. Source lookups set UserID.
type WalletScope struct {
	UserID          string
	IncludeInactive bool
}

func (s WalletScope) apply(q *gorm.DB) *gorm.DB {
	if s.UserID != "" {
		q = q.Where("user_id = ?", s.UserID)
	}
	if !s.IncludeInactive {
		q = q.Where("is_active = ?", true)
	}
	return q
}

// WeakField is a fuzzy wallet attribute tried after the strong keys.
type WeakField string

const (
	WeakCustomerID  WeakField = "customer_id"
	WeakAccessToken WeakField = "access_token"
	WeakEmail       WeakField = "email"
	WeakUsername    WeakField = "username"
)

// WeakFields is the fixed priority order of the fuzzy tiers.
var WeakFields = []WeakField{WeakCustomerID, WeakAccessToken, WeakEmail, WeakUsername}

// GetWallet loads one wallet by internal id.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, id uint64, scope WalletScope) (*model.Wallet, error) {
	var w model.Wallet
	if err := scope.apply(r.conn(ctx, tx).Where("id = ?", id)).First(&w).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// FindWalletsByExternalID matches the provider-scoped external identifier.
func (r *Repository) FindWalletsByExternalID(ctx context.Context, externalID string, scope WalletScope) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := scope.apply(r.db.WithContext(ctx).Where("external_wallet_id = ?", externalID)).
		Order("id").Find(&ws).Error
	return ws, err
}

// FindWalletsByWeakKey matches one fuzzy tier. Email and username compare case-insensitively.
func (r *Repository) FindWalletsByWeakKey(ctx context.Context, field WeakField, value string, scope WalletScope) ([]model.Wallet, error) {
	q := r.db.WithContext(ctx)
	switch field {
	case WeakEmail, WeakUsername:
		q = q.Where("LOWER("+string(field)+") = LOWER(?)", value)
	default:
		q = q.Where(string(field)+" = ?", value)
	}
	var ws []model.Wallet
	err := scope.apply(q).Order("id").Find(&ws).Error
	return ws, err
}

// ListActiveWallets returns every active wallet of a user, newest sync first.
func (r *Repository) ListActiveWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_synced_at desc, id desc").
		Find(&ws).Error
	return ws, err
}

// ListWalletsForSync pages through all active wallets by id.
func (r *Repository) ListWalletsForSync(ctx context.Context, afterID uint64, limit int) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND id > ?", true, afterID).
		Order("id").Limit(limit).Find(&ws).Error
	return ws, err
}

// FindActiveWalletByProvider returns the single active wallet for (user, provider).
func (r *Repository) FindActiveWalletByProvider(ctx context.Context, tx *gorm.DB, userID string, p model.Provider) (*model.Wallet, error) {
	var w model.Wallet
	err := r.conn(ctx, tx).
		Where("user_id = ? AND provider = ? AND is_active = ?", userID, p, true).
		Order("last_synced_at desc, id desc").
		First(&w).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// SaveWallet inserts or updates a wallet row.
func (r *Repository) SaveWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return r.conn(ctx, tx).Save(w).Error
}

// DeactivateWallet soft-deletes one of the user's wallets.
func (r *Repository) DeactivateWallet(ctx context.Context, userID string, id uint64) error {
	res := r.db.WithContext(ctx).Model(&model.Wallet{}).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateStaleWallets soft-deletes active wallets not synced since before.
func (r *Repository) DeactivateStaleWallets(ctx context.Context, before time.Time) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Wallet{}).
			Where("is_active = ? AND last_synced_at < ?", true, before).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&model.Wallet{}).
			Where("id IN ? AND is_active = ?", ids, true).
			Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now().UTC()}).Error
	})
	return ids, err
}

// TouchWalletSync records a successful balance sync.
func (r *Repository) TouchWalletSync(ctx context.Context, id uint64, balance decimal.Decimal, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Wallet{}).Where("id = ?", id).
		Updates(map[string]interface{}{"balance": balance, "last_synced_at": at}).Error
}
