package repo

import (
	"context"
	"strings"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/model"
	"gorm.io/gorm"
)

// TransactionFilter drives the paged transaction listing.
type TransactionFilter struct {
	UserID   string
	Status   model.TransactionStatus
	Provider model.Provider
	Page     int
	Limit    int
}

func (f *TransactionFilter) normalise() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
}

// CreateTransactionWithRecipient inserts both rows inside tx, or its own transaction when tx is nil.
func (r *Repository) CreateTransactionWithRecipient(ctx context.Context, tx *gorm.DB, t *model.Transaction, rcp *model.TransactionRecipient) error {
	create := func(db *gorm.DB) error {
		t.Recipient = nil
		if err := db.Create(t).Error; err != nil {
			return err
		}
		rcp.TransactionID = t.ID
		if err := db.Create(rcp).Error; err != nil {
			return err
		}
		t.Recipient = rcp
		return nil
	}
	if tx != nil {
		return create(tx.WithContext(ctx))
	}
	return r.db.WithContext(ctx).Transaction(create)
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return r.conn(ctx, tx).Create(t).Error
}

// GetTransaction loads a transaction and its recipient.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.conn(ctx, tx).Preload("Recipient").Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTransactionForUser loads a transaction owned by userID.
func (r *Repository) GetTransactionForUser(ctx context.Context, userID string, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Preload("Recipient").
		Where("id = ? AND user_id = ?", id, userID).First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListTransactions returns one page plus the total match count.
func (r *Repository) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int64, error) {
	f.normalise()
	base := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", f.UserID)
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.Provider != "" {
			q = q.Where("provider = ?", f.Provider)
		}
		return q
	}
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txs []model.Transaction
	err := base().Preload("Recipient").
		Order("created_at desc, id desc").
		Offset((f.Page - 1) * f.Limit).Limit(f.Limit).
		Find(&txs).Error
	return txs, total, err
}

// TransitionStatus moves a transaction to `to` only from a status that
// may precede it, so concurrent writers can never move it backwards.
// It reports whether the row changed.
func (r *Repository) TransitionStatus(ctx context.Context, tx *gorm.DB, id uint64, to model.TransactionStatus, fields map[string]interface{}) (bool, error) {
	from := to.AllowedFrom()
	if len(from) == 0 {
		return false, nil
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	updates := map[string]interface{}{"status": string(to), "updated_at": time.Now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.conn(ctx, tx).Model(&model.Transaction{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TransitionWithEvent applies TransitionStatus and, when the row changed,
// writes a TransactionStatusChanged outbox event in the same transaction.
// A COMPLETED or FAILED outcome on a PENDING row first records PROCESSING,
// so readers never see a skipped state.
func (r *Repository) TransitionWithEvent(ctx context.Context, id uint64, to model.TransactionStatus, fields map[string]interface{}, payload map[string]interface{}) (bool, error) {
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if to.Outcome() {
			stepped, err := r.TransitionStatus(ctx, tx, id, model.StatusProcessing, nil)
			if err != nil {
				return err
			}
			if stepped {
				if err := r.enqueueStatus(ctx, tx, id, model.StatusProcessing, payload); err != nil {
					return err
				}
				next := map[string]interface{}{}
				for k, v := range payload {
					next[k] = v
				}
				next["previous_status"] = model.StatusProcessing
				payload = next
			}
		}
		ok, err := r.TransitionStatus(ctx, tx, id, to, fields)
		if err != nil || !ok {
			return err
		}
		if err := r.enqueueStatus(ctx, tx, id, to, payload); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *Repository) enqueueStatus(ctx context.Context, tx *gorm.DB, id uint64, to model.TransactionStatus, payload map[string]interface{}) error {
	evt := map[string]interface{}{"transaction_id": id, "status": to}
	for k, v := range payload {
		evt[k] = v
	}
	return r.EnqueueEvent(ctx, tx, "transaction", id, model.EventTransactionStatusChanged, evt)
}

// UpdateTransaction sets fields without touching status.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, id uint64, fields map[string]interface{}) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		if k == "status" {
			continue
		}
		updates[k] = v
	}
	return r.conn(ctx, tx).Model(&model.Transaction{}).Where("id = ?", id).Updates(updates).Error
}

// FindTransactionByPaymentID matches a provider or intermediary payment
// identifier on a top-level transfer. Admin-fee rows are never matched.
func (r *Repository) FindTransactionByPaymentID(ctx context.Context, ref string) (*model.Transaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	var t model.Transaction
	err := r.db.WithContext(ctx).Preload("Recipient").
		Where("(provider_payment_id = ? OR intermediary_payment_id = ?) AND parent_transaction_id IS NULL", ref, ref).
		Order("id").First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindAdminFee returns the admin-fee deposit booked for a parent transfer.
func (r *Repository) FindAdminFee(ctx context.Context, tx *gorm.DB, parentID uint64) (*model.Transaction, error) {
	var t model.Transaction
	err := r.conn(ctx, tx).
		Where("parent_transaction_id = ? AND type = ?", parentID, model.TxTypeDeposit).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}
