// Package settlement moves funds between wallets on different providers
// through the intermediary network and books the platform's admin fee.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/richardliu001/wallet-bridge/internal/metrics"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fallbackMainPrefix = "FALLBACK_MAIN_"
	fallbackFeePrefix  = "FALLBACK_FEE_"
	aggregate          = "transaction"
)

// Request describes one cross-provider settlement for a parent transfer.
type Request struct {
	TransactionID uint64
	UserID        string
	Source        *model.Wallet
	Destination   *model.Wallet
	Amount        decimal.Decimal
	Currency      string
	Description   string
}

type AdminFee struct {
	TransferID string
	Amount     decimal.Decimal
}

// Result is returned for every settlement, real or fallback.
type Result struct {
	MainTransferID string
	MainStatus     string
	AdminFee       AdminFee
	UserReceived   decimal.Decimal
	TotalProcessed decimal.Decimal
	Mode           model.SettlementMode
	// FallbackReason is set when Mode is FALLBACK.
	FallbackReason string
	// AdminFeeTransactionID is zero when the fee row could not be booked.
	AdminFeeTransactionID uint64
}

func (r *Result) Fallback() bool { return r.Mode == model.SettlementFallback }

// Bridge settles cross-provider transfers. SettleCrossProvider never fails:
// when the network is unavailable it books a fallback result and queues it
// for reconciliation.
type Bridge struct {
	net             Network
	repo            repo.RepositoryInterface
	adminFee        decimal.Decimal
	platformAccount string
	log             *zap.SugaredLogger
}

func NewBridge(n Network, r repo.RepositoryInterface, adminFee decimal.Decimal, platformAccount string, log *zap.SugaredLogger) *Bridge {
	return &Bridge{net: n, repo: r, adminFee: adminFee, platformAccount: platformAccount, log: log}
}

// AdminFee is the fixed amount skimmed from every bridged transfer.
func (b *Bridge) AdminFee() decimal.Decimal { return b.adminFee }

func (b *Bridge) SettleCrossProvider(ctx context.Context, req Request) *Result {
	res := &Result{
		AdminFee:       AdminFee{Amount: b.adminFee},
		UserReceived:   req.Amount.Sub(b.adminFee),
		TotalProcessed: req.Amount,
		Mode:           model.SettlementReal,
	}
	log := b.log.With("transaction_id", req.TransactionID,
		"from_provider", req.Source.Provider, "to_provider", req.Destination.Provider)

	feeErr, err := b.settle(ctx, req, res)
	if err != nil {
		res.Mode = model.SettlementFallback
		res.FallbackReason = err.Error()
		res.MainTransferID = fallbackMainPrefix + ulid.Make().String()
		res.MainStatus = "FALLBACK"
		res.AdminFee.TransferID = fallbackFeePrefix + ulid.Make().String()
		log.Warnw("intermediary settlement failed, using fallback", "error", err)
	} else if feeErr != nil {
		res.AdminFee.TransferID = fallbackFeePrefix + ulid.Make().String()
		log.Warnw("admin fee payment failed after principal settled", "error", feeErr)
	}
	metrics.SettlementsTotal.WithLabelValues(string(res.Mode)).Inc()

	b.book(ctx, req, res, feeErr, log)
	return res
}

// settle runs the real payment sequence. The returned feeErr is set when the
// principal moved but the fee transfer did not.
func (b *Bridge) settle(ctx context.Context, req Request, res *Result) (feeErr error, err error) {
	if b.net == nil {
		return nil, errors.New("settlement network not configured")
	}
	if !res.UserReceived.IsPositive() {
		return nil, fmt.Errorf("amount %s does not cover admin fee %s", req.Amount, b.adminFee)
	}
	srcRef, err := b.net.AccountReference(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	dstRef, err := b.net.AccountReference(ctx, req.Destination)
	if err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("%d", req.TransactionID)

	main, err := b.net.CreatePayment(ctx, PaymentRequest{
		Amount:      res.UserReceived,
		Currency:    req.Currency,
		Source:      srcRef,
		Destination: dstRef,
		Description: req.Description,
		Reference:   ref,
	})
	if err != nil {
		return nil, err
	}
	captured, err := b.net.CapturePayment(ctx, main.ID)
	if err != nil {
		return nil, err
	}
	res.MainTransferID = main.ID
	res.MainStatus = captured.Status

	fee, err := b.net.CreatePayment(ctx, PaymentRequest{
		Amount:      b.adminFee,
		Currency:    req.Currency,
		Source:      srcRef,
		Destination: b.platformAccount,
		Description: "admin fee for transaction " + ref,
		Reference:   ref + "-fee",
		Capture:     true,
	})
	if err != nil {
		return err, nil
	}
	res.AdminFee.TransferID = fee.ID
	return nil, nil
}

// book records the admin-fee deposit and any reconciliation entries in one
// ledger transaction. If that fails the fee is queued for reconciliation
// instead of being lost.
func (b *Bridge) book(ctx context.Context, req Request, res *Result, feeErr error, log *zap.SugaredLogger) {
	payload := b.reconciliationPayload(req, res, feeErr)

	err := b.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		feeTx, err := b.repo.FindAdminFee(ctx, tx, req.TransactionID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if feeTx == nil {
			feeTx = b.adminFeeTransaction(req, res)
			if err := b.repo.CreateTransaction(ctx, tx, feeTx); err != nil {
				return err
			}
		}
		res.AdminFeeTransactionID = feeTx.ID

		if res.Fallback() {
			if err := b.repo.EnqueueEvent(ctx, tx, aggregate, req.TransactionID, model.EventSettlementReconciliationRequired, payload); err != nil {
				return err
			}
		}
		if feeErr != nil {
			if err := b.repo.EnqueueEvent(ctx, tx, aggregate, req.TransactionID, model.EventAdminFeeReconciliationRequired, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		if res.Fallback() {
			metrics.ReconciliationQueuedTotal.WithLabelValues(model.EventSettlementReconciliationRequired).Inc()
		}
		if feeErr != nil {
			metrics.ReconciliationQueuedTotal.WithLabelValues(model.EventAdminFeeReconciliationRequired).Inc()
		}
		return
	}

	res.AdminFeeTransactionID = 0
	log.Errorw("admin fee booking failed, queueing for reconciliation", "error", err)
	payload["booking_error"] = err.Error()
	if qErr := b.repo.EnqueueEvent(ctx, nil, aggregate, req.TransactionID, model.EventAdminFeeReconciliationRequired, payload); qErr != nil {
		log.Errorw("reconciliation queue write failed", "error", qErr, "payload", payload)
		return
	}
	metrics.ReconciliationQueuedTotal.WithLabelValues(model.EventAdminFeeReconciliationRequired).Inc()
}

func (b *Bridge) adminFeeTransaction(req Request, res *Result) *model.Transaction {
	parent := req.TransactionID
	feeID := res.AdminFee.TransferID
	mode := res.Mode
	now := time.Now().UTC()
	return &model.Transaction{
		UserID:              req.UserID,
		Amount:              b.adminFee,
		Currency:            req.Currency,
		Provider:            model.ProviderPlatform,
		Type:                model.TxTypeDeposit,
		Status:              model.StatusCompleted,
		ProviderPaymentID:   &feeID,
		SettlementMode:      &mode,
		ParentTransactionID: &parent,
		CompletedAt:         &now,
		Metadata: model.Metadata{
			model.MetaAdminFee:       true,
			model.MetaFeeDescription: "admin fee for cross-provider transfer",
			model.MetaFallbackMode:   res.Fallback(),
		},
	}
}

func (b *Bridge) reconciliationPayload(req Request, res *Result, feeErr error) map[string]interface{} {
	p := map[string]interface{}{
		"transaction_id":   req.TransactionID,
		"user_id":          req.UserID,
		"from_provider":    req.Source.Provider,
		"to_provider":      req.Destination.Provider,
		"amount":           req.Amount.String(),
		"currency":         req.Currency,
		"user_received":    res.UserReceived.String(),
		"admin_fee":        res.AdminFee.Amount.String(),
		"main_transfer_id": res.MainTransferID,
		"fee_transfer_id":  res.AdminFee.TransferID,
		"settlement_mode":  res.Mode,
	}
	if res.FallbackReason != "" {
		p["reason"] = res.FallbackReason
	}
	if feeErr != nil {
		p["fee_error"] = feeErr.Error()
	}
	return p
}
