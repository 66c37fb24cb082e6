package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return NewRepository(db, nil, &kafka.Writer{}, zap.NewNop().Sugar()), context.Background()
}

func seedTransaction(t *testing.T, r *Repository, ctx context.Context, status model.TransactionStatus) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		UserID: "u1", Amount: decimal.NewFromInt(10), Currency: "USD",
		Provider: model.ProviderPayPal, Type: model.TxTypeExternalTransfer, Status: status,
		Metadata: model.Metadata{},
	}
	rcp := &model.TransactionRecipient{RecipientWalletRef: "dest"}
	require.NoError(t, r.CreateTransactionWithRecipient(ctx, nil, tx, rcp))
	return tx
}

func TestCreateTransactionWithRecipient(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := seedTransaction(t, r, ctx, model.StatusPending)

	got, err := r.GetTransaction(ctx, nil, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Recipient)
	assert.Equal(t, "dest", got.Recipient.RecipientWalletRef)
	assert.Equal(t, tx.ID, got.Recipient.TransactionID)

	_, err = r.GetTransaction(ctx, nil, tx.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionStatus_Monotonic(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := seedTransaction(t, r, ctx, model.StatusPending)

	ok, err := r.TransitionStatus(ctx, nil, tx.ID, model.StatusProcessing, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// cannot go back to PENDING-only transitions
	ok, err = r.TransitionStatus(ctx, nil, tx.ID, model.StatusCancelled, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.TransitionStatus(ctx, nil, tx.ID, model.StatusCompleted, map[string]interface{}{"completed_at": time.Now().UTC()})
	require.NoError(t, err)
	assert.True(t, ok)

	// terminal: repeated completion is a no-op, failure is refused
	ok, _ = r.TransitionStatus(ctx, nil, tx.ID, model.StatusCompleted, nil)
	assert.False(t, ok)
	ok, _ = r.TransitionStatus(ctx, nil, tx.ID, model.StatusFailed, nil)
	assert.False(t, ok)

	got, err := r.GetTransaction(ctx, nil, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestTransitionStatus_RepeatedWritersSingleWinner(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := seedTransaction(t, r, ctx, model.StatusPending)

	applied := 0
	for i := 0; i < 4; i++ {
		ok, err := r.TransitionStatus(ctx, nil, tx.ID, model.StatusCancelled, nil)
		require.NoError(t, err)
		if ok {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "only one writer may cancel")
}

func TestTransitionWithEvent_OneEventPerChange(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := seedTransaction(t, r, ctx, model.StatusProcessing)

	for i := 0; i < 2; i++ {
		_, err := r.TransitionWithEvent(ctx, tx.ID, model.StatusCompleted, nil, map[string]interface{}{"source": "test"})
		require.NoError(t, err)
	}
	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventTransactionStatusChanged, evts[0].EventType)
	assert.Contains(t, evts[0].Payload, `"status":"COMPLETED"`)
	assert.Contains(t, evts[0].Payload, `"source":"test"`)

	ref := "PAY-9"
	require.NoError(t, r.UpdateTransaction(ctx, nil, tx.ID, map[string]interface{}{"provider_payment_id": ref, "status": "PENDING"}))
	got, err := r.GetTransaction(ctx, nil, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.ProviderPaymentID)
	assert.Equal(t, ref, *got.ProviderPaymentID)
}

func TestTransitionWithEvent_PendingOutcomePassesThroughProcessing(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := seedTransaction(t, r, ctx, model.StatusPending)

	ok, err := r.TransitionStatus(ctx, nil, tx.ID, model.StatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, ok, "FAILED may not follow PENDING directly")

	ok, err = r.TransitionWithEvent(ctx, tx.ID, model.StatusFailed,
		map[string]interface{}{"failure_reason": "declined"}, map[string]interface{}{"previous_status": model.StatusPending})
	require.NoError(t, err)
	assert.True(t, ok)

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Contains(t, evts[0].Payload, `"status":"PROCESSING"`)
	assert.Contains(t, evts[0].Payload, `"previous_status":"PENDING"`)
	assert.Contains(t, evts[1].Payload, `"status":"FAILED"`)
	assert.Contains(t, evts[1].Payload, `"previous_status":"PROCESSING"`)

	got, err := r.GetTransaction(ctx, nil, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "declined", *got.FailureReason)
}

func TestFindTransactionByPaymentID(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := seedTransaction(t, r, ctx, model.StatusProcessing)
	ref := "PAY-123"
	require.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Where("id = ?", tx.ID).
		Update("intermediary_payment_id", ref).Error)

	fee := &model.Transaction{
		UserID: "u1", Amount: decimal.RequireFromString("0.75"), Currency: "USD",
		Provider: model.ProviderPlatform, Type: model.TxTypeDeposit, Status: model.StatusCompleted,
		ProviderPaymentID: &ref, ParentTransactionID: &tx.ID, Metadata: model.Metadata{},
	}
	require.NoError(t, r.CreateTransaction(ctx, nil, fee))

	byRef, err := r.FindTransactionByPaymentID(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byRef.ID)

	_, err = r.FindTransactionByPaymentID(ctx, fmt.Sprintf("%d", tx.ID))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.FindTransactionByPaymentID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := r.FindAdminFee(ctx, nil, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, fee.ID, got.ID)
}

func TestListTransactions_FiltersAndPages(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 5; i++ {
		seedTransaction(t, r, ctx, model.StatusPending)
	}
	seedTransaction(t, r, ctx, model.StatusFailed)

	txs, total, err := r.ListTransactions(ctx, TransactionFilter{UserID: "u1", Status: model.StatusPending, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, txs, 2)

	_, total, err = r.ListTransactions(ctx, TransactionFilter{UserID: "u1", Provider: model.ProviderWise})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}

func TestWalletLookups(t *testing.T) {
	r, ctx := newTestRepo(t)
	now := time.Now().UTC()
	ws := []*model.Wallet{
		{UserID: "u1", Provider: model.ProviderPayPal, ExternalWalletID: "ext-1", Email: "Alice@Example.com", Currency: "USD", IsActive: true, LastSyncedAt: now},
		{UserID: "u2", Provider: model.ProviderWise, ExternalWalletID: "ext-1", Username: "bob", Currency: "EUR", IsActive: true, LastSyncedAt: now.Add(-48 * time.Hour)},
	}
	for _, w := range ws {
		require.NoError(t, r.SaveWallet(ctx, nil, w))
	}

	found, err := r.FindWalletsByExternalID(ctx, "ext-1", WalletScope{})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = r.FindWalletsByExternalID(ctx, "ext-1", WalletScope{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.ProviderWise, found[0].Provider)

	found, err = r.FindWalletsByWeakKey(ctx, WeakEmail, "alice@example.COM", WalletScope{})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	ids, err := r.DeactivateStaleWallets(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uint64{ws[1].ID}, ids)

	_, err = r.GetWallet(ctx, nil, ws[1].ID, WalletScope{})
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := r.GetWallet(ctx, nil, ws[1].ID, WalletScope{IncludeInactive: true})
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.ErrorIs(t, r.DeactivateWallet(ctx, "someone-else", ws[0].ID), ErrNotFound)
	assert.NoError(t, r.DeactivateWallet(ctx, "u1", ws[0].ID))
}

func TestOutboxRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	require.NoError(t, r.EnqueueEvent(ctx, nil, "Transaction", 7, model.EventTransactionStatusChanged, map[string]string{"status": "COMPLETED"}))

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.JSONEq(t, `{"status":"COMPLETED"}`, evts[0].Payload)

	require.NoError(t, r.MarkOutboxProcessed(ctx, evts[0].ID))
	evts, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, evts)
}
