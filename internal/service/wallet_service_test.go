package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/wallet-bridge/internal/directory"
	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/logger"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/oauthstate"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type memStates struct {
	entries map[string]oauthstate.Entry
	n       int
}

func (m *memStates) Issue(_ context.Context, userID string, p model.Provider) (string, error) {
	m.n++
	state := fmt.Sprintf("state-%d", m.n)
	m.entries[state] = oauthstate.Entry{UserID: userID, Provider: p}
	return state, nil
}

func (m *memStates) Consume(_ context.Context, state string) (*oauthstate.Entry, error) {
	e, ok := m.entries[state]
	if !ok {
		return nil, oauthstate.ErrStateNotFound
	}
	delete(m.entries, state)
	return &e, nil
}

func newWalletService(t *testing.T, rdb *redis.Client) (*WalletService, *repo.Repository, context.Context) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:wallet_%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	log, err := logger.NewLogger()
	require.NoError(t, err)
	r := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	gw := gateway.NewStaticRegistry(gateway.NewMock(model.ProviderPayPal), gateway.NewMock(model.ProviderGooglePay))
	svc := NewWalletService(r, directory.New(r, log), gw, &memStates{entries: map[string]oauthstate.Entry{}}, log)
	return svc, r, context.Background()
}

func TestConnect_AttachesAndUpserts(t *testing.T) {
	svc, r, ctx := newWalletService(t, nil)

	w, err := svc.Connect(ctx, "u1", ConnectRequest{
		Provider: model.ProviderGooglePay, PaymentMethodToken: "tok_visa",
		Billing: gateway.BillingInfo{Email: "ann@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pm_tok_visa", w.PaymentMethodToken)
	assert.Equal(t, "pm_tok_visa", w.ExternalWalletID)
	assert.Equal(t, "cus_u1", w.CustomerID)
	assert.True(t, w.IsActive)
	assert.True(t, w.Can(model.CapabilitySend))
	assert.WithinDuration(t, time.Now(), w.LastSyncedAt, time.Minute)

	again, err := svc.Connect(ctx, "u1", ConnectRequest{
		Provider: model.ProviderGooglePay, ExternalWalletID: "gp-2", DisplayName: "Ann",
	})
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
	assert.Equal(t, "gp-2", again.ExternalWalletID)
	assert.Equal(t, "pm_tok_visa", again.PaymentMethodToken)

	ws, err := r.ListActiveWallets(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ws, 1)
}

func TestConnect_Rejections(t *testing.T) {
	svc, r, ctx := newWalletService(t, nil)

	_, err := svc.Connect(ctx, "u1", ConnectRequest{Provider: "ZELLE"})
	var v ValidationErrors
	require.ErrorAs(t, err, &v)
	assert.Len(t, v, 2)

	_, err = svc.Connect(ctx, "u1", ConnectRequest{Provider: model.ProviderPayPal, PaymentMethodToken: "fail-tok"})
	var ae *gateway.AttachmentError
	assert.ErrorAs(t, err, &ae)

	_, err = svc.Connect(ctx, "u1", ConnectRequest{Provider: model.ProviderWise, PaymentMethodToken: "tok"})
	assert.ErrorIs(t, err, gateway.ErrNoAdapter)

	ws, err := r.ListActiveWallets(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestDisconnect(t *testing.T) {
	svc, r, ctx := newWalletService(t, nil)
	w, err := svc.Connect(ctx, "u1", ConnectRequest{Provider: model.ProviderPayPal, ExternalWalletID: "pp-1", Email: "a@example.com"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Disconnect(ctx, "u2", w.ID), ErrWalletNotFound)
	require.NoError(t, svc.Disconnect(ctx, "u1", w.ID))
	assert.ErrorIs(t, svc.Disconnect(ctx, "u1", w.ID), ErrWalletNotFound)

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventWalletDeactivated, evts[0].EventType)
	assert.Equal(t, w.ID, evts[0].AggregateID)
}

func TestList_OverlaysCachedBalance(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	svc, r, ctx := newWalletService(t, rdb)

	w := &model.Wallet{UserID: "u1", Provider: model.ProviderPayPal, ExternalWalletID: "pp-1", Currency: "USD", IsActive: true, LastSyncedAt: time.Now().UTC()}
	require.NoError(t, r.SaveWallet(ctx, nil, w))

	mock.ExpectGet(fmt.Sprintf("balance:%d", w.ID)).SetVal("42.5")
	ws, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "42.5", ws[0].Balance.String())

	mock.ExpectGet(fmt.Sprintf("balance:%d", w.ID)).RedisNil()
	mock.ExpectSet(fmt.Sprintf("balance:%d", w.ID), "0", 5*time.Minute).SetVal("OK")
	bal, err := svc.GetBalance(ctx, "u1", w.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = svc.GetBalance(ctx, "u2", w.ID)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestOAuth_StateIsSingleUse(t *testing.T) {
	svc, _, ctx := newWalletService(t, nil)

	_, err := svc.BeginOAuth(ctx, "u1", "zelle")
	assert.ErrorIs(t, err, ErrValidation)

	state, err := svc.BeginOAuth(ctx, "u1", "paypal")
	require.NoError(t, err)

	w, err := svc.CompleteOAuth(ctx, state, ConnectRequest{ExternalWalletID: "pp-oauth", AccessToken: "at", RefreshToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, "u1", w.UserID)
	assert.Equal(t, model.ProviderPayPal, w.Provider)
	assert.Equal(t, "at", w.AccessToken)

	_, err = svc.CompleteOAuth(ctx, state, ConnectRequest{ExternalWalletID: "pp-oauth"})
	assert.ErrorIs(t, err, ErrValidation)
}
