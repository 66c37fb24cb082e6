package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/directory"
	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/oauthstate"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/richardliu001/wallet-bridge/internal/service"
	"github.com/richardliu001/wallet-bridge/internal/settlement"
	"github.com/richardliu001/wallet-bridge/internal/webhook"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type offlineNetwork struct{}

func (offlineNetwork) AccountReference(context.Context, *model.Wallet) (string, error) {
	return "", &settlement.SettlementError{Op: "account_reference", Reason: "offline"}
}

func (offlineNetwork) CreatePayment(context.Context, settlement.PaymentRequest) (*settlement.Payment, error) {
	return nil, &settlement.SettlementError{Op: "create_payment", Reason: "offline"}
}

func (offlineNetwork) CapturePayment(context.Context, string) (*settlement.Payment, error) {
	return nil, &settlement.SettlementError{Op: "capture_payment", Reason: "offline"}
}

type states map[string]oauthstate.Entry

func (s states) Issue(_ context.Context, userID string, p model.Provider) (string, error) {
	key := fmt.Sprintf("st-%d", len(s)+1)
	s[key] = oauthstate.Entry{UserID: userID, Provider: p}
	return key, nil
}

func (s states) Consume(_ context.Context, state string) (*oauthstate.Entry, error) {
	e, ok := s[state]
	if !ok {
		return nil, oauthstate.ErrStateNotFound
	}
	delete(s, state)
	return &e, nil
}

const testLockTTL = 100 * time.Second

type apiEnv struct {
	repo   *repo.Repository
	router *gin.Engine
}

func newAPI(t *testing.T, auth config.AuthConfig, rdb *redis.Client) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	log := zap.NewNop().Sugar()
	r := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	gw := gateway.NewStaticRegistry(gateway.NewMock(model.ProviderPayPal), gateway.NewMock(model.ProviderVenmo))
	dir := directory.New(r, log)
	bridge := settlement.NewBridge(offlineNetwork{}, r, decimal.RequireFromString("0.75"), "ewallet_platform", log)

	h := NewHandler(
		service.NewTransferService(r, dir, gw, bridge, decimal.NewFromInt(10000), log),
		service.NewWalletService(r, dir, gw, states{}, log),
		webhook.New(r, config.WebhooksConfig{Secrets: map[string]string{"PAYPAL": "pp-secret"}}, log),
		log,
	)
	return &apiEnv{repo: r, router: NewRouter(h, config.RateLimitConfig{RPS: 1000, Burst: 1000}, auth, rdb, testLockTTL, log)}
}

func (e *apiEnv) wallet(t *testing.T, userID string, p model.Provider, ext, token string) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		UserID: userID, Provider: p, ExternalWalletID: ext, Email: ext + "@example.com",
		Currency: "USD", IsActive: true, LastSyncedAt: time.Now().UTC(), PaymentMethodToken: token,
	}
	require.NoError(t, e.repo.SaveWallet(context.Background(), nil, w))
	return w
}

func (e *apiEnv) do(method, path, user string, body interface{}, hdr map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateTransfer_Direct(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)
	src := e.wallet(t, "u1", model.ProviderPayPal, "pp-1", "tok")
	dst := e.wallet(t, "u2", model.ProviderPayPal, "pp-2", "")

	w := e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{
		"from_wallet_ref": strconv.FormatUint(src.ID, 10), "to_wallet_ref": dst.Email, "amount": "5000",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	out := decode(t, w)
	assert.Equal(t, service.RouteDirect, out["route"])
	assert.Equal(t, "25.25", out["fee"].(map[string]interface{})["total"])
	assert.Equal(t, "COMPLETED", out["transaction"].(map[string]interface{})["status"])
	assert.Nil(t, out["settlement"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestCreateTransfer_CrossProviderFallback(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)
	src := e.wallet(t, "u1", model.ProviderVenmo, "venmo-1", "tok")
	e.wallet(t, "u2", model.ProviderWise, "wise-2", "")

	w := e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{
		"from_wallet_ref": strconv.FormatUint(src.ID, 10), "to_wallet_ref": "wise-2", "amount": 100,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	out := decode(t, w)
	assert.Equal(t, service.RouteIntermediary, out["route"])
	s := out["settlement"].(map[string]interface{})
	assert.Equal(t, string(model.SettlementFallback), s["mode"])
	assert.True(t, strings.HasPrefix(s["main_transfer_id"].(string), "FALLBACK_MAIN_"))
	assert.Equal(t, "99.25", s["user_received"])
}

func TestCreateTransfer_Errors(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)
	src := e.wallet(t, "u1", model.ProviderPayPal, "pp-1", "tok")
	srcRef := strconv.FormatUint(src.ID, 10)

	w := e.do(http.MethodPost, "/v1/transfers", "", gin.H{"from_wallet_ref": srcRef}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{"from_wallet_ref": srcRef, "to_wallet_ref": "x", "amount": "-1"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	out := decode(t, w)
	assert.Equal(t, "validation_failed", out["code"])
	assert.NotEmpty(t, out["details"])

	w = e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{"from_wallet_ref": srcRef, "to_wallet_ref": "nobody", "amount": "10"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["code"])

	w = e.do(http.MethodPost, "/v1/transfers", "u2", gin.H{"from_wallet_ref": srcRef, "to_wallet_ref": "pp-1", "amount": "10"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTransfer_DeclinedReturnsTransaction(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)
	src := e.wallet(t, "u1", model.ProviderPayPal, "pp-1", "fail-tok")
	e.wallet(t, "u2", model.ProviderPayPal, "pp-2", "")

	w := e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{
		"from_wallet_ref": strconv.FormatUint(src.ID, 10), "to_wallet_ref": "pp-2", "amount": "10",
	}, nil)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "upstream_error", out["code"])
	assert.Equal(t, "FAILED", out["transaction"].(map[string]interface{})["status"])
}

func TestTransactionLifecycle(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)
	ctx := context.Background()
	tx := &model.Transaction{
		UserID: "u1", Amount: decimal.NewFromInt(10), Currency: "USD", Provider: model.ProviderPayPal,
		Type: model.TxTypeTransfer, Status: model.StatusPending, Metadata: model.Metadata{},
	}
	require.NoError(t, e.repo.CreateTransaction(ctx, nil, tx))
	path := fmt.Sprintf("/v1/transactions/%d", tx.ID)

	w := e.do(http.MethodGet, path, "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decode(t, w)["status"])

	w = e.do(http.MethodGet, path, "u2", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/v1/transactions/abc", "u1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, path+"/retry", "u1", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode(t, w)["code"])

	w = e.do(http.MethodPost, path+"/cancel", "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", decode(t, w)["status"])

	w = e.do(http.MethodPost, path+"/cancel", "u1", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodGet, "/v1/transactions?status=cancelled", "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.EqualValues(t, 1, out["total"])

	w = e.do(http.MethodGet, "/v1/transactions?status=bogus", "u1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEstimateFee(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)

	w := e.do(http.MethodGet, "/v1/fees/estimate?from_provider=paypal&to_provider=paypal&amount=5000", "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "25.25", decode(t, w)["total"])

	w = e.do(http.MethodGet, "/v1/fees/estimate?from_provider=paypal&to_provider=paypal&amount=lots", "u1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWallets(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)

	w := e.do(http.MethodPost, "/v1/wallets", "u1", gin.H{
		"provider": "paypal", "external_wallet_id": "pp-9", "email": "ann@example.com",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "PAYPAL", out["provider"])
	assert.NotEmpty(t, out["capabilities"])
	assert.Nil(t, out["access_token"])
	id := uint64(out["id"].(float64))

	w = e.do(http.MethodPost, "/v1/wallets", "u1", gin.H{"provider": "myspace", "external_wallet_id": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/v1/wallets", "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["wallets"], 1)

	w = e.do(http.MethodGet, fmt.Sprintf("/v1/wallets/%d/balance", id), "u1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodDelete, fmt.Sprintf("/v1/wallets/%d", id), "u2", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(http.MethodDelete, fmt.Sprintf("/v1/wallets/%d", id), "u1", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(http.MethodGet, "/v1/wallets", "u1", nil, nil)
	assert.Len(t, decode(t, w)["wallets"], 0)
}

func TestOAuthFlow(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)

	w := e.do(http.MethodPost, "/v1/oauth/venmo/start", "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	state := decode(t, w)["state"].(string)

	body := gin.H{"state": state, "external_wallet_id": "venmo-77", "access_token": "at"}
	w = e.do(http.MethodPost, "/v1/oauth/callback", "", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "u1", decode(t, w)["user_id"])

	w = e.do(http.MethodPost, "/v1/oauth/callback", "", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_AlwaysAcknowledged(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)
	ctx := context.Background()
	tx := &model.Transaction{
		UserID: "u1", Amount: decimal.NewFromInt(10), Currency: "USD", Provider: model.ProviderPayPal,
		Type: model.TxTypeTransfer, Status: model.StatusProcessing, Metadata: model.Metadata{},
	}
	require.NoError(t, e.repo.CreateTransaction(ctx, nil, tx))
	body := []byte(fmt.Sprintf(`{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"custom_id":"%d"}}`, tx.ID))

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/paypal", bytes.NewReader(body))
		req.Header.Set(webhook.SignatureHeader(model.ProviderPayPal), sig)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		return w
	}

	w := post("forged")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["received"])
	got, err := e.repo.GetTransaction(ctx, nil, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)

	w = post(webhook.Sign(model.ProviderPayPal, "pp-secret", body, 0))
	require.Equal(t, http.StatusOK, w.Code)
	got, err = e.repo.GetTransaction(ctx, nil, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	w = e.do(http.MethodPost, "/v1/webhooks/myspace", "", gin.H{}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserMiddleware_JWT(t *testing.T) {
	auth := config.AuthConfig{JWTSecret: "s3cret", JWTIssuer: "wallet-bridge"}
	e := newAPI(t, auth, nil)

	sign := func(secret, issuer string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			UserID: "u1",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		s, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + s
	}

	w := e.do(http.MethodGet, "/v1/wallets", "", nil, map[string]string{"Authorization": sign("s3cret", "wallet-bridge")})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/v1/wallets", "", nil, map[string]string{"Authorization": sign("other", "wallet-bridge")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodGet, "/v1/wallets", "", nil, map[string]string{"Authorization": sign("s3cret", "someone-else")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// header identification is off once a secret is configured
	w = e.do(http.MethodGet, "/v1/wallets", "u1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

const tokenPattern = `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	e := newAPI(t, config.AuthConfig{}, rdb)

	mock.ExpectGet("idempotency:u1:/v1/transfers:k1").SetVal(`{"status":201,"body":"{\"replayed\":true}"}`)

	w := e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{}, map[string]string{idempotencyHeader: "k1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Idempotency-Hit"))
	assert.Equal(t, true, decode(t, w)["replayed"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_KeysAreScopedToRoute(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	e := newAPI(t, config.AuthConfig{}, rdb)

	// the same key used on /transfers must not replay here
	mock.ExpectGet("idempotency:u1:/v1/transactions/:id/retry:k1").RedisNil()
	mock.Regexp().ExpectSetNX("lock:u1:/v1/transactions/:id/retry:k1", tokenPattern, testLockTTL).SetVal(true)
	mock.Regexp().ExpectEvalSha(releaseLock.Hash(), []string{"lock:u1:/v1/transactions/:id/retry:k1"}, tokenPattern).SetVal(int64(1))

	w := e.do(http.MethodPost, "/v1/transactions/404/retry", "u1", nil, map[string]string{idempotencyHeader: "k1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("X-Idempotency-Hit"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_ConcurrentDuplicate(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	e := newAPI(t, config.AuthConfig{}, rdb)

	mock.ExpectGet("idempotency:u1:/v1/transfers:k2").RedisNil()
	mock.Regexp().ExpectSetNX("lock:u1:/v1/transfers:k2", tokenPattern, testLockTTL).SetVal(false)

	w := e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{}, map[string]string{idempotencyHeader: "k2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_LockHeldWithOwnTokenAndReleasedByIt(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	e := newAPI(t, config.AuthConfig{}, rdb)

	var token string
	mock.ExpectGet("idempotency:u1:/v1/transfers:k3").RedisNil()
	mock.CustomMatch(func(expected, actual []interface{}) error {
		// set lock:... <token> ex 100 nx
		require.Len(t, actual, 6)
		token, _ = actual[2].(string)
		assert.Regexp(t, tokenPattern, token)
		assert.EqualValues(t, 100, actual[4])
		return nil
	}).ExpectSetNX("lock:u1:/v1/transfers:k3", "", testLockTTL).SetVal(true)
	mock.CustomMatch(func(expected, actual []interface{}) error {
		// evalsha <sha> 1 lock:... <token>
		assert.Equal(t, releaseLock.Hash(), actual[1])
		assert.Equal(t, "lock:u1:/v1/transfers:k3", actual[3])
		assert.Equal(t, token, actual[4])
		return nil
	}).ExpectEvalSha(releaseLock.Hash(), []string{"lock:u1:/v1/transfers:k3"}, "").SetVal(int64(1))

	// failures are not stored, only the lock is released
	w := e.do(http.MethodPost, "/v1/transfers", "u1", gin.H{"amount": "1"}, map[string]string{idempotencyHeader: "k3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NotEmpty(t, token)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newAPI(t, config.AuthConfig{}, nil)

	w := e.do(http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
