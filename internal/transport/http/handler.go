package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/wallet-bridge/internal/directory"
	"github.com/richardliu001/wallet-bridge/internal/fee"
	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/richardliu001/wallet-bridge/internal/service"
	"github.com/richardliu001/wallet-bridge/internal/webhook"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	transfers *service.TransferService
	wallets   *service.WalletService
	webhooks  *webhook.Reconciler
	log       *zap.SugaredLogger
}

func NewHandler(ts *service.TransferService, ws *service.WalletService, wh *webhook.Reconciler, log *zap.SugaredLogger) *Handler {
	return &Handler{transfers: ts, wallets: ws, webhooks: wh, log: log}
}

type apiError struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func userID(c *gin.Context) string { return c.GetString(ctxUserID) }

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: "invalid id", Code: "validation_failed"})
		return 0, false
	}
	return id, true
}

// classify maps a service error to its HTTP status and error code.
func classify(err error) (int, string) {
	var authErr *gateway.AuthorizationError
	var attachErr *gateway.AttachmentError
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, service.ErrSourceWalletNotFound),
		errors.Is(err, service.ErrDestinationWalletNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrWalletNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidStateForCancel), errors.Is(err, service.ErrInvalidStateForRetry):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, directory.ErrAmbiguousReference):
		return http.StatusConflict, "ambiguous_reference"
	case errors.Is(err, service.ErrUnsupportedDirectRoute), errors.Is(err, gateway.ErrNoAdapter),
		errors.As(err, &authErr), errors.As(err, &attachErr):
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) fail(c *gin.Context, err error, extra gin.H) {
	status, code := classify(err)
	body := gin.H{"error": err.Error(), "code": code}
	var v service.ValidationErrors
	if errors.As(err, &v) {
		body["error"] = "validation failed"
		body["details"] = []service.FieldError(v)
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.FullPath(), "request_id", c.GetString(ctxRequestID), "error", err)
		body["error"] = "internal error"
	}
	for k, val := range extra {
		body[k] = val
	}
	c.JSON(status, body)
}

type transferReq struct {
	FromWalletRef string                 `json:"from_wallet_ref"`
	ToWalletRef   string                 `json:"to_wallet_ref"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency"`
	Description   string                 `json:"description"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type settlementView struct {
	Mode               model.SettlementMode `json:"mode"`
	MainTransferID     string               `json:"main_transfer_id"`
	AdminFeeTransferID string               `json:"admin_fee_transfer_id"`
	AdminFee           decimal.Decimal      `json:"admin_fee"`
	UserReceived       decimal.Decimal      `json:"user_received"`
	FallbackReason     string               `json:"fallback_reason,omitempty"`
}

type transferResp struct {
	Transaction *model.Transaction `json:"transaction"`
	Fee         fee.Breakdown      `json:"fee"`
	Route       string             `json:"route"`
	Settlement  *settlementView    `json:"settlement,omitempty"`
}

func newTransferResp(res *service.TransferResult) transferResp {
	out := transferResp{Transaction: res.Transaction, Fee: res.Fee, Route: res.Route}
	if s := res.Settlement; s != nil {
		out.Settlement = &settlementView{
			Mode: s.Mode, MainTransferID: s.MainTransferID, AdminFeeTransferID: s.AdminFee.TransferID,
			AdminFee: s.AdminFee.Amount, UserReceived: s.UserReceived, FallbackReason: s.FallbackReason,
		}
	}
	return out
}

func (h *Handler) createTransfer(c *gin.Context) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: err.Error(), Code: "validation_failed"})
		return
	}
	res, err := h.transfers.InitiateTransfer(c.Request.Context(), service.TransferRequest{
		UserID:        userID(c),
		FromWalletRef: req.FromWalletRef,
		ToWalletRef:   req.ToWalletRef,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	h.transferResult(c, res, err, http.StatusCreated)
}

func (h *Handler) transferResult(c *gin.Context, res *service.TransferResult, err error, okStatus int) {
	if err != nil {
		var extra gin.H
		if res != nil {
			extra = gin.H{"transaction": res.Transaction}
		}
		h.fail(c, err, extra)
		return
	}
	c.JSON(okStatus, newTransferResp(res))
}

func (h *Handler) getTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.transfers.GetTransaction(c.Request.Context(), userID(c), id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) listTransactions(c *gin.Context) {
	f := repo.TransactionFilter{UserID: userID(c)}
	if s := c.Query("status"); s != "" {
		st, ok := model.ParseStatus(strings.ToUpper(s))
		if !ok {
			h.fail(c, service.ValidationErrors{{Field: "status", Message: "unknown status"}}, nil)
			return
		}
		f.Status = st
	}
	if p := c.Query("provider"); p != "" {
		prov, ok := model.ParseProvider(p)
		if !ok && strings.EqualFold(p, string(model.ProviderIntermediary)) {
			prov, ok = model.ProviderIntermediary, true
		}
		if !ok {
			h.fail(c, service.ValidationErrors{{Field: "provider", Message: "unknown provider"}}, nil)
			return
		}
		f.Provider = prov
	}
	f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))

	txs, total, err := h.transfers.ListTransactions(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "total": total, "page": f.Page, "limit": f.Limit})
}

func (h *Handler) cancelTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.transfers.CancelTransaction(c.Request.Context(), userID(c), id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) retryTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.transfers.RetryTransaction(c.Request.Context(), userID(c), id)
	h.transferResult(c, res, err, http.StatusCreated)
}

func (h *Handler) estimateFee(c *gin.Context) {
	amt, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		h.fail(c, service.ValidationErrors{{Field: "amount", Message: "must be a decimal number"}}, nil)
		return
	}
	b, err := h.transfers.EstimateFee(c.Query("from_provider"), c.Query("to_provider"), amt, c.Query("currency"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, b)
}

// receiveWebhook always acknowledges so providers do not retry forever.
func (h *Handler) receiveWebhook(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.log.Warnw("webhook body unreadable", "provider", provider, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	p, _ := model.ParseProvider(provider)
	sig := c.GetHeader(webhook.SignatureHeader(p))
	outcome := h.webhooks.Ingest(c.Request.Context(), provider, sig, body)
	h.log.Debugw("webhook handled", "provider", provider, "outcome", outcome)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type walletView struct {
	model.Wallet
	Capabilities []string `json:"capabilities"`
}

func viewOf(w *model.Wallet) walletView {
	return walletView{Wallet: *w, Capabilities: w.CapabilityList()}
}

func (h *Handler) listWallets(c *gin.Context) {
	ws, err := h.wallets.List(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	out := make([]walletView, 0, len(ws))
	for i := range ws {
		out = append(out, viewOf(&ws[i]))
	}
	c.JSON(http.StatusOK, gin.H{"wallets": out})
}

type connectReq struct {
	Provider           string `json:"provider"`
	ExternalWalletID   string `json:"external_wallet_id"`
	Email              string `json:"email"`
	DisplayName        string `json:"display_name"`
	Username           string `json:"username"`
	Currency           string `json:"currency"`
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	PaymentMethodToken string `json:"payment_method_token"`
	CustomerID         string `json:"customer_id"`
	Billing            struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
	} `json:"billing"`
}

func (r connectReq) toService() service.ConnectRequest {
	p, _ := model.ParseProvider(r.Provider)
	if p == "" {
		p = model.Provider(strings.ToUpper(r.Provider))
	}
	return service.ConnectRequest{
		Provider: p, ExternalWalletID: r.ExternalWalletID, Email: r.Email, DisplayName: r.DisplayName,
		Username: r.Username, Currency: r.Currency, AccessToken: r.AccessToken, RefreshToken: r.RefreshToken,
		PaymentMethodToken: r.PaymentMethodToken, CustomerID: r.CustomerID,
		Billing: gateway.BillingInfo{
			Name: r.Billing.Name, Email: r.Billing.Email, PostalCode: r.Billing.PostalCode, Country: r.Billing.Country,
		},
	}
}

func (h *Handler) connectWallet(c *gin.Context) {
	var req connectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: err.Error(), Code: "validation_failed"})
		return
	}
	w, err := h.wallets.Connect(c.Request.Context(), userID(c), req.toService())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, viewOf(w))
}

func (h *Handler) disconnectWallet(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.wallets.Disconnect(c.Request.Context(), userID(c), id); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) walletBalance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	bal, err := h.wallets.GetBalance(c.Request.Context(), userID(c), id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) startOAuth(c *gin.Context) {
	state, err := h.wallets.BeginOAuth(c.Request.Context(), userID(c), c.Param("provider"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

type oauthCallbackReq struct {
	State string `json:"state"`
	connectReq
}

func (h *Handler) oauthCallback(c *gin.Context) {
	var req oauthCallbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Error: err.Error(), Code: "validation_failed"})
		return
	}
	w, err := h.wallets.CompleteOAuth(c.Request.Context(), req.State, req.connectReq.toService())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, viewOf(w))
}

