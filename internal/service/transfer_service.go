package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/directory"
	"github.com/richardliu001/wallet-bridge/internal/fee"
	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/metrics"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/richardliu001/wallet-bridge/internal/settlement"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Routes a transfer can take.
const (
	RouteDirect       = "direct"
	RouteIntermediary = "intermediary"
)

const (
	stepValidate  = "validate"
	stepResolve   = "resolve"
	stepFee       = "fee"
	stepPersist   = "persist"
	stepAuthorize = "authorize"
	stepSettle    = "settle"
	stepFinalize  = "finalize"

	directETA       = 10 * time.Minute
	intermediaryETA = 24 * time.Hour
	maxReasonLen    = 512
	intermediaryTag = "rapyd"
)

// reservedMeta are keys only the orchestrator may write.
var reservedMeta = []string{
	model.MetaCrossPlatform, model.MetaProtocol, model.MetaFromProvider, model.MetaToProvider,
	model.MetaFromWalletRef, model.MetaToWalletRef, model.MetaDescription,
	model.MetaOriginalTransactionID, model.MetaFallbackMode, model.MetaUserReceived,
	model.MetaAdminFee, model.MetaFeeDescription, model.MetaResolvedBy, model.MetaLastWebhookEvent,
}

// WalletResolver finds the wallet behind a caller supplied reference.
type WalletResolver interface {
	Resolve(ctx context.Context, ref string, opts directory.Options) (*directory.Resolution, error)
}

// Settler bridges transfers between different providers.
type Settler interface {
	SettleCrossProvider(ctx context.Context, req settlement.Request) *settlement.Result
	AdminFee() decimal.Decimal
}

type TransferRequest struct {
	UserID        string
	FromWalletRef string
	ToWalletRef   string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	Metadata      map[string]interface{}

	// retryOf is the failed transaction a retry supersedes.
	retryOf uint64
	// quoted is the fee retryOf was priced at; a retry keeps it.
	quoted *quotedFee
}

type quotedFee struct {
	total       decimal.Decimal
	description string
}

type TransferResult struct {
	Transaction   *model.Transaction
	Fee           fee.Breakdown
	Route         string
	Authorization *gateway.AuthorizeResult
	Settlement    *settlement.Result
}

// TransferService drives transfers through their status state machine.
type TransferService struct {
	repo      repo.RepositoryInterface
	dir       WalletResolver
	gateways  gateway.Gateways
	bridge    Settler
	maxAmount decimal.Decimal
	log       *zap.SugaredLogger
}

func NewTransferService(r repo.RepositoryInterface, dir WalletResolver, gw gateway.Gateways, bridge Settler, maxAmount decimal.Decimal, logger *zap.SugaredLogger) *TransferService {
	return &TransferService{repo: r, dir: dir, gateways: gw, bridge: bridge, maxAmount: maxAmount, log: logger}
}

// InitiateTransfer validates, resolves, prices and persists a transfer, then
// routes it directly or through the intermediary. Errors raised before the
// transaction exists are returned alone; a routing or gateway failure
// returns the FAILED transaction together with the error.
func (s *TransferService) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	req.FromWalletRef = strings.TrimSpace(req.FromWalletRef)
	req.ToWalletRef = strings.TrimSpace(req.ToWalletRef)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	log := s.log.With("user_id", req.UserID)

	log.Debugw("transfer step", "step", stepValidate)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	log.Debugw("transfer step", "step", stepResolve)
	src, err := s.dir.Resolve(ctx, req.FromWalletRef, directory.Options{UserID: req.UserID})
	if err != nil {
		return nil, resolveErr(err, ErrSourceWalletNotFound, "source")
	}
	dst, err := s.dir.Resolve(ctx, req.ToWalletRef, directory.Options{})
	if err != nil {
		return nil, resolveErr(err, ErrDestinationWalletNotFound, "destination")
	}
	cross := src.Wallet.Provider != dst.Wallet.Provider
	if err := s.validateRoute(req, src.Wallet, dst.Wallet, cross); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		req.Currency = src.Wallet.Currency
	}

	log.Debugw("transfer step", "step", stepFee)
	breakdown := fee.Compute(src.Wallet.Provider, dst.Wallet.Provider, req.Amount, req.Currency)
	if q := req.quoted; q != nil {
		breakdown.Total = q.total
		if q.description != "" {
			breakdown.Description = q.description
		}
	}

	log.Debugw("transfer step", "step", stepPersist)
	t, err := s.persist(ctx, req, src, dst, breakdown, cross)
	if err != nil {
		return nil, err
	}
	log = log.With("transaction_id", t.ID, "from_provider", src.Wallet.Provider, "to_provider", dst.Wallet.Provider)

	res := &TransferResult{Transaction: t, Fee: breakdown, Route: RouteDirect}
	if cross {
		res.Route = RouteIntermediary
		err = s.processIntermediary(ctx, t, src.Wallet, dst.Wallet, req, res, log, false)
	} else {
		err = s.processDirect(ctx, t, src.Wallet, dst.Wallet, req, res, log)
	}

	if fresh, gerr := s.repo.GetTransaction(ctx, nil, t.ID); gerr == nil {
		res.Transaction = fresh
	}
	if err != nil {
		return res, err
	}
	log.Infow("transfer finished", "route", res.Route, "status", res.Transaction.Status)
	return res, nil
}

func (s *TransferService) validate(req TransferRequest) error {
	var v ValidationErrors
	if req.UserID == "" {
		v.add("user_id", "is required")
	}
	if req.FromWalletRef == "" {
		v.add("from_wallet_ref", "is required")
	}
	if req.ToWalletRef == "" {
		v.add("to_wallet_ref", "is required")
	}
	if !req.Amount.IsPositive() {
		v.add("amount", "must be greater than zero")
	} else if req.Amount.GreaterThan(s.maxAmount) {
		v.add("amount", "must not exceed "+s.maxAmount.String())
	}
	if req.Currency != "" && len(req.Currency) != 3 {
		v.add("currency", "must be a 3-letter ISO 4217 code")
	}
	return v.err()
}

// validateRoute checks what can only be known once both wallets resolved.
func (s *TransferService) validateRoute(req TransferRequest, src, dst *model.Wallet, cross bool) error {
	var v ValidationErrors
	if src.ID == dst.ID {
		v.add("to_wallet_ref", "must differ from the source wallet")
	}
	if cross && req.Amount.LessThanOrEqual(s.bridge.AdminFee()) {
		v.add("amount", "must exceed the admin fee of "+s.bridge.AdminFee().String()+" for cross-provider transfers")
	}
	return v.err()
}

func resolveErr(err, notFound error, side string) error {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return notFound
	case errors.Is(err, directory.ErrAmbiguousReference):
		return fmt.Errorf("%s wallet: %w", side, err)
	}
	return err
}

func (s *TransferService) persist(ctx context.Context, req TransferRequest, src, dst *directory.Resolution, breakdown fee.Breakdown, cross bool) (*model.Transaction, error) {
	meta := model.Metadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	for _, k := range reservedMeta {
		delete(meta, k)
	}
	protocol := "direct:" + strings.ToLower(string(src.Wallet.Provider))
	provider := src.Wallet.Provider
	eta := time.Now().UTC().Add(directETA)
	if cross {
		protocol = "intermediary:" + intermediaryTag
		provider = model.ProviderIntermediary
		eta = time.Now().UTC().Add(intermediaryETA)
	}
	meta[model.MetaCrossPlatform] = cross
	meta[model.MetaProtocol] = protocol
	meta[model.MetaFromProvider] = string(src.Wallet.Provider)
	meta[model.MetaToProvider] = string(dst.Wallet.Provider)
	meta[model.MetaFromWalletRef] = req.FromWalletRef
	meta[model.MetaToWalletRef] = req.ToWalletRef
	meta[model.MetaDescription] = req.Description
	meta[model.MetaFeeDescription] = breakdown.Description
	meta[model.MetaResolvedBy] = map[string]interface{}{
		"source":      string(src.MatchedBy),
		"destination": string(dst.MatchedBy),
	}
	if req.retryOf != 0 {
		meta[model.MetaOriginalTransactionID] = strconv.FormatUint(req.retryOf, 10)
	}

	srcID := src.Wallet.ID
	t := &model.Transaction{
		UserID:                req.UserID,
		SourceWalletID:        &srcID,
		Amount:                req.Amount,
		Currency:              req.Currency,
		Provider:              provider,
		Type:                  model.TxTypeExternalTransfer,
		Status:                model.StatusPending,
		Fee:                   breakdown.Total,
		EstimatedCompletionAt: &eta,
		Metadata:              meta,
	}
	rcp := &model.TransactionRecipient{
		RecipientWalletRef: req.ToWalletRef,
		RecipientName:      dst.Wallet.DisplayName,
		RecipientEmail:     dst.Wallet.Email,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransactionWithRecipient(ctx, tx, t, rcp); err != nil {
			return err
		}
		return s.repo.EnqueueEvent(ctx, tx, "transaction", t.ID, model.EventTransactionStatusChanged, map[string]interface{}{
			"transaction_id": t.ID, "status": t.Status, "user_id": t.UserID, "source": "orchestrator",
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	return t, nil
}

func (s *TransferService) processDirect(ctx context.Context, t *model.Transaction, src, dst *model.Wallet, req TransferRequest, res *TransferResult, log *zap.SugaredLogger) error {
	var mode gateway.Mode
	switch src.Provider {
	case model.ProviderPayPal:
		mode = gateway.ModeRecipientTransfer | gateway.ModeBalanceSourced
	case model.ProviderVenmo:
		mode = gateway.ModeRecipientTransfer
	default:
		return s.fail(ctx, t, RouteDirect, fmt.Errorf("%w: %s", ErrUnsupportedDirectRoute, src.Provider), log)
	}
	adapter, err := s.gateways.Adapter(src.Provider)
	if err != nil {
		return s.fail(ctx, t, RouteDirect, err, log)
	}
	if ok, err := s.advance(ctx, t, model.StatusProcessing, nil, nil); err != nil {
		return s.fail(ctx, t, RouteDirect, err, log)
	} else if !ok {
		log.Warnw("transaction changed state before routing", "status", t.Status)
		return nil
	}

	log.Debugw("transfer step", "step", stepAuthorize, "mode", mode.String())
	ar, err := adapter.AuthorizePayment(ctx, gateway.AuthorizeRequest{
		Amount:               req.Amount,
		Currency:             req.Currency,
		PaymentToken:         src.PaymentMethodToken,
		Destination:          recipientHandle(dst),
		DestinationProvider:  dst.Provider,
		DestinationWalletRef: walletRef(dst),
		Mode:                 mode,
		Description:          req.Description,
		Reference:            strconv.FormatUint(t.ID, 10),
	})
	if err != nil {
		return s.fail(ctx, t, RouteDirect, err, log)
	}
	res.Authorization = ar
	if ar.CrossPlatform() {
		log.Infow("adapter handed transfer to the intermediary", "marker", ar.PaymentID)
		res.Route = RouteIntermediary
		return s.processIntermediary(ctx, t, src, dst, req, res, log, true)
	}

	log.Debugw("transfer step", "step", stepFinalize)
	if ar.Status != gateway.ResultCompleted {
		// completes later through the provider webhook
		if err := s.repo.UpdateTransaction(ctx, nil, t.ID, map[string]interface{}{"provider_payment_id": ar.PaymentID}); err != nil {
			return s.fail(ctx, t, RouteDirect, err, log)
		}
		metrics.TransfersTotal.WithLabelValues(RouteDirect, "pending").Inc()
		return nil
	}
	now := time.Now().UTC()
	fields := map[string]interface{}{"provider_payment_id": ar.PaymentID, "completed_at": now}
	if _, err := s.advance(ctx, t, model.StatusCompleted, fields, map[string]interface{}{"provider_payment_id": ar.PaymentID}); err != nil {
		return s.fail(ctx, t, RouteDirect, err, log)
	}
	metrics.TransfersTotal.WithLabelValues(RouteDirect, "completed").Inc()
	return nil
}

func (s *TransferService) processIntermediary(ctx context.Context, t *model.Transaction, src, dst *model.Wallet, req TransferRequest, res *TransferResult, log *zap.SugaredLogger, processing bool) error {
	if !processing {
		if ok, err := s.advance(ctx, t, model.StatusProcessing, nil, nil); err != nil {
			return s.fail(ctx, t, RouteIntermediary, err, log)
		} else if !ok {
			log.Warnw("transaction changed state before routing", "status", t.Status)
			return nil
		}
	}

	log.Debugw("transfer step", "step", stepSettle)
	sr := s.bridge.SettleCrossProvider(ctx, settlement.Request{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Source:        src,
		Destination:   dst,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
	})
	res.Settlement = sr

	log.Debugw("transfer step", "step", stepFinalize)
	meta := model.Metadata{}
	for k, v := range t.Metadata {
		meta[k] = v
	}
	meta[model.MetaFallbackMode] = sr.Fallback()
	meta[model.MetaUserReceived] = sr.UserReceived.String()
	meta[model.MetaAdminFee] = map[string]interface{}{
		"transferId": sr.AdminFee.TransferID,
		"amount":     sr.AdminFee.Amount.String(),
	}
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"provider":                model.ProviderIntermediary,
		"intermediary_payment_id": sr.MainTransferID,
		"intermediary_payout_id":  sr.AdminFee.TransferID,
		"settlement_mode":         string(sr.Mode),
		"completed_at":            now,
		"metadata":                meta,
	}
	payload := map[string]interface{}{"settlement_mode": sr.Mode, "user_received": sr.UserReceived.String()}
	if _, err := s.advance(ctx, t, model.StatusCompleted, fields, payload); err != nil {
		return s.fail(ctx, t, RouteIntermediary, err, log)
	}
	outcome := "completed"
	if sr.Fallback() {
		outcome = "fallback"
	}
	metrics.TransfersTotal.WithLabelValues(RouteIntermediary, outcome).Inc()
	return nil
}

// advance moves t to status `to` and queues the change event.
func (s *TransferService) advance(ctx context.Context, t *model.Transaction, to model.TransactionStatus, fields, payload map[string]interface{}) (bool, error) {
	p := map[string]interface{}{"user_id": t.UserID, "previous_status": t.Status, "source": "orchestrator"}
	for k, v := range payload {
		p[k] = v
	}
	ok, err := s.repo.TransitionWithEvent(ctx, t.ID, to, fields, p)
	if err != nil {
		return false, err
	}
	if ok {
		t.Status = to
		return true, nil
	}
	if cur, gerr := s.repo.GetTransaction(ctx, nil, t.ID); gerr == nil {
		t.Status = cur.Status
	}
	return false, nil
}

// fail records cause on the transaction and hands it back to the caller.
func (s *TransferService) fail(ctx context.Context, t *model.Transaction, route string, cause error, log *zap.SugaredLogger) error {
	reason := cause.Error()
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	if _, err := s.advance(ctx, t, model.StatusFailed, map[string]interface{}{"failure_reason": reason}, map[string]interface{}{"reason": reason}); err != nil {
		log.Errorw("could not record transfer failure", "error", err, "cause", cause)
	}
	metrics.TransfersTotal.WithLabelValues(route, "failed").Inc()
	log.Warnw("transfer failed", "route", route, "error", cause)
	return cause
}

func recipientHandle(w *model.Wallet) string {
	switch w.Provider {
	case model.ProviderPayPal:
		if w.Email != "" {
			return w.Email
		}
	case model.ProviderVenmo:
		if w.Username != "" {
			return w.Username
		}
	}
	if w.ExternalWalletID != "" {
		return w.ExternalWalletID
	}
	return w.Email
}

func walletRef(w *model.Wallet) string {
	if w.ExternalWalletID != "" {
		return w.ExternalWalletID
	}
	return strconv.FormatUint(w.ID, 10)
}

// CancelTransaction cancels a transfer that has not started processing.
func (s *TransferService) CancelTransaction(ctx context.Context, userID string, id uint64) (*model.Transaction, error) {
	t, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusPending {
		return nil, ErrInvalidStateForCancel
	}
	ok, err := s.advance(ctx, t, model.StatusCancelled, nil, map[string]interface{}{"source": "user"})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStateForCancel
	}
	return s.repo.GetTransaction(ctx, nil, id)
}

// RetryTransaction starts a new transfer from a FAILED one at the fee the
// original was quoted. The original row is left untouched; the new one
// records it as originalTransactionId.
func (s *TransferService) RetryTransaction(ctx context.Context, userID string, id uint64) (*TransferResult, error) {
	orig, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != model.StatusFailed {
		return nil, ErrInvalidStateForRetry
	}
	md := orig.Metadata
	req := TransferRequest{
		UserID:        userID,
		FromWalletRef: md.String(model.MetaFromWalletRef),
		ToWalletRef:   md.String(model.MetaToWalletRef),
		Amount:        orig.Amount,
		Currency:      orig.Currency,
		Description:   md.String(model.MetaDescription),
		Metadata:      map[string]interface{}(md),
		retryOf:       orig.ID,
		quoted:        &quotedFee{total: orig.Fee, description: md.String(model.MetaFeeDescription)},
	}
	if req.FromWalletRef == "" && orig.SourceWalletID != nil {
		req.FromWalletRef = strconv.FormatUint(*orig.SourceWalletID, 10)
	}
	if req.ToWalletRef == "" && orig.Recipient != nil {
		req.ToWalletRef = orig.Recipient.RecipientWalletRef
	}
	s.log.Infow("retrying transfer", "original_transaction_id", orig.ID, "user_id", userID)
	return s.InitiateTransfer(ctx, req)
}

func (s *TransferService) GetTransaction(ctx context.Context, userID string, id uint64) (*model.Transaction, error) {
	return s.getOwned(ctx, userID, id)
}

func (s *TransferService) ListTransactions(ctx context.Context, f repo.TransactionFilter) ([]model.Transaction, int64, error) {
	return s.repo.ListTransactions(ctx, f)
}

// EstimateFee prices a transfer without creating anything.
func (s *TransferService) EstimateFee(from, to string, amount decimal.Decimal, currency string) (fee.Breakdown, error) {
	var v ValidationErrors
	fp, ok := model.ParseProvider(from)
	if !ok {
		v.add("from_provider", "unknown provider")
	}
	tp, ok := model.ParseProvider(to)
	if !ok {
		v.add("to_provider", "unknown provider")
	}
	if !amount.IsPositive() {
		v.add("amount", "must be greater than zero")
	}
	if err := v.err(); err != nil {
		return fee.Breakdown{}, err
	}
	if currency == "" {
		currency = "USD"
	}
	return fee.Compute(fp, tp, amount, strings.ToUpper(currency)), nil
}

func (s *TransferService) getOwned(ctx context.Context, userID string, id uint64) (*model.Transaction, error) {
	t, err := s.repo.GetTransactionForUser(ctx, userID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}
