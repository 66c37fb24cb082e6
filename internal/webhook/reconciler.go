// Package webhook reconciles asynchronous provider notifications with the
// ledger. Every delivery is acknowledged; the outcome is only logged and
// counted.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/metrics"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"go.uber.org/zap"
)

// Outcome is what happened to one delivery.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeRejectedSignature   Outcome = "rejected_signature"
	OutcomeNoCorrelation       Outcome = "no_correlation"
	OutcomeUnknownTransaction  Outcome = "unknown_transaction"
	OutcomeUnparseable         Outcome = "unparseable"
	OutcomeUnsupportedProvider Outcome = "unsupported_provider"
	OutcomeError               Outcome = "error"
)

type Reconciler struct {
	repo    repo.RepositoryInterface
	secrets map[string]string
	relaxed bool
	log     *zap.SugaredLogger
	now     func() time.Time
}

func New(r repo.RepositoryInterface, cfg config.WebhooksConfig, log *zap.SugaredLogger) *Reconciler {
	if cfg.Relaxed {
		log.Warn("webhook signature verification is DISABLED (relaxed mode)")
	}
	return &Reconciler{repo: r, secrets: cfg.Secrets, relaxed: cfg.Relaxed, log: log, now: time.Now}
}

// Ingest verifies, parses and applies one webhook delivery. It never fails;
// callers acknowledge the delivery whatever the outcome.
func (rc *Reconciler) Ingest(ctx context.Context, provider, signature string, body []byte) Outcome {
	p, _ := model.ParseProvider(provider)
	prof, ok := profiles[p]
	if !ok {
		rc.log.Warnw("webhook for unsupported provider", "provider", provider)
		metrics.WebhooksTotal.WithLabelValues("unknown", string(OutcomeUnsupportedProvider)).Inc()
		return OutcomeUnsupportedProvider
	}
	out := rc.ingest(ctx, p, prof, signature, body)
	metrics.WebhooksTotal.WithLabelValues(string(p), string(out)).Inc()
	return out
}

func (rc *Reconciler) ingest(ctx context.Context, p model.Provider, prof profile, signature string, body []byte) Outcome {
	log := rc.log.With("provider", p)

	if rc.relaxed {
		log.Debug("skipping webhook signature check")
	} else if !rc.verify(p, signature, body) {
		log.Warnw("webhook signature rejected", "body_size", len(body))
		return OutcomeRejectedSignature
	}

	ev, err := parse(prof, body)
	if err != nil {
		log.Warnw("webhook body unparseable", "error", err)
		return OutcomeUnparseable
	}
	log = log.With("event", ev.name, "mapped_status", ev.status)
	if !ev.correlated() {
		log.Warn("webhook carries no correlation id, dropping")
		return OutcomeNoCorrelation
	}

	t, err := rc.find(ctx, p, ev)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warnw("webhook for unknown transaction", "ledger_id", ev.ledgerID, "payment_id", ev.payment)
		return OutcomeUnknownTransaction
	}
	if err != nil {
		log.Errorw("webhook transaction lookup failed", "error", err)
		return OutcomeError
	}
	log = log.With("transaction_id", t.ID)
	return rc.apply(ctx, p, t, ev, log)
}

func (rc *Reconciler) verify(p model.Provider, signature string, body []byte) bool {
	s := schemes[p]
	owner := p
	if s.secretOf != "" {
		owner = s.secretOf
	}
	secret := rc.secrets[string(p)]
	if secret == "" {
		secret = rc.secrets[string(owner)]
	}
	return verify(s, secret, signature, body)
}

// find prefers our own ledger id and falls back to the provider payment id.
// A transaction p does not speak for is treated as unknown.
func (rc *Reconciler) find(ctx context.Context, p model.Provider, ev event) (*model.Transaction, error) {
	if ev.ledgerID != 0 {
		t, err := rc.repo.GetTransaction(ctx, nil, ev.ledgerID)
		switch {
		case err == nil && t.ParentTransactionID == nil && owns(p, t):
			return t, nil
		case err == nil:
			rc.log.Warnw("webhook ledger id points at a foreign transaction",
				"provider", p, "transaction_id", t.ID, "transaction_provider", t.Provider)
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}
	if ev.payment == "" {
		return nil, repo.ErrNotFound
	}
	t, err := rc.repo.FindTransactionByPaymentID(ctx, ev.payment)
	if err != nil {
		return nil, err
	}
	if !owns(p, t) {
		rc.log.Warnw("webhook payment id points at a foreign transaction",
			"provider", p, "transaction_id", t.ID, "transaction_provider", t.Provider)
		return nil, repo.ErrNotFound
	}
	return t, nil
}

// owns reports whether webhooks from p may update t: p moved the money
// directly, or p is the settlement network and t was routed through it.
func owns(p model.Provider, t *model.Transaction) bool {
	if t.Provider == model.ProviderIntermediary {
		return p == model.ProviderRapyd
	}
	fam := family(p)
	return fam == family(t.Provider) || fam == family(model.Provider(t.Metadata.String(model.MetaFromProvider)))
}

// family folds providers that share one account, such as the Stripe-backed
// wallets, onto a single name.
func family(p model.Provider) model.Provider {
	if s, ok := schemes[p]; ok && s.secretOf != "" {
		return s.secretOf
	}
	return p
}

// apply moves t forward. Status only advances, so a redelivered event or
// one overtaken by a later status is a no-op.
func (rc *Reconciler) apply(ctx context.Context, p model.Provider, t *model.Transaction, ev event, log *zap.SugaredLogger) Outcome {
	target := ev.status
	reason := ""
	switch target {
	case model.StatusCancelled:
		if t.Status == model.StatusProcessing {
			// money was already in flight; the provider backed out
			target, reason = model.StatusFailed, "cancelled by "+string(p)
		}
	case model.StatusFailed:
		reason = string(p) + " reported " + ev.name
	}
	if t.Status == target || t.Status.Terminal() {
		log.Infow("webhook already reflected", "status", t.Status)
		return OutcomeDuplicate
	}

	meta := model.Metadata{}
	for k, v := range t.Metadata {
		meta[k] = v
	}
	now := rc.now().UTC()
	meta[model.MetaLastWebhookEvent] = map[string]interface{}{
		"provider": string(p), "event": ev.name, "received_at": now.Format(time.RFC3339),
	}
	fields := map[string]interface{}{"metadata": meta}
	switch target {
	case model.StatusCompleted:
		fields["completed_at"] = now
	case model.StatusFailed:
		fields["failure_reason"] = reason
	}

	ok, err := rc.repo.TransitionWithEvent(ctx, t.ID, target, fields, map[string]interface{}{
		"user_id": t.UserID, "previous_status": t.Status, "source": "webhook",
		"provider": string(p), "event": ev.name,
	})
	if err != nil {
		log.Errorw("webhook status update failed", "error", err)
		return OutcomeError
	}
	if !ok {
		log.Infow("webhook lost race to another status change")
		return OutcomeDuplicate
	}
	log.Infow("webhook applied", "from", t.Status, "to", target)
	return OutcomeApplied
}
