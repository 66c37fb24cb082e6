package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/richardliu001/wallet-bridge/internal/model"
)

type refKind int

const (
	// ledgerRef carries our own transaction id, as sent in the authorization.
	ledgerRef refKind = iota
	// paymentRef carries the provider's payment or transfer id.
	paymentRef
)

type refPath struct {
	path string
	kind refKind
}

// profile describes one provider's event envelope.
type profile struct {
	eventPaths []string
	refs       []refPath
	statuses   map[string]model.TransactionStatus
}

var (
	completed  = model.StatusCompleted
	failed     = model.StatusFailed
	cancelled  = model.StatusCancelled
	processing = model.StatusProcessing
)

var stripeProfile = profile{
	eventPaths: []string{"type"},
	refs: []refPath{
		{"data.object.metadata.transactionId", ledgerRef},
		{"data.object.id", paymentRef},
		{"data.object.payment_intent", paymentRef},
	},
	statuses: map[string]model.TransactionStatus{
		"payment_intent.succeeded":      completed,
		"charge.succeeded":              completed,
		"payment_intent.payment_failed": failed,
		"charge.failed":                 failed,
		"payment_intent.canceled":       cancelled,
		"payment_intent.processing":     processing,
	},
}

var profiles = map[model.Provider]profile{
	model.ProviderPayPal: {
		eventPaths: []string{"event_type"},
		refs: []refPath{
			{"resource.custom_id", ledgerRef},
			{"resource.invoice_id", ledgerRef},
			{"resource.payout_item.sender_item_id", ledgerRef},
			{"resource.batch_header.payout_batch_id", paymentRef},
			{"resource.id", paymentRef},
		},
		statuses: map[string]model.TransactionStatus{
			"payment.capture.completed":      completed,
			"checkout.order.completed":       completed,
			"payment.payoutsbatch.success":   completed,
			"payment.payouts-item.succeeded": completed,
			"payment.capture.denied":         failed,
			"payment.payoutsbatch.denied":    failed,
			"payment.payouts-item.denied":    failed,
			"payment.payouts-item.failed":    failed,
			"payment.payouts-item.blocked":   failed,
			"payment.payouts-item.returned":  failed,
			"payment.payouts-item.canceled":  cancelled,
		},
	},
	model.ProviderVenmo: {
		eventPaths: []string{"kind"},
		refs: []refPath{
			{"transaction.order_id", ledgerRef},
			{"transaction.id", paymentRef},
		},
		statuses: map[string]model.TransactionStatus{
			"transaction_settled":             completed,
			"transaction_disbursed":           completed,
			"transaction_settlement_declined": failed,
			"disbursement_exception":          failed,
		},
	},
	model.ProviderWise: {
		eventPaths: []string{"data.current_state", "event_type"},
		refs: []refPath{
			{"data.resource.id", paymentRef},
		},
		statuses: map[string]model.TransactionStatus{
			"outgoing_payment_sent": completed,
			"bounced_back":          failed,
			"funds_refunded":        failed,
			"charged_back":          failed,
			"cancelled":             cancelled,
		},
	},
	model.ProviderSquare: {
		eventPaths: []string{"data.object.payment.status", "type"},
		refs: []refPath{
			{"data.object.payment.reference_id", ledgerRef},
			{"data.object.payment.id", paymentRef},
		},
		statuses: map[string]model.TransactionStatus{
			"completed": completed,
			"failed":    failed,
			"canceled":  cancelled,
		},
	},
	model.ProviderRapyd: {
		eventPaths: []string{"type"},
		refs: []refPath{
			{"data.metadata.transactionId", ledgerRef},
			{"data.merchant_reference_id", ledgerRef},
			{"data.id", paymentRef},
		},
		statuses: map[string]model.TransactionStatus{
			"payment_completed": completed,
			"payment_succeeded": completed,
			"payment_failed":    failed,
			"payment_expired":   failed,
			"payment_canceled":  cancelled,
		},
	},
	model.ProviderStripe:    stripeProfile,
	model.ProviderGooglePay: stripeProfile,
	model.ProviderApplePay:  stripeProfile,
}

// event is what the reconciler extracted from one webhook body.
type event struct {
	name     string
	status   model.TransactionStatus
	ledgerID uint64
	payment  string
}

func (e event) correlated() bool { return e.ledgerID != 0 || e.payment != "" }

func parse(p profile, body []byte) (event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return event{}, err
	}

	ev := event{status: processing}
	matched := false
	for _, path := range p.eventPaths {
		v := lookup(doc, path)
		if v == "" {
			continue
		}
		if ev.name == "" {
			ev.name = v
		}
		if st, ok := p.statuses[strings.ToLower(v)]; ok && !matched {
			ev.name, ev.status, matched = v, st, true
		}
	}

	// first usable path of each kind wins
	for _, r := range p.refs {
		v := lookup(doc, r.path)
		if v == "" {
			continue
		}
		switch {
		case r.kind == ledgerRef && ev.ledgerID == 0:
			if id, ok := ledgerID(v); ok {
				ev.ledgerID = id
			}
		case r.kind == paymentRef && ev.payment == "":
			ev.payment = v
		}
	}
	return ev, nil
}

// lookup walks a dotted path through decoded JSON objects.
func lookup(doc map[string]interface{}, path string) string {
	var cur interface{} = doc
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return fmt.Sprint(v)
	}
	return ""
}

// ledgerPrefixes are the prefixes our adapters put in front of a
// transaction id when a provider field needs a distinct value.
var ledgerPrefixes = []string{"batch_"}

// ledgerID accepts "42" and the forms we issue, such as "batch_42".
// Anything else belongs to someone else's numbering.
func ledgerID(v string) (uint64, bool) {
	for _, prefix := range ledgerPrefixes {
		if strings.HasPrefix(v, prefix) {
			v = v[len(prefix):]
			break
		}
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
