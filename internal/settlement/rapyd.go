package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

// ErrAccountNotMapped means the network has no account for a wallet.
var ErrAccountNotMapped = errors.New("settlement: wallet has no intermediary account")

// SettlementError wraps a failed intermediary operation.
type SettlementError struct {
	Op     string
	Reason string
	Err    error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement %s failed: %s", e.Op, e.Reason)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// PaymentRequest moves funds between two intermediary accounts.
type PaymentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Source      string
	Destination string
	Description string
	Reference   string
	// Capture settles immediately instead of leaving an authorization.
	Capture bool
}

type Payment struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

// Network is the intermediary settlement network.
type Network interface {
	AccountReference(ctx context.Context, w *model.Wallet) (string, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error)
	CapturePayment(ctx context.Context, paymentID string) (*Payment, error)
}

// RapydClient signs every request with the access key, a random salt and
// the current unix timestamp.
type RapydClient struct {
	baseURL   string
	accessKey string
	secretKey string
	timeout   time.Duration
	http      *http.Client
	now       func() time.Time
}

var _ Network = (*RapydClient)(nil)

func NewRapydClient(cfg config.IntermediaryConfig) *RapydClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RapydClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		timeout:   timeout,
		http:      &http.Client{Timeout: timeout},
		now:       time.Now,
	}
}

// Sign computes the request signature: base64 of the hex HMAC-SHA256 over
// method, path, salt, timestamp, access key, secret key and body.
func Sign(method, path, salt, timestamp, accessKey, secretKey, body string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(strings.ToLower(method) + path + salt + timestamp + accessKey + secretKey + body))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}

type rapydStatus struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type rapydEnvelope struct {
	Status rapydStatus     `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (c *RapydClient) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &SettlementError{Op: op, Reason: "encode request", Err: err}
		}
		raw = b
	}
	salt := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	ts := strconv.FormatInt(c.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &SettlementError{Op: op, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access_key", c.accessKey)
	req.Header.Set("salt", salt)
	req.Header.Set("timestamp", ts)
	req.Header.Set("signature", Sign(method, path, salt, ts, c.accessKey, c.secretKey, string(raw)))
	if method == http.MethodPost {
		req.Header.Set("idempotency", ulid.Make().String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		reason := "network error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return &SettlementError{Op: op, Reason: reason, Err: err}
	}
	defer resp.Body.Close()

	var env rapydEnvelope
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &SettlementError{Op: op, Reason: "read response", Err: err}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return &SettlementError{Op: op, Reason: fmt.Sprintf("http %d: unreadable body", resp.StatusCode), Err: err}
		}
	}
	if resp.StatusCode >= 300 || env.Status.Status != "SUCCESS" {
		reason := env.Status.Message
		if reason == "" {
			reason = env.Status.ErrorCode
		}
		if reason == "" {
			reason = resp.Status
		}
		return &SettlementError{Op: op, Reason: reason}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &SettlementError{Op: op, Reason: "decode response", Err: err}
	}
	return nil
}

// AccountReference looks up the network account registered for a wallet.
// Accounts are registered under "<PROVIDER>:<external wallet id>".
func (c *RapydClient) AccountReference(ctx context.Context, w *model.Wallet) (string, error) {
	ref := string(w.Provider) + ":" + w.ExternalWalletID
	if w.Provider == model.ProviderRapyd && w.ExternalWalletID != "" {
		return w.ExternalWalletID, nil
	}
	var out []struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "account_reference", http.MethodGet, "/v1/ewallets?ewallet_reference_id="+url.QueryEscape(ref), nil, &out); err != nil {
		return "", err
	}
	if len(out) == 0 || out[0].ID == "" {
		return "", &SettlementError{Op: "account_reference", Reason: "no account for " + ref, Err: ErrAccountNotMapped}
	}
	return out[0].ID, nil
}

type rapydPayment struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount float64 `json:"amount"`
}

func (p rapydPayment) toPayment() *Payment {
	return &Payment{ID: p.ID, Status: p.Status, Amount: decimal.NewFromFloat(p.Amount)}
}

func (c *RapydClient) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	body := map[string]interface{}{
		"amount":                req.Amount.StringFixed(2),
		"currency":              strings.ToUpper(req.Currency),
		"capture":               req.Capture,
		"description":           req.Description,
		"ewallet":               req.Destination,
		"merchant_reference_id": req.Reference,
		"payment_method": map[string]interface{}{
			"type":   "rapyd_ewallet",
			"fields": map[string]string{"ewallet": req.Source},
		},
		"metadata": map[string]string{"transactionId": req.Reference},
	}
	var out rapydPayment
	if err := c.call(ctx, "create_payment", http.MethodPost, "/v1/payments", body, &out); err != nil {
		return nil, err
	}
	return out.toPayment(), nil
}

func (c *RapydClient) CapturePayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out rapydPayment
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/capture"
	if err := c.call(ctx, "capture_payment", http.MethodPost, path, map[string]interface{}{}, &out); err != nil {
		return nil, err
	}
	return out.toPayment(), nil
}
