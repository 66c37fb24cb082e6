package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"github.com/richardliu001/wallet-bridge/internal/model"
)

// scheme is how one provider signs its webhook bodies.
type scheme struct {
	header string
	hash   func() hash.Hash
	encode func([]byte) string
	// timestamped schemes sign "t.body" and send "t=<ts>,v1=<sig>".
	timestamped bool
	// secretOf names the provider whose secret is used, when shared.
	secretOf model.Provider
}

var (
	hexDigest = hex.EncodeToString
	b64Digest = base64.StdEncoding.EncodeToString

	stripeScheme = scheme{header: "Stripe-Signature", hash: sha256.New, encode: hexDigest, timestamped: true, secretOf: model.ProviderStripe}

	schemes = map[model.Provider]scheme{
		model.ProviderPayPal:    {header: "Paypal-Transmission-Sig", hash: sha256.New, encode: b64Digest},
		model.ProviderVenmo:     {header: "Bt-Signature", hash: sha1.New, encode: hexDigest},
		model.ProviderWise:      {header: "X-Signature-SHA256", hash: sha256.New, encode: b64Digest},
		model.ProviderSquare:    {header: "X-Square-Hmacsha256-Signature", hash: sha256.New, encode: b64Digest},
		model.ProviderRapyd:     {header: "Signature", hash: sha256.New, encode: b64Digest},
		model.ProviderStripe:    stripeScheme,
		model.ProviderGooglePay: stripeScheme,
		model.ProviderApplePay:  stripeScheme,
	}
)

// SignatureHeader names the request header carrying p's webhook signature.
func SignatureHeader(p model.Provider) string {
	if s, ok := schemes[p]; ok {
		return s.header
	}
	return ""
}

func digest(s scheme, secret string, msg []byte) string {
	mac := hmac.New(s.hash, []byte(secret))
	mac.Write(msg)
	return s.encode(mac.Sum(nil))
}

// Sign produces the header value p would send for body. ts is only used by
// timestamped schemes.
func Sign(p model.Provider, secret string, body []byte, ts int64) string {
	s, ok := schemes[p]
	if !ok {
		return ""
	}
	if !s.timestamped {
		return digest(s, secret, body)
	}
	t := strconv.FormatInt(ts, 10)
	return "t=" + t + ",v1=" + digest(s, secret, append([]byte(t+"."), body...))
}

func verify(s scheme, secret, header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return false
	}
	if !s.timestamped {
		return equal(digest(s, secret, body), header)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" {
		return false
	}
	want := digest(s, secret, append([]byte(ts+"."), body...))
	for _, sig := range sigs {
		if equal(want, sig) {
			return true
		}
	}
	return false
}

func equal(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
