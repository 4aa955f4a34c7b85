package revenue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Webhook authentication headers.
const (
	TimestampHeader = "X-Payout-Timestamp"
	SignatureHeader = "X-Payout-Signature"
)

// maxTimestampSkew bounds how far a webhook timestamp may drift from the
// server clock, in either direction, before the request is rejected as a
// replay.
const maxTimestampSkew = 300 * time.Second

// Sign computes the webhook signature for a body: HMAC-SHA256 over
// "v0:<timestamp>:<body>" with the shared secret, hex-encoded under a
// "v0=" prefix.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", timestamp, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook request's signature and timestamp
// headers against the shared secret. The comparison is constant time.
func VerifySignature(r *http.Request, body []byte, secret string, now time.Time) bool {
	timestamp := r.Header.Get(TimestampHeader)
	signature := r.Header.Get(SignatureHeader)
	if timestamp == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxTimestampSkew {
		return false
	}

	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
