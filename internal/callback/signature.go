package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"server/internal/domain"
)

// Callback headers sent by the provider.
const (
	HeaderSignature = "X-Enhance-Signature"
	HeaderTimestamp = "X-Enhance-Timestamp"
	HeaderNonce     = "X-Enhance-Nonce"
)

// VerifySignature checks the HMAC-SHA256 signature over timestamp + "." + body
// and rejects timestamps outside the tolerance window. The comparison is
// constant time.
func VerifySignature(secret, timestamp, signature string, body []byte, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return domain.ErrStaleTimestamp
	}
	skew := now.UTC().Sub(time.Unix(ts, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return domain.ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSpace(timestamp)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return domain.ErrInvalidSignature
	}
	return nil
}
