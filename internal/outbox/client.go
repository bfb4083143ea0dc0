package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Dispatch request headers. The provider verifies the signature with the
// shared secret carried in the envelope it receives.
const (
	HeaderSignature = "X-Enhance-Signature"
	HeaderTimestamp = "X-Enhance-Timestamp"
	HeaderEvent     = "X-Enhance-Event"
)

// ProviderClient delivers dispatch envelopes to the external rendering
// provider. A call makes exactly one attempt; retry policy lives in the
// dispatcher, which owns the backoff schedule.
type ProviderClient struct {
	httpClient    *http.Client
	endpoint      string
	signingSecret string
}

func NewProviderClient(endpoint, signingSecret string, timeout time.Duration) *ProviderClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ProviderClient{
		httpClient:    &http.Client{Timeout: timeout},
		endpoint:      endpoint,
		signingSecret: signingSecret,
	}
}

// Deliver posts the signed payload and treats any non-2xx response as a
// delivery failure.
func (c *ProviderClient) Deliver(ctx context.Context, eventType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(c.signingSecret, timestamp, payload))
	req.Header.Set(HeaderEvent, eventType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned status=%d", resp.StatusCode)
	}
	return nil
}

// Sign computes the HMAC-SHA256 signature over timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
