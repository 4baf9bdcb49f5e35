package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/snehjoshi/svcbus/internal/envelope"
)

// Request headers set on every webhook POST.
const (
	HeaderSignature  = "X-Svcbus-Signature"
	HeaderTopic      = "X-Svcbus-Topic"
	HeaderEnvelopeID = "X-Svcbus-Envelope-Id"
	HeaderAttempts   = "X-Svcbus-Attempts"
)

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body under secret.
// Receivers use it to authenticate deliveries.
func Verify(secret string, body []byte, header string) bool {
	want, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// deliver POSTs e as JSON to sub.URL. Any 2xx response is a success; every
// other outcome is a failed delivery left to the bus's retry policy.
func deliver(ctx context.Context, client *http.Client, sub *Subscription, e envelope.Envelope) error {
	body, err := envelope.Marshal(e)
	if err != nil {
		return fmt.Errorf("consumer: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTopic, e.Topic)
	req.Header.Set(HeaderEnvelopeID, e.ID)
	req.Header.Set(HeaderAttempts, strconv.Itoa(e.Attempts))
	if sub.secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
