package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultHTTPTimeout bounds one completion call
const defaultHTTPTimeout = 5 * time.Minute

// maxErrorBody limits how much of an error response is read
const maxErrorBody = 64 * 1024

// errorDecoder extracts code and message from a provider error body
type errorDecoder func(body []byte) (code, message string)

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// postJSON sends payload and decodes a 2xx response into out. Non-2xx responses
// become ProviderError or RateLimitError.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string,
	payload any, out any, decodeErr errorDecoder) error {

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		code, msg := decodeErr(raw)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return newProviderError(provider, resp.StatusCode, code, msg, resp.Header)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", provider, err)
	}
	return nil
}
