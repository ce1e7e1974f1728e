package util

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for outbound JSON API calls.
const (
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultHTTPRetries  = 3
	maxErrorBodySnippet = 512
)

// HTTPStatusError is returned when a remote API answers with a non-2xx status.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// JSONRequest describes one outbound call made by DoJSON.
type JSONRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any // encoded as JSON when non-nil
	// Retries bounds the number of extra attempts after transport errors, 429 and 5xx.
	Retries int
}

// DoJSON performs req with exponential backoff and decodes a 2xx response body into out
// (out may be nil). 4xx responses other than 429 are not retried.
func DoJSON(ctx context.Context, client *http.Client, req JSONRequest, out any) error {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	op := func() error {
		err := doOnce(ctx, client, req, payload, out)
		if err == nil {
			return nil
		}
		if se, ok := err.(*HTTPStatusError); ok && !se.Temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.Debug("DoJSON: retrying", "method", req.Method, "url", req.URL, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(req.Retries, 0))), ctx))
}

func doOnce(ctx context.Context, client *http.Client, req JSONRequest, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > maxErrorBodySnippet {
			snippet = snippet[:maxErrorBodySnippet]
		}
		return &HTTPStatusError{Method: req.Method, URL: req.URL, StatusCode: resp.StatusCode, Body: snippet}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
