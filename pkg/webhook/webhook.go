package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request is one webhook call with its resolved parameters and headers
type Request struct {
	URL     string
	Method  string
	Params  map[string]string
	Headers map[string]string
	Body    []byte
}

// Sender issues webhook HTTP calls
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// HTTPSender sends webhooks over a shared HTTP client
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a webhook sender with a bounded timeout
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithClient overrides the HTTP client (used by tests)
func (s *HTTPSender) WithClient(client *http.Client) *HTTPSender {
	s.client = client
	return s
}

// Send issues the call. Any non-2xx response is a send failure: the
// caller logs it and moves on, there is no retry
func (s *HTTPSender) Send(ctx context.Context, wreq Request) error {
	method := wreq.Method
	if method == "" {
		method = http.MethodPost
	}

	target, err := url.Parse(wreq.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if len(wreq.Params) > 0 {
		query := target.Query()
		for attribute, value := range wreq.Params {
			query.Set(attribute, value)
		}
		target.RawQuery = query.Encode()
	}

	var body *bytes.Reader
	if wreq.Body != nil {
		body = bytes.NewReader(wreq.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for attribute, value := range wreq.Headers {
		req.Header.Set(attribute, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
