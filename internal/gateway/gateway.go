// Package gateway holds the HTTP plumbing shared by the Myth and Skidata
// clients and the classification of their failures.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind is the closed set of failure classes reported to operators.
type ErrorKind string

const (
	KindAPI     ErrorKind = "api"
	KindTimeout ErrorKind = "timeout"
	KindAborted ErrorKind = "aborted"
	KindUnknown ErrorKind = "unknown"
)

// APIError is a definitive rejection by the remote system.
type APIError struct {
	System     string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.System, e.StatusCode, e.Message)
}

// Classify maps any error returned by a gateway call into an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return KindAPI
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindUnknown
}

// Message returns the text to show an operator for err. API messages are
// passed through verbatim.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	switch Classify(err) {
	case KindTimeout:
		return "request timed out"
	case KindAborted:
		return "request aborted"
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// ErrorDecoder turns a non-2xx body into the most specific message it holds.
// It returns "" when the body carries nothing useful.
type ErrorDecoder func(body []byte) string

type Client struct {
	system     string
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(system, baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		system:     system,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Do sends in as JSON (when non-nil) and decodes a 2xx body into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any, decodeErr ErrorDecoder) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.system, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.system, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.system, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", c.system, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr != nil {
			msg = decodeErr(raw)
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{System: c.system, StatusCode: resp.StatusCode, Message: msg, Body: raw}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.system, err)
	}
	return nil
}

func (c *Client) System() string {
	return c.system
}
