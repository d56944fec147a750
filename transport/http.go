package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-asyncop"
)

const defaultTimeout = 30 * time.Second

// HTTPClient posts requests to a JSON gateway that fronts the remote
// service. Each operation is sent to baseURL/<operation>.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) {
		c.token = strings.TrimSpace(token)
	}
}

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// NewHTTPClient builds a gateway client.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

var _ asyncop.Transport = (*HTTPClient)(nil)

// envelope is the gateway response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Errors  []envelopeError `json:"errors"`
	Result  *asyncop.Result `json:"result"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Send posts req and decodes the gateway envelope.
func (c *HTTPClient) Send(ctx context.Context, req asyncop.Request) (*asyncop.Result, error) {
	op := strings.TrimSpace(req.Operation)
	if op == "" {
		return nil, asyncop.AssertionFailed("transport request requires an operation")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, asyncop.InternalFault("failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, asyncop.InternalFault("failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Message-GUID", req.Header.MessageGUID)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, asyncop.TransientFault(fmt.Sprintf("%s: request failed", op), err)
	}
	defer resp.Body.Close()

	if retryableStatus(resp.StatusCode) {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, asyncop.TransientFault(fmt.Sprintf("%s: gateway returned %d", op, resp.StatusCode), nil)
	}

	var out envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, asyncop.ProtocolFault("decode", fmt.Sprintf("%s: failed to decode response", op), err.Error())
	}

	if apiErr := envelopeFault(out, resp.StatusCode); apiErr != nil {
		return nil, apiErr
	}
	if out.Result == nil {
		return nil, asyncop.ProtocolFault("empty", fmt.Sprintf("%s: empty gateway result", op), "")
	}
	return out.Result, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func envelopeFault(out envelope, status int) error {
	if out.Success && status < http.StatusBadRequest {
		return nil
	}
	if len(out.Errors) == 0 {
		return asyncop.ProtocolFault(fmt.Sprintf("http_%d", status), http.StatusText(status), "")
	}
	first := out.Errors[0]
	detail := first.Detail
	if len(out.Errors) > 1 {
		extra := make([]string, 0, len(out.Errors)-1)
		for _, e := range out.Errors[1:] {
			extra = append(extra, e.Code+": "+e.Message)
		}
		detail = strings.TrimSpace(detail + "\n" + strings.Join(extra, "\n"))
	}
	return asyncop.ProtocolFault(first.Code, first.Message, detail)
}
