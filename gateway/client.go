package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/warp/payment-reconciler/generic"
)

// DefaultTimeout bounds every outbound provider call that does not set one.
const DefaultTimeout = 15 * time.Second

// CallObserver is notified after every outbound call (metrics hook).
type CallObserver func(gateway, op string, elapsed time.Duration, err error)

// Client is a small JSON client over fasthttp with a hard per-call timeout.
// No call blocks longer than the smaller of Timeout and the context deadline.
type Client struct {
	Gateway string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string

	Observe CallObserver
	Logger  *slog.Logger

	http *fasthttp.Client
}

func NewClient(gatewayName, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Gateway: gatewayName,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Headers: map[string]string{},
		Logger:  slog.Default(),
		http: &fasthttp.Client{
			Name:                     "payment-reconciler",
			NoDefaultUserAgentHeader: true,
			MaxIdleConnDuration:      30 * time.Second,
		},
	}
}

// Response is a decoded provider response.
type Response struct {
	Status int
	Fields Fields
	Body   []byte
}

// Do sends a JSON request. body may be nil. Timeouts come back wrapping
// generic.ErrGatewayTimeout inside a TransientError; network failures and
// 5xx responses are plain TransientErrors.
func (c *Client) Do(ctx context.Context, op, method, path string, body any, headers map[string]string) (*Response, error) {
	timeout := c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, generic.NewTransient(c.Gateway+" "+op, generic.ErrGatewayTimeout)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	start := time.Now()
	err := c.http.DoTimeout(req, resp, timeout)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			err = generic.NewTransient(c.Gateway+" "+op, generic.ErrGatewayTimeout)
		} else {
			err = generic.NewTransient(c.Gateway+" "+op, err)
		}
		c.observe(op, elapsed, err)
		c.Logger.Warn("[Gateway] Outbound call failed", "gateway", c.Gateway, "op", op, "elapsed", elapsed, "error", err)
		return nil, err
	}

	out := &Response{Status: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	if len(out.Body) > 0 {
		if f, perr := ParseFields(out.Body); perr == nil {
			out.Fields = f
		}
	}
	if out.Fields == nil {
		out.Fields = Fields{}
	}

	switch {
	case out.Status >= 500:
		err = generic.NewTransient(c.Gateway+" "+op, fmt.Errorf("provider returned %d", out.Status))
	case out.Status == fasthttp.StatusNotFound:
		err = generic.NewNotFound(c.Gateway+" transaction", path)
	case out.Status == fasthttp.StatusUnauthorized || out.Status == fasthttp.StatusForbidden:
		err = fmt.Errorf("%s %s: provider rejected credentials (%d)", c.Gateway, op, out.Status)
	case out.Status >= 400:
		err = generic.NewValidationError(op, fmt.Sprintf("%s returned %d: %s", c.Gateway, out.Status, truncate(out.Body, 200)))
	}
	c.observe(op, elapsed, err)
	if err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) observe(op string, elapsed time.Duration, err error) {
	if c.Observe != nil {
		c.Observe(c.Gateway, op, elapsed, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
