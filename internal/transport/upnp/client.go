// Package upnp is the HTTP client issuing GENA subscription requests to
// devices. It implements subscription.Transport.
//
// Requests sent:
//
//	SUBSCRIBE   CALLBACK: <url>, NT: upnp:event, TIMEOUT: Second-N   (new)
//	SUBSCRIBE   SID: uuid:..., TIMEOUT: Second-N                     (renew)
//	UNSUBSCRIBE SID: uuid:...
//
// Header names are written exactly as above; some device firmware matches
// them case-sensitively.
package upnp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// Request methods.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// Default client settings.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultInfiniteTimeout = time.Hour
)

// maxDrainBytes bounds how much of a response body is read before closing.
const maxDrainBytes = 4096

// Config holds client settings.
type Config struct {
	// RequestTimeout bounds each request when the context has no deadline.
	RequestTimeout time.Duration

	// InfiniteTimeout is used when a device grants "Second-infinite".
	InfiniteTimeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string
}

// Client sends subscription requests over HTTP.
type Client struct {
	http *http.Client
	cfg  Config
}

var _ subscription.Transport = (*Client)(nil)

// New creates a client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.InfiniteTimeout <= 0 {
		cfg.InfiniteTimeout = DefaultInfiniteTimeout
	}
	return &Client{
		http: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:  cfg,
	}
}

// Subscribe requests a new subscription delivering events to callbackURL.
func (c *Client) Subscribe(ctx context.Context, eventSubURL, callbackURL string, timeout time.Duration) (subscription.Grant, error) {
	headers := map[string]string{
		"CALLBACK": "<" + callbackURL + ">",
		"NT":       "upnp:event",
		"TIMEOUT":  FormatTimeout(timeout),
	}
	grant, err := c.subscribe(ctx, "subscribe", eventSubURL, headers, timeout)
	if err != nil {
		return subscription.Grant{}, err
	}
	if grant.SID == "" {
		return subscription.Grant{}, &subscription.TransportError{
			Op:     "subscribe",
			URL:    eventSubURL,
			Status: http.StatusOK,
			Err:    errors.New("response has no SID header"),
		}
	}
	return grant, nil
}

// Renew extends sid. A device answering 412 no longer knows the
// subscription; the error then wraps subscription.ErrPreconditionFailed.
func (c *Client) Renew(ctx context.Context, eventSubURL, sid string, timeout time.Duration) (subscription.Grant, error) {
	headers := map[string]string{
		"SID":     sid,
		"TIMEOUT": FormatTimeout(timeout),
	}
	grant, err := c.subscribe(ctx, "renew", eventSubURL, headers, timeout)
	if err != nil {
		return subscription.Grant{}, err
	}
	if grant.SID == "" {
		grant.SID = sid
	}
	return grant, nil
}

// Unsubscribe cancels sid.
func (c *Client) Unsubscribe(ctx context.Context, eventSubURL, sid string) error {
	resp, err := c.do(ctx, MethodUnsubscribe, eventSubURL, map[string]string{"SID": sid})
	if err != nil {
		return &subscription.TransportError{Op: "unsubscribe", URL: eventSubURL, Err: err}
	}
	defer closeBody(resp)

	if err := statusError("unsubscribe", eventSubURL, resp.StatusCode); err != nil {
		return err
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, op, eventSubURL string, headers map[string]string, requested time.Duration) (subscription.Grant, error) {
	resp, err := c.do(ctx, MethodSubscribe, eventSubURL, headers)
	if err != nil {
		return subscription.Grant{}, &subscription.TransportError{Op: op, URL: eventSubURL, Err: err}
	}
	defer closeBody(resp)

	if err := statusError(op, eventSubURL, resp.StatusCode); err != nil {
		return subscription.Grant{}, err
	}

	return subscription.Grant{
		SID:     strings.TrimSpace(resp.Header.Get("SID")),
		Timeout: ParseTimeout(resp.Header.Get("TIMEOUT"), requested, c.cfg.InfiniteTimeout),
	}, nil
}

func (c *Client) do(ctx context.Context, method, target string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = []string{v}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	return c.http.Do(req)
}

func statusError(op, target string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusPreconditionFailed:
		return &subscription.TransportError{Op: op, URL: target, Status: status, Err: subscription.ErrPreconditionFailed}
	default:
		return &subscription.TransportError{Op: op, URL: target, Status: status}
	}
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

// FormatTimeout renders a TIMEOUT header value in whole seconds.
func FormatTimeout(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return "Second-" + strconv.FormatInt(secs, 10)
}

// ParseTimeout reads a TIMEOUT header. "Second-infinite" and values above
// infinite map to infinite; a missing or unparsable value falls back to
// requested.
func ParseTimeout(value string, requested, infinite time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if len(value) < len("Second-") || !strings.EqualFold(value[:len("Second-")], "Second-") {
		return requested
	}

	rest := value[len("Second-"):]
	if strings.EqualFold(rest, "infinite") {
		return infinite
	}
	secs, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || secs <= 0 {
		return requested
	}
	if secs > int64(infinite/time.Second) {
		return infinite
	}
	return time.Duration(secs) * time.Second
}
