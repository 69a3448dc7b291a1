// Package backend is the HTTP/JSON client of the remote chat backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/metrics"
	"go.uber.org/zap"
)

// Options tunes a Client. Zero values take defaults.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	ReadAttempts int
	RetryDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.ReadAttempts <= 0 {
		o.ReadAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	return o
}

// Client calls the backend REST API. Reads (GET) are retried on connection
// and 5xx failures; writes are sent once.
type Client struct {
	base   *url.URL
	http   *http.Client
	opts   Options
	logger *zap.Logger
}

// New creates a Client for opts.BaseURL. hc may be nil.
func New(hc *http.Client, logger *zap.Logger, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", opts.BaseURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: base, http: hc, opts: opts, logger: logger.Named("backend")}, nil
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	token  string
	in     any
	out    any
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, cl call) error {
	attempts := 1
	if cl.method == http.MethodGet {
		attempts = c.opts.ReadAttempts
	}
	var err error
	for i := 1; ; i++ {
		err = c.once(ctx, cl)
		if err == nil || i >= attempts || !apperr.Retryable(err) {
			return err
		}
		c.logger.Debug("retrying read", zap.String("op", cl.op), zap.Int("attempt", i), zap.Error(err))
		select {
		case <-time.After(c.opts.RetryDelay * time.Duration(i)):
		case <-ctx.Done():
			return err
		}
	}
}

func (c *Client) once(ctx context.Context, cl call) (err error) {
	start := time.Now()
	defer func() {
		metrics.RemoteCalls.WithLabelValues(cl.op, outcome(err)).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	u := c.base.JoinPath(cl.path)
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}
	var body io.Reader
	if cl.in != nil {
		data, err := json.Marshal(cl.in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", cl.op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &apperr.ConnectionError{Op: cl.op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(cl.op, resp)
	}
	if cl.out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil && !errors.Is(err, io.EOF) {
		return &apperr.RemoteOperationError{Op: cl.op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		switch {
		case eb.Error != "":
			msg = eb.Error
		case eb.Message != "":
			msg = eb.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := errors.New(msg)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &apperr.AuthenticationError{Op: op, Err: cause}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &apperr.ValidationError{Op: op, Msg: msg}
	}
	return &apperr.RemoteOperationError{Op: op, Status: resp.StatusCode, Err: cause}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.IsAuthentication(err):
		return "unauthenticated"
	case apperr.IsValidation(err):
		return "invalid"
	case apperr.IsConnection(err):
		return "unreachable"
	}
	return "failed"
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var remote *apperr.RemoteOperationError
	return errors.As(err, &remote) && remote.Status == http.StatusNotFound
}
