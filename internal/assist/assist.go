// Package assist calls the AI helper endpoints: translation and streamed
// chat completion.
package assist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/metrics"
	"go.uber.org/zap"
)

// ErrNoTranslation is returned when the helper echoed the input or produced
// nothing usable.
var ErrNoTranslation = errors.New("translation unavailable")

// Message is one turn of a completion conversation.
type Message struct {
	Role    string `json:"role" validate:"oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type translateRequest struct {
	Text     string `json:"text" validate:"required,max=8192"`
	FromLang string `json:"fromLang" validate:"required"`
	ToLang   string `json:"toLang" validate:"required,nefield=FromLang"`
}

type translateResponse struct {
	Translated string `json:"translated"`
	Error      string `json:"error,omitempty"`
}

type completeRequest struct {
	Messages []Message `json:"messages" validate:"min=1,dive"`
	Model    string    `json:"model,omitempty"`
}

// Client talks to the assist service.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client. hc may be nil.
func New(baseURL, apiKey, model string, hc *http.Client, logger *zap.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    hc,
		logger:  logger.Named("assist"),
	}
}

func (c *Client) post(ctx context.Context, op, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &apperr.ConnectionError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &apperr.RemoteOperationError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}
	return resp, nil
}

// Translate translates text between two languages. An answer that repeats
// the input or carries no letters or digits is reported as ErrNoTranslation.
func (c *Client) Translate(ctx context.Context, text, from, to string) (string, error) {
	req := translateRequest{Text: text, FromLang: from, ToLang: to}
	if err := apperr.Validate("translate", req); err != nil {
		return "", err
	}
	start := time.Now()
	out, err := c.translate(ctx, req)
	metrics.RemoteCalls.WithLabelValues("translate", outcome(err)).Observe(time.Since(start).Seconds())
	return out, err
}

func (c *Client) translate(ctx context.Context, req translateRequest) (string, error) {
	resp, err := c.post(ctx, "translate", "/api/groq/translate", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", &apperr.RemoteOperationError{Op: "translate", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	got := strings.TrimSpace(res.Translated)
	if got == strings.TrimSpace(req.Text) || !meaningful(got) {
		c.logger.Debug("translation echoed input", zap.String("from", req.FromLang), zap.String("to", req.ToLang))
		return "", &apperr.RemoteOperationError{Op: "translate", Err: ErrNoTranslation}
	}
	return got, nil
}

func meaningful(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Complete streams a chat completion. onChunk is called with each piece of
// text as it arrives; the full text is returned when the stream ends.
func (c *Client) Complete(ctx context.Context, messages []Message, onChunk func(string)) (string, error) {
	req := completeRequest{Messages: messages, Model: c.model}
	if err := apperr.Validate("complete", req); err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := c.post(ctx, "complete", "/api/groqChat", req)
	if err != nil {
		metrics.RemoteCalls.WithLabelValues("complete", outcome(err)).Observe(time.Since(start).Seconds())
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	r := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			err = &apperr.ConnectionError{Op: "complete", Err: rerr}
			break
		}
	}
	metrics.RemoteCalls.WithLabelValues("complete", outcome(err)).Observe(time.Since(start).Seconds())
	return full.String(), err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "failed"
}
