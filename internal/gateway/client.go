// Package gateway is the REST client for the WhatsApp messaging
// gateway: sending messages, listing groups, queue statistics, queue
// drain and message deletion. Every call is request/response over
// HTTPS with a shared token; failures are recoverable *Error values,
// never fatal to the process.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.ultramsg.com"

type Client struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("gateway instance is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("gateway token is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// SetRate updates the send rate limit. Safe during hot reload.
func (c *Client) SetRate(rps int) {
	if rps <= 0 {
		rps = 10
	}
	c.mu.Lock()
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

// sendResponse is the gateway's reply to a send call. The message ID
// feeds the tracking store so termination can delete it later.
type sendResponse struct {
	Sent    string      `json:"sent"`
	Message string      `json:"message"`
	ID      json.Number `json:"id"`
}

// SendText sends one text message. to accepts a single recipient or a
// comma-joined list.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, "send_text", "/messages/chat", map[string]string{
		"to":   to,
		"body": body,
	})
}

func (c *Client) SendImage(ctx context.Context, to, caption, link string) (string, error) {
	return c.send(ctx, "send_image", "/messages/image", map[string]string{
		"to":      to,
		"image":   link,
		"caption": caption,
	})
}

func (c *Client) SendVideo(ctx context.Context, to, caption, link string) (string, error) {
	return c.send(ctx, "send_video", "/messages/video", map[string]string{
		"to":      to,
		"video":   link,
		"caption": caption,
	})
}

func (c *Client) SendDocument(ctx context.Context, to, caption, link, filename string) (string, error) {
	return c.send(ctx, "send_document", "/messages/document", map[string]string{
		"to":       to,
		"document": link,
		"filename": filename,
		"caption":  caption,
	})
}

func (c *Client) send(ctx context.Context, op, path string, fields map[string]string) (string, error) {
	c.mu.Lock()
	lim := c.limiter
	c.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return "", &Error{Op: op, Err: err}
	}

	var out sendResponse
	status, err := c.post(ctx, path, fields, &out)
	if err != nil {
		return "", &Error{Op: op, Status: status, Err: err}
	}
	c.log.Debug("gateway send ok", slog.String("op", op), slog.String("id", out.ID.String()))
	return out.ID.String(), nil
}

// FetchGroups returns the gateway group listing in response order.
func (c *Client) FetchGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	status, err := c.get(ctx, "/groups", &groups)
	if err != nil {
		return nil, &Error{Op: "fetch_groups", Status: status, Err: err}
	}
	return groups, nil
}

func (c *Client) FetchStatistics(ctx context.Context) (Statistics, error) {
	var out struct {
		Stats Statistics `json:"messages_statistics"`
	}
	status, err := c.get(ctx, "/messages/statistics", &out)
	if err != nil {
		return Statistics{}, &Error{Op: "fetch_statistics", Status: status, Err: err}
	}
	return out.Stats, nil
}

// ClearQueue drains gateway-side messages in the given status
// ("queue", "sent", ...).
func (c *Client) ClearQueue(ctx context.Context, queueStatus string) error {
	status, err := c.post(ctx, "/messages/clear", map[string]string{"status": queueStatus}, nil)
	if err != nil {
		return &Error{Op: "clear_queue", Status: status, Err: err}
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, msgID string) error {
	status, err := c.post(ctx, "/messages/delete", map[string]string{"msgId": msgID}, nil)
	if err != nil {
		return &Error{Op: "delete_message", Status: status, Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, fields map[string]string, out any) (int, error) {
	payload := map[string]string{"token": c.cfg.Token}
	for k, v := range fields {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) (int, error) {
	u := c.endpoint(path) + "?token=" + url.QueryEscape(c.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) endpoint(path string) string {
	return c.cfg.BaseURL + "/" + c.cfg.Instance + path
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body)))
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
