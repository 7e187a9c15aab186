// Package telegram delivers formatted alerts to a Telegram supergroup
// organized into forum topics, with per-type cooldowns and optional
// message pinning.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	apiBase        = "https://api.telegram.org"
	requestTimeout = 10 * time.Second
)

// Client is a minimal Bot API client. Alerts are time-sensitive, so
// calls are never retried; failures surface to the dispatcher which
// falls back to stderr.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	token   string
	base    string
}

func NewClient(token string) *Client {
	return &Client{
		http: resty.New().
			SetTimeout(requestTimeout).
			SetHeader("Accept", "application/json"),
		// Bot API allows ~30 msg/s overall; stay under it.
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		token:   token,
		base:    apiBase,
	}
}

// SetBaseURL points the client at a different API host, for tests.
func (c *Client) SetBaseURL(u string) { c.base = u }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// SendMessage posts HTML text to a forum topic and returns the new
// message id. threadID 0 targets the general topic.
func (c *Client) SendMessage(ctx context.Context, chatID, threadID int64, html string, silent bool) (int64, error) {
	body := map[string]any{
		"chat_id":    chatID,
		"text":       html,
		"parse_mode": "HTML",
	}
	if threadID != 0 {
		body["message_thread_id"] = threadID
	}
	if silent {
		body["disable_notification"] = true
	}
	raw, err := c.call(ctx, "sendMessage", body)
	if err != nil {
		return 0, err
	}
	var msg sentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("decode sendMessage result: %w", err)
	}
	return msg.MessageID, nil
}

func (c *Client) PinChatMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              chatID,
		"message_id":           messageID,
		"disable_notification": true,
	})
	return err
}

func (c *Client) UnpinChatMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "unpinChatMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, body map[string]any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method))
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	if !resp.IsSuccess() || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = resp.Status()
		}
		return nil, fmt.Errorf("telegram %s: %s", method, desc)
	}
	return out.Result, nil
}
