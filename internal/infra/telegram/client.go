package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
)

const defaultBaseURL = "https://api.telegram.org"

// target is one resolved destination: a forum thread or a direct chat.
type target struct {
	chatID   int64
	threadID int64 // zero for direct chats
}

// Client sends messages to Telegram topics. Implements the router's Sink.
type Client struct {
	baseURL    string
	token      string
	adminChat  int64
	forumGroup int64
	topics     map[string]int64
	resolved   map[string]target
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds the sink client from config.
func NewClient(cfg *infra.Config) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		token:      cfg.Sink.Token,
		adminChat:  cfg.Sink.AdminUser,
		forumGroup: cfg.Sink.ForumGroup,
		topics:     cfg.Sink.Topics,
		resolved:   make(map[string]target),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timing.SinkTimeoutSec) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		logger: slog.Default().With("module", "telegram"),
	}
}

// ResolveTopics binds every routable key to a concrete destination. The
// system channel falls back to the admin chat; any other unmapped key is
// fatal to startup.
func (c *Client) ResolveTopics(keys []string) error {
	for _, key := range keys {
		threadID, ok := c.topics[key]
		if !ok {
			if key == "system" {
				c.resolved[key] = target{chatID: c.adminChat}
				continue
			}
			return fmt.Errorf("%w: %q has no configured channel", domain.ErrUnknownTopic, key)
		}
		c.resolved[key] = target{chatID: c.forumGroup, threadID: threadID}
	}
	return nil
}

type sendMessageRequest struct {
	ChatID          int64  `json:"chat_id"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	Text            string `json:"text"`
	ParseMode       string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send delivers one message to the channel behind topicKey. Network errors
// and rate limits come back retriable; API rejections are permanent.
func (c *Client) Send(ctx context.Context, topicKey string, text string) error {
	dst, ok := c.resolved[topicKey]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTopic, topicKey)
	}

	// Telegram caps messages at 4096 chars; long digests are split.
	for _, chunk := range splitText(text, 4000) {
		if err := c.sendOne(ctx, dst, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendOne(ctx context.Context, dst target, text string) error {
	reqBody := sendMessageRequest{
		ChatID:          dst.chatID,
		MessageThreadID: dst.threadID,
		Text:            text,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", domain.ErrPermanent, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: request: %v", domain.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError("send", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return domain.NewNetworkError("send", fmt.Errorf("unparseable response: status=%d", resp.StatusCode))
	}
	if apiResp.OK {
		return nil
	}

	// 429 and 5xx are transient; everything else is an API rejection.
	if apiResp.ErrorCode == http.StatusTooManyRequests || apiResp.ErrorCode >= 500 {
		return domain.NewNetworkError("send", fmt.Errorf("telegram: code=%d %s", apiResp.ErrorCode, apiResp.Description))
	}
	return fmt.Errorf("%w: telegram: code=%d %s", domain.ErrPermanent, apiResp.ErrorCode, apiResp.Description)
}

// splitText breaks a message on line boundaries where possible.
func splitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
