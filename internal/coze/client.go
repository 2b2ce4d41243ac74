// Package coze is a minimal client for the Coze chat API: conversation
// creation, a blocking chat turn (submit + poll + fetch answer), history
// listing, and conversation clearing.
package coze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.coze.cn"

// Message is one history entry, role "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// Client talks to one Coze bot. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	botID      string
	limiter    *rate.Limiter
	pollEvery  time.Duration
	log        *slog.Logger
}

// Options tunes the client; zero values get sensible defaults.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	// RateLimitRPM caps chat submissions per minute. 0 disables the limiter.
	RateLimitRPM int
	Logger       *slog.Logger
}

func NewClient(token, botID string, opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RateLimitRPM)/60.0), opts.RateLimitRPM)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		token:      token,
		botID:      botID,
		limiter:    limiter,
		pollEvery:  time.Second,
		log:        log.With("component", "coze"),
	}
}

// envelope is the common Coze response wrapper. code 0 means success.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("coze: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("coze: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coze: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coze: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coze: %s %s: status %d: %s", method, path, resp.StatusCode, truncateBody(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("coze: decode response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("coze: %s %s: api code %d: %s", method, path, env.Code, env.Msg)
	}
	return env.Data, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// CreateConversation opens a fresh conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/v1/conversation/create", nil, struct{}{})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("coze: decode conversation: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("coze: conversation create returned empty id")
	}
	return out.ID, nil
}

type chatRequest struct {
	BotID              string            `json:"bot_id"`
	UserID             string            `json:"user_id"`
	Stream             bool              `json:"stream"`
	AutoSaveHistory    bool              `json:"auto_save_history"`
	AdditionalMessages []chatMessage     `json:"additional_messages"`
	CustomVariables    map[string]string `json:"custom_variables,omitempty"`
}

type chatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type chatState struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	LastError      *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error,omitempty"`
}

// Chat runs one blocking turn: submit the message, poll until the bot is
// done, then return the answer text. variables are interpolated into the
// bot's prompt template server-side.
func (c *Client) Chat(ctx context.Context, conversationID, userID, message string, variables map[string]string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("coze: rate limit wait: %w", err)
		}
	}

	q := url.Values{}
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	req := chatRequest{
		BotID:           c.botID,
		UserID:          userID,
		Stream:          false,
		AutoSaveHistory: true,
		AdditionalMessages: []chatMessage{
			{Role: "user", Content: message, ContentType: "text"},
		},
		CustomVariables: variables,
	}

	data, err := c.do(ctx, http.MethodPost, "/v3/chat", q, req)
	if err != nil {
		return "", err
	}
	var state chatState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("coze: decode chat: %w", err)
	}

	state, err = c.waitCompleted(ctx, state.ConversationID, state.ID)
	if err != nil {
		return "", err
	}
	return c.fetchAnswer(ctx, state.ConversationID, state.ID)
}

func (c *Client) waitCompleted(ctx context.Context, conversationID, chatID string) (chatState, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("chat_id", chatID)

	for {
		select {
		case <-ctx.Done():
			return chatState{}, fmt.Errorf("coze: chat poll: %w", ctx.Err())
		case <-ticker.C:
		}

		data, err := c.do(ctx, http.MethodGet, "/v3/chat/retrieve", q, nil)
		if err != nil {
			return chatState{}, err
		}
		var state chatState
		if err := json.Unmarshal(data, &state); err != nil {
			return chatState{}, fmt.Errorf("coze: decode chat state: %w", err)
		}

		switch state.Status {
		case "completed":
			return state, nil
		case "failed", "canceled", "requires_action":
			msg := state.Status
			if state.LastError != nil {
				msg = fmt.Sprintf("%s: %d %s", state.Status, state.LastError.Code, state.LastError.Msg)
			}
			return chatState{}, fmt.Errorf("coze: chat %s", msg)
		}
	}
}

func (c *Client) fetchAnswer(ctx context.Context, conversationID, chatID string) (string, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("chat_id", chatID)

	data, err := c.do(ctx, http.MethodGet, "/v3/chat/message/list", q, nil)
	if err != nil {
		return "", err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return "", fmt.Errorf("coze: decode messages: %w", err)
	}
	for _, m := range msgs {
		if m.Type == "answer" && m.Content != "" {
			return m.Content, nil
		}
	}
	return "", fmt.Errorf("coze: chat produced no answer message")
}

// History returns the conversation's past user/assistant exchanges, oldest
// first, at most limit entries.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("conversation_id", conversationID)

	body := map[string]interface{}{
		"limit": limit,
		"order": "desc",
	}
	data, err := c.do(ctx, http.MethodPost, "/v1/conversation/message/list", q, body)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("coze: decode history: %w", err)
	}

	// Keep question/answer turns only, then flip to chronological order.
	kept := msgs[:0]
	for _, m := range msgs {
		if m.Type == "" || m.Type == "question" || m.Type == "answer" {
			kept = append(kept, m)
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}

// ClearConversation wipes the server-side history of a conversation.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/clear"
	_, err := c.do(ctx, http.MethodPost, path, nil, struct{}{})
	return err
}
