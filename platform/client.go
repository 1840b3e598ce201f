// Package platform is the REST client for the remote storage/auth
// platform. The platform itself is out of scope; this package only
// consumes its endpoints and degrades sends to an offline queue when the
// network is unavailable.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/chat"
	"github.com/opd-ai/veilchat/vault"
)

var (
	// ErrNetworkUnavailable classifies transport-level failures; sends
	// hitting it are queued locally and replayed on reconnect.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrForbidden is returned for rejected mutations (edit window
	// expired, not the author, and so on).
	ErrForbidden = errors.New("operation not permitted")
)

// RateLimitedError reports a 429 with the server's retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Client talks to the platform's REST API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetChats returns the chat summaries visible in the given access mode.
func (c *Client) GetChats(ctx context.Context, mode vault.AccessMode) ([]chat.ChatSummary, error) {
	var summaries []chat.ChatSummary
	path := "/api/chats?mode=" + mode.String()
	if err := c.do(ctx, http.MethodGet, path, nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// messagesPage is the paged history response shape.
type messagesPage struct {
	Messages []*chat.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

// GetMessages loads one page of a chat's history, newest page first. It
// satisfies chat.PageFetcher.
func (c *Client) GetMessages(ctx context.Context, chatID string, page, limit int) ([]*chat.Message, bool, error) {
	q := url.Values{}
	q.Set("chatId", chatID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var resp messagesPage
	if err := c.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.HasMore, nil
}

// SendMessageRequest is the body for creating a message.
type SendMessageRequest struct {
	ChatID     string     `json:"chatId"`
	Content    string     `json:"content"`
	MediaURL   string     `json:"mediaUrl,omitempty"`
	MediaType  string     `json:"mediaType,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	ReplyToID  string     `json:"replyToId,omitempty"`
	IsViewOnce bool       `json:"isViewOnce,omitempty"`
}

// SendMessage creates a message.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*chat.Message, error) {
	var msg chat.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces a message's content. The platform enforces the
// author-only 15 minute window; callers should pre-check with
// Message.Editable to avoid a doomed round trip.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*chat.Message, error) {
	body := map[string]string{"messageId": messageID, "content": content}
	var msg chat.Message
	if err := c.do(ctx, http.MethodPatch, "/api/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage soft-deletes a message from the caller's view, or
// tombstones it for everyone.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	q := url.Values{}
	q.Set("messageId", messageID)
	q.Set("forEveryone", strconv.FormatBool(forEveryone))
	return c.do(ctx, http.MethodDelete, "/api/messages?"+q.Encode(), nil, nil)
}

// MarkRead marks a batch of messages as read.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	body := map[string][]string{"messageIds": messageIDs}
	return c.do(ctx, http.MethodPatch, "/api/messages/read", body, nil)
}

// AddReaction attaches an emoji reaction.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	body := map[string]string{"messageId": messageID, "emoji": emoji}
	return c.do(ctx, http.MethodPost, "/api/messages/reactions", body, nil)
}

// RemoveReaction removes an emoji reaction.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	q := url.Values{}
	q.Set("messageId", messageID)
	q.Set("emoji", emoji)
	return c.do(ctx, http.MethodDelete, "/api/messages/reactions?"+q.Encode(), nil, nil)
}

// MarkViewed consumes a view-once message. The caller must remove the
// content from its view 10 seconds after this succeeds.
func (c *Client) MarkViewed(ctx context.Context, messageID string) error {
	body := map[string]string{"messageId": messageID}
	return c.do(ctx, http.MethodPost, "/api/messages/view", body, nil)
}

// do issues one request and decodes the JSON response into out (when out
// is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"error":    err.Error(),
		}).Warn("Request failed at transport level")
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 5 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
