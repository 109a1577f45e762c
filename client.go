// Package chatsync keeps a consistent local view of chat conversations by
// merging REST history with live websocket events.
//
// Example:
//
//	cfg, _ := chatsync.LoadConfig("chatsync.toml")
//	client := chatsync.NewClient(token, chatsync.WithBaseURL(cfg.BaseURL))
//	engine, _ := chatsync.NewEngine(cfg, client, chatsync.WithProfiles(client))
//	_ = engine.Start(ctx, token)
//	_ = engine.Join(ctx, "conv-1")
//	out, _ := engine.Send(ctx, "conv-1", "hello", chatsync.MessageText)
//	msg, err := out.Wait(ctx)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the REST backend. It implements Backend and ProfileSource.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rest")
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNoContent {
		return &Result{OK: true}, nil
	}

	result, err := decodeJSON[Result](data)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if err == nil && result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	if err != nil {
		return nil, err
	}
	if !result.OK {
		apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: "request not ok"}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Wire types
// ============================================================================

type conversationDTO struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Type           string          `json:"conversation_type"`
	RelatedOrder   string          `json:"related_order,omitempty"`
	ParticipantIDs []string        `json:"participant_ids"`
	LastMessage    *MessagePayload `json:"last_message,omitempty"`
	LastMessageAt  *time.Time      `json:"last_message_at,omitempty"`
	UnreadCount    int             `json:"unread_count"`
	IsArchived     bool            `json:"is_archived"`
	IsActive       *bool           `json:"is_active,omitempty"`
}

func (d conversationDTO) toConversation() Conversation {
	c := Conversation{
		ID:           d.ID,
		Title:        d.Title,
		Kind:         ConversationKind(strOr(d.Type, string(KindDirect))),
		OrderRef:     d.RelatedOrder,
		Participants: d.ParticipantIDs,
		Unread:       d.UnreadCount,
		Archived:     d.IsArchived,
		Active:       d.IsActive == nil || *d.IsActive,
	}
	if d.LastMessage != nil {
		c.LastMessage = &LastMessage{
			ID:        d.LastMessage.ID,
			SenderID:  d.LastMessage.SenderID,
			Kind:      MessageKind(strOr(d.LastMessage.MessageType, string(MessageText))),
			Content:   d.LastMessage.Content,
			CreatedAt: d.LastMessage.CreatedAt,
		}
		c.LastMessageAt = d.LastMessage.CreatedAt
	}
	if d.LastMessageAt != nil {
		c.LastMessageAt = *d.LastMessageAt
	}
	return c
}

type participantDTO struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name"`
	Username   string `json:"username"`
	Avatar     string `json:"avatar,omitempty"`
	IsVerified bool   `json:"is_verified"`
}

type markReadDTO struct {
	MarkedCount int `json:"marked_count"`
}

// ============================================================================
// Backend
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	result, err := c.do(ctx, http.MethodGet, "/api/chat/conversations/", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var dtos []conversationDTO
	if err := result.Decode(&dtos); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return lo.Map(dtos, func(d conversationDTO, _ int) Conversation { return d.toConversation() }), nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error) {
	query := url.Values{}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Before.IsZero() {
		query.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}

	result, err := c.do(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages/", nil, query)
	if err != nil {
		return nil, fmt.Errorf("fetch messages %s: %w", conversationID, err)
	}
	var payloads []MessagePayload
	if err := result.Decode(&payloads); err != nil {
		return nil, fmt.Errorf("fetch messages %s: %w", conversationID, err)
	}
	return lo.Map(payloads, func(p MessagePayload, _ int) Message {
		m := p.toMessage()
		m.ConversationID = conversationID
		return m
	}), nil
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (Conversation, error) {
	result, err := c.do(ctx, http.MethodPost, "/api/chat/conversations/", req, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	var dto conversationDTO
	if err := result.Decode(&dto); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return dto.toConversation(), nil
}

func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (Message, error) {
	path := "/api/chat/conversations/" + url.PathEscape(req.ConversationID) + "/messages/"
	result, err := c.do(ctx, http.MethodPost, path, req, nil)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	var p MessagePayload
	if err := result.Decode(&p); err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	m := p.toMessage()
	m.ConversationID = req.ConversationID
	return m, nil
}

func (c *Client) UpdateMessage(ctx context.Context, req UpdateMessageRequest) (Message, error) {
	path := "/api/chat/messages/" + url.PathEscape(req.MessageID) + "/"
	result, err := c.do(ctx, http.MethodPatch, path, req, nil)
	if err != nil {
		return Message{}, fmt.Errorf("update message %s: %w", req.MessageID, err)
	}
	var p MessagePayload
	if err := result.Decode(&p); err != nil {
		return Message{}, fmt.Errorf("update message %s: %w", req.MessageID, err)
	}
	return p.toMessage(), nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/api/chat/messages/" + url.PathEscape(messageID) + "/"
	if _, err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/mark-read/"
	result, err := c.do(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	var dto markReadDTO
	if err := result.Decode(&dto); err != nil {
		return 0, fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return dto.MarkedCount, nil
}

func (c *Client) ArchiveConversation(ctx context.Context, conversationID string) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/archive/"
	if _, err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("archive %s: %w", conversationID, err)
	}
	return nil
}

// ============================================================================
// ProfileSource
// ============================================================================

func (c *Client) Participant(ctx context.Context, id string) (Participant, error) {
	result, err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id)+"/", nil, nil)
	if err != nil {
		return Participant{}, fmt.Errorf("participant %s: %w", id, err)
	}
	var dto participantDTO
	if err := result.Decode(&dto); err != nil {
		return Participant{}, fmt.Errorf("participant %s: %w", id, err)
	}
	return Participant{
		ID:          dto.ID,
		DisplayName: strOr(strings.TrimSpace(dto.FullName), dto.Username),
		AvatarURL:   dto.Avatar,
		Verified:    dto.IsVerified,
	}, nil
}
