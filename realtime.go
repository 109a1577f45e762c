package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Inbound event and acknowledgement types.
const (
	EventAuthenticated   = "authenticated"
	EventMessageCreated  = "message.created"
	EventTypingChanged   = "typing.changed"
	EventPresenceChanged = "presence.changed"
	EventMessageRead     = "message.read"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
	EventPong            = "pong"
	EventError           = "error"
)

// Outbound command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandTyping      = "typing"
	CommandPing        = "ping"
)

// Close codes the server uses to reject credentials.
const (
	CloseAuthRejected websocket.StatusCode = 4401
	CloseForbidden    websocket.StatusCode = 4403
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewEnvelope marshals payload into a frame.
func NewEnvelope(typ string, payload any, requestID string) (Envelope, error) {
	env := Envelope{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// AuthenticatedPayload is the first frame on an accepted channel.
type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
}

// MessagePayload is a message as it travels on the channel.
type MessagePayload struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	MessageType    string    `json:"message_type"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	IsRead         bool      `json:"is_read"`
	IsEdited       bool      `json:"is_edited"`
	IsDeleted      bool      `json:"is_deleted"`
	CreatedAt      time.Time `json:"created_at"`
}

func (p MessagePayload) toMessage() Message {
	return Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Kind:           MessageKind(strOr(p.MessageType, string(MessageText))),
		Content:        p.Content,
		AttachmentURL:  p.AttachmentURL,
		ReplyTo:        p.ReplyTo,
		CreatedAt:      p.CreatedAt,
		Read:           p.IsRead,
		Edited:         p.IsEdited,
		Deleted:        p.IsDeleted,
		Status:         StatusConfirmed,
	}
}

// TypingPayload is used for typing.changed events and typing commands.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// PresencePayload reports a participant going online or offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// ReadPayload is a read receipt.
type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
}

// SubscriptionPayload is the body of subscribe and unsubscribe commands.
type SubscriptionPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorPayload is a server-side error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func strOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ============================================================================
// Channel
// ============================================================================

// Channel is one live bidirectional connection. Read is called from a
// single goroutine; Write may be called concurrently.
type Channel interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens an authenticated Channel. It returns an error wrapping
// ErrAuthRejected when the credential is refused and ErrChannelUnavailable
// for anything transient.
type Dialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// WebSocketDialer dials the chat websocket endpoint.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
	Logger     *slog.Logger
}

// WebSocketURL derives the channel endpoint from the REST base URL.
func WebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/chat/"
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket upgrade returned %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrChannelUnavailable, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	ch := &wsChannel{conn: conn}

	// The first frame must be "authenticated".
	env, err := ch.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	switch env.Type {
	case EventAuthenticated:
		return ch, nil
	case EventError:
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		conn.Close(websocket.StatusPolicyViolation, "")
		if p.Code == "auth_rejected" || p.Code == "unauthorized" {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrChannelUnavailable, p.Code, p.Message)
	default:
		conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrChannelUnavailable, EventAuthenticated, env.Type)
	}
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case CloseAuthRejected, CloseForbidden:
			return Envelope{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{Type: ""}, nil
	}
	return env, nil
}

func (c *wsChannel) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}

// ============================================================================
// Reconnector
// ============================================================================

// healthyAfter is how long a connection must stay up before the backoff
// attempt counter starts over.
const healthyAfter = 60 * time.Second

type reconnector struct {
	clock       Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	jitter      func() float64
}

func newReconnector(cfg TransportConfig, clock Clock) *reconnector {
	return &reconnector{
		clock:       clock,
		baseDelay:   cfg.ReconnectBase.Std(),
		maxDelay:    cfg.ReconnectMax.Std(),
		maxAttempts: cfg.MaxReconnectAttempts,
		jitter:      rand.Float64,
	}
}

// shouldReconnect reports whether another attempt is allowed. Zero
// maxAttempts means unlimited. Attempts made before a healthy connection
// do not count.
func (r *reconnector) shouldReconnect() bool {
	r.settle()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

// settle closes the last connection's lifetime, starting the attempt
// counter over when it stayed up long enough.
func (r *reconnector) settle() {
	if !r.connectedAt.IsZero() && r.clock.Now().Sub(r.connectedAt) > healthyAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

// nextDelay is base*2^attempt plus up to base/2 of jitter, capped at max.
func (r *reconnector) nextDelay() time.Duration {
	r.settle()
	jitter := r.jitter() * float64(r.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
