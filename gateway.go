package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const tempIDPrefix = "tmp-"

// EditWindow is how long after creation a message may still be edited.
const EditWindow = 15 * time.Minute

// ============================================================================
// Outgoing
// ============================================================================

// Outgoing tracks one create-call for an optimistic message.
type Outgoing struct {
	TempID         string
	ConversationID string

	done chan struct{}
	msg  Message
	err  error
}

func newOutgoing(tempID, conversationID string) *Outgoing {
	return &Outgoing{TempID: tempID, ConversationID: conversationID, done: make(chan struct{})}
}

func (o *Outgoing) finish(msg Message, err error) {
	o.msg, o.err = msg, err
	close(o.done)
}

// Done is closed once the create-call has completed.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Wait blocks until the create-call completes and returns the confirmed
// message, or an error wrapping ErrSendFailed.
func (o *Outgoing) Wait(ctx context.Context) (Message, error) {
	select {
	case <-o.done:
		return o.msg, o.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// SendOption adjusts an outgoing message.
type SendOption func(*CreateMessageRequest)

func WithAttachment(url string) SendOption {
	return func(r *CreateMessageRequest) { r.AttachmentURL = url }
}

func WithReplyTo(messageID string) SendOption {
	return func(r *CreateMessageRequest) { r.ReplyTo = messageID }
}

// ============================================================================
// Gateway
// ============================================================================

// Gateway is the only path for outbound intent.
type Gateway struct {
	backend        Backend
	store          *Store
	session        *SessionManager
	controller     *Controller
	clock          Clock
	cfg            SyncConfig
	requestTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	outbox map[string]CreateMessageRequest
	typing map[string]*typingSignal
}

type typingSignal struct {
	active    bool
	lastStart time.Time
	seq       uint64
	stop      Timer
}

func NewGateway(backend Backend, store *Store, session *SessionManager, clock Clock, cfg Config, logger *slog.Logger) *Gateway {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backend:        backend,
		store:          store,
		session:        session,
		clock:          clock,
		cfg:            cfg.Sync,
		requestTimeout: cfg.Transport.RequestTimeout.Std(),
		logger:         logger.With("component", "gateway"),
		outbox:         make(map[string]CreateMessageRequest),
		typing:         make(map[string]*typingSignal),
	}
}

// attach wires the controller used by Join and Leave.
func (g *Gateway) attach(c *Controller) { g.controller = c }

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.requestTimeout)
}

// JoinConversation runs the controller's activation sequence.
func (g *Gateway) JoinConversation(ctx context.Context, conversationID string) error {
	return g.controller.Join(ctx, conversationID)
}

// LeaveConversation suspends the conversation.
func (g *Gateway) LeaveConversation(conversationID string) {
	g.controller.Leave(conversationID)
}

// SendMessage appends a pending message to the store before returning and
// issues the create-call in the background. A failed call leaves the
// message in place with status failed; it is never retried on its own.
func (g *Gateway) SendMessage(ctx context.Context, conversationID, content string, kind MessageKind, opts ...SendOption) (*Outgoing, error) {
	if kind == "" {
		kind = MessageText
	}
	tempID := tempIDPrefix + uuid.NewString()
	req := CreateMessageRequest{
		ConversationID: conversationID,
		ClientID:       tempID,
		Kind:           kind,
		Content:        content,
	}
	for _, opt := range opts {
		opt(&req)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, ok := g.store.Conversation(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	g.store.UpsertMessage(Message{
		ID:             tempID,
		ClientID:       tempID,
		ConversationID: conversationID,
		SenderID:       g.store.Self(),
		Kind:           kind,
		Content:        content,
		AttachmentURL:  req.AttachmentURL,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      g.clock.Now(),
		Read:           true,
		Status:         StatusPending,
	})

	g.mu.Lock()
	g.outbox[tempID] = req
	g.mu.Unlock()

	out := newOutgoing(tempID, conversationID)
	go g.deliver(context.WithoutCancel(ctx), req, out)
	return out, nil
}

// RetrySend re-issues exactly one create-call for a failed message.
func (g *Gateway) RetrySend(ctx context.Context, tempID string) (*Outgoing, error) {
	g.mu.Lock()
	req, ok := g.outbox[tempID]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	if err := g.store.SetPending(req.ConversationID, tempID); err != nil {
		return nil, err
	}

	out := newOutgoing(tempID, req.ConversationID)
	go g.deliver(context.WithoutCancel(ctx), req, out)
	return out, nil
}

// DiscardFailed drops a failed message at the caller's request.
func (g *Gateway) DiscardFailed(conversationID, tempID string) error {
	if err := g.store.DiscardFailed(conversationID, tempID); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.outbox, tempID)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) deliver(ctx context.Context, req CreateMessageRequest, out *Outgoing) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	confirmed, err := g.backend.CreateMessage(ctx, req)
	if err != nil {
		if markErr := g.store.MarkFailed(req.ConversationID, req.ClientID); markErr != nil {
			g.logger.Warn("mark failed", "message_id", req.ClientID, "error", markErr)
		}
		g.logger.Warn("send failed",
			"conversation_id", req.ConversationID,
			"message_id", req.ClientID,
			"error", err)
		out.finish(Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err))
		return
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = req.ConversationID
	}
	g.store.ReplaceTemporaryID(req.ClientID, confirmed)

	g.mu.Lock()
	delete(g.outbox, req.ClientID)
	g.mu.Unlock()

	msg, ok := g.store.Message(confirmed.ConversationID, confirmed.ID)
	if !ok {
		msg = confirmed
	}
	out.finish(msg, nil)
}

// EditMessage changes the content of one of the participant's own
// confirmed messages, at most EditWindow after it was created. The store
// changes once the server accepts the edit.
func (g *Gateway) EditMessage(ctx context.Context, conversationID, messageID, content string) (Message, error) {
	req := UpdateMessageRequest{MessageID: messageID, Content: content}
	if err := validate.Struct(req); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m, err := g.ownMessage(conversationID, messageID)
	if err != nil {
		return Message{}, err
	}
	if age := g.clock.Now().Sub(m.CreatedAt); age > EditWindow {
		return Message{}, fmt.Errorf("%w: %s was sent %s ago", ErrNotEditable, messageID, age.Round(time.Second))
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	updated, err := g.backend.UpdateMessage(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("edit %s: %w", messageID, err)
	}
	g.store.ApplyEdit(conversationID, messageID, strOr(updated.Content, content))
	msg, _ := g.store.Message(conversationID, messageID)
	return msg, nil
}

// DeleteMessage soft-deletes one of the participant's own confirmed
// messages.
func (g *Gateway) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if _, err := g.ownMessage(conversationID, messageID); err != nil {
		return err
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := g.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	g.store.ApplyDelete(conversationID, messageID)
	return nil
}

func (g *Gateway) ownMessage(conversationID, messageID string) (Message, error) {
	m, ok := g.store.Message(conversationID, messageID)
	switch {
	case !ok:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	case m.Status != StatusConfirmed:
		return Message{}, fmt.Errorf("%w: %s is %s", ErrNotEditable, messageID, m.Status)
	case m.Deleted:
		return Message{}, fmt.Errorf("%w: %s is deleted", ErrNotEditable, messageID)
	case m.SenderID != g.store.Self():
		return Message{}, fmt.Errorf("%w: %s was sent by %s", ErrNotEditable, messageID, m.SenderID)
	}
	return m, nil
}

// MarkRead clears unread state locally and confirms it with the backend in
// the background. A failed confirmation is retried once; the local state is
// never rolled back.
func (g *Gateway) MarkRead(ctx context.Context, conversationID string) int {
	marked := g.store.MarkRead(conversationID)
	go g.confirmRead(context.WithoutCancel(ctx), conversationID, true)
	return marked
}

func (g *Gateway) confirmRead(ctx context.Context, conversationID string, retry bool) {
	callCtx, cancel := g.withTimeout(ctx)
	_, err := g.backend.MarkConversationRead(callCtx, conversationID)
	cancel()
	if err == nil {
		return
	}
	if !retry {
		g.logger.Warn("mark read failed after retry", "conversation_id", conversationID, "error", err)
		return
	}
	g.logger.Info("mark read failed, retrying once",
		"conversation_id", conversationID,
		"delay", g.cfg.MarkReadRetry.Std(),
		"error", err)
	g.clock.AfterFunc(g.cfg.MarkReadRetry.Std(), func() {
		g.confirmRead(ctx, conversationID, false)
	})
}

// SignalTyping reports a keystroke. A typing start is emitted when the
// participant was idle, or when the previous start is old enough that the
// remote entry would soon expire. One typing stop follows a quiet period
// with no keystrokes.
func (g *Gateway) SignalTyping(ctx context.Context, conversationID string) {
	now := g.clock.Now()

	g.mu.Lock()
	st, ok := g.typing[conversationID]
	if !ok {
		st = &typingSignal{}
		g.typing[conversationID] = st
	}
	emitStart := !st.active || now.Sub(st.lastStart) >= g.cfg.TypingTTL.Std()/2
	if emitStart {
		st.active = true
		st.lastStart = now
	}
	st.seq++
	seq := st.seq
	if st.stop != nil {
		st.stop.Stop()
	}
	st.stop = g.clock.AfterFunc(g.cfg.TypingQuiet.Std(), func() { g.stopTyping(conversationID, seq) })
	g.mu.Unlock()

	if emitStart {
		if err := g.session.SendTyping(ctx, conversationID, true); err != nil {
			g.logger.Debug("typing start not sent", "conversation_id", conversationID, "error", err)
		}
	}
}

func (g *Gateway) stopTyping(conversationID string, seq uint64) {
	g.mu.Lock()
	st, ok := g.typing[conversationID]
	if !ok || !st.active || st.seq != seq {
		g.mu.Unlock()
		return
	}
	st.active = false
	st.stop = nil
	g.mu.Unlock()

	if err := g.session.SendTyping(context.Background(), conversationID, false); err != nil {
		g.logger.Debug("typing stop not sent", "conversation_id", conversationID, "error", err)
	}
}

// CreateConversation opens a conversation through the backend. A second
// order-linked conversation for the same order and participants is refused
// with ErrConversationExists and the existing one is returned.
func (g *Gateway) CreateConversation(ctx context.Context, req CreateConversationRequest) (Conversation, error) {
	if err := validate.Struct(req); err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation request: %w", err)
	}
	if req.Kind == KindOrder {
		if existing, ok := g.store.FindOrderConversation(req.OrderRef, req.Participants); ok {
			return existing, fmt.Errorf("%w: order %s", ErrConversationExists, req.OrderRef)
		}
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	conv, err := g.backend.CreateConversation(ctx, req)
	if err != nil {
		return Conversation{}, err
	}
	return g.store.UpsertConversation(conv), nil
}

// Archive archives the conversation on the server and mirrors the flag.
func (g *Gateway) Archive(ctx context.Context, conversationID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := g.backend.ArchiveConversation(ctx, conversationID); err != nil {
		return err
	}
	return g.store.SetArchived(conversationID, true)
}
