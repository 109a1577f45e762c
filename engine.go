package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ============================================================================
// Options
// ============================================================================

type EngineOption func(*engineOptions)

type engineOptions struct {
	logger   *slog.Logger
	clock    Clock
	dialer   Dialer
	profiles ProfileSource
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

func WithClock(clock Clock) EngineOption {
	return func(o *engineOptions) { o.clock = clock }
}

// WithDialer replaces the websocket dialer derived from the config.
func WithDialer(d Dialer) EngineOption {
	return func(o *engineOptions) { o.dialer = d }
}

// WithProfiles sets the source used for conversation title fallback.
func WithProfiles(src ProfileSource) EngineOption {
	return func(o *engineOptions) { o.profiles = src }
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the session, dispatcher, store, presence tracker, gateway and
// controller around one channel and one backend.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	notify     *notifier
	store      *Store
	presence   *Presence
	session    *SessionManager
	dispatcher *Dispatcher
	controller *Controller
	gateway    *Gateway
	profiles   *Profiles
	backend    Backend

	closeOnce sync.Once
}

// NewEngine validates cfg and builds an engine. Nothing touches the
// network until Start.
func NewEngine(cfg Config, backend Backend, opts ...EngineOption) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{clock: RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg.Log, os.Stderr)
	}
	if o.dialer == nil {
		o.dialer = &WebSocketDialer{URL: cfg.channelURL(), Logger: o.logger}
	}

	n := newNotifier(cfg.Sync.NotifyBuffer, o.logger)
	store := NewStore(cfg.ParticipantID, n, o.logger)
	presence := NewPresence(o.clock, n, o.logger)
	session := NewSessionManager(o.dialer, o.clock, cfg.Transport, n, o.logger)
	dispatcher := NewDispatcher(store, presence, cfg.Sync.TypingTTL.Std(), o.logger)
	controller := NewController(backend, store, session, o.clock, cfg, n, o.logger)
	gateway := NewGateway(backend, store, session, o.clock, cfg, o.logger)

	gateway.attach(controller)
	controller.OnActive(func(ctx context.Context, id string) { gateway.MarkRead(ctx, id) })
	session.OnEvent(dispatcher.Handle)
	session.OnDisconnect(presence.Clear)
	session.OnReconnect(controller.Refetch)

	return &Engine{
		cfg:        cfg,
		logger:     o.logger,
		notify:     n,
		store:      store,
		presence:   presence,
		session:    session,
		dispatcher: dispatcher,
		controller: controller,
		gateway:    gateway,
		profiles:   NewProfiles(o.profiles, o.logger),
		backend:    backend,
	}, nil
}

// Start resolves the local participant, loads the conversation list and
// opens the channel. An unavailable channel is not fatal: the session keeps
// reconnecting in the background.
func (e *Engine) Start(ctx context.Context, token string) error {
	self := e.cfg.ParticipantID
	if self == "" {
		id, err := ParticipantFromToken(token)
		if err != nil {
			return err
		}
		self = id
	}
	e.store.SetSelf(self)

	convs, err := e.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	for _, c := range convs {
		e.store.UpsertConversation(c)
	}
	e.logger.Info("conversations loaded", "count", len(convs), "participant_id", self)

	if err := e.session.Connect(ctx, token); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		e.logger.Warn("channel unavailable, reconnecting in background", "error", err)
	}
	return nil
}

func (e *Engine) Join(ctx context.Context, id string) error {
	return e.gateway.JoinConversation(ctx, id)
}

func (e *Engine) Leave(id string) {
	e.gateway.LeaveConversation(id)
}

func (e *Engine) Send(ctx context.Context, id, content string, kind MessageKind, opts ...SendOption) (*Outgoing, error) {
	return e.gateway.SendMessage(ctx, id, content, kind, opts...)
}

func (e *Engine) RetrySend(ctx context.Context, tempID string) (*Outgoing, error) {
	return e.gateway.RetrySend(ctx, tempID)
}

func (e *Engine) DiscardFailed(id, tempID string) error {
	return e.gateway.DiscardFailed(id, tempID)
}

func (e *Engine) Edit(ctx context.Context, id, messageID, content string) (Message, error) {
	return e.gateway.EditMessage(ctx, id, messageID, content)
}

func (e *Engine) Delete(ctx context.Context, id, messageID string) error {
	return e.gateway.DeleteMessage(ctx, id, messageID)
}

func (e *Engine) SignalTyping(ctx context.Context, id string) {
	e.gateway.SignalTyping(ctx, id)
}

func (e *Engine) MarkRead(ctx context.Context, id string) int {
	return e.gateway.MarkRead(ctx, id)
}

func (e *Engine) CreateConversation(ctx context.Context, req CreateConversationRequest) (Conversation, error) {
	return e.gateway.CreateConversation(ctx, req)
}

func (e *Engine) Archive(ctx context.Context, id string) error {
	return e.gateway.Archive(ctx, id)
}

// Title is the display title, falling back to the other participant's name.
func (e *Engine) Title(ctx context.Context, id string) string {
	c, ok := e.store.Conversation(id)
	if !ok {
		return fallbackTitle
	}
	return e.profiles.Title(ctx, c, e.store.Self())
}

func (e *Engine) Conversations() []Conversation { return e.store.Conversations() }
func (e *Engine) Messages(id string) []Message  { return e.store.Messages(id) }
func (e *Engine) Search(q string) []Message     { return e.store.Search(q) }
func (e *Engine) UnreadTotal() int              { return e.store.UnreadTotal() }
func (e *Engine) Typing(id string) []string     { return e.presence.Typing(id) }
func (e *Engine) State(id string) SyncState     { return e.controller.State(id) }

// Connection reports the channel state.
func (e *Engine) Connection() ConnState { return e.session.State() }

// Duplicates counts message events dropped as already applied.
func (e *Engine) Duplicates() int64 { return e.dispatcher.Duplicates() }

// Subscribe streams incremental changes for a topic until ctx is done.
func (e *Engine) Subscribe(ctx context.Context, topic Topic) <-chan Change {
	ch, _ := e.notify.Subscribe(ctx, topic)
	return ch
}

// Close stops the controller, closes the channel and ends every
// subscription.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.controller.Close()
		err = e.session.Close()
		e.presence.Clear()
		e.notify.Close()
	})
	return err
}
