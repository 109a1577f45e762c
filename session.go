package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ConnState is the channel connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosed       ConnState = "closed"
)

// resubscribeParallelism bounds concurrent subscribe commands after a reconnect.
const resubscribeParallelism = 8

// SessionManager owns the single channel to the server. It reconnects with
// backoff, restores every subscription after a reconnect and hands inbound
// events to one handler from a single read loop.
type SessionManager struct {
	dialer Dialer
	clock  Clock
	cfg    TransportConfig
	notify *notifier
	logger *slog.Logger
	recon  *reconnector

	mu           sync.Mutex
	token        string
	ch           Channel
	state        ConnState
	subs         map[string]struct{}
	pending      map[string]chan Envelope
	handler      func(Envelope)
	onDisconnect []func()
	onReconnect  []func(context.Context)
	reconnecting bool
	closed       bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSessionManager(dialer Dialer, clock Clock, cfg TransportConfig, n *notifier, logger *slog.Logger) *SessionManager {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = newNotifier(0, logger)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		dialer:  dialer,
		clock:   clock,
		cfg:     cfg,
		notify:  n,
		logger:  logger.With("component", "session"),
		recon:   newReconnector(cfg, clock),
		state:   ConnDisconnected,
		subs:    make(map[string]struct{}),
		pending: make(map[string]chan Envelope),
		runCtx:  runCtx,
		cancel:  cancel,
	}
}

// OnEvent sets the handler for inbound events. It runs on the read loop and
// must not block.
func (s *SessionManager) OnEvent(h func(Envelope)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnDisconnect registers a callback run after an unexpected drop.
func (s *SessionManager) OnDisconnect(f func()) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, f)
	s.mu.Unlock()
}

// OnReconnect registers a callback run after a reconnect, once every
// subscription has been restored.
func (s *SessionManager) OnReconnect(f func(context.Context)) {
	s.mu.Lock()
	s.onReconnect = append(s.onReconnect, f)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *SessionManager) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the channel. It is a no-op while a channel is live or a
// reconnect is underway. A transient failure starts the reconnect loop and
// returns an error wrapping ErrChannelUnavailable; ErrAuthRejected is final.
func (s *SessionManager) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ch != nil || s.reconnecting || s.state == ConnConnecting {
		s.mu.Unlock()
		return nil
	}
	s.token = token
	s.state = ConnConnecting
	s.mu.Unlock()
	s.announce(ConnConnecting, nil)

	ch, err := s.dialer.Dial(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			s.setState(ConnClosed, err)
			return err
		}
		s.setState(ConnDisconnected, err)
		s.startReconnect()
		return fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	s.recon.reset()
	s.mu.Unlock()
	s.attach(ch)
	// Interest registered while no channel existed.
	s.resubscribe()
	return nil
}

// Close tears the channel down for good.
func (s *SessionManager) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.ch
	s.ch = nil
	pending := s.takePendingLocked()
	s.mu.Unlock()

	s.cancel()
	failPending(pending)
	var err error
	if ch != nil {
		err = ch.Close()
	}
	s.wg.Wait()
	s.setState(ConnClosed, nil)
	return err
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe registers interest in a conversation and waits for the server
// acknowledgement. Subscribing twice is a no-op. When the channel is down
// the interest is kept and restored on reconnect, and the error wraps
// ErrChannelUnavailable.
func (s *SessionManager) Subscribe(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if _, ok := s.subs[conversationID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.subs[conversationID] = struct{}{}
	connected := s.ch != nil
	s.mu.Unlock()

	if !connected {
		return fmt.Errorf("%w: subscribe %s: %w", ErrChannelUnavailable, conversationID, ErrNotConnected)
	}
	if err := s.sendSubscribe(ctx, conversationID); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			s.mu.Lock()
			delete(s.subs, conversationID)
			s.mu.Unlock()
		}
		return err
	}
	return nil
}

// Unsubscribe drops interest in a conversation. The command is written
// without waiting for an acknowledgement.
func (s *SessionManager) Unsubscribe(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if _, ok := s.subs[conversationID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, conversationID)
	ch := s.ch
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	env, err := NewEnvelope(CommandUnsubscribe, SubscriptionPayload{ConversationID: conversationID}, uuid.NewString())
	if err != nil {
		return err
	}
	return ch.Write(ctx, env)
}

// Subscribed reports whether interest in the conversation is registered.
func (s *SessionManager) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[conversationID]
	return ok
}

// Subscriptions lists registered conversations, sorted.
func (s *SessionManager) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Keys(s.subs)
	sort.Strings(out)
	return out
}

// SendTyping writes a typing command. It never waits for the server.
func (s *SessionManager) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	env, err := NewEnvelope(CommandTyping, TypingPayload{ConversationID: conversationID, IsTyping: isTyping}, "")
	if err != nil {
		return err
	}
	return s.write(ctx, env)
}

func (s *SessionManager) sendSubscribe(ctx context.Context, conversationID string) error {
	_, err := s.request(ctx, CommandSubscribe, SubscriptionPayload{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	return nil
}

func (s *SessionManager) write(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, ErrNotConnected)
	}
	return ch.Write(ctx, env)
}

// request writes a command and waits for the reply carrying its request id.
func (s *SessionManager) request(ctx context.Context, typ string, payload any) (Envelope, error) {
	requestID := uuid.NewString()
	env, err := NewEnvelope(typ, payload, requestID)
	if err != nil {
		return Envelope{}, err
	}

	wait := make(chan Envelope, 1)
	s.mu.Lock()
	ch := s.ch
	if ch == nil {
		s.mu.Unlock()
		return Envelope{}, fmt.Errorf("%w: %w", ErrChannelUnavailable, ErrNotConnected)
	}
	s.pending[requestID] = wait
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}

	if err := ch.Write(ctx, env); err != nil {
		forget()
		return Envelope{}, err
	}

	select {
	case reply, ok := <-wait:
		if !ok {
			return Envelope{}, fmt.Errorf("%w: channel dropped before %s ack", ErrChannelUnavailable, typ)
		}
		if reply.Type == EventError {
			return reply, replyError(reply)
		}
		return reply, nil
	case <-s.clock.After(s.cfg.AckTimeout.Std()):
		forget()
		return Envelope{}, fmt.Errorf("%w: %s ack timeout", ErrChannelUnavailable, typ)
	case <-ctx.Done():
		forget()
		return Envelope{}, ctx.Err()
	}
}

func replyError(env Envelope) error {
	var p ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	switch p.Code {
	case "auth_rejected", "unauthorized", "forbidden":
		return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	}
	return fmt.Errorf("%w: %s: %s", ErrChannelUnavailable, p.Code, p.Message)
}

// ============================================================================
// Read loop & reconnect
// ============================================================================

func (s *SessionManager) attach(ch Channel) {
	s.mu.Lock()
	s.ch = ch
	s.recon.markConnected()
	s.mu.Unlock()
	s.setState(ConnConnected, nil)

	s.wg.Add(2)
	go s.readLoop(ch)
	go s.heartbeatLoop(ch)
}

func (s *SessionManager) readLoop(ch Channel) {
	defer s.wg.Done()

	for {
		env, err := ch.Read(s.runCtx)
		if err != nil {
			s.handleDrop(ch, err)
			return
		}
		if s.resolvePending(env) {
			continue
		}

		switch env.Type {
		case "", EventPong, EventSubscribed, EventUnsubscribed, EventAuthenticated:
			continue
		case EventError:
			var p ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			s.logger.Warn("server error", "code", p.Code, "message", p.Message)
			continue
		}

		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (s *SessionManager) resolvePending(env Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	s.mu.Lock()
	wait, ok := s.pending[env.RequestID]
	if ok {
		delete(s.pending, env.RequestID)
	}
	s.mu.Unlock()
	if ok {
		wait <- env
	}
	return ok
}

func (s *SessionManager) heartbeatLoop(ch Channel) {
	defer s.wg.Done()

	interval := s.cfg.Heartbeat.Std()
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.clock.After(interval):
		}

		s.mu.Lock()
		current := s.ch
		s.mu.Unlock()
		if current != ch {
			return
		}

		if _, err := s.request(s.runCtx, CommandPing, nil); err != nil {
			if s.runCtx.Err() != nil {
				return
			}
			s.logger.Warn("heartbeat failed, closing channel", "error", err)
			_ = ch.Close()
			return
		}
	}
}

func (s *SessionManager) handleDrop(ch Channel, cause error) {
	s.mu.Lock()
	if s.ch != ch {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	pending := s.takePendingLocked()
	closed := s.closed
	onDisconnect := append([]func(){}, s.onDisconnect...)
	s.mu.Unlock()

	failPending(pending)
	_ = ch.Close()
	if closed {
		return
	}

	s.logger.Warn("channel dropped", "error", cause)
	for _, f := range onDisconnect {
		f()
	}

	if errors.Is(cause, ErrAuthRejected) {
		s.setState(ConnClosed, cause)
		return
	}
	s.setState(ConnReconnecting, cause)
	s.startReconnect()
}

func (s *SessionManager) startReconnect() {
	s.mu.Lock()
	if s.reconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reconnectLoop()
}

func (s *SessionManager) reconnectLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.closed {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if !s.recon.shouldReconnect() {
			s.reconnecting = false
			attempts := s.recon.attempt
			s.mu.Unlock()
			s.logger.Error("giving up reconnecting", "attempts", attempts)
			s.setState(ConnDisconnected, fmt.Errorf("%w: gave up after %d attempts", ErrChannelUnavailable, attempts))
			return
		}
		delay := s.recon.nextDelay()
		attempt := s.recon.attempt
		token := s.token
		s.mu.Unlock()

		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-s.runCtx.Done():
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			return
		case <-s.clock.After(delay):
		}

		ch, err := s.dialer.Dial(s.runCtx, token)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				s.mu.Lock()
				s.reconnecting = false
				s.mu.Unlock()
				s.setState(ConnClosed, err)
				return
			}
			s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		s.reconnecting = false
		if s.closed {
			s.mu.Unlock()
			_ = ch.Close()
			return
		}
		s.mu.Unlock()

		s.attach(ch)
		s.resubscribe()

		s.mu.Lock()
		handlers := append([]func(context.Context){}, s.onReconnect...)
		s.mu.Unlock()
		for _, f := range handlers {
			f(s.runCtx)
		}
		return
	}
}

// resubscribe restores every registered subscription on the new channel.
func (s *SessionManager) resubscribe() {
	var g errgroup.Group
	g.SetLimit(resubscribeParallelism)
	for _, id := range s.Subscriptions() {
		g.Go(func() error {
			if err := s.sendSubscribe(s.runCtx, id); err != nil {
				s.logger.Warn("resubscribe failed", "conversation_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *SessionManager) setState(state ConnState, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.announce(state, err)
}

func (s *SessionManager) announce(state ConnState, err error) {
	s.logger.Debug("connection state", "state", state, "error", err)
	s.notify.Publish(TopicSync, Change{Kind: ChangeConnection, Connection: state, Err: err})
}

func (s *SessionManager) takePendingLocked() map[string]chan Envelope {
	pending := s.pending
	s.pending = make(map[string]chan Envelope)
	return pending
}

func failPending(pending map[string]chan Envelope) {
	for _, wait := range pending {
		close(wait)
	}
}
