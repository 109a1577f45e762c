package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// SyncState is the lifecycle state of one conversation.
type SyncState string

const (
	StateIdle      SyncState = "idle"
	StateLoading   SyncState = "loading"
	StateActive    SyncState = "active"
	StateSuspended SyncState = "suspended"
	StateClosed    SyncState = "closed"
)

// refetchParallelism bounds concurrent history refetches after a reconnect.
const refetchParallelism = 4

// Controller runs the per-conversation state machine. It decides when to
// fetch history, when to subscribe and when to let a conversation go.
type Controller struct {
	backend        Backend
	store          *Store
	session        *SessionManager
	notify         *notifier
	clock          Clock
	cfg            SyncConfig
	requestTimeout time.Duration
	markRead       func(ctx context.Context, conversationID string)
	logger         *slog.Logger

	mu     sync.Mutex
	convs  map[string]*convSync
	closed bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type convSync struct {
	state SyncState
	// gen changes on every activation and suspension; stale loads and
	// grace timers compare against it.
	gen   uint64
	grace Timer
	err   error
	ready chan struct{}
	leave bool
}

func NewController(backend Backend, store *Store, session *SessionManager, clock Clock, cfg Config, n *notifier, logger *slog.Logger) *Controller {
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
	return &Controller{
		backend:        backend,
		store:          store,
		session:        session,
		notify:         n,
		clock:          clock,
		cfg:            cfg.Sync,
		requestTimeout: cfg.Transport.RequestTimeout.Std(),
		markRead:       func(context.Context, string) {},
		logger:         logger.With("component", "controller"),
		convs:          make(map[string]*convSync),
		runCtx:         runCtx,
		cancel:         cancel,
	}
}

// OnActive sets the callback run each time a conversation becomes active.
func (c *Controller) OnActive(f func(ctx context.Context, conversationID string)) {
	c.markRead = f
}

// State returns the conversation's state; unknown conversations are idle.
func (c *Controller) State(conversationID string) SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.convs[conversationID]; ok {
		return cs.state
	}
	return StateIdle
}

// Err returns the error that closed the conversation, if any.
func (c *Controller) Err(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.convs[conversationID]; ok {
		return cs.err
	}
	return nil
}

// ============================================================================
// Join / Leave
// ============================================================================

// Join activates a conversation: history fetch and subscribe run in
// parallel, then the conversation becomes active. Cancelling ctx stops the
// wait, not the load.
func (c *Controller) Join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	cs, ok := c.convs[conversationID]
	if !ok {
		cs = &convSync{state: StateIdle}
		c.convs[conversationID] = cs
	}

	switch cs.state {
	case StateActive:
		c.mu.Unlock()
		return nil

	case StateSuspended:
		if cs.grace != nil {
			cs.grace.Stop()
			cs.grace = nil
		}
		cs.gen++
		c.setStateLocked(conversationID, cs, StateActive, nil)
		c.mu.Unlock()
		c.store.SetFocused(conversationID, true)
		c.markRead(ctx, conversationID)
		return nil

	case StateLoading:
		cs.leave = false
		ready := cs.ready
		c.mu.Unlock()
		c.store.SetFocused(conversationID, true)
		return c.await(ctx, conversationID, ready)
	}

	cs.gen++
	gen := cs.gen
	cs.leave = false
	cs.err = nil
	cs.ready = make(chan struct{})
	ready := cs.ready
	c.setStateLocked(conversationID, cs, StateLoading, nil)
	c.mu.Unlock()

	c.store.SetFocused(conversationID, true)
	c.wg.Add(1)
	go c.activate(conversationID, gen, ready)
	return c.await(ctx, conversationID, ready)
}

func (c *Controller) await(ctx context.Context, conversationID string, ready <-chan struct{}) error {
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	cs := c.convs[conversationID]
	if cs.state == StateClosed && cs.err != nil {
		return cs.err
	}
	return nil
}

// Leave suspends an active conversation. Its subscription is kept for the
// grace period; leaving a loading conversation suspends it once loaded.
func (c *Controller) Leave(conversationID string) {
	c.mu.Lock()
	cs, ok := c.convs[conversationID]
	if !ok {
		c.mu.Unlock()
		return
	}
	switch cs.state {
	case StateLoading:
		cs.leave = true
		c.mu.Unlock()
		c.store.SetFocused(conversationID, false)
	case StateActive:
		gen := c.suspendLocked(conversationID, cs)
		c.mu.Unlock()
		c.store.SetFocused(conversationID, false)
		c.startGrace(conversationID, gen)
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) suspendLocked(conversationID string, cs *convSync) uint64 {
	cs.gen++
	c.setStateLocked(conversationID, cs, StateSuspended, nil)
	return cs.gen
}

func (c *Controller) startGrace(conversationID string, gen uint64) {
	t := c.clock.AfterFunc(c.cfg.SuspendGrace.Std(), func() { c.expire(conversationID, gen) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if cs := c.convs[conversationID]; cs != nil && cs.gen == gen && cs.state == StateSuspended {
		cs.grace = t
		return
	}
	t.Stop()
}

func (c *Controller) expire(conversationID string, gen uint64) {
	c.mu.Lock()
	cs := c.convs[conversationID]
	if c.closed || cs == nil || cs.gen != gen || cs.state != StateSuspended {
		c.mu.Unlock()
		return
	}
	cs.grace = nil
	c.setStateLocked(conversationID, cs, StateClosed, nil)
	c.mu.Unlock()

	c.logger.Debug("suspend grace elapsed", "conversation_id", conversationID)
	c.unsubscribe(conversationID)
}

// ============================================================================
// Activation
// ============================================================================

func (c *Controller) activate(conversationID string, gen uint64, ready chan struct{}) {
	defer c.wg.Done()
	defer close(ready)

	page, err := c.load(c.runCtx, conversationID)

	c.mu.Lock()
	cs := c.convs[conversationID]
	if c.closed || cs.gen != gen || cs.state == StateClosed {
		c.mu.Unlock()
		c.logger.Debug("discarding stale load", "conversation_id", conversationID)
		return
	}

	if err != nil {
		cs.err = err
		c.setStateLocked(conversationID, cs, StateClosed, err)
		c.mu.Unlock()
		c.logger.Warn("activation failed", "conversation_id", conversationID, "error", err)
		c.store.SetFocused(conversationID, false)
		if !errors.Is(err, ErrAuthRejected) {
			c.unsubscribe(conversationID)
		}
		return
	}

	added := c.store.MergeHistory(conversationID, page)
	c.logger.Debug("history loaded", "conversation_id", conversationID, "messages", len(page), "new", added)

	if cs.leave {
		cs.leave = false
		gen := c.suspendLocked(conversationID, cs)
		c.mu.Unlock()
		c.startGrace(conversationID, gen)
		return
	}
	c.setStateLocked(conversationID, cs, StateActive, nil)
	c.mu.Unlock()
	c.markRead(c.runCtx, conversationID)
}

// load fetches the newest history page while subscribing. A subscribe that
// only failed for lack of a channel does not block activation.
func (c *Controller) load(ctx context.Context, conversationID string) ([]Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		page    []Message
		authErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.backend.FetchMessages(gctx, conversationID, HistoryQuery{Limit: c.cfg.HistoryPageSize})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHistoryFetchFailed, conversationID, err)
		}
		page = p
		return nil
	})
	g.Go(func() error {
		err := c.session.Subscribe(gctx, conversationID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrAuthRejected):
			authErr = err
			return err
		default:
			c.logger.Warn("subscribe deferred", "conversation_id", conversationID, "error", err)
			return nil
		}
	})

	err := g.Wait()
	if authErr != nil {
		return nil, authErr
	}
	return page, err
}

// ============================================================================
// Reconnect
// ============================================================================

// Refetch pulls history forward from each live conversation's newest
// confirmed message. It runs after the channel reconnects.
func (c *Controller) Refetch(ctx context.Context) {
	c.mu.Lock()
	ids := lo.Keys(lo.PickBy(c.convs, func(_ string, cs *convSync) bool {
		return cs.state == StateLoading || cs.state == StateActive || cs.state == StateSuspended
	}))
	c.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(refetchParallelism)
	for _, id := range ids {
		g.Go(func() error {
			c.refetch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) refetch(ctx context.Context, conversationID string) {
	added, err := c.fetchForward(ctx, conversationID)
	if err != nil {
		c.logger.Warn("refetch failed", "conversation_id", conversationID, "error", err)
		c.mu.Lock()
		cs := c.convs[conversationID]
		if c.closed || cs.state == StateClosed || cs.state == StateIdle {
			c.mu.Unlock()
			return
		}
		if cs.grace != nil {
			cs.grace.Stop()
			cs.grace = nil
		}
		cs.gen++
		cs.err = err
		c.setStateLocked(conversationID, cs, StateClosed, err)
		c.mu.Unlock()
		c.store.SetFocused(conversationID, false)
		c.unsubscribe(conversationID)
		return
	}

	c.logger.Debug("refetched", "conversation_id", conversationID, "new", added)
	if added > 0 && c.State(conversationID) == StateActive {
		c.markRead(ctx, conversationID)
	}
}

// fetchForward pages forward from the newest confirmed message until a
// short page. The cursor is inclusive; already known messages merge as
// no-ops. A full page sharing the cursor timestamp is fetched again with a
// larger limit. Without a cursor it pages backward instead.
func (c *Controller) fetchForward(ctx context.Context, conversationID string) (int, error) {
	since, ok := c.store.LatestConfirmedAt(conversationID)
	if !ok {
		return c.fetchBackward(ctx, conversationID)
	}

	limit := c.cfg.HistoryPageSize
	added := 0
	for {
		page, err := c.fetchPage(ctx, conversationID, HistoryQuery{Since: since, Limit: limit})
		if err != nil {
			return added, err
		}
		added += c.store.MergeMissed(conversationID, page)
		if len(page) < limit {
			return added, nil
		}
		next := lo.MaxBy(page, func(a, b Message) bool { return a.CreatedAt.After(b.CreatedAt) }).CreatedAt
		if !next.After(since) {
			limit *= 2
			continue
		}
		since = next
	}
}

// fetchBackward pages from the newest message back until a short page.
// Each page ends just after the oldest message of the previous one, so
// messages sharing that timestamp are not skipped.
func (c *Controller) fetchBackward(ctx context.Context, conversationID string) (int, error) {
	limit := c.cfg.HistoryPageSize
	var before time.Time
	added := 0
	for {
		page, err := c.fetchPage(ctx, conversationID, HistoryQuery{Before: before, Limit: limit})
		if err != nil {
			return added, err
		}
		added += c.store.MergeMissed(conversationID, page)
		if len(page) < limit {
			return added, nil
		}
		oldest := lo.MinBy(page, func(a, b Message) bool { return a.CreatedAt.Before(b.CreatedAt) }).CreatedAt
		next := oldest.Add(time.Nanosecond)
		if !before.IsZero() && !next.Before(before) {
			limit *= 2
			continue
		}
		before = next
	}
}

func (c *Controller) fetchPage(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	page, err := c.backend.FetchMessages(callCtx, conversationID, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHistoryFetchFailed, conversationID, err)
	}
	return page, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Controller) setStateLocked(conversationID string, cs *convSync, state SyncState, err error) {
	if cs.state == state && err == nil {
		return
	}
	cs.state = state
	c.logger.Debug("sync state", "conversation_id", conversationID, "state", state)
	c.notify.Publish(TopicSync, Change{Kind: ChangeSyncState, ConversationID: conversationID, State: state, Err: err})
}

func (c *Controller) unsubscribe(conversationID string) {
	ctx, cancel := c.withTimeout(c.runCtx)
	defer cancel()
	if err := c.session.Unsubscribe(ctx, conversationID); err != nil {
		c.logger.Debug("unsubscribe failed", "conversation_id", conversationID, "error", err)
	}
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// Close stops every grace timer and waits for in-flight loads.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, cs := range c.convs {
		if cs.grace != nil {
			cs.grace.Stop()
			cs.grace = nil
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
