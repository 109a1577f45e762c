package chatsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://chat.test"
	cfg.ParticipantID = self
	cfg.Transport = testTransport()
	return cfg
}

// harness wires the sync components around a mock backend, a fake clock
// and an in-memory channel. Activations are recorded instead of marking
// conversations read.
type harness struct {
	clk         *fakeClock
	backend     *MockBackend
	notify      *notifier
	store       *Store
	presence    *Presence
	dialer      *fakeDialer
	session     *SessionManager
	controller  *Controller
	gateway     *Gateway
	activations chan string
	reconnected chan struct{}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		clk:         newFakeClock(),
		backend:     NewMockBackend(ctrl),
		notify:      newNotifier(256, nil),
		dialer:      &fakeDialer{},
		activations: make(chan string, 16),
		reconnected: make(chan struct{}, 4),
	}
	h.store = NewStore(self, h.notify, nil)
	h.store.UpsertConversation(Conversation{ID: "c1", Kind: KindDirect, Participants: []string{self, other}, Active: true})
	h.presence = NewPresence(h.clk, h.notify, nil)
	h.session = NewSessionManager(h.dialer, h.clk, cfg.Transport, h.notify, nil)
	h.controller = NewController(h.backend, h.store, h.session, h.clk, cfg, h.notify, nil)
	h.gateway = NewGateway(h.backend, h.store, h.session, h.clk, cfg, nil)
	h.gateway.attach(h.controller)

	dispatcher := NewDispatcher(h.store, h.presence, cfg.Sync.TypingTTL.Std(), nil)
	h.controller.OnActive(func(_ context.Context, id string) { h.activations <- id })
	h.session.OnEvent(dispatcher.Handle)
	h.session.OnDisconnect(h.presence.Clear)
	h.session.OnReconnect(func(ctx context.Context) {
		h.controller.Refetch(ctx)
		h.reconnected <- struct{}{}
	})

	t.Cleanup(func() {
		h.controller.Close()
		_ = h.session.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T) *fakeChannel {
	t.Helper()
	require.NoError(t, h.session.Connect(context.Background(), "token"))
	return h.dialer.last()
}

func (h *harness) activated(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-h.activations:
		require.Equal(t, id, got)
	case <-time.After(waitFor):
		t.Fatalf("%s was not activated", id)
	}
}

// advanceUntil moves the fake clock in steps until cond holds.
func (h *harness) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clk.Advance(step)
		return cond()
	}, waitFor, tick)
}

func typingWrites(ch *fakeChannel) []bool {
	return lo.Map(ch.written(CommandTyping), func(e Envelope, _ int) bool {
		var p TypingPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p.IsTyping
	})
}
