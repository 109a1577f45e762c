package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

type wsHandler func(ctx context.Context, conn *websocket.Conn)

// newChatServer accepts websocket upgrades on /ws/chat/. The token "bad" is
// refused before the upgrade.
func newChatServer(t *testing.T, handle wsHandler) (*httptest.Server, <-chan *http.Request) {
	t.Helper()
	requests := make(chan *http.Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		if r.URL.Path != "/ws/chat/" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") == "bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "handler exited")
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func sendAuthenticated(ctx context.Context, conn *websocket.Conn) error {
	env, _ := NewEnvelope(EventAuthenticated, AuthenticatedPayload{UserID: self}, "")
	return wsjson.Write(ctx, conn, env)
}

// drain keeps reading so close handshakes complete.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func dialTest(srv *httptest.Server, token string) (Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &WebSocketDialer{URL: WebSocketURL(srv.URL)}
	return d.Dial(ctx, token)
}

// ============================================================================
// WebSocketDialer
// ============================================================================

func TestWebSocketDialer_Round_Trip(t *testing.T) {
	req := require.New(t)
	srv, requests := newChatServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if sendAuthenticated(ctx, conn) != nil {
			return
		}
		var cmd Envelope
		if wsjson.Read(ctx, conn, &cmd) != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, Envelope{Type: EventSubscribed, Payload: cmd.Payload, RequestID: cmd.RequestID})
		event, _ := NewEnvelope(EventMessageCreated, messageEvent("m1", "c1", other, 1), "")
		_ = wsjson.Write(ctx, conn, event)
		drain(ctx, conn)
	})

	ch, err := dialTest(srv, "good")
	req.NoError(err)
	defer ch.Close()

	r := <-requests
	req.Equal("Bearer good", r.Header.Get("Authorization"))
	req.Equal("good", r.URL.Query().Get("token"))

	ctx := context.Background()
	sub, err := NewEnvelope(CommandSubscribe, SubscriptionPayload{ConversationID: "c1"}, "r1")
	req.NoError(err)
	req.NoError(ch.Write(ctx, sub))

	ack, err := ch.Read(ctx)
	req.NoError(err)
	req.Equal(EventSubscribed, ack.Type)
	req.Equal("r1", ack.RequestID)

	event, err := ch.Read(ctx)
	req.NoError(err)
	req.Equal(EventMessageCreated, event.Type)
}

func TestWebSocketDialer_Auth_Failures(t *testing.T) {
	t.Run("should map a refused upgrade to auth rejected", func(t *testing.T) {
		req := require.New(t)
		srv, _ := newChatServer(t, func(context.Context, *websocket.Conn) {})

		_, err := dialTest(srv, "bad")

		req.ErrorIs(err, ErrAuthRejected)
	})

	t.Run("should map an auth error frame to auth rejected", func(t *testing.T) {
		req := require.New(t)
		srv, _ := newChatServer(t, func(ctx context.Context, conn *websocket.Conn) {
			env, _ := NewEnvelope(EventError, ErrorPayload{Code: "auth_rejected", Message: "token expired"}, "")
			_ = wsjson.Write(ctx, conn, env)
			drain(ctx, conn)
		})

		_, err := dialTest(srv, "expired")

		req.ErrorIs(err, ErrAuthRejected)
	})

	t.Run("should map close code 4401 to auth rejected", func(t *testing.T) {
		req := require.New(t)
		srv, _ := newChatServer(t, func(ctx context.Context, conn *websocket.Conn) {
			if sendAuthenticated(ctx, conn) != nil {
				return
			}
			_ = conn.Close(CloseAuthRejected, "session revoked")
		})

		ch, err := dialTest(srv, "good")
		req.NoError(err)
		defer ch.Close()

		_, err = ch.Read(context.Background())
		req.ErrorIs(err, ErrAuthRejected)
	})
}

func TestWebSocketDialer_Transient_Failures(t *testing.T) {
	t.Run("should reject an unexpected first frame", func(t *testing.T) {
		req := require.New(t)
		srv, _ := newChatServer(t, func(ctx context.Context, conn *websocket.Conn) {
			_ = wsjson.Write(ctx, conn, Envelope{Type: EventPong})
			drain(ctx, conn)
		})

		_, err := dialTest(srv, "good")

		req.ErrorIs(err, ErrChannelUnavailable)
		req.NotErrorIs(err, ErrAuthRejected)
	})

	t.Run("should report an unreachable server as unavailable", func(t *testing.T) {
		req := require.New(t)
		srv, _ := newChatServer(t, func(context.Context, *websocket.Conn) {})
		srv.Close()

		_, err := dialTest(srv, "good")

		req.ErrorIs(err, ErrChannelUnavailable)
	})

	t.Run("should report a normal server close as unavailable", func(t *testing.T) {
		req := require.New(t)
		srv, _ := newChatServer(t, func(ctx context.Context, conn *websocket.Conn) {
			if sendAuthenticated(ctx, conn) != nil {
				return
			}
			_ = conn.Close(websocket.StatusGoingAway, "restarting")
		})

		ch, err := dialTest(srv, "good")
		req.NoError(err)
		defer ch.Close()

		_, err = ch.Read(context.Background())
		req.ErrorIs(err, ErrChannelUnavailable)
	})
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://chat.example.com", "wss://chat.example.com/ws/chat/"},
		{"http://localhost:8000/", "ws://localhost:8000/ws/chat/"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			require.Equal(t, tt.want, WebSocketURL(tt.base))
		})
	}
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnector_Backoff(t *testing.T) {
	req := require.New(t)
	clk := newFakeClock()
	r := newReconnector(TransportConfig{
		ReconnectBase: Duration(time.Second),
		ReconnectMax:  Duration(5 * time.Second),
	}, clk)
	r.jitter = func() float64 { return 0 }

	var got []time.Duration
	for range 5 {
		got = append(got, r.nextDelay())
	}
	req.Equal([]time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)

	// A short-lived connection keeps the attempt count
	r.markConnected()
	clk.Advance(10 * time.Second)
	req.Equal(5*time.Second, r.nextDelay())

	// A healthy connection starts over
	r.markConnected()
	clk.Advance(61 * time.Second)
	req.Equal(time.Second, r.nextDelay())

	// Jitter adds up to half the base delay
	r.reset()
	r.jitter = func() float64 { return 1 }
	req.Equal(1500*time.Millisecond, r.nextDelay())
}

func TestReconnector_Attempt_Limit(t *testing.T) {
	req := require.New(t)
	r := newReconnector(TransportConfig{
		ReconnectBase:        Duration(time.Second),
		ReconnectMax:         Duration(time.Second),
		MaxReconnectAttempts: 2,
	}, newFakeClock())

	req.True(r.shouldReconnect())
	r.nextDelay()
	r.nextDelay()
	req.False(r.shouldReconnect())

	r.maxAttempts = 0
	req.True(r.shouldReconnect())
}

func TestReconnector_Healthy_Connection_Restores_Attempts(t *testing.T) {
	req := require.New(t)
	clk := newFakeClock()
	r := newReconnector(TransportConfig{
		ReconnectBase:        Duration(time.Second),
		ReconnectMax:         Duration(time.Second),
		MaxReconnectAttempts: 2,
	}, clk)

	// Given an outage that recovered on the last allowed attempt
	r.nextDelay()
	r.nextDelay()
	r.markConnected()

	// When the connection stays up for hours
	clk.Advance(2 * time.Hour)

	// Then the next drop may reconnect again
	req.True(r.shouldReconnect())
	req.Equal(0, r.attempt)
}
