package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, typ string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(typ, payload, "")
	require.NoError(t, err)
	return env
}

func messageEvent(id, conversationID, sender string, seconds int) MessagePayload {
	return MessagePayload{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		MessageType:    "text",
		Content:        "hi",
		CreatedAt:      at(seconds),
	}
}

func newTestDispatcher() (*Dispatcher, *Store, *Presence, *fakeClock) {
	clk := newFakeClock()
	store := newTestStore()
	presence := NewPresence(clk, nil, nil)
	return NewDispatcher(store, presence, 5*time.Second, nil), store, presence, clk
}

func TestDispatcher_MessageCreated(t *testing.T) {
	t.Run("should insert a new message", func(t *testing.T) {
		req := require.New(t)
		d, store, _, _ := newTestDispatcher()

		req.NoError(d.Dispatch(envelope(t, EventMessageCreated, messageEvent("m1", "c1", other, 1))))

		req.Equal([]string{"m1"}, ids(store.Messages("c1")))
	})

	t.Run("should ignore and count duplicates", func(t *testing.T) {
		req := require.New(t)
		d, store, _, _ := newTestDispatcher()
		env := envelope(t, EventMessageCreated, messageEvent("m1", "c1", other, 1))

		req.NoError(d.Dispatch(env))
		req.ErrorIs(d.Dispatch(env), ErrDuplicateEvent)
		d.Handle(env)

		req.Len(store.Messages("c1"), 1)
		req.EqualValues(2, d.Duplicates())
		c, _ := store.Conversation("c1")
		req.Equal(1, c.Unread)
	})

	t.Run("should substitute identity for the echo of a pending send", func(t *testing.T) {
		req := require.New(t)
		d, store, _, _ := newTestDispatcher()
		tmp := textMessage("tmp-1", "c1", self, 1)
		tmp.Status = StatusPending
		store.UpsertMessage(tmp)

		echo := messageEvent("m1", "c1", self, 1)
		echo.ClientID = "tmp-1"
		req.NoError(d.Dispatch(envelope(t, EventMessageCreated, echo)))

		msgs := store.Messages("c1")
		req.Equal([]string{"m1"}, ids(msgs))
		req.Equal(StatusConfirmed, msgs[0].Status)
	})

	t.Run("should reject events without identity", func(t *testing.T) {
		req := require.New(t)
		d, _, _, _ := newTestDispatcher()

		req.Error(d.Dispatch(envelope(t, EventMessageCreated, messageEvent("", "c1", other, 1))))
		req.Error(d.Dispatch(Envelope{Type: EventMessageCreated, Payload: json.RawMessage(`{"id":`)}))
	})
}

func TestDispatcher_Message_Updated_And_Deleted(t *testing.T) {
	t.Run("should apply an edit to a known message", func(t *testing.T) {
		req := require.New(t)
		d, store, _, _ := newTestDispatcher()
		req.NoError(d.Dispatch(envelope(t, EventMessageCreated, messageEvent("m1", "c1", other, 1))))

		edited := messageEvent("m1", "c1", other, 1)
		edited.Content = "price dropped"
		edited.IsEdited = true
		req.NoError(d.Dispatch(envelope(t, EventMessageUpdated, edited)))

		m, _ := store.Message("c1", "m1")
		req.Equal("price dropped", m.Content)
		req.True(m.Edited)
		req.Zero(d.Duplicates())
	})

	t.Run("should soft delete a known message", func(t *testing.T) {
		req := require.New(t)
		d, store, _, _ := newTestDispatcher()
		req.NoError(d.Dispatch(envelope(t, EventMessageCreated, messageEvent("m1", "c1", other, 1))))

		req.NoError(d.Dispatch(envelope(t, EventMessageDeleted, MessagePayload{ID: "m1", ConversationID: "c1"})))

		m, _ := store.Message("c1", "m1")
		req.True(m.Deleted)
		req.Equal(DeletedContent, m.Content)
	})

	t.Run("should ignore changes to unknown messages", func(t *testing.T) {
		req := require.New(t)
		d, store, _, _ := newTestDispatcher()

		req.NoError(d.Dispatch(envelope(t, EventMessageUpdated, messageEvent("m9", "c1", other, 1))))

		req.Empty(store.Messages("c1"))
		req.Error(d.Dispatch(envelope(t, EventMessageDeleted, MessagePayload{ID: "m9"})))
	})
}

func TestDispatcher_Typing(t *testing.T) {
	req := require.New(t)
	d, _, presence, clk := newTestDispatcher()

	// Own typing echoes are ignored
	req.NoError(d.Dispatch(envelope(t, EventTypingChanged, TypingPayload{ConversationID: "c1", UserID: self, IsTyping: true})))
	req.Empty(presence.Typing("c1"))

	req.NoError(d.Dispatch(envelope(t, EventTypingChanged, TypingPayload{ConversationID: "c1", UserID: other, IsTyping: true})))
	req.Equal([]string{other}, presence.Typing("c1"))

	clk.Advance(5 * time.Second)
	req.Empty(presence.Typing("c1"))
}

func TestDispatcher_Presence_And_Receipts(t *testing.T) {
	req := require.New(t)
	d, store, presence, _ := newTestDispatcher()
	store.UpsertMessage(textMessage("m1", "c1", self, 1))

	req.NoError(d.Dispatch(envelope(t, EventPresenceChanged, PresencePayload{UserID: other, Status: "online"})))
	req.True(presence.IsReachable(other))
	req.NoError(d.Dispatch(envelope(t, EventPresenceChanged, PresencePayload{UserID: other, Status: "offline"})))
	req.False(presence.IsReachable(other))

	req.NoError(d.Dispatch(envelope(t, EventMessageRead, ReadPayload{ConversationID: "c1", MessageID: "m1", UserID: other})))
	m, _ := store.Message("c1", "m1")
	req.True(m.Read)

	req.NoError(d.Dispatch(Envelope{Type: "something.else"}))
}
