package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Dispatcher turns inbound channel events into store and presence
// mutations. It is driven synchronously by the session read loop, so events
// are applied in the order they arrived.
type Dispatcher struct {
	store      *Store
	presence   *Presence
	typingTTL  time.Duration
	logger     *slog.Logger
	duplicates atomic.Int64
}

func NewDispatcher(store *Store, presence *Presence, typingTTL time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		presence:  presence,
		typingTTL: typingTTL,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Duplicates is the number of message events ignored because the message
// was already known.
func (d *Dispatcher) Duplicates() int64 {
	return d.duplicates.Load()
}

// Handle is the session event handler. Errors are logged, never returned.
func (d *Dispatcher) Handle(env Envelope) {
	if err := d.Dispatch(env); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return
		}
		d.logger.Warn("event dropped", "type", env.Type, "error", err)
	}
}

// Dispatch applies one event. A repeated message event returns
// ErrDuplicateEvent and changes nothing.
func (d *Dispatcher) Dispatch(env Envelope) error {
	switch env.Type {
	case EventMessageCreated:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return d.messageCreated(p.toMessage())

	case EventMessageUpdated, EventMessageDeleted:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ID == "" || p.ConversationID == "" {
			return fmt.Errorf("%s without id or conversation", env.Type)
		}
		var changed bool
		if env.Type == EventMessageDeleted || p.IsDeleted {
			changed = d.store.ApplyDelete(p.ConversationID, p.ID)
		} else {
			changed = d.store.ApplyEdit(p.ConversationID, p.ID, p.Content)
		}
		if !changed {
			d.logger.Debug("change for unknown message ignored", "type", env.Type, "message_id", p.ID)
		}
		return nil

	case EventTypingChanged:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.UserID == d.store.Self() {
			return nil
		}
		d.presence.SetTyping(p.ConversationID, p.UserID, p.IsTyping, d.typingTTL)
		return nil

	case EventPresenceChanged:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		d.presence.SetReachable(p.UserID, p.Status == "online")
		return nil

	case EventMessageRead:
		var p ReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		d.store.ApplyReadReceipt(p.ConversationID, p.MessageID, p.UserID)
		return nil
	}

	d.logger.Debug("unhandled event", "type", env.Type)
	return nil
}

func (d *Dispatcher) messageCreated(m Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return errors.New("message event without id or conversation")
	}
	if d.store.HasMessage(m.ConversationID, m.ID) {
		n := d.duplicates.Add(1)
		d.logger.Debug("duplicate event ignored",
			"conversation_id", m.ConversationID,
			"message_id", m.ID,
			"duplicates", n)
		return ErrDuplicateEvent
	}

	// The echo of our own optimistic send.
	if m.ClientID != "" && d.store.HasMessage(m.ConversationID, m.ClientID) {
		d.store.ReplaceTemporaryID(m.ClientID, m)
		return nil
	}

	d.store.UpsertMessage(m)
	return nil
}
