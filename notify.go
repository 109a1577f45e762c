package chatsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Topic selects which component's diffs a subscriber receives.
type Topic string

const (
	TopicStore    Topic = "store"
	TopicPresence Topic = "presence"
	TopicSync     Topic = "sync"
)

// ChangeKind tags a Change.
type ChangeKind string

const (
	ChangeConversation    ChangeKind = "conversation.upserted"
	ChangeMessage         ChangeKind = "message.upserted"
	ChangeMessageReplaced ChangeKind = "message.replaced"
	ChangeMessageStatus   ChangeKind = "message.status"
	ChangeMessageRemoved  ChangeKind = "message.removed"
	ChangeMessageEdited   ChangeKind = "message.edited"
	ChangeMessageDeleted  ChangeKind = "message.deleted"
	ChangeUnread          ChangeKind = "conversation.unread"
	ChangeRead            ChangeKind = "conversation.read"
	ChangeTyping          ChangeKind = "typing.changed"
	ChangeReachable       ChangeKind = "presence.changed"
	ChangePresenceCleared ChangeKind = "presence.cleared"
	ChangeSyncState       ChangeKind = "sync.state"
	ChangeConnection      ChangeKind = "connection.state"
)

// Change is an incremental diff. Only the fields relevant to Kind are set.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Message        *Message
	TempID         string
	Unread         int
	ParticipantID  string
	Typing         bool
	Reachable      bool
	State          SyncState
	Connection     ConnState
	Err            error
}

// notifier fans changes out to per-topic subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the change.
type notifier struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[string]chan Change
	buffer      int
	logger      *slog.Logger
}

func newNotifier(buffer int, logger *slog.Logger) *notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &notifier{
		subscribers: make(map[Topic]map[string]chan Change),
		buffer:      buffer,
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers for a topic. The subscription ends when ctx is done.
func (n *notifier) Subscribe(ctx context.Context, topic Topic) (<-chan Change, string) {
	subID := uuid.NewString()
	ch := make(chan Change, n.buffer)

	n.mu.Lock()
	if _, ok := n.subscribers[topic]; !ok {
		n.subscribers[topic] = make(map[string]chan Change)
	}
	n.subscribers[topic][subID] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

func (n *notifier) Publish(topic Topic, change Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for subID, ch := range n.subscribers[topic] {
		select {
		case ch <- change:
		default:
			n.logger.Debug("dropped change for slow subscriber",
				"topic", topic,
				"sub_id", subID,
				"kind", change.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *notifier) Unsubscribe(topic Topic, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[topic]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(n.subscribers, topic)
	}
}

// Close closes every subscriber channel.
func (n *notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for topic, subs := range n.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subscribers, topic)
	}
}
