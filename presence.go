package chatsync

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const defaultTypingTTL = 5 * time.Second

// Presence is the in-memory projection of who is typing where and who is
// reachable. It is rebuilt from events only and cleared on disconnect.
type Presence struct {
	mu        sync.Mutex
	clock     Clock
	typing    map[string]map[string]*typingEntry
	reachable map[string]struct{}
	notify    *notifier
	logger    *slog.Logger
}

type typingEntry struct {
	expires time.Time
	timer   Timer
}

func NewPresence(clock Clock, n *notifier, logger *slog.Logger) *Presence {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = newNotifier(0, logger)
	}
	return &Presence{
		clock:     clock,
		typing:    make(map[string]map[string]*typingEntry),
		reachable: make(map[string]struct{}),
		notify:    n,
		logger:    logger.With("component", "presence"),
	}
}

// SetTyping adds, refreshes or removes a typing entry. A started entry
// expires after ttl unless refreshed by another start.
func (p *Presence) SetTyping(conversationID, participantID string, isTyping bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conv := p.typing[conversationID]
	entry, exists := conv[participantID]

	if !isTyping {
		if exists {
			p.dropLocked(conversationID, participantID, entry)
		}
		return
	}

	if exists {
		entry.timer.Stop()
	} else {
		if conv == nil {
			conv = make(map[string]*typingEntry)
			p.typing[conversationID] = conv
		}
		entry = &typingEntry{}
		conv[participantID] = entry
		p.notify.Publish(TopicPresence, Change{
			Kind:           ChangeTyping,
			ConversationID: conversationID,
			ParticipantID:  participantID,
			Typing:         true,
		})
	}

	entry.expires = p.clock.Now().Add(ttl)
	entry.timer = p.clock.AfterFunc(ttl, func() { p.expire(conversationID, participantID, entry) })
}

func (p *Presence) expire(conversationID, participantID string, entry *typingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.typing[conversationID][participantID]
	if !ok || cur != entry || p.clock.Now().Before(entry.expires) {
		return
	}
	p.logger.Debug("typing expired",
		"conversation_id", conversationID,
		"participant_id", participantID)
	p.dropLocked(conversationID, participantID, entry)
}

func (p *Presence) dropLocked(conversationID, participantID string, entry *typingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(p.typing[conversationID], participantID)
	if len(p.typing[conversationID]) == 0 {
		delete(p.typing, conversationID)
	}
	p.notify.Publish(TopicPresence, Change{
		Kind:           ChangeTyping,
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Typing:         false,
	})
}

// SetReachable updates the global reachable set.
func (p *Presence) SetReachable(participantID string, reachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, was := p.reachable[participantID]
	if was == reachable {
		return
	}
	if reachable {
		p.reachable[participantID] = struct{}{}
	} else {
		delete(p.reachable, participantID)
	}
	p.notify.Publish(TopicPresence, Change{
		Kind:          ChangeReachable,
		ParticipantID: participantID,
		Reachable:     reachable,
	})
}

// Clear drops all typing and reachability state.
func (p *Presence) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conv := range p.typing {
		for _, entry := range conv {
			entry.timer.Stop()
		}
	}
	p.typing = make(map[string]map[string]*typingEntry)
	p.reachable = make(map[string]struct{})
	p.notify.Publish(TopicPresence, Change{Kind: ChangePresenceCleared})
}

// Typing lists participants typing in a conversation, sorted.
func (p *Presence) Typing(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := lo.Keys(p.typing[conversationID])
	sort.Strings(out)
	return out
}

func (p *Presence) IsTyping(conversationID, participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[conversationID][participantID]
	return ok
}

// Reachable lists reachable participants, sorted.
func (p *Presence) Reachable() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := lo.Keys(p.reachable)
	sort.Strings(out)
	return out
}

func (p *Presence) IsReachable(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reachable[participantID]
	return ok
}
