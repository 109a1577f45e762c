package chatsync

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
)

const (
	lastMessagePreview = 100
	// DeletedContent replaces the content of a deleted message.
	DeletedContent = "This message was deleted"
)

// Store holds every known conversation and its ordered messages. Mutations
// on one conversation are serialized by that conversation's lock; the store
// lock only guards the index.
type Store struct {
	mu     sync.RWMutex
	self   string
	convs  map[string]*convEntry
	notify *notifier
	logger *slog.Logger
}

type convEntry struct {
	mu       sync.Mutex
	conv     Conversation
	messages []*Message
	byID     map[string]*Message
	focused  bool
}

// NewStore creates an empty store. self is the local participant.
func NewStore(self string, n *notifier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = newNotifier(0, logger)
	}
	return &Store{
		self:   self,
		convs:  make(map[string]*convEntry),
		notify: n,
		logger: logger.With("component", "store"),
	}
}

// SetSelf sets the local participant once it is known from the token.
func (s *Store) SetSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

func (s *Store) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Store) entry(id string, create bool) *convEntry {
	s.mu.RLock()
	e, ok := s.convs[id]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.convs[id]; ok {
		return e
	}
	e = &convEntry{
		conv: Conversation{ID: id, Kind: KindDirect, Active: true},
		byID: make(map[string]*Message),
	}
	s.convs[id] = e
	return e
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation merges server fields into the local conversation. The
// server unread count is taken only when the conversation is first seen;
// afterwards the local counter is authoritative.
func (s *Store) UpsertConversation(c Conversation) Conversation {
	s.mu.RLock()
	_, known := s.convs[c.ID]
	s.mu.RUnlock()

	e := s.entry(c.ID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := &e.conv
	cur.Title = c.Title
	if c.Kind != "" {
		cur.Kind = c.Kind
	}
	cur.OrderRef = c.OrderRef
	if len(c.Participants) > 0 {
		cur.Participants = slices.Clone(c.Participants)
	}
	cur.Archived = c.Archived
	cur.Active = c.Active
	if !known {
		cur.Unread = max(c.Unread, 0)
	}
	if len(e.messages) == 0 && c.LastMessage != nil {
		lm := *c.LastMessage
		lm.Content = preview(lm.Content)
		cur.LastMessage = &lm
		cur.LastMessageAt = lm.CreatedAt
	} else if len(e.messages) == 0 && c.LastMessageAt.After(cur.LastMessageAt) {
		cur.LastMessageAt = c.LastMessageAt
	}

	snap := cloneConversation(*cur)
	s.notify.Publish(TopicStore, Change{Kind: ChangeConversation, ConversationID: c.ID, Unread: snap.Unread})
	return snap
}

// SetArchived mirrors the server archive flag.
func (s *Store) SetArchived(id string, archived bool) error {
	e := s.entry(id, false)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	e.mu.Lock()
	e.conv.Archived = archived
	e.mu.Unlock()
	s.notify.Publish(TopicStore, Change{Kind: ChangeConversation, ConversationID: id})
	return nil
}

// SetFocused marks whether the caller is currently looking at the
// conversation. Focused conversations do not accumulate unread messages.
func (s *Store) SetFocused(id string, focused bool) {
	e := s.entry(id, true)
	e.mu.Lock()
	e.focused = focused
	e.mu.Unlock()
}

// ============================================================================
// Messages
// ============================================================================

// UpsertMessage inserts or replaces a message by identifier. It reports
// whether the message was new.
func (s *Store) UpsertMessage(m Message) bool {
	self := s.Self()
	e := s.entry(m.ConversationID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.upsertLocked(e, m, self, true)
}

// MergeHistory applies a fetched page. Entries already known are replaced
// in place, so a page racing with live events never duplicates anything.
// The page is already part of the server unread count, so it never raises
// the local counter. It returns the number of new messages.
func (s *Store) MergeHistory(conversationID string, page []Message) int {
	return s.merge(conversationID, page, false)
}

// MergeMissed applies messages fetched after the channel came back. They
// were written after the unread count was taken, so unread ones count.
func (s *Store) MergeMissed(conversationID string, page []Message) int {
	return s.merge(conversationID, page, true)
}

func (s *Store) merge(conversationID string, page []Message, countUnread bool) int {
	self := s.Self()
	e := s.entry(conversationID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, m := range page {
		m.ConversationID = conversationID
		if s.upsertLocked(e, m, self, countUnread) {
			added++
		}
	}
	return added
}

func (s *Store) upsertLocked(e *convEntry, m Message, self string, countUnread bool) bool {
	if m.Status == "" {
		m.Status = StatusConfirmed
	}

	if cur, ok := e.byID[m.ID]; ok {
		read := cur.Read || m.Read
		clientID := lo.Ternary(m.ClientID == "", cur.ClientID, m.ClientID)
		if !cur.CreatedAt.Equal(m.CreatedAt) {
			e.remove(cur)
			*cur = m
			e.insert(cur)
		} else {
			*cur = m
		}
		cur.Read = read
		cur.ClientID = clientID
		e.refreshLast()
		s.publishMessage(ChangeMessage, cur, "")
		return false
	}

	msg := m
	e.insert(&msg)
	e.refreshLast()
	s.publishMessage(ChangeMessage, &msg, "")

	if countUnread && msg.SenderID != self && !msg.Read && !e.focused {
		e.conv.Unread++
		s.notify.Publish(TopicStore, Change{Kind: ChangeUnread, ConversationID: e.conv.ID, Unread: e.conv.Unread})
	}
	return true
}

// ReplaceTemporaryID substitutes the server identity for an optimistic
// message. The message keeps its place in the (timestamp, id) order of its
// confirmed key and never counts as unread. When the server message is
// already present, because its echo arrived first, the temporary entry is
// folded into it.
func (s *Store) ReplaceTemporaryID(tempID string, confirmed Message) {
	e := s.entry(confirmed.ConversationID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	confirmed.Status = StatusConfirmed
	confirmed.ClientID = tempID

	tmp, hasTemp := e.byID[tempID]
	existing, hasConfirmed := e.byID[confirmed.ID]

	switch {
	case !hasTemp && hasConfirmed:
		return
	case !hasTemp:
		msg := confirmed
		e.insert(&msg)
		e.refreshLast()
		s.publishMessage(ChangeMessage, &msg, "")
		return
	case hasConfirmed:
		e.remove(tmp)
		existing.ClientID = tempID
		existing.Status = StatusConfirmed
		e.refreshLast()
		s.publishMessage(ChangeMessageReplaced, existing, tempID)
		return
	}

	e.remove(tmp)
	confirmed.Read = confirmed.Read || tmp.Read
	*tmp = confirmed
	e.insert(tmp)
	e.refreshLast()
	s.publishMessage(ChangeMessageReplaced, tmp, tempID)
}

// MarkFailed flags an optimistic message whose create-call failed.
func (s *Store) MarkFailed(conversationID, tempID string) error {
	return s.setStatus(conversationID, tempID, StatusFailed, "")
}

// SetPending moves a failed message back to pending for an explicit retry.
func (s *Store) SetPending(conversationID, tempID string) error {
	return s.setStatus(conversationID, tempID, StatusPending, StatusFailed)
}

func (s *Store) setStatus(conversationID, id string, to, from DeliveryStatus) error {
	e := s.entry(conversationID, false)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if from != "" && m.Status != from {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, m.Status)
	}
	if m.Status == StatusConfirmed {
		return nil
	}
	m.Status = to
	s.publishMessage(ChangeMessageStatus, m, "")
	return nil
}

// DiscardFailed removes a failed message on explicit caller request.
func (s *Store) DiscardFailed(conversationID, tempID string) error {
	e := s.entry(conversationID, false)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byID[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	if m.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, tempID, m.Status)
	}
	e.remove(m)
	e.refreshLast()
	s.publishMessage(ChangeMessageRemoved, m, "")
	return nil
}

// ApplyEdit replaces the content of a known message and flags it edited.
// Unknown and deleted messages are left alone; it reports whether the
// message changed.
func (s *Store) ApplyEdit(conversationID, id, content string) bool {
	e := s.entry(conversationID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byID[id]
	if !ok || m.Deleted {
		return false
	}
	m.Content = content
	m.Edited = true
	e.refreshLast()
	s.publishMessage(ChangeMessageEdited, m, "")
	return true
}

// ApplyDelete soft-deletes a known message. It keeps its place in the
// timeline with its content replaced and its attachment dropped.
func (s *Store) ApplyDelete(conversationID, id string) bool {
	e := s.entry(conversationID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byID[id]
	if !ok || m.Deleted {
		return false
	}
	m.Deleted = true
	m.Content = DeletedContent
	m.AttachmentURL = ""
	e.refreshLast()
	s.publishMessage(ChangeMessageDeleted, m, "")
	return true
}

// MarkRead zeroes the unread counter and flags every message in the
// conversation read. It returns how many messages were newly flagged.
func (s *Store) MarkRead(conversationID string) int {
	e := s.entry(conversationID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	marked := 0
	for _, m := range e.messages {
		if !m.Read {
			m.Read = true
			marked++
		}
	}
	e.conv.Unread = 0
	s.notify.Publish(TopicStore, Change{Kind: ChangeRead, ConversationID: conversationID})
	return marked
}

// ApplyReadReceipt records that reader has read the conversation up to and
// including messageID. Only messages authored by others than the reader
// are flagged.
func (s *Store) ApplyReadReceipt(conversationID, messageID, readerID string) int {
	e := s.entry(conversationID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	upTo, ok := e.byID[messageID]
	if !ok {
		return 0
	}
	marked := 0
	for _, m := range e.messages {
		if upTo.before(m) {
			break
		}
		if m.SenderID != readerID && !m.Read {
			m.Read = true
			marked++
			s.publishMessage(ChangeMessageStatus, m, "")
		}
	}
	return marked
}

// ============================================================================
// Readers
// ============================================================================

func (s *Store) HasMessage(conversationID, id string) bool {
	e := s.entry(conversationID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byID[id]
	return ok
}

// Message returns a copy of one message.
func (s *Store) Message(conversationID, id string) (Message, bool) {
	e := s.entry(conversationID, false)
	if e == nil {
		return Message{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// LatestConfirmedAt is the creation time of the newest confirmed message,
// used as the refetch cursor after a reconnect.
func (s *Store) LatestConfirmedAt(conversationID string) (time.Time, bool) {
	e := s.entry(conversationID, false)
	if e == nil {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Status == StatusConfirmed {
			return e.messages[i].CreatedAt, true
		}
	}
	return time.Time{}, false
}

func (s *Store) Conversation(id string) (Conversation, bool) {
	e := s.entry(id, false)
	if e == nil {
		return Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneConversation(e.conv), true
}

// Conversations returns every conversation, most recent activity first.
func (s *Store) Conversations() []Conversation {
	out := lo.Map(s.entries(), func(e *convEntry, _ int) Conversation {
		e.mu.Lock()
		defer e.mu.Unlock()
		return cloneConversation(e.conv)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns the ordered timeline of a conversation.
func (s *Store) Messages(conversationID string) []Message {
	e := s.entry(conversationID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Map(e.messages, func(m *Message, _ int) Message { return *m })
}

// Search matches message contents case-insensitively across all
// conversations, newest first. Deleted messages never match.
func (s *Store) Search(query string) []Message {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var out []Message
	for _, e := range s.entries() {
		e.mu.Lock()
		for _, m := range e.messages {
			if !m.Deleted && strings.Contains(strings.ToLower(m.Content), query) {
				out = append(out, *m)
			}
		}
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[j].before(&out[i]) })
	return out
}

// UnreadTotal sums unread counters of conversations that are not archived.
func (s *Store) UnreadTotal() int {
	return lo.SumBy(s.entries(), func(e *convEntry) int {
		e.mu.Lock()
		defer e.mu.Unlock()
		return lo.Ternary(e.conv.Archived, 0, e.conv.Unread)
	})
}

// FindOrderConversation returns the order-linked conversation for orderRef
// with exactly the given participants, ignoring self.
func (s *Store) FindOrderConversation(orderRef string, participants []string) (Conversation, bool) {
	self := s.Self()
	want := lo.Uniq(lo.Without(participants, self))
	slices.Sort(want)
	for _, e := range s.entries() {
		e.mu.Lock()
		c := e.conv
		e.mu.Unlock()
		if c.Kind != KindOrder || c.OrderRef != orderRef {
			continue
		}
		have := lo.Uniq(lo.Without(c.Participants, self))
		slices.Sort(have)
		if slices.Equal(want, have) {
			return cloneConversation(c), true
		}
	}
	return Conversation{}, false
}

func (s *Store) entries() []*convEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.convs)
}

func (s *Store) publishMessage(kind ChangeKind, m *Message, tempID string) {
	cp := *m
	s.notify.Publish(TopicStore, Change{
		Kind:           kind,
		ConversationID: m.ConversationID,
		Message:        &cp,
		TempID:         tempID,
	})
}

// ============================================================================
// Ordering helpers
// ============================================================================

func (e *convEntry) insert(m *Message) {
	i := sort.Search(len(e.messages), func(i int) bool { return !e.messages[i].before(m) })
	e.messages = slices.Insert(e.messages, i, m)
	e.byID[m.ID] = m
}

func (e *convEntry) remove(m *Message) {
	i := sort.Search(len(e.messages), func(i int) bool { return !e.messages[i].before(m) })
	if i >= len(e.messages) || e.messages[i] != m {
		i = slices.Index(e.messages, m)
	}
	if i >= 0 {
		e.messages = slices.Delete(e.messages, i, i+1)
	}
	delete(e.byID, m.ID)
}

func (e *convEntry) refreshLast() {
	if len(e.messages) == 0 {
		e.conv.LastMessage = nil
		return
	}
	last := e.messages[len(e.messages)-1]
	e.conv.LastMessage = &LastMessage{
		ID:        last.ID,
		SenderID:  last.SenderID,
		Kind:      last.Kind,
		Content:   preview(last.Content),
		CreatedAt: last.CreatedAt,
	}
	e.conv.LastMessageAt = last.CreatedAt
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= lastMessagePreview {
		return content
	}
	return string([]rune(content)[:lastMessagePreview]) + "..."
}

func cloneConversation(c Conversation) Conversation {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}
