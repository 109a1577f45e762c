//go:generate go run go.uber.org/mock/mockgen -source=backend.go -destination=mock_backend_test.go -package=chatsync

package chatsync

import "context"

// Backend is the request/response persistence collaborator.
type Backend interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	// FetchMessages returns a page of messages for a conversation. Order
	// within the page is not relied upon.
	FetchMessages(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)
	CreateConversation(ctx context.Context, req CreateConversationRequest) (Conversation, error)
	CreateMessage(ctx context.Context, req CreateMessageRequest) (Message, error)
	UpdateMessage(ctx context.Context, req UpdateMessageRequest) (Message, error)
	// DeleteMessage soft-deletes a message; it stays in the timeline.
	DeleteMessage(ctx context.Context, messageID string) error
	// MarkConversationRead returns the number of messages the server marked.
	MarkConversationRead(ctx context.Context, conversationID string) (int, error)
	ArchiveConversation(ctx context.Context, conversationID string) error
}

// ProfileSource supplies participant projections.
type ProfileSource interface {
	Participant(ctx context.Context, id string) (Participant, error)
}
