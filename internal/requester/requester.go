// Package requester implements the built-in prompt requesters: chat sessions,
// bounded agent runs, token minting and the adventure game. Each one submits
// prompts through the oracle and receives responses in the oracle's delivery
// transaction, so requester state never drifts from the prompt ledger.
package requester

import (
	"context"
	"strings"
	"time"

	"promptrelay/internal/oracle"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

// Requester names, used as the prompt record's requester field.
const (
	NameChat   = "chat"
	NameAgent  = "agent"
	NameMinter = "minter"
	NameGame   = "game"
)

// Submitter is the slice of the oracle requesters need: transactional prompt
// submission and the token their callbacks verify deliveries with.
type Submitter interface {
	SubmitTx(ctx context.Context, tx storage.Store, req oracle.SubmitRequest) (int64, error)
	Token() string
}

// renderTranscript flattens a conversation into the prompt content sent to
// responders, one "role: content" line per message.
func renderTranscript(msgs []*storage.MessageRecord) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func toChatMessages(msgs []*storage.MessageRecord) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func appendMessage(ctx context.Context, tx storage.Store, conversationID int64, role types.Role, content string) error {
	return tx.AppendMessage(ctx, &storage.MessageRecord{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	})
}

// responseText picks the message content for a delivery: the error string
// when the responder reported one, the content otherwise.
func responseText(resp types.Response) string {
	if resp.Error != "" {
		return resp.Error
	}
	return resp.Content
}

func getConversation(ctx context.Context, tx storage.Store, id int64, requester string) (*storage.ConversationRecord, error) {
	conv, err := tx.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.Requester != requester {
		return nil, storage.ErrNotFound
	}
	return conv, nil
}
