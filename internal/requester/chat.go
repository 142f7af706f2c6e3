package requester

import (
	"context"
	"time"

	"promptrelay/internal/oracle"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

// Chat runs open-ended conversations: one pending prompt at a time, every
// processed response appended as exactly one assistant message.
type Chat struct {
	store     storage.Store
	submitter Submitter
}

func NewChat(store storage.Store, submitter Submitter) *Chat {
	return &Chat{store: store, submitter: submitter}
}

func (c *Chat) Name() string { return NameChat }

func (c *Chat) Start(ctx context.Context, owner, content string) (*types.Chat, error) {
	var out *types.Chat
	err := c.store.InTx(ctx, func(tx storage.Store) error {
		now := time.Now()
		conv := &storage.ConversationRecord{
			Requester:        NameChat,
			Owner:            owner,
			AwaitingResponse: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, content); err != nil {
			return err
		}
		if err := c.resubmit(ctx, tx, conv.ID); err != nil {
			return err
		}

		var err error
		out, err = c.view(ctx, tx, conv)
		return err
	})
	return out, err
}

// AddMessage appends a user turn and submits a new prompt. Rejected while the
// previous prompt is still unanswered.
func (c *Chat) AddMessage(ctx context.Context, chatID int64, owner, content string) (*types.Chat, error) {
	var out *types.Chat
	err := c.store.InTx(ctx, func(tx storage.Store) error {
		conv, err := getConversation(ctx, tx, chatID, NameChat)
		if err != nil {
			return err
		}
		if conv.Owner != owner {
			return ErrNotOwner
		}
		if conv.AwaitingResponse {
			return ErrResponsePending
		}

		if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, content); err != nil {
			return err
		}
		conv.AwaitingResponse = true
		if err := tx.UpdateConversation(ctx, conv); err != nil {
			return err
		}
		if err := c.resubmit(ctx, tx, conv.ID); err != nil {
			return err
		}

		out, err = c.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (c *Chat) Get(ctx context.Context, chatID int64) (*types.Chat, error) {
	var out *types.Chat
	err := c.store.InTx(ctx, func(tx storage.Store) error {
		conv, err := getConversation(ctx, tx, chatID, NameChat)
		if err != nil {
			return err
		}
		out, err = c.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (c *Chat) OnResponse(ctx context.Context, tx storage.Store, d oracle.Delivery) error {
	if d.Token != c.submitter.Token() {
		return ErrCallerNotOracle
	}

	conv, err := getConversation(ctx, tx, d.CallbackID, NameChat)
	if err != nil {
		return err
	}
	if !conv.AwaitingResponse {
		return ErrNoPendingMessage
	}

	if err := appendMessage(ctx, tx, conv.ID, types.RoleAssistant, responseText(d.Response)); err != nil {
		return err
	}
	conv.AwaitingResponse = false
	return tx.UpdateConversation(ctx, conv)
}

func (c *Chat) resubmit(ctx context.Context, tx storage.Store, conversationID int64) error {
	msgs, err := tx.GetMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	_, err = c.submitter.SubmitTx(ctx, tx, oracle.SubmitRequest{
		Requester:  NameChat,
		CallbackID: conversationID,
		Content:    renderTranscript(msgs),
	})
	return err
}

func (c *Chat) view(ctx context.Context, tx storage.Store, conv *storage.ConversationRecord) (*types.Chat, error) {
	msgs, err := tx.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &types.Chat{
		ID:               conv.ID,
		Owner:            conv.Owner,
		Messages:         toChatMessages(msgs),
		AwaitingResponse: conv.AwaitingResponse,
		CreatedAt:        conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        conv.UpdatedAt.Format(time.RFC3339),
	}, nil
}
