package requester

import (
	"context"
	"time"

	"promptrelay/internal/oracle"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

const defaultMintBasePrompt = `make an image of: "`

// Minter turns one user input into one token. The full image prompt is the
// base prompt plus the input plus a closing quote; the first function
// response mints the token and every later one is rejected for good.
type Minter struct {
	store      storage.Store
	submitter  Submitter
	basePrompt string
}

func NewMinter(store storage.Store, submitter Submitter, basePrompt string) *Minter {
	if basePrompt == "" {
		basePrompt = defaultMintBasePrompt
	}
	return &Minter{store: store, submitter: submitter, basePrompt: basePrompt}
}

func (m *Minter) Name() string { return NameMinter }

func (m *Minter) InitializeMint(ctx context.Context, owner, input string) (*types.Mint, error) {
	var out *types.Mint
	err := m.store.InTx(ctx, func(tx storage.Store) error {
		now := time.Now()
		conv := &storage.ConversationRecord{
			Requester:        NameMinter,
			Owner:            owner,
			AwaitingResponse: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}

		prompt := m.basePrompt + input + `"`
		if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, prompt); err != nil {
			return err
		}

		if _, err := m.submitter.SubmitTx(ctx, tx, oracle.SubmitRequest{
			Requester:  NameMinter,
			CallbackID: conv.ID,
			PromptType: types.PromptTypeFunction,
			Content:    prompt,
		}); err != nil {
			return err
		}

		var err error
		out, err = m.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (m *Minter) Get(ctx context.Context, mintID int64) (*types.Mint, error) {
	var out *types.Mint
	err := m.store.InTx(ctx, func(tx storage.Store) error {
		conv, err := getConversation(ctx, tx, mintID, NameMinter)
		if err != nil {
			return err
		}
		out, err = m.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (m *Minter) OnResponse(ctx context.Context, tx storage.Store, d oracle.Delivery) error {
	if d.Token != m.submitter.Token() {
		return ErrCallerNotOracle
	}

	conv, err := getConversation(ctx, tx, d.CallbackID, NameMinter)
	if err != nil {
		return err
	}
	if conv.Minted {
		return ErrAlreadyMinted
	}

	conv.AwaitingResponse = false

	// A responder error leaves the mint unfinished but deliverable prompts
	// for it are spent; the owner starts over with a new mint.
	if d.Response.Error != "" {
		return tx.UpdateConversation(ctx, conv)
	}

	uri := d.Response.Content
	conv.TokenURI = &uri
	conv.Minted = true
	return tx.UpdateConversation(ctx, conv)
}

func (m *Minter) view(ctx context.Context, tx storage.Store, conv *storage.ConversationRecord) (*types.Mint, error) {
	msgs, err := tx.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	prompt := ""
	if len(msgs) > 0 {
		prompt = msgs[0].Content
	}
	return &types.Mint{
		ID:        conv.ID,
		Owner:     conv.Owner,
		Prompt:    prompt,
		TokenURI:  conv.TokenURI,
		Minted:    conv.Minted,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339),
	}, nil
}
