package requester

import (
	"context"
	"time"

	"promptrelay/internal/oracle"
	"promptrelay/internal/parse"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

const gameStartPrompt = "Start now!"

// selection letters, index 0-3
var selectionLetters = [4]string{"A", "B", "C", "D"}

// Game runs the choose-your-own-adventure flow. Narration responses may
// carry an image directive line, which spawns a function prompt whose
// response lands in the game's image list. The game ends when the narration
// reports zero hit points.
type Game struct {
	store        storage.Store
	submitter    Submitter
	systemPrompt string
}

func NewGame(store storage.Store, submitter Submitter, systemPrompt string) *Game {
	return &Game{store: store, submitter: submitter, systemPrompt: systemPrompt}
}

func (g *Game) Name() string { return NameGame }

func (g *Game) StartGame(ctx context.Context, owner string) (*types.Game, error) {
	var out *types.Game
	err := g.store.InTx(ctx, func(tx storage.Store) error {
		now := time.Now()
		conv := &storage.ConversationRecord{
			Requester:        NameGame,
			Owner:            owner,
			AwaitingResponse: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := appendMessage(ctx, tx, conv.ID, types.RoleSystem, g.systemPrompt); err != nil {
			return err
		}
		if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, gameStartPrompt); err != nil {
			return err
		}
		if err := g.resubmit(ctx, tx, conv.ID); err != nil {
			return err
		}

		var err error
		out, err = g.view(ctx, tx, conv)
		return err
	})
	return out, err
}

// AddSelection plays one of the four offered moves.
func (g *Game) AddSelection(ctx context.Context, gameID int64, owner string, selection int) (*types.Game, error) {
	var out *types.Game
	err := g.store.InTx(ctx, func(tx storage.Store) error {
		conv, err := getConversation(ctx, tx, gameID, NameGame)
		if err != nil {
			return err
		}
		if conv.Owner != owner {
			return ErrNotOwner
		}
		if conv.Finished {
			return ErrGameFinished
		}
		if conv.AwaitingResponse {
			return ErrResponsePending
		}
		if selection < 0 || selection > 3 {
			return ErrInvalidSelection
		}

		if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, selectionLetters[selection]); err != nil {
			return err
		}
		conv.AwaitingResponse = true
		if err := tx.UpdateConversation(ctx, conv); err != nil {
			return err
		}
		if err := g.resubmit(ctx, tx, conv.ID); err != nil {
			return err
		}

		out, err = g.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (g *Game) Get(ctx context.Context, gameID int64) (*types.Game, error) {
	var out *types.Game
	err := g.store.InTx(ctx, func(tx storage.Store) error {
		conv, err := getConversation(ctx, tx, gameID, NameGame)
		if err != nil {
			return err
		}
		out, err = g.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (g *Game) OnResponse(ctx context.Context, tx storage.Store, d oracle.Delivery) error {
	if d.Token != g.submitter.Token() {
		return ErrCallerNotOracle
	}

	conv, err := getConversation(ctx, tx, d.CallbackID, NameGame)
	if err != nil {
		return err
	}

	// Function responses carry image URLs and bypass the message flow.
	if d.PromptType == types.PromptTypeFunction {
		url := d.Response.Content
		if d.Response.Error != "" || url == "" {
			url = "error"
		}
		conv.Images = append(conv.Images, url)
		return tx.UpdateConversation(ctx, conv)
	}

	if !conv.AwaitingResponse {
		return ErrNoPendingMessage
	}

	text := responseText(d.Response)
	if err := appendMessage(ctx, tx, conv.ID, types.RoleAssistant, text); err != nil {
		return err
	}
	conv.AwaitingResponse = false

	if hp, ok := parse.LastHP(text); ok {
		conv.HP = &hp
	}
	if parse.HPDepleted(text) {
		conv.Finished = true
	}
	if err := tx.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	if line, ok := parse.ImageLine(text); ok {
		_, err := g.submitter.SubmitTx(ctx, tx, oracle.SubmitRequest{
			Requester:  NameGame,
			CallbackID: conv.ID,
			PromptType: types.PromptTypeFunction,
			Content:    line,
		})
		return err
	}
	return nil
}

func (g *Game) resubmit(ctx context.Context, tx storage.Store, conversationID int64) error {
	msgs, err := tx.GetMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	_, err = g.submitter.SubmitTx(ctx, tx, oracle.SubmitRequest{
		Requester:  NameGame,
		CallbackID: conversationID,
		Content:    renderTranscript(msgs),
	})
	return err
}

func (g *Game) view(ctx context.Context, tx storage.Store, conv *storage.ConversationRecord) (*types.Game, error) {
	msgs, err := tx.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	images := conv.Images
	if images == nil {
		images = []string{}
	}
	return &types.Game{
		ID:               conv.ID,
		Owner:            conv.Owner,
		Messages:         toChatMessages(msgs),
		HP:               conv.HP,
		IsFinished:       conv.Finished,
		AwaitingResponse: conv.AwaitingResponse,
		ImagesCount:      len(images),
		Images:           images,
		CreatedAt:        conv.CreatedAt.Format(time.RFC3339),
	}, nil
}
