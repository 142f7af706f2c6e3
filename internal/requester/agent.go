package requester

import (
	"context"
	"time"

	"promptrelay/internal/oracle"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

const (
	defaultMaxIterations = 5
	elaboratePrompt      = "Please elaborate!"
)

// Agent runs bounded self-continuing conversations. Each response counts as
// one iteration; until the budget is spent the agent asks the model to
// elaborate and resubmits the whole transcript.
type Agent struct {
	store        storage.Store
	submitter    Submitter
	systemPrompt string
}

func NewAgent(store storage.Store, submitter Submitter, systemPrompt string) *Agent {
	return &Agent{store: store, submitter: submitter, systemPrompt: systemPrompt}
}

func (a *Agent) Name() string { return NameAgent }

func (a *Agent) StartRun(ctx context.Context, owner, query string, maxIterations int) (*types.AgentRun, error) {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	var out *types.AgentRun
	err := a.store.InTx(ctx, func(tx storage.Store) error {
		now := time.Now()
		conv := &storage.ConversationRecord{
			Requester:        NameAgent,
			Owner:            owner,
			AwaitingResponse: true,
			MaxIterations:    maxIterations,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if a.systemPrompt != "" {
			if err := appendMessage(ctx, tx, conv.ID, types.RoleSystem, a.systemPrompt); err != nil {
				return err
			}
		}
		if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, query); err != nil {
			return err
		}
		if err := a.resubmit(ctx, tx, conv.ID); err != nil {
			return err
		}

		var err error
		out, err = a.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (a *Agent) Get(ctx context.Context, runID int64) (*types.AgentRun, error) {
	var out *types.AgentRun
	err := a.store.InTx(ctx, func(tx storage.Store) error {
		conv, err := getConversation(ctx, tx, runID, NameAgent)
		if err != nil {
			return err
		}
		out, err = a.view(ctx, tx, conv)
		return err
	})
	return out, err
}

func (a *Agent) OnResponse(ctx context.Context, tx storage.Store, d oracle.Delivery) error {
	if d.Token != a.submitter.Token() {
		return ErrCallerNotOracle
	}

	conv, err := getConversation(ctx, tx, d.CallbackID, NameAgent)
	if err != nil {
		return err
	}
	if !conv.AwaitingResponse {
		return ErrNoPendingMessage
	}

	if err := appendMessage(ctx, tx, conv.ID, types.RoleAssistant, responseText(d.Response)); err != nil {
		return err
	}

	conv.Iterations++
	conv.AwaitingResponse = false

	// A responder error ends the run early.
	if d.Response.Error != "" || conv.Iterations >= conv.MaxIterations {
		conv.Finished = true
		return tx.UpdateConversation(ctx, conv)
	}

	if err := appendMessage(ctx, tx, conv.ID, types.RoleUser, elaboratePrompt); err != nil {
		return err
	}
	conv.AwaitingResponse = true
	if err := tx.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	return a.resubmit(ctx, tx, conv.ID)
}

func (a *Agent) resubmit(ctx context.Context, tx storage.Store, conversationID int64) error {
	msgs, err := tx.GetMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	_, err = a.submitter.SubmitTx(ctx, tx, oracle.SubmitRequest{
		Requester:  NameAgent,
		CallbackID: conversationID,
		Content:    renderTranscript(msgs),
	})
	return err
}

func (a *Agent) view(ctx context.Context, tx storage.Store, conv *storage.ConversationRecord) (*types.AgentRun, error) {
	msgs, err := tx.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &types.AgentRun{
		ID:               conv.ID,
		Owner:            conv.Owner,
		Messages:         toChatMessages(msgs),
		Iterations:       conv.Iterations,
		MaxIterations:    conv.MaxIterations,
		IsFinished:       conv.Finished,
		AwaitingResponse: conv.AwaitingResponse,
		CreatedAt:        conv.CreatedAt.Format(time.RFC3339),
	}, nil
}
