package storage

import (
	"context"
	"errors"
	"time"

	"promptrelay/pkg/types"
)

var (
	// ErrNotFound is returned by conditional updates targeting a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update loses its precondition,
	// e.g. marking an already-processed prompt.
	ErrConflict = errors.New("record state conflict")
)

type Store interface {
	SetWhitelisted(ctx context.Context, principal string, authorized bool) error
	IsWhitelisted(ctx context.Context, principal string) (bool, error)
	ListWhitelisted(ctx context.Context) ([]string, error)

	PutAttestation(ctx context.Context, att *AttestationRecord) error
	LatestAttestation(ctx context.Context) (*AttestationRecord, error)

	// CreatePrompt allocates the next sequential prompt id (starting at 0)
	// and fills it in on the record.
	CreatePrompt(ctx context.Context, p *PromptRecord) error
	GetPrompt(ctx context.Context, id int64) (*PromptRecord, error)
	ListPrompts(ctx context.Context, filter PromptFilter) ([]*PromptRecord, int, error)
	// MarkPromptProcessed flips processed false->true and stores the response.
	// Fails with ErrConflict if the prompt is already processed.
	MarkPromptProcessed(ctx context.Context, id int64, resp *ResponseRecord, processedAt time.Time) error

	CreateConversation(ctx context.Context, c *ConversationRecord) error
	GetConversation(ctx context.Context, id int64) (*ConversationRecord, error)
	UpdateConversation(ctx context.Context, c *ConversationRecord) error
	AppendMessage(ctx context.Context, m *MessageRecord) error
	GetMessages(ctx context.Context, conversationID int64) ([]*MessageRecord, error)

	AppendEvent(ctx context.Context, e *EventRecord) error
	ListEvents(ctx context.Context, after int64, limit int) ([]*EventRecord, error)

	Stats(ctx context.Context) (*types.OracleStats, error)

	// InTx runs fn against a transactional view of the store. All writes made
	// through the view commit together or not at all. Nested calls reuse the
	// surrounding transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
