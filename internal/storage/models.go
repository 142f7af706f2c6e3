package storage

import (
	"time"

	"promptrelay/pkg/types"
)

type PromptRecord struct {
	ID          int64
	Requester   string
	CallbackID  int64
	PromptType  types.PromptType
	Content     string
	Processed   bool
	Response    *ResponseRecord
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

type ResponseRecord struct {
	Content          string
	Model            *string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Error            string
}

// ConversationRecord backs every requester variant. Chat uses the message
// discipline only; agent adds the iteration counters, minter the token
// fields, game the HP and image fields.
type ConversationRecord struct {
	ID               int64
	Requester        string
	Owner            string
	AwaitingResponse bool
	Finished         bool
	Iterations       int
	MaxIterations    int
	TokenURI         *string
	Minted           bool
	HP               *int
	Images           []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type MessageRecord struct {
	ConversationID int64
	Seq            int
	Role           types.Role
	Content        string
	CreatedAt      time.Time
}

type EventRecord struct {
	Index     int64
	Type      string
	PromptID  int64
	Requester string
	CreatedAt time.Time
}

type AttestationRecord struct {
	Principal   string
	Attestation string
	CreatedAt   time.Time
}

type PromptFilter struct {
	Requester *string
	Processed *bool
	Limit     int
	Cursor    *int64 // prompt id cursor (get items after this id)
}
