package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"promptrelay/internal/oracle"
	"promptrelay/internal/requester"
	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

func recordToPrompt(record *storage.PromptRecord) types.Prompt {
	p := types.Prompt{
		ID:         record.ID,
		Requester:  record.Requester,
		CallbackID: record.CallbackID,
		PromptType: record.PromptType,
		Content:    record.Content,
		Processed:  record.Processed,
		CreatedAt:  record.CreatedAt.Format(time.RFC3339),
	}

	if record.Response != nil {
		p.Response = &types.Response{
			Content:          record.Response.Content,
			Model:            record.Response.Model,
			PromptTokens:     record.Response.PromptTokens,
			CompletionTokens: record.Response.CompletionTokens,
			TotalTokens:      record.Response.TotalTokens,
			Error:            record.Response.Error,
		}
	}

	if record.ProcessedAt != nil {
		processedAt := record.ProcessedAt.Format(time.RFC3339)
		p.ProcessedAt = &processedAt
	}

	return p
}

func recordToEvent(record *storage.EventRecord) types.Event {
	return types.Event{
		Index:     record.Index,
		Type:      record.Type,
		PromptID:  record.PromptID,
		Requester: record.Requester,
		CreatedAt: record.CreatedAt.Format(time.RFC3339),
	}
}

func recordToAttestation(record *storage.AttestationRecord) types.Attestation {
	return types.Attestation{
		Principal:   record.Principal,
		Attestation: record.Attestation,
		CreatedAt:   record.CreatedAt.Format(time.RFC3339),
	}
}

// statusForError maps domain sentinels to HTTP statuses. Anything unmapped is
// an internal error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, oracle.ErrNotOwner),
		errors.Is(err, requester.ErrNotOwner),
		errors.Is(err, requester.ErrCallerNotOracle):
		return fiber.StatusForbidden
	case errors.Is(err, oracle.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, oracle.ErrUnknownPrompt),
		errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, oracle.ErrAlreadyProcessed),
		errors.Is(err, oracle.ErrUnknownRequester),
		errors.Is(err, requester.ErrResponsePending),
		errors.Is(err, requester.ErrNoPendingMessage),
		errors.Is(err, requester.ErrGameFinished),
		errors.Is(err, requester.ErrAlreadyMinted):
		return fiber.StatusConflict
	case errors.Is(err, requester.ErrInvalidSelection):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func domainError(c *fiber.Ctx, err error) error {
	status := statusForError(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "Internal error"
	}
	return c.Status(status).JSON(types.ErrorResponse{Error: msg})
}
