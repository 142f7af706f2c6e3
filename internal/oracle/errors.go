package oracle

import "errors"

var (
	// ErrNotOwner is returned on owner-gated operations by anyone else.
	ErrNotOwner = errors.New("caller is not owner")
	// ErrUnauthorized is returned when a responder is missing from the whitelist.
	ErrUnauthorized = errors.New("responder is not whitelisted")
	// ErrUnknownPrompt is returned for prompt ids the ledger never issued.
	ErrUnknownPrompt = errors.New("unknown prompt id")
	// ErrAlreadyProcessed is returned on a second delivery for the same prompt.
	ErrAlreadyProcessed = errors.New("prompt already processed")
	// ErrUnknownRequester is returned when a prompt names a requester that was
	// never registered.
	ErrUnknownRequester = errors.New("unknown requester")
)
