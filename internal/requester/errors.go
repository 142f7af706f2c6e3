package requester

import "errors"

var (
	// ErrCallerNotOracle is returned when a delivery does not carry the
	// oracle's token.
	ErrCallerNotOracle = errors.New("caller is not oracle")
	// ErrNotOwner is returned when someone other than the conversation owner
	// tries to advance it.
	ErrNotOwner = errors.New("caller is not conversation owner")
	// ErrNoPendingMessage is returned on a delivery for a conversation that
	// is not expecting one.
	ErrNoPendingMessage = errors.New("no message to respond to")
	// ErrResponsePending is returned when a new message arrives before the
	// previous one was answered.
	ErrResponsePending = errors.New("no response to previous message")
	// ErrInvalidSelection is returned for game selections outside 0-3.
	ErrInvalidSelection = errors.New("selection needs to be 0-3")
	// ErrGameFinished rejects moves in a finished game.
	ErrGameFinished = errors.New("game is finished")
	// ErrAlreadyMinted rejects any further responses once a token is minted.
	ErrAlreadyMinted = errors.New("token already minted")
)
