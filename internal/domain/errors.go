package domain

import "errors"

// Matching core error taxonomy. Admission errors are returned
// synchronously to the order's originator and never mutate state.
var (
	// ErrInvalidOrder marks a malformed order or a tick-size violation.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnknownPair marks an operation on an unconfigured trading pair.
	ErrUnknownPair = errors.New("unknown trading pair")

	// ErrOrderNotResident marks an operation targeting an order that is
	// not currently resting in the book or pending index.
	ErrOrderNotResident = errors.New("order not resident")

	// ErrAlreadyTerminal marks a cancel of an order already in a
	// terminal state.
	ErrAlreadyTerminal = errors.New("order already terminal")

	// ErrStaleReference marks synthetic matching being unavailable
	// because the reference feed has not updated within the staleness
	// window.
	ErrStaleReference = errors.New("stale reference price")

	// ErrConflictingOperation marks a cancel/fill race lost to whichever
	// operation the pair sequencer admitted first.
	ErrConflictingOperation = errors.New("conflicting operation")

	// ErrInsufficientFunds marks an AssetLedger lock failure at
	// admission time.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSequencerClosed marks a command sent to a stopped pair
	// sequencer.
	ErrSequencerClosed = errors.New("sequencer closed")
)
