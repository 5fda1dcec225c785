package agreement

import "errors"

// Error taxonomy surfaced by every operation. Callers classify results with
// errors.Is; messages wrapped around these sentinels carry the specifics.
var (
	// ErrInvalidInput marks malformed, oversized, or empty caller input.
	ErrInvalidInput = errors.New("agreement: invalid input")
	// ErrUnauthorized marks a caller lacking the required role.
	ErrUnauthorized = errors.New("agreement: unauthorized")
	// ErrNotFound marks a missing agreement, milestone, or document.
	ErrNotFound = errors.New("agreement: not found")
	// ErrAlreadyExists marks an insert that would duplicate an existing record.
	ErrAlreadyExists = errors.New("agreement: already exists")
	// ErrInvalidState marks an operation invalid for the current lifecycle state.
	ErrInvalidState = errors.New("agreement: invalid state")
	// ErrDuplicateOperation marks a reentrant invocation of an in-flight operation.
	ErrDuplicateOperation = errors.New("agreement: operation already in progress")
	// ErrDuplicateVote marks a second ballot from the same identity.
	ErrDuplicateVote = errors.New("agreement: already voted")
	// ErrAlreadyExecuted marks a settlement retry on an executed milestone.
	ErrAlreadyExecuted = errors.New("agreement: milestone already executed")
	// ErrOverflow marks an arithmetic bound exceeded.
	ErrOverflow = errors.New("agreement: amount overflow")
	// ErrInsufficientFunds marks an escrow balance below the milestone amount.
	ErrInsufficientFunds = errors.New("agreement: insufficient escrow balance")
	// ErrSettlementFailure marks an external transfer failure; local state is
	// rolled back and the execution may be retried.
	ErrSettlementFailure = errors.New("agreement: settlement failed")
)
