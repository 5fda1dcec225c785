// Package ledger defines the boundary to the external settlement ledger. The
// escrow engine only depends on Client; concrete transports live behind it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransferRequest describes one balance transfer to the ledger service.
type TransferRequest struct {
	To             string
	Amount         uint64
	Memo           string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Client performs the actual balance transfer. Implementations return either a
// settlement reference or one of the typed failures below; callers treat every
// failure uniformly as rollback-and-report.
type Client interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// Typed transfer failures reported by the ledger service.
var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrStaleRequest      = errors.New("ledger: request too old")
	ErrFutureDated       = errors.New("ledger: request created in future")
	ErrDuplicate         = errors.New("ledger: duplicate transfer")
	ErrUnavailable       = errors.New("ledger: temporarily unavailable")
)

// Error carries a ledger-side code and message for failures outside the
// sentinel set.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: error %d: %s", e.Code, e.Message)
}
