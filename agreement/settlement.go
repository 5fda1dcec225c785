package agreement

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"escrowflow/ledger"
)

// ExecuteMilestone settles an approved milestone in two phases: the amount is
// reserved (deducted) synchronously before the external transfer is issued, so
// a concurrent execution attempt can never pass the sufficient-funds check
// against money that is already committed. A failed transfer restores the
// reservation in full and leaves the milestone approved for a retry.
func (s *Service) ExecuteMilestone(ctx context.Context, caller, agreementID string, milestoneID uint64) (string, error) {
	release, err := s.guard.Acquire(fmt.Sprintf("execute:%s:%d", agreementID, milestoneID))
	if err != nil {
		return "", fmt.Errorf("%w: execution of milestone %d", ErrDuplicateOperation, milestoneID)
	}
	defer release()

	// Phase A: validate and capture under the lock.
	s.mu.Lock()

	a, ok := s.agreements[agreementID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	if !a.isParty(caller) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: only agreement participants can execute milestones", ErrUnauthorized)
	}
	m := a.milestone(milestoneID)
	if m == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: milestone %d", ErrNotFound, milestoneID)
	}
	if m.ExecutedAt != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: milestone %d", ErrAlreadyExecuted, milestoneID)
	}
	if m.Status != MilestoneApproved {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: milestone %d is not approved for execution", ErrInvalidState, milestoneID)
	}

	balance := s.balances[agreementID]
	if balance < m.Amount {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: required %d, available %d", ErrInsufficientFunds, m.Amount, balance)
	}

	amount := m.Amount
	recipient := m.Recipient
	title := m.Title
	lc := s.ledger

	// Phase B: reserve. Deducting before the call closes the window where a
	// second execution could double-spend the same funds.
	reserved := balance - amount
	s.balances[agreementID] = reserved
	if err := s.store.SaveBalance(ctx, agreementID, reserved); err != nil {
		s.balances[agreementID] = balance
		s.mu.Unlock()
		return "", fmt.Errorf("agreement: persist reservation: %w", err)
	}
	s.mu.Unlock()

	// Phase C: external transfer. May block for a long time; no locks held.
	ref, transferErr := lc.Transfer(ctx, ledger.TransferRequest{
		To:             recipient,
		Amount:         amount,
		Memo:           fmt.Sprintf("Milestone %d payment for agreement %s", milestoneID, agreementID),
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      s.now(),
	})

	// Phase D: commit the reservation or roll it back.
	s.mu.Lock()
	defer s.mu.Unlock()

	if transferErr != nil {
		restored := s.balances[agreementID]
		if restored > math.MaxUint64-amount {
			// Deposits made during the transfer left no headroom for the
			// reservation; saturate instead of wrapping the balance.
			s.log.Error().
				Str("agreement_id", agreementID).
				Uint64("milestone_id", milestoneID).
				Uint64("unrestored", amount - (math.MaxUint64 - restored)).
				Msg("rollback would overflow balance, saturating")
			restored = math.MaxUint64
		} else {
			restored += amount
		}
		s.balances[agreementID] = restored
		if err := s.store.SaveBalance(ctx, agreementID, restored); err != nil {
			s.log.Error().Err(err).
				Str("agreement_id", agreementID).
				Uint64("milestone_id", milestoneID).
				Msg("persist rollback balance")
		}
		s.log.Warn().Err(transferErr).
			Str("agreement_id", agreementID).
			Uint64("milestone_id", milestoneID).
			Msg("transfer failed, reservation rolled back")
		return "", fmt.Errorf("%w: %w", ErrSettlementFailure, transferErr)
	}

	now := s.now()
	m.Status = MilestoneExecuted
	m.CompletedAt = &now
	m.ExecutedAt = &now
	if err := s.persistAgreement(ctx, a); err != nil {
		return "", err
	}
	if err := s.record(ctx, "execute_milestone", agreementID, &milestoneID, nil, caller,
		fmt.Sprintf("milestone '%s' executed, payment: %d", title, amount)); err != nil {
		return "", err
	}

	return fmt.Sprintf("milestone '%s' executed successfully. Transfer ref: %s. Remaining balance: %d",
		title, ref, s.balances[agreementID]), nil
}
