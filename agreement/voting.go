package agreement

import (
	"context"
	"fmt"
)

// VoteMilestone records the caller's ballot and resolves the vote when a
// threshold is crossed. A pending milestone whose release condition has been
// satisfied in the meantime (a time gate expiring, say) is promoted before
// the ballot is taken, so voting requests re-evaluate conditions just like
// document signing does. Quorum counts the creator once on top of the
// participants; required approvals use integer ceiling division so a 66%
// threshold over 3 voters needs 2 approvals. A milestone is rejected as soon
// as the remaining voters can no longer reach the approval bound.
func (s *Service) VoteMilestone(ctx context.Context, caller, agreementID string, milestoneID uint64, approve bool) (string, error) {
	release, err := s.guard.Acquire(fmt.Sprintf("vote:%s:%d:%s", agreementID, milestoneID, caller))
	if err != nil {
		return "", fmt.Errorf("%w: vote on milestone %d by %s", ErrDuplicateOperation, milestoneID, caller)
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[agreementID]
	if !ok {
		return "", fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	if !a.isParty(caller) {
		return "", fmt.Errorf("%w: only agreement participants can vote", ErrUnauthorized)
	}

	m := a.milestone(milestoneID)
	if m == nil {
		return "", fmt.Errorf("%w: milestone %d", ErrNotFound, milestoneID)
	}
	if m.Status == MilestonePending && conditionMet(a, m.Condition, s.now()) {
		promoteSatisfied(m)
		if err := s.persistAgreement(ctx, a); err != nil {
			return "", err
		}
	}
	if m.Status != MilestoneReadyForVoting && m.Status != MilestoneVotingActive {
		return "", fmt.Errorf("%w: milestone %d is not open for voting", ErrInvalidState, milestoneID)
	}
	if _, voted := m.Votes[caller]; voted {
		return "", fmt.Errorf("%w: %s already voted on milestone %d", ErrDuplicateVote, caller, milestoneID)
	}

	if m.Votes == nil {
		m.Votes = make(map[string]bool)
	}
	m.Votes[caller] = approve
	m.Status = MilestoneVotingActive

	n, required := a.quorum()
	approvals, rejections := m.tally()

	var outcome string
	switch {
	case approvals >= required:
		m.Status = MilestoneApproved
		outcome = "milestone approved by participant vote"
	case rejections > n-required:
		// The approval bound is out of reach even if everyone left approves.
		m.Status = MilestoneRejected
		outcome = "milestone rejected by participant vote"
	default:
		outcome = "vote recorded, waiting for more votes"
	}

	if err := s.persistAgreement(ctx, a); err != nil {
		return "", err
	}

	ballot := "reject"
	if approve {
		ballot = "approve"
	}
	if err := s.record(ctx, "vote_milestone", agreementID, &milestoneID, nil, caller,
		fmt.Sprintf("voted %s on milestone %d by %s", ballot, milestoneID, caller)); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s (%d approve, %d reject, %d required)", outcome, approvals, rejections, required), nil
}
