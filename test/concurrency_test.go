package test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/agreement"
	"escrowflow/ledger"
)

// stubLedger counts transfers and can block mid-call or fail on demand, which
// lets the tests pin down what happens while a settlement is in flight.
type stubLedger struct {
	calls   atomic.Int64
	delay   time.Duration
	failure error

	started chan struct{} // closed once a transfer is in flight, when set
	release chan struct{} // transfer waits for this, when set
}

func (s *stubLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (string, error) {
	n := s.calls.Add(1)
	if s.started != nil {
		close(s.started)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.release != nil {
		<-s.release
	}
	if s.failure != nil {
		return "", s.failure
	}
	return fmt.Sprintf("txn-%d", n), nil
}

func newEngine(t *testing.T, lc ledger.Client) *agreement.Service {
	t.Helper()
	svc, err := agreement.NewService(context.Background(), agreement.Options{
		Ledger: lc,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func createFunded(t *testing.T, svc *agreement.Service, participants []string, threshold int, amount, balance uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateAgreement(ctx, "creator", agreement.CreateParams{
		ID:           "agr-1",
		Title:        "Concurrent settlement",
		Participants: participants,
		Milestones: []agreement.Milestone{{
			ID:        1,
			Title:     "payout",
			Condition: agreement.Condition{ReleaseCondition: agreement.ManualApproval{}},
			Recipient: "recipient-1",
			Amount:    amount,
		}},
		VotingThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if balance > 0 {
		if _, err := svc.FundAgreement(ctx, "creator", "agr-1", balance); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
}

func approveMilestone(t *testing.T, svc *agreement.Service, voters ...string) {
	t.Helper()
	for _, v := range voters {
		if _, err := svc.VoteMilestone(context.Background(), v, "agr-1", 1, true); err != nil {
			t.Fatalf("vote by %s: %v", v, err)
		}
	}
}

func TestConcurrentFundingStaysConsistent(t *testing.T) {
	svc := newEngine(t, &stubLedger{})
	createFunded(t, svc, []string{"bob"}, 50, 100, 0)

	var accepted atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			_, err := svc.FundAgreement(ctx, "bob", "agr-1", 10)
			switch {
			case err == nil:
				accepted.Add(1)
				return nil
			case agreement.IsDuplicateOperation(err):
				// Lost the guard race to a concurrent funding call.
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("funding actors errored: %v", err)
	}

	if accepted.Load() == 0 {
		t.Fatal("expected at least one funding call to win the guard")
	}
	want := uint64(accepted.Load()) * 10
	if got := svc.GetAgreementBalance("agr-1"); got != want {
		t.Fatalf("balance %d does not match %d accepted deposits", got, accepted.Load())
	}
}

func TestConcurrentExecutionSettlesOnce(t *testing.T) {
	lc := &stubLedger{delay: 50 * time.Millisecond}
	svc := newEngine(t, lc)
	createFunded(t, svc, []string{"bob"}, 50, 100, 200)
	approveMilestone(t, svc, "creator")

	var settled atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := svc.ExecuteMilestone(ctx, "bob", "agr-1", 1)
			switch {
			case err == nil:
				settled.Add(1)
				return nil
			case agreement.IsDuplicateOperation(err):
				return nil
			case errors.Is(err, agreement.ErrAlreadyExecuted):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("execution actors errored: %v", err)
	}

	if settled.Load() != 1 {
		t.Fatalf("expected exactly one settlement, got %d", settled.Load())
	}
	if lc.calls.Load() != 1 {
		t.Fatalf("expected exactly one ledger transfer, got %d", lc.calls.Load())
	}
	if got := svc.GetAgreementBalance("agr-1"); got != 100 {
		t.Fatalf("expected balance 100 after single payout, got %d", got)
	}
}

func TestConcurrentVotesAllCounted(t *testing.T) {
	voters := []string{"creator"}
	var participants []string
	for i := 1; i <= 9; i++ {
		p := fmt.Sprintf("participant-%d", i)
		participants = append(participants, p)
		voters = append(voters, p)
	}

	svc := newEngine(t, &stubLedger{})
	createFunded(t, svc, participants, 100, 100, 0)

	g, ctx := errgroup.WithContext(context.Background())
	for _, voter := range voters {
		g.Go(func() error {
			_, err := svc.VoteMilestone(ctx, voter, "agr-1", 1, true)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("voters errored: %v", err)
	}

	status, err := svc.GetMilestoneVotingStatus("agr-1", 1)
	if err != nil {
		t.Fatalf("voting status: %v", err)
	}
	if status.ApprovalVotes != len(voters) {
		t.Fatalf("expected %d counted approvals, got %d", len(voters), status.ApprovalVotes)
	}
	if status.Status != agreement.MilestoneApproved {
		t.Fatalf("expected approved at 100%% turnout, got %s", status.Status)
	}
}

func TestFundingDuringFailedSettlementIsPreserved(t *testing.T) {
	lc := &stubLedger{
		failure: ledger.ErrUnavailable,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := newEngine(t, lc)
	createFunded(t, svc, []string{"bob"}, 50, 100, 100)
	approveMilestone(t, svc, "creator")

	execDone := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteMilestone(context.Background(), "bob", "agr-1", 1)
		execDone <- err
	}()

	// Deposit while the reservation is out with the external ledger.
	<-lc.started
	if _, err := svc.FundAgreement(context.Background(), "bob", "agr-1", 40); err != nil {
		t.Fatalf("fund during settlement: %v", err)
	}
	close(lc.release)

	if err := <-execDone; !errors.Is(err, agreement.ErrSettlementFailure) {
		t.Fatalf("expected ErrSettlementFailure, got %v", err)
	}

	// Rollback re-adds the reserved amount without clobbering the deposit made
	// while the transfer was in flight.
	if got := svc.GetAgreementBalance("agr-1"); got != 140 {
		t.Fatalf("expected balance 140 after rollback, got %d", got)
	}
}

func TestRollbackSaturatesFullBalance(t *testing.T) {
	// Deposits during a failing settlement can refill the balance to the
	// maximum; restoring the reservation must saturate there, never wrap.
	lc := &stubLedger{
		failure: ledger.ErrUnavailable,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := newEngine(t, lc)
	createFunded(t, svc, []string{"bob"}, 50, 100, 0)
	approveMilestone(t, svc, "creator")

	half := uint64(math.MaxUint64 / 2)
	for _, amount := range []uint64{half, half, 1} {
		if _, err := svc.FundAgreement(context.Background(), "bob", "agr-1", amount); err != nil {
			t.Fatalf("fund %d: %v", amount, err)
		}
	}
	if got := svc.GetAgreementBalance("agr-1"); got != math.MaxUint64 {
		t.Fatalf("expected full balance before execution, got %d", got)
	}

	execDone := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteMilestone(context.Background(), "bob", "agr-1", 1)
		execDone <- err
	}()

	<-lc.started
	if _, err := svc.FundAgreement(context.Background(), "bob", "agr-1", 100); err != nil {
		t.Fatalf("fund during settlement: %v", err)
	}
	close(lc.release)

	if err := <-execDone; !errors.Is(err, agreement.ErrSettlementFailure) {
		t.Fatalf("expected ErrSettlementFailure, got %v", err)
	}

	if got := svc.GetAgreementBalance("agr-1"); got != math.MaxUint64 {
		t.Fatalf("expected balance saturated at max, got %d", got)
	}

	a, err := svc.GetAgreement("agr-1")
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Milestones[0].Status != agreement.MilestoneApproved {
		t.Fatalf("expected approved after rollback, got %s", a.Milestones[0].Status)
	}
}
