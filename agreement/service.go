package agreement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/guard"
	"escrowflow/ledger"
)

const (
	maxIDLength          = 256
	maxTitleLength       = 256
	maxDescriptionLength = 1024
	maxMilestones        = 100
	maxParticipants      = 50
	minVotingThreshold   = 50
	maxVotingThreshold   = 100
)

// Notifier publishes semantic events to downstream consumers. Publishing is
// best-effort; implementations must swallow their own failures.
type Notifier interface {
	PublishEvent(ctx context.Context, e Event)
}

// Service is the agreement orchestrator. It validates caller input, enforces
// participant authorization, and sequences the milestone state machine, voting
// engine, and escrow ledger. All state mutation happens under its mutex; the
// only operation that releases the lock mid-flight is milestone settlement.
type Service struct {
	mu         sync.Mutex
	agreements map[string]*Agreement
	balances   map[string]uint64
	events     []Event
	ledger     ledger.Client

	guard    *guard.Guard
	store    Store
	notifier Notifier
	admin    string
	now      func() time.Time
	log      zerolog.Logger
}

// Options configures a Service. Ledger is required; a nil Store defaults to an
// in-memory one and a nil Clock to time.Now.
type Options struct {
	Store    Store
	Ledger   ledger.Client
	Notifier Notifier
	Admin    string
	Clock    func() time.Time
	Logger   zerolog.Logger
}

// NewService loads the durable snapshot and returns a ready orchestrator.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("agreement: ledger client required")
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: load state: %w", err)
	}
	if snap.Agreements == nil {
		snap.Agreements = make(map[string]*Agreement)
	}
	if snap.Balances == nil {
		snap.Balances = make(map[string]uint64)
	}

	return &Service{
		agreements: snap.Agreements,
		balances:   snap.Balances,
		events:     snap.Events,
		ledger:     opts.Ledger,
		guard:      guard.New(),
		store:      store,
		notifier:   opts.Notifier,
		admin:      opts.Admin,
		now:        clock,
		log:        opts.Logger,
	}, nil
}

// CreateParams carries the caller-supplied fields for a new agreement.
type CreateParams struct {
	ID              string
	Title           string
	Description     string
	Participants    []string
	Documents       []DocumentRef
	Milestones      []Milestone
	VotingThreshold int
}

// CreateAgreement validates the full parameter set, normalizes the supplied
// milestones (votes cleared, statuses derived from their conditions,
// timestamps reset), and stores the agreement active.
func (s *Service) CreateAgreement(ctx context.Context, caller string, params CreateParams) (string, error) {
	if caller == Anonymous {
		return "", fmt.Errorf("%w: anonymous caller cannot create agreements", ErrInvalidInput)
	}
	if params.ID == "" || params.Title == "" {
		return "", fmt.Errorf("%w: agreement id and title cannot be empty", ErrInvalidInput)
	}
	if len(params.ID) > maxIDLength {
		return "", fmt.Errorf("%w: agreement id too long (max %d characters)", ErrInvalidInput, maxIDLength)
	}
	if len(params.Title) > maxTitleLength {
		return "", fmt.Errorf("%w: title too long (max %d characters)", ErrInvalidInput, maxTitleLength)
	}
	if len(params.Description) > maxDescriptionLength {
		return "", fmt.Errorf("%w: description too long (max %d characters)", ErrInvalidInput, maxDescriptionLength)
	}
	if params.VotingThreshold < minVotingThreshold || params.VotingThreshold > maxVotingThreshold {
		return "", fmt.Errorf("%w: voting threshold must be between %d and %d", ErrInvalidInput, minVotingThreshold, maxVotingThreshold)
	}
	if len(params.Milestones) == 0 {
		return "", fmt.Errorf("%w: agreement must have at least one milestone", ErrInvalidInput)
	}
	if len(params.Milestones) > maxMilestones {
		return "", fmt.Errorf("%w: too many milestones (max %d)", ErrInvalidInput, maxMilestones)
	}
	if len(params.Participants) > maxParticipants {
		return "", fmt.Errorf("%w: too many participants (max %d)", ErrInvalidInput, maxParticipants)
	}

	seenIDs := make(map[uint64]struct{}, len(params.Milestones))
	var totalAmount uint64
	for _, m := range params.Milestones {
		if _, dup := seenIDs[m.ID]; dup {
			return "", fmt.Errorf("%w: duplicate milestone id %d", ErrInvalidInput, m.ID)
		}
		seenIDs[m.ID] = struct{}{}
		if m.Amount == 0 {
			return "", fmt.Errorf("%w: milestone amounts must be greater than zero", ErrInvalidInput)
		}
		if m.Condition.ReleaseCondition == nil {
			return "", fmt.Errorf("%w: milestone %d has no release condition", ErrInvalidInput, m.ID)
		}
		if totalAmount > math.MaxUint64-m.Amount {
			return "", fmt.Errorf("%w: total milestone amount overflows", ErrInvalidInput)
		}
		totalAmount += m.Amount
	}

	participants := make(map[string]struct{}, len(params.Participants))
	for _, p := range params.Participants {
		if p == Anonymous {
			return "", fmt.Errorf("%w: anonymous identity cannot be a participant", ErrInvalidInput)
		}
		participants[p] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agreements[params.ID]; exists {
		return "", fmt.Errorf("%w: agreement with id %q already exists", ErrInvalidInput, params.ID)
	}

	now := s.now()

	documents := make([]DocumentRef, len(params.Documents))
	for i, d := range params.Documents {
		d.RequiredSigners = append([]string(nil), d.RequiredSigners...)
		d.CurrentSigners = append([]string(nil), d.CurrentSigners...)
		d.recomputeSignedByAll()
		documents[i] = d
	}

	a := &Agreement{
		ID:              params.ID,
		Title:           params.Title,
		Description:     params.Description,
		Creator:         caller,
		Participants:    participants,
		Documents:       documents,
		VotingThreshold: params.VotingThreshold,
		Status:          StatusActive,
		CreatedAt:       now,
	}

	// Caller-supplied lifecycle fields are never trusted: votes and execution
	// timestamps are cleared, and the status is derived from the condition so
	// nobody can smuggle in an approved or executed milestone.
	a.Milestones = make([]Milestone, len(params.Milestones))
	for i, m := range params.Milestones {
		m.Votes = make(map[string]bool)
		m.CreatedAt = now
		m.CompletedAt = nil
		m.ExecutedAt = nil
		if conditionMet(a, m.Condition, now) {
			promoteSatisfied(&m)
		} else {
			m.Status = MilestonePending
		}
		a.Milestones[i] = m
	}

	s.agreements[a.ID] = a
	if err := s.persistAgreement(ctx, a); err != nil {
		return "", err
	}
	if err := s.record(ctx, "create_agreement", a.ID, nil, nil, caller,
		fmt.Sprintf("agreement '%s' created with %d milestones, total value %d", a.Title, len(a.Milestones), totalAmount)); err != nil {
		return "", err
	}

	return fmt.Sprintf("agreement '%s' created successfully with %d milestones", a.Title, len(a.Milestones)), nil
}

// AddParticipant inserts a new participant. Only the creator or admin may do
// this.
func (s *Service) AddParticipant(ctx context.Context, caller, agreementID, participant string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[agreementID]
	if !ok {
		return "", fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	if caller != a.Creator && (caller == Anonymous || caller != s.admin) {
		return "", fmt.Errorf("%w: only the creator or admin may add participants", ErrUnauthorized)
	}
	if participant == Anonymous {
		return "", fmt.Errorf("%w: anonymous identity cannot be a participant", ErrInvalidInput)
	}
	if _, exists := a.Participants[participant]; exists {
		return "", fmt.Errorf("%w: participant %s", ErrAlreadyExists, participant)
	}

	a.Participants[participant] = struct{}{}
	if err := s.persistAgreement(ctx, a); err != nil {
		return "", err
	}
	if err := s.record(ctx, "add_participant", agreementID, nil, nil, caller,
		fmt.Sprintf("added participant %s", participant)); err != nil {
		return "", err
	}

	return fmt.Sprintf("participant %s added to agreement", participant), nil
}

// FundAgreement increases the escrow balance with checked addition. Guarded
// against reentrant funding of the same agreement.
func (s *Service) FundAgreement(ctx context.Context, caller, agreementID string, amount uint64) (string, error) {
	if amount == 0 {
		return "", fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	if amount > math.MaxUint64/2 {
		return "", fmt.Errorf("%w: amount too large", ErrInvalidInput)
	}

	release, err := s.guard.Acquire("fund:" + agreementID)
	if err != nil {
		return "", fmt.Errorf("%w: funding of %s", ErrDuplicateOperation, agreementID)
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[agreementID]
	if !ok {
		return "", fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	if !a.isParty(caller) {
		return "", fmt.Errorf("%w: only agreement participants can fund this agreement", ErrUnauthorized)
	}

	current := s.balances[agreementID]
	if current > math.MaxUint64-amount {
		return "", fmt.Errorf("%w: escrow balance would overflow", ErrOverflow)
	}
	newBalance := current + amount

	s.balances[agreementID] = newBalance
	if err := s.store.SaveBalance(ctx, agreementID, newBalance); err != nil {
		return "", fmt.Errorf("agreement: persist balance: %w", err)
	}
	if err := s.record(ctx, "fund_agreement", agreementID, nil, nil, caller,
		fmt.Sprintf("funded with %d by %s", amount, caller)); err != nil {
		return "", err
	}

	return fmt.Sprintf("agreement funded with %d. New balance: %d", amount, newBalance), nil
}

// SignDocument records the caller's signature and re-evaluates every pending
// milestone. Satisfied document-signature milestones are approved outright;
// every other satisfied kind becomes ready for voting. Returns the ids of
// milestones that left pending.
func (s *Service) SignDocument(ctx context.Context, caller, agreementID, docID string) (string, []uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[agreementID]
	if !ok {
		return "", nil, fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	if !a.isParty(caller) {
		return "", nil, fmt.Errorf("%w: only agreement participants can sign documents", ErrUnauthorized)
	}

	doc := a.document(docID)
	if doc == nil {
		return "", nil, fmt.Errorf("%w: document %q", ErrNotFound, docID)
	}
	if !containsSigner(doc.RequiredSigners, caller) {
		return "", nil, fmt.Errorf("%w: %s is not a required signer of document %q", ErrUnauthorized, caller, docID)
	}

	if !containsSigner(doc.CurrentSigners, caller) {
		doc.CurrentSigners = append(doc.CurrentSigners, caller)
	}
	doc.recomputeSignedByAll()

	now := s.now()
	var ready []uint64
	for i := range a.Milestones {
		m := &a.Milestones[i]
		if m.Status != MilestonePending {
			continue
		}
		if !conditionMet(a, m.Condition, now) {
			continue
		}
		promoteSatisfied(m)
		ready = append(ready, m.ID)
	}

	if err := s.persistAgreement(ctx, a); err != nil {
		return "", nil, err
	}
	if err := s.record(ctx, "sign_document", agreementID, nil, &docID, caller,
		fmt.Sprintf("document '%s' signed", doc.Title)); err != nil {
		return "", nil, err
	}

	msg := fmt.Sprintf("document '%s' signed successfully", doc.Title)
	if len(ready) > 0 {
		msg = fmt.Sprintf("%s. Milestones now ready: %v", msg, ready)
	}
	return msg, ready, nil
}

// SetLedger swaps the external ledger client. Admin only.
func (s *Service) SetLedger(caller string, client ledger.Client) error {
	if client == nil {
		return fmt.Errorf("%w: ledger client required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if caller == Anonymous || caller != s.admin {
		return fmt.Errorf("%w: only admin may change the ledger client", ErrUnauthorized)
	}
	s.ledger = client
	return nil
}

// GetAgreement returns a copy of the agreement.
func (s *Service) GetAgreement(agreementID string) (*Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[agreementID]
	if !ok {
		return nil, fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	return a.clone(), nil
}

// ListMyAgreements returns copies of every agreement the caller created or
// participates in, ordered by id for stable output.
func (s *Service) ListMyAgreements(caller string) []*Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Agreement
	for _, a := range s.agreements {
		if a.isParty(caller) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetMilestoneVotingStatus reports the current tallies and quorum arithmetic
// for a milestone.
func (s *Service) GetMilestoneVotingStatus(agreementID string, milestoneID uint64) (VotingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[agreementID]
	if !ok {
		return VotingStatus{}, fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	m := a.milestone(milestoneID)
	if m == nil {
		return VotingStatus{}, fmt.Errorf("%w: milestone %d", ErrNotFound, milestoneID)
	}

	n, required := a.quorum()
	approvals, rejections := m.tally()
	return VotingStatus{
		MilestoneID:       milestoneID,
		Status:            m.Status,
		ApprovalVotes:     approvals,
		RejectionVotes:    rejections,
		TotalParticipants: n,
		RequiredVotes:     required,
		VotingThreshold:   a.VotingThreshold,
	}, nil
}

// GetAgreementBalance returns the current escrow balance, zero when unfunded.
func (s *Service) GetAgreementBalance(agreementID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[agreementID]
}

// ListEvents returns the append-only event log in insertion order.
func (s *Service) ListEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *Service) persistAgreement(ctx context.Context, a *Agreement) error {
	if err := s.store.SaveAgreement(ctx, a); err != nil {
		return fmt.Errorf("agreement: persist agreement: %w", err)
	}
	return nil
}

// record appends one semantic event, persists it, and hands it to the
// notifier. Callers hold the service mutex.
func (s *Service) record(ctx context.Context, eventType, agreementID string, milestoneID *uint64, documentID *string, actor, details string) error {
	e := Event{
		Type:        eventType,
		AgreementID: agreementID,
		MilestoneID: milestoneID,
		DocumentID:  documentID,
		Actor:       actor,
		Details:     details,
		Timestamp:   s.now(),
	}
	s.events = append(s.events, e)
	if err := s.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("agreement: persist event: %w", err)
	}
	if s.notifier != nil {
		s.notifier.PublishEvent(ctx, e)
	}
	s.log.Debug().
		Str("event_type", eventType).
		Str("agreement_id", agreementID).
		Str("actor", actor).
		Msg("event recorded")
	return nil
}

// IsDuplicateOperation reports whether err came from the reentrancy guard or
// a duplicate ballot.
func IsDuplicateOperation(err error) bool {
	return errors.Is(err, ErrDuplicateOperation) || errors.Is(err, ErrDuplicateVote)
}
