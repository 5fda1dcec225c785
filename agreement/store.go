package agreement

import (
	"context"
	"sync"
)

// Snapshot is the full durable state: one record per agreement, one balance
// entry per agreement id, and the append-only event sequence.
type Snapshot struct {
	Agreements map[string]*Agreement
	Balances   map[string]uint64
	Events     []Event
}

// Store is the durability boundary. The service owns all state in memory and
// writes through after each mutation; Load seeds it after a restart.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveAgreement(ctx context.Context, a *Agreement) error
	SaveBalance(ctx context.Context, agreementID string, balance uint64) error
	AppendEvent(ctx context.Context, e Event) error
}

// MemoryStore keeps the snapshot in process memory. It backs tests and runs
// the engine without Postgres; state survives service re-creation but not the
// process.
type MemoryStore struct {
	mu         sync.Mutex
	agreements map[string]*Agreement
	balances   map[string]uint64
	events     []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements: make(map[string]*Agreement),
		balances:   make(map[string]uint64),
	}
}

func (s *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Agreements: make(map[string]*Agreement, len(s.agreements)),
		Balances:   make(map[string]uint64, len(s.balances)),
		Events:     append([]Event(nil), s.events...),
	}
	for id, a := range s.agreements {
		snap.Agreements[id] = a.clone()
	}
	for id, b := range s.balances {
		snap.Balances[id] = b
	}
	return snap, nil
}

func (s *MemoryStore) SaveAgreement(ctx context.Context, a *Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements[a.ID] = a.clone()
	return nil
}

func (s *MemoryStore) SaveBalance(ctx context.Context, agreementID string, balance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[agreementID] = balance
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}
