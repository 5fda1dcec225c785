package agreement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the engine state in PostgreSQL: one JSONB row per
// agreement, one balance row per agreement id, and an append-only events
// table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the backing tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const schemaSQL = `
CREATE TABLE IF NOT EXISTS agreements (
    id TEXT PRIMARY KEY,
    doc JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS escrow_balances (
    agreement_id TEXT PRIMARY KEY,
    amount NUMERIC(20,0) NOT NULL CHECK (amount >= 0)
);
CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    payload JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("agreement: ensure schema: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Agreements: make(map[string]*Agreement),
		Balances:   make(map[string]uint64),
	}

	rows, err := s.pool.Query(ctx, `SELECT doc FROM agreements`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agreement: load agreements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return Snapshot{}, fmt.Errorf("agreement: scan agreement: %w", err)
		}
		var a Agreement
		if err := json.Unmarshal(doc, &a); err != nil {
			return Snapshot{}, fmt.Errorf("agreement: decode agreement: %w", err)
		}
		snap.Agreements[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("agreement: iterate agreements: %w", err)
	}

	balanceRows, err := s.pool.Query(ctx, `SELECT agreement_id, amount::text FROM escrow_balances`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agreement: load balances: %w", err)
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var (
			id     string
			amount string
		)
		if err := balanceRows.Scan(&id, &amount); err != nil {
			return Snapshot{}, fmt.Errorf("agreement: scan balance: %w", err)
		}
		parsed, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("agreement: parse balance for %s: %w", id, err)
		}
		snap.Balances[id] = parsed
	}
	if err := balanceRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("agreement: iterate balances: %w", err)
	}

	eventRows, err := s.pool.Query(ctx, `SELECT payload FROM events ORDER BY id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agreement: load events: %w", err)
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var payload []byte
		if err := eventRows.Scan(&payload); err != nil {
			return Snapshot{}, fmt.Errorf("agreement: scan event: %w", err)
		}
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return Snapshot{}, fmt.Errorf("agreement: decode event: %w", err)
		}
		snap.Events = append(snap.Events, e)
	}
	if err := eventRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("agreement: iterate events: %w", err)
	}

	return snap, nil
}

func (s *PGStore) SaveAgreement(ctx context.Context, a *Agreement) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("agreement: encode agreement: %w", err)
	}

	const upsertSQL = `
INSERT INTO agreements (id, doc, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
`
	if _, err := s.pool.Exec(ctx, upsertSQL, a.ID, doc); err != nil {
		return fmt.Errorf("agreement: save agreement: %w", err)
	}
	return nil
}

func (s *PGStore) SaveBalance(ctx context.Context, agreementID string, balance uint64) error {
	const upsertSQL = `
INSERT INTO escrow_balances (agreement_id, amount)
VALUES ($1, $2::numeric)
ON CONFLICT (agreement_id) DO UPDATE SET amount = EXCLUDED.amount
`
	if _, err := s.pool.Exec(ctx, upsertSQL, agreementID, strconv.FormatUint(balance, 10)); err != nil {
		return fmt.Errorf("agreement: save balance: %w", err)
	}
	return nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("agreement: encode event: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO events (payload) VALUES ($1)`, payload); err != nil {
		return fmt.Errorf("agreement: append event: %w", err)
	}
	return nil
}
