package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordflow/recordflow/internal/platform/db"
)

// Persister knows how to write one aggregate kind to the store. Repositories
// register one per kind; the unit of work routes staged aggregates to them
// inside the commit transaction.
type Persister interface {
	Kind() string
	Insert(ctx context.Context, a Aggregate) error
	Update(ctx context.Context, a Aggregate) error
	Delete(ctx context.Context, a Aggregate) error
}

// UnitOfWork stages aggregate changes and processed-message marks, and
// commits them atomically. After a successful Commit, Outbox returns the
// sub-commands and domain events to route next.
type UnitOfWork interface {
	Sink
	MarkProcessed(msg Message)
	Replay(cs *ChangeSet)
	Commit(ctx context.Context) error
	Outbox() ([]Command, []Event)
}

// UnitOfWorkFactory builds a fresh unit of work per dispatched message.
type UnitOfWorkFactory func() UnitOfWork

// ---------------------------------------------------------------------------
// Postgres unit of work
// ---------------------------------------------------------------------------

type PgUnitOfWork struct {
	pool       *pgxpool.Pool
	persisters map[string]Persister
	ledger     Ledger

	set       ChangeSet
	marks     []Message
	committed bool
}

// NewPgUnitOfWork builds a unit of work committing through the given
// persisters within one pgx transaction.
func NewPgUnitOfWork(pool *pgxpool.Pool, ledger Ledger, persisters ...Persister) *PgUnitOfWork {
	byKind := make(map[string]Persister, len(persisters))
	for _, p := range persisters {
		byKind[p.Kind()] = p
	}
	return &PgUnitOfWork{pool: pool, persisters: byKind, ledger: ledger}
}

func (u *PgUnitOfWork) RegisterNew(a Aggregate)     { u.set.RegisterNew(a) }
func (u *PgUnitOfWork) RegisterDirty(a Aggregate)   { u.set.RegisterDirty(a) }
func (u *PgUnitOfWork) RegisterRemoved(a Aggregate) { u.set.RegisterRemoved(a) }
func (u *PgUnitOfWork) EnqueueCommand(c Command)    { u.set.EnqueueCommand(c) }
func (u *PgUnitOfWork) PublishEvent(e Event)        { u.set.PublishEvent(e) }

func (u *PgUnitOfWork) MarkProcessed(msg Message) {
	u.marks = append(u.marks, msg)
}

// Replay copies a change set recorded by an explicit-mode handler into this
// unit of work.
func (u *PgUnitOfWork) Replay(cs *ChangeSet) {
	u.set.Created = append(u.set.Created, cs.Created...)
	u.set.Updated = append(u.set.Updated, cs.Updated...)
	u.set.Removed = append(u.set.Removed, cs.Removed...)
	u.set.Commands = append(u.set.Commands, cs.Commands...)
	u.set.Events = append(u.set.Events, cs.Events...)
}

func (u *PgUnitOfWork) persister(a Aggregate) (Persister, error) {
	p, ok := u.persisters[a.AggregateKind()]
	if !ok {
		return nil, fmt.Errorf("no persister registered for aggregate kind %q", a.AggregateKind())
	}
	return p, nil
}

// Commit writes every staged change in one transaction. Marked messages are
// recorded in the idempotency ledger inside the same transaction, so a
// concurrent duplicate delivery aborts wholesale instead of half-applying.
func (u *PgUnitOfWork) Commit(ctx context.Context) error {
	err := db.RunInTx(ctx, u.pool, func(txCtx context.Context) error {
		for _, a := range u.set.Created {
			p, err := u.persister(a)
			if err != nil {
				return err
			}
			if err := p.Insert(txCtx, a); err != nil {
				return fmt.Errorf("insert %s %s: %w", a.AggregateKind(), a.AggregateID(), err)
			}
		}
		for _, a := range u.set.Updated {
			p, err := u.persister(a)
			if err != nil {
				return err
			}
			if err := p.Update(txCtx, a); err != nil {
				return fmt.Errorf("update %s %s: %w", a.AggregateKind(), a.AggregateID(), err)
			}
		}
		for _, a := range u.set.Removed {
			p, err := u.persister(a)
			if err != nil {
				return err
			}
			if err := p.Delete(txCtx, a); err != nil {
				return fmt.Errorf("delete %s %s: %w", a.AggregateKind(), a.AggregateID(), err)
			}
		}
		for _, msg := range u.marks {
			if err := u.ledger.MarkProcessed(txCtx, msg.MessageID(), msg.Type()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	u.set.drainAggregateEvents()
	u.committed = true
	return nil
}

func (u *PgUnitOfWork) Outbox() ([]Command, []Event) {
	if !u.committed {
		return nil, nil
	}
	return u.set.Commands, u.set.Events
}

// ---------------------------------------------------------------------------
// In-memory unit of work
// ---------------------------------------------------------------------------

// MemoryStore is a map-backed aggregate store shared by in-memory units of
// work. Test double for the document store port.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[uuid.UUID]Aggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[uuid.UUID]Aggregate)}
}

// Get returns the stored aggregate, or nil.
func (s *MemoryStore) Get(kind string, id uuid.UUID) Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[kind][id]
}

// All returns every stored aggregate of the given kind.
func (s *MemoryStore) All(kind string) []Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Aggregate
	for _, a := range s.rows[kind] {
		out = append(out, a)
	}
	return out
}

func (s *MemoryStore) put(a Aggregate) {
	if s.rows[a.AggregateKind()] == nil {
		s.rows[a.AggregateKind()] = make(map[uuid.UUID]Aggregate)
	}
	s.rows[a.AggregateKind()][a.AggregateID()] = a
}

// MemoryUnitOfWork applies staged changes to a MemoryStore and a memory
// ledger on Commit.
type MemoryUnitOfWork struct {
	store  *MemoryStore
	ledger Ledger

	set       ChangeSet
	marks     []Message
	committed bool
}

func NewMemoryUnitOfWork(store *MemoryStore, ledger Ledger) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{store: store, ledger: ledger}
}

func (u *MemoryUnitOfWork) RegisterNew(a Aggregate)     { u.set.RegisterNew(a) }
func (u *MemoryUnitOfWork) RegisterDirty(a Aggregate)   { u.set.RegisterDirty(a) }
func (u *MemoryUnitOfWork) RegisterRemoved(a Aggregate) { u.set.RegisterRemoved(a) }
func (u *MemoryUnitOfWork) EnqueueCommand(c Command)    { u.set.EnqueueCommand(c) }
func (u *MemoryUnitOfWork) PublishEvent(e Event)        { u.set.PublishEvent(e) }

func (u *MemoryUnitOfWork) MarkProcessed(msg Message) {
	u.marks = append(u.marks, msg)
}

func (u *MemoryUnitOfWork) Replay(cs *ChangeSet) {
	u.set.Created = append(u.set.Created, cs.Created...)
	u.set.Updated = append(u.set.Updated, cs.Updated...)
	u.set.Removed = append(u.set.Removed, cs.Removed...)
	u.set.Commands = append(u.set.Commands, cs.Commands...)
	u.set.Events = append(u.set.Events, cs.Events...)
}

func (u *MemoryUnitOfWork) Commit(ctx context.Context) error {
	for _, msg := range u.marks {
		if err := u.ledger.MarkProcessed(ctx, msg.MessageID(), msg.Type()); err != nil {
			return err
		}
	}

	u.store.mu.Lock()
	for _, a := range u.set.Created {
		u.store.put(a)
	}
	for _, a := range u.set.Updated {
		u.store.put(a)
	}
	for _, a := range u.set.Removed {
		if kinds := u.store.rows[a.AggregateKind()]; kinds != nil {
			delete(kinds, a.AggregateID())
		}
	}
	u.store.mu.Unlock()

	u.set.drainAggregateEvents()
	u.committed = true
	return nil
}

func (u *MemoryUnitOfWork) Outbox() ([]Command, []Event) {
	if !u.committed {
		return nil, nil
	}
	return u.set.Commands, u.set.Events
}
