package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordflow/recordflow/internal/platform/db"
)

// Ledger records processed command/event ids. MarkProcessed inside the commit
// transaction makes the already-processed check race-safe: a concurrent
// duplicate hits the primary key and the whole transaction rolls back.
type Ledger interface {
	AlreadyProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, msgType MessageType) error
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgLedger struct{ pool *pgxpool.Pool }

func NewPgLedger(pool *pgxpool.Pool) Ledger { return &pgLedger{pool: pool} }

func (l *pgLedger) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return l.pool
}

func (l *pgLedger) AlreadyProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := l.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_message WHERE id = $1)`, id,
	).Scan(&exists)
	return exists, err
}

func (l *pgLedger) MarkProcessed(ctx context.Context, id uuid.UUID, msgType MessageType) error {
	tag, err := l.conn(ctx).Exec(ctx,
		`INSERT INTO processed_message (id, message_type) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`, id, string(msgType))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// MemoryLedger is a map-backed Ledger. Test double.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[uuid.UUID]MessageType
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[uuid.UUID]MessageType)}
}

func (l *MemoryLedger) AlreadyProcessed(_ context.Context, id uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok, nil
}

func (l *MemoryLedger) MarkProcessed(_ context.Context, id uuid.UUID, msgType MessageType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return ErrAlreadyProcessed
	}
	l.seen[id] = msgType
	return nil
}
