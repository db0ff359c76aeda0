package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/platform/telemetry"
)

// HandlerFunc runs in implicit-transaction mode: it receives the live unit of
// work and registers changes as it goes; the dispatcher commits once at the
// end.
type HandlerFunc func(ctx context.Context, msg Message, uow UnitOfWork) error

// ExplicitHandlerFunc runs in explicit-transaction mode: it records changes
// into a neutral change set without touching the store. The dispatcher
// replays the set against a fresh unit of work in one atomic commit, so the
// handler can be retried safely under at-least-once delivery.
type ExplicitHandlerFunc func(ctx context.Context, msg Message, cs *ChangeSet) error

type registration struct {
	implicit HandlerFunc
	explicit ExplicitHandlerFunc
}

// Dispatcher routes messages to their registered handler with at-most-once
// semantics: the idempotency ledger is checked before invocation and marked
// within the commit.
type Dispatcher struct {
	log      zerolog.Logger
	ledger   Ledger
	factory  UnitOfWorkFactory
	metrics  *telemetry.Metrics
	handlers map[MessageType]registration
}

func NewDispatcher(log zerolog.Logger, ledger Ledger, factory UnitOfWorkFactory, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		log:      log,
		ledger:   ledger,
		factory:  factory,
		metrics:  metrics,
		handlers: make(map[MessageType]registration),
	}
}

// Register binds an implicit-mode handler. Registering the same type twice
// panics: the handler table is a closed, build-time artifact and a duplicate
// means two packages claim the same message.
func (d *Dispatcher) Register(t MessageType, h HandlerFunc) {
	if _, dup := d.handlers[t]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler registration for %q", t))
	}
	d.handlers[t] = registration{implicit: h}
}

// RegisterExplicit binds an explicit-mode handler.
func (d *Dispatcher) RegisterExplicit(t MessageType, h ExplicitHandlerFunc) {
	if _, dup := d.handlers[t]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler registration for %q", t))
	}
	d.handlers[t] = registration{explicit: h}
}

// Registered reports whether a handler exists for the type.
func (d *Dispatcher) Registered(t MessageType) bool {
	_, ok := d.handlers[t]
	return ok
}

// Dispatch routes one message. Duplicate deliveries are logged and absorbed.
// Handler failures propagate only for strict-mode commands; otherwise they
// are logged and the message is treated as handled; retry is the caller's
// responsibility via the task queue.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	log := d.log.With().
		Str("message_id", msg.MessageID().String()).
		Str("message_type", string(msg.Type())).
		Logger()

	reg, ok := d.handlers[msg.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type())
	}

	processed, err := d.ledger.AlreadyProcessed(ctx, msg.MessageID())
	if err != nil {
		return fmt.Errorf("idempotency check for %s: %w", msg.MessageID(), err)
	}
	if processed {
		log.Info().Msg("duplicate message skipped")
		if d.metrics != nil {
			d.metrics.CommandsDuplicate.WithLabelValues(string(msg.Type())).Inc()
		}
		return nil
	}

	uow := d.factory()

	if reg.implicit != nil {
		err = reg.implicit(ctx, msg, uow)
	} else {
		cs := NewChangeSet()
		if err = reg.explicit(ctx, msg, cs); err == nil {
			uow.Replay(cs)
		}
	}

	if err == nil {
		uow.MarkProcessed(msg)
		err = uow.Commit(ctx)
		if errors.Is(err, ErrAlreadyProcessed) {
			// Lost the race against a concurrent duplicate; its commit won.
			log.Info().Msg("duplicate message skipped at commit")
			if d.metrics != nil {
				d.metrics.CommandsDuplicate.WithLabelValues(string(msg.Type())).Inc()
			}
			return nil
		}
	}

	if err != nil {
		strict := false
		if cmd, isCmd := msg.(Command); isCmd {
			strict = cmd.StrictMode()
		}
		if d.metrics != nil {
			d.metrics.CommandErrors.WithLabelValues(string(msg.Type()), fmt.Sprint(strict)).Inc()
		}
		if strict {
			return fmt.Errorf("dispatch %s: %w", msg.Type(), err)
		}
		log.Error().Err(err).Msg("handler failed; absorbed (non-strict)")
		return nil
	}

	if d.metrics != nil {
		d.metrics.CommandsDispatched.WithLabelValues(string(msg.Type())).Inc()
	}
	log.Debug().Msg("message dispatched")

	// Route whatever the commit surfaced: enqueued sub-commands first, then
	// domain events. Each goes through the same ledger-checked path.
	cmds, events := uow.Outbox()
	for _, cmd := range cmds {
		if err := d.Dispatch(ctx, cmd); err != nil {
			return err
		}
	}
	for _, evt := range events {
		if !d.Registered(evt.Type()) {
			// Events without a subscriber are facts nobody consumes yet.
			continue
		}
		if err := d.Dispatch(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
