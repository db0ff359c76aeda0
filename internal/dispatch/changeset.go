package dispatch

// ChangeSet is an explicit, in-memory record of everything a handler wants
// persisted: created/updated/removed aggregate snapshots plus any
// sub-commands and events to route after the commit. It is passed by value
// between the business layer and the persistence layer, so a handler running
// in explicit-transaction mode touches no storage until the dispatcher
// replays the set atomically.
type ChangeSet struct {
	Created  []Aggregate
	Updated  []Aggregate
	Removed  []Aggregate
	Commands []Command
	Events   []Event
}

// Sink is the neutral change-tracking interface handlers write to. Both the
// ChangeSet (explicit mode) and live units of work (implicit mode) satisfy it.
type Sink interface {
	RegisterNew(a Aggregate)
	RegisterDirty(a Aggregate)
	RegisterRemoved(a Aggregate)
	EnqueueCommand(c Command)
	PublishEvent(e Event)
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{}
}

func (cs *ChangeSet) RegisterNew(a Aggregate)     { cs.Created = append(cs.Created, a) }
func (cs *ChangeSet) RegisterDirty(a Aggregate)   { cs.Updated = append(cs.Updated, a) }
func (cs *ChangeSet) RegisterRemoved(a Aggregate) { cs.Removed = append(cs.Removed, a) }
func (cs *ChangeSet) EnqueueCommand(c Command)    { cs.Commands = append(cs.Commands, c) }
func (cs *ChangeSet) PublishEvent(e Event)        { cs.Events = append(cs.Events, e) }

// Empty reports whether the change set stages nothing at all.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Created) == 0 && len(cs.Updated) == 0 && len(cs.Removed) == 0 &&
		len(cs.Commands) == 0 && len(cs.Events) == 0
}

// drainAggregateEvents collects domain events raised by staged aggregates
// into the change set's event list.
func (cs *ChangeSet) drainAggregateEvents() {
	for _, list := range [][]Aggregate{cs.Created, cs.Updated, cs.Removed} {
		for _, a := range list {
			if raiser, ok := a.(EventRaiser); ok {
				cs.Events = append(cs.Events, raiser.DrainEvents()...)
			}
		}
	}
}
