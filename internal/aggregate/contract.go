package aggregate

import "context"

// Context is an alias rather than a redeclaration so call sites read
// domain-ish while remaining drop-in compatible with context.Context.
type Context = context.Context

// Command is the capability set client code implements for each mutation it
// wants the engine to accept for entities of state type S, producing events
// of type E. Validate runs against the processor's current folded state;
// DeriveEvents runs only once Validate has succeeded and must return at
// least one event.
type Command[S any, E any] interface {
	Validate(state S) error
	DeriveEvents(state S) (NonEmptyVec[E], error)
	EntityID() string
	Name() string
}

// Event is the capability set client code implements for each event that
// can be folded into state type S. Apply is a pure fold: given the state
// before, it returns the state after. Effects runs after the event has been
// durably journaled and applied, and is the only place side effects
// (notifications, derived writes) belong; it does not participate in the
// fold and its errors are reported, not propagated.
type Event[S any] interface {
	Apply(state S) (S, error)
	Effects(before, after S)
}
