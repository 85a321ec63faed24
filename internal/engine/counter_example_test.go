package engine_test

import (
	"github.com/mnemogo/mnemogo/internal/aggregate"
)

// counterState is a minimal aggregate fixture: a plain running total,
// starting at its zero value.
type counterState struct {
	Count int
}

// incrementCmd asks for the counter to go up by one. It always validates
// and always derives exactly one Incremented event.
type incrementCmd struct {
	entityID string
}

func (incrementCmd) Validate(counterState) error { return nil }

func (c incrementCmd) DeriveEvents(counterState) (aggregate.NonEmptyVec[incrementedEvt], error) {
	return aggregate.OneEvent(incrementedEvt{}), nil
}

func (c incrementCmd) EntityID() string { return c.entityID }

func (incrementCmd) Name() string { return "Increment" }

// incrementedEvt folds into state by adding one to Count.
type incrementedEvt struct{}

func (incrementedEvt) Apply(s counterState) (counterState, error) {
	s.Count++
	return s, nil
}

func (incrementedEvt) Effects(counterState, counterState) {}
