package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/engine"
	"github.com/mnemogo/mnemogo/internal/journal/memory"
)

// poisonedEvt's Apply fails when the event was derived while applyFails
// was armed, modeling an apply failure after the journal write: the event
// is already durable by the time Apply runs, so the failure is
// unrecoverable in-process. The flag is an exported field so the memory
// journal's gob encoding accepts the event.
type poisonedEvt struct {
	ApplyFails bool
}

func (e poisonedEvt) Apply(s counterState) (counterState, error) {
	if e.ApplyFails {
		return counterState{}, errors.New("apply exploded")
	}
	s.Count++
	return s, nil
}

func (poisonedEvt) Effects(counterState, counterState) {}

type poisonCmd struct {
	entityID   string
	applyFails *atomic.Bool
}

func (poisonCmd) Validate(counterState) error { return nil }

func (c poisonCmd) DeriveEvents(counterState) (aggregate.NonEmptyVec[poisonedEvt], error) {
	return aggregate.OneEvent(poisonedEvt{ApplyFails: c.applyFails.Load()}), nil
}

func (c poisonCmd) EntityID() string { return c.entityID }
func (poisonCmd) Name() string       { return "Poison" }

// TestProcessor_ApplyFailureAfterWriteIsFatal checks that once Apply fails
// on an already-journaled event, the entity is poisoned for the rest of
// the process's life: the failing call gets ErrApply, the event stays
// durable, and every later call (including ones already blocked in
// Submit) resolves to ErrMailbox rather than hanging or silently reusing
// stale state.
func TestProcessor_ApplyFailureAfterWriteIsFatal(t *testing.T) {
	ctx := context.Background()
	j := memory.New[poisonedEvt](discardLogger())
	p := engine.NewProcessor[counterState, poisonedEvt]("poison::1", j, discardLogger())
	require.NoError(t, p.Start(ctx))

	var applyFails atomic.Bool
	require.NoError(t, p.Submit(ctx, poisonCmd{entityID: "poison::1", applyFails: &applyFails}))

	applyFails.Store(true)
	err := p.Submit(ctx, poisonCmd{entityID: "poison::1", applyFails: &applyFails})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregate.ErrApply))

	// The failed event is still durable: the journal advanced even though
	// apply rejected it.
	highest, found, err := j.Highest(ctx, "poison::1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), highest)

	// The entity is now poisoned: every further call fails with
	// ErrMailbox, even though applyFails is still armed and the mailbox
	// itself was never closed out from under a concurrent sender.
	_, err = p.GetState(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregate.ErrMailbox))

	applyFails.Store(false)
	err = p.Submit(ctx, poisonCmd{entityID: "poison::1", applyFails: &applyFails})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregate.ErrMailbox))
}
