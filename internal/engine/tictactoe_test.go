package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/engine"
	"github.com/mnemogo/mnemogo/internal/journal/memory"
)

// TestProcessor_TicTacToeWinBlocksFurtherMoves checks that after moves X(0,0), O(1,0),
// X(0,1), O(1,1), X(0,2) applied in order, state shows winner = X, draw =
// false.
func TestProcessor_TicTacToeWinBlocksFurtherMoves(t *testing.T) {
	ctx := context.Background()
	j := memory.New[movedEvt](discardLogger())
	p := engine.NewProcessor[ticTacToeState, movedEvt]("tictactoe::player::1", j, discardLogger())
	require.NoError(t, p.Start(ctx))

	moves := []moveCmd{
		{entityID: "tictactoe::player::1", Row: 0, Col: 0, Mark: 'X'},
		{entityID: "tictactoe::player::1", Row: 1, Col: 0, Mark: 'O'},
		{entityID: "tictactoe::player::1", Row: 0, Col: 1, Mark: 'X'},
		{entityID: "tictactoe::player::1", Row: 1, Col: 1, Mark: 'O'},
		{entityID: "tictactoe::player::1", Row: 0, Col: 2, Mark: 'X'},
	}
	for _, m := range moves {
		require.NoError(t, p.Submit(ctx, m))
	}

	state, err := p.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte('X'), state.Winner)
	assert.False(t, state.Draw)

	// Submitting O(1,2) after X has already won must be rejected: the
	// game is already decided.
	err = p.Submit(ctx, moveCmd{entityID: "tictactoe::player::1", Row: 1, Col: 2, Mark: 'O'})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregate.ErrValidation))
}

// TestProcessor_TicTacToeRejectsOutOfBoundsMove checks that submitting an out-of-bounds move
// on a fresh board is rejected by validate, and leaves journal and state
// unchanged.
func TestProcessor_TicTacToeRejectsOutOfBoundsMove(t *testing.T) {
	ctx := context.Background()
	j := memory.New[movedEvt](discardLogger())
	p := engine.NewProcessor[ticTacToeState, movedEvt]("tictactoe::fresh::1", j, discardLogger())
	require.NoError(t, p.Start(ctx))

	err := p.Submit(ctx, moveCmd{entityID: "tictactoe::fresh::1", Row: 3, Col: 3, Mark: 'X'})
	require.Error(t, err)

	state, err := p.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0), state.Winner)

	_, found, err := j.Highest(ctx, "tictactoe::fresh::1")
	require.NoError(t, err)
	assert.False(t, found)
}
