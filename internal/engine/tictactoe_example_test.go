package engine_test

import (
	"errors"

	"github.com/mnemogo/mnemogo/internal/aggregate"
)

// ticTacToeState is a game-of-tic-tac-toe fixture: a 3x3 board of single
// characters ('X', 'O', or 0 for empty), the winner's mark (0 if none),
// and a draw flag.
type ticTacToeState struct {
	Board  [3][3]byte
	Winner byte
	Draw   bool
}

var errCellOccupied = errors.New("cell already occupied")
var errGameOver = errors.New("game already decided")
var errOutOfBounds = errors.New("move out of bounds")

// moveCmd places mark at (Row, Col). Validate rejects out-of-bounds and
// occupied cells, as well as any move once the game already has a winner
// or is a draw.
type moveCmd struct {
	entityID string
	Row, Col int
	Mark     byte
}

func (c moveCmd) Validate(s ticTacToeState) error {
	if c.Row < 0 || c.Row > 2 || c.Col < 0 || c.Col > 2 {
		return errOutOfBounds
	}
	if s.Winner != 0 || s.Draw {
		return errGameOver
	}
	if s.Board[c.Row][c.Col] != 0 {
		return errCellOccupied
	}
	return nil
}

func (c moveCmd) DeriveEvents(ticTacToeState) (aggregate.NonEmptyVec[movedEvt], error) {
	return aggregate.OneEvent(movedEvt{Row: c.Row, Col: c.Col, Mark: c.Mark}), nil
}

func (c moveCmd) EntityID() string { return c.entityID }
func (moveCmd) Name() string       { return "Move" }

// movedEvt places a mark and recomputes winner/draw. Apply is a pure
// fold: winner detection never fails, it only ever produces a new board
// state.
type movedEvt struct {
	Row, Col int
	Mark     byte
}

func (e movedEvt) Apply(s ticTacToeState) (ticTacToeState, error) {
	s.Board[e.Row][e.Col] = e.Mark
	s.Winner = detectWinner(s.Board)
	if s.Winner == 0 {
		s.Draw = boardFull(s.Board)
	}
	return s, nil
}

func (movedEvt) Effects(ticTacToeState, ticTacToeState) {}

func detectWinner(b [3][3]byte) byte {
	lines := [][3][2]int{
		{{0, 0}, {0, 1}, {0, 2}},
		{{1, 0}, {1, 1}, {1, 2}},
		{{2, 0}, {2, 1}, {2, 2}},
		{{0, 0}, {1, 0}, {2, 0}},
		{{0, 1}, {1, 1}, {2, 1}},
		{{0, 2}, {1, 2}, {2, 2}},
		{{0, 0}, {1, 1}, {2, 2}},
		{{0, 2}, {1, 1}, {2, 0}},
	}
	for _, line := range lines {
		a, bb, c := b[line[0][0]][line[0][1]], b[line[1][0]][line[1][1]], b[line[2][0]][line[2][1]]
		if a != 0 && a == bb && bb == c {
			return a
		}
	}
	return 0
}

func boardFull(b [3][3]byte) bool {
	for _, row := range b {
		for _, c := range row {
			if c == 0 {
				return false
			}
		}
	}
	return true
}
