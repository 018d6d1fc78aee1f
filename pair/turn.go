package pair

import "errors"

var (
	// ErrPairNotActive signals the pair already completed (or is otherwise
	// closed to writes).
	ErrPairNotActive = errors.New("pair: pair is no longer active")
	// ErrRoundOutOfBounds signals a round number outside [1, RoundMax].
	ErrRoundOutOfBounds = errors.New("pair: round number out of bounds")
	// ErrNotYourTurn signals a submission by the role whose turn it is not.
	ErrNotYourTurn = errors.New("pair: not your turn")
	// ErrWrongRound signals a submission for a round other than the current one.
	ErrWrongRound = errors.New("pair: wrong round")
)

// ValidateTurn reports whether an approval for (role, roundNumber) is legal
// against the given pair state. It is side-effect free and safe to call any
// number of times; the advancement engine re-runs it against freshly locked
// state, so a passing result here is only a fast-fail optimization.
func ValidateTurn(p Pair, role Role, roundNumber int) error {
	if p.Status != StatusActive {
		return ErrPairNotActive
	}
	if roundNumber < 1 || roundNumber > RoundMax {
		return ErrRoundOutOfBounds
	}
	if p.CurrentTurn != role {
		return ErrNotYourTurn
	}
	if p.CurrentRound != roundNumber {
		return ErrWrongRound
	}
	return nil
}
