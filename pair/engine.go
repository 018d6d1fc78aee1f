package pair

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AdvanceRepository defines the data access the engine needs inside one
// transaction.
type AdvanceRepository interface {
	LockPair(ctx context.Context, tx pgx.Tx, pairID string) (Pair, error)
	InsertApprovedStatement(ctx context.Context, tx pgx.Tx, pairID string, role Role, roundNumber int, text string) error
	CountRoundApprovals(ctx context.Context, tx pgx.Tx, pairID string, roundNumber int) (countA, countB int, err error)
	UpdatePairState(ctx context.Context, tx pgx.Tx, p Pair) error
	AppendEvent(ctx context.Context, tx pgx.Tx, pairID, userID, eventType string, metadata map[string]any) error
}

// Engine executes the atomic approve-and-advance transition. All writes for
// one submission happen inside a single transaction holding the pair row
// lock, so two concurrent submissions against the same pair serialize and
// neither can observe a statement without its advancement or vice versa.
type Engine struct {
	pool TxBeginner
	repo AdvanceRepository
}

// NewEngine builds an advancement engine on the given pool and repository.
func NewEngine(pool TxBeginner, repo AdvanceRepository) *Engine {
	return &Engine{pool: pool, repo: repo}
}

// ApproveAndAdvance records the approved statement for (pairID, role,
// roundNumber) and advances the pair's (status, round, turn) triple in one
// atomic unit.
//
// The four turn conditions are re-validated against the freshly locked row,
// closing the gap between the caller's fast-fail check and this write. The
// statement insert races on its unique constraint; the loser of a duplicate
// submission gets ErrStatementExists and must not retry.
func (e *Engine) ApproveAndAdvance(ctx context.Context, pairID string, role Role, roundNumber int, text, userID string) (Pair, error) {
	if pairID == "" {
		return Pair{}, fmt.Errorf("pair: missing pair id")
	}
	if text == "" {
		return Pair{}, fmt.Errorf("pair: missing approved text")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Pair{}, fmt.Errorf("pair: begin advance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := e.repo.LockPair(ctx, tx, pairID)
	if err != nil {
		return Pair{}, err
	}

	if err := ValidateTurn(p, role, roundNumber); err != nil {
		return Pair{}, err
	}

	if err := e.repo.InsertApprovedStatement(ctx, tx, pairID, role, roundNumber, text); err != nil {
		return Pair{}, err
	}

	countA, countB, err := e.repo.CountRoundApprovals(ctx, tx, pairID, p.CurrentRound)
	if err != nil {
		return Pair{}, err
	}

	next := advance(p, countA, countB)
	if next != p {
		if err := e.repo.UpdatePairState(ctx, tx, next); err != nil {
			return Pair{}, err
		}
	}

	if err := e.repo.AppendEvent(ctx, tx, pairID, userID, "statement_approved", map[string]any{
		"author_role":  string(role),
		"round_number": roundNumber,
	}); err != nil {
		return Pair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Pair{}, fmt.Errorf("pair: commit advance tx: %w", err)
	}
	return next, nil
}

// advance computes the next pair state from the current round's approval
// counts and whose turn it was. The transition is re-derived from raw counts
// each time rather than tracked as separate who-went-first state, so it can
// be replayed from the statements table alone.
func advance(p Pair, countA, countB int) Pair {
	next := p
	switch {
	case countA == 1 && countB == 1:
		// Both roles finished the current round.
		if p.CurrentRound >= RoundMax {
			next.Status = StatusCompleted
		} else {
			next.CurrentRound = p.CurrentRound + 1
			next.CurrentTurn = RoleA
		}
	case countA == 1 && countB == 0 && p.CurrentTurn == RoleA,
		countB == 1 && countA == 0 && p.CurrentTurn == RoleB:
		next.CurrentTurn = p.CurrentTurn.other()
	default:
		// Unreachable when the validator holds; leave the pair untouched.
	}
	return next
}
