package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"safetalk/invite"
	"safetalk/pair"
)

// expected reports whether the error is a rejection the domain hands out
// under contention rather than a failure.
func expected(err error) bool {
	return errors.Is(err, pair.ErrNotYourTurn) ||
		errors.Is(err, pair.ErrWrongRound) ||
		errors.Is(err, pair.ErrRoundOutOfBounds) ||
		errors.Is(err, pair.ErrStatementExists) ||
		errors.Is(err, pair.ErrPairNotActive) ||
		errors.Is(err, pair.ErrPairNotFound)
}

// Submitter hammers one role's side of a shared pair through the production
// engine. Several submitters race per role, so most attempts lose on the
// turn check or the unique constraint; the oracles verify the survivors.
func Submitter(ctx context.Context, repo *pair.Repository, engine *pair.Engine, pairID, userID string, role pair.Role, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		p, err := repo.GetPair(ctx, pairID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Chaos may have severed the connection mid-query.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if p.Status != pair.StatusActive {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		round := p.CurrentRound
		if rand.Intn(10) == 0 {
			// Occasionally submit a stale or absurd round to exercise rejection.
			round = 1 + rand.Intn(pair.RoundMax+2)
		}

		text := fmt.Sprintf("thank you, round %d from %s (%d)", round, role, rand.Int63())
		_, err = engine.ApproveAndAdvance(ctx, pairID, role, round, text, userID)
		if err != nil && !expected(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Lifecycle drives whole pairs from signup to completion in a loop: create
// two users, open a pair, approve round 1, invite, accept, then alternate
// approvals until the pair completes. Each iteration leaves a finished pair
// behind for the oracles to audit.
func Lifecycle(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	repo := pair.NewRepository(pool)
	engine := pair.NewEngine(pool, repo)
	pairs := pair.NewService(repo)
	invites := invite.NewService(pool, invite.NewRepository(pool))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := runPairToCompletion(ctx, pool, pairs, engine, invites); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

func runPairToCompletion(ctx context.Context, pool *pgxpool.Pool, pairs *pair.Service, engine *pair.Engine, invites *invite.Service) error {
	userA, _, err := seedUser(ctx, pool)
	if err != nil {
		return err
	}
	userB, emailB, err := seedUser(ctx, pool)
	if err != nil {
		return err
	}

	p, role, err := pairs.GetOrCreateActivePair(ctx, userA)
	if err != nil {
		return err
	}
	if role != pair.RoleA {
		return fmt.Errorf("fresh user resolved role %s", role)
	}

	if _, err := engine.ApproveAndAdvance(ctx, p.ID, pair.RoleA, 1, "thanks for everything you do", userA); err != nil {
		return err
	}

	result, err := invites.Create(ctx, invite.CreateParams{
		PairID:        p.ID,
		InviterUserID: userA,
		InviteeEmail:  emailB,
	})
	if err != nil {
		return err
	}

	// B views their scorecard before accepting, which auto-creates a solo
	// pair. Acceptance must retire it.
	soloPair, soloRole, err := pairs.GetOrCreateActivePair(ctx, userB)
	if err != nil {
		return err
	}
	if soloRole != pair.RoleA || soloPair.ID == p.ID {
		return fmt.Errorf("invitee pre-resolved pair %s as role %s", soloPair.ID, soloRole)
	}

	// Race two acceptances of the same token; exactly one may bind role B.
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := invites.Accept(ctx, result.Invite.Token, userB, emailB)
			done <- err
		}()
	}
	var accepted int
	for i := 0; i < 2; i++ {
		err := <-done
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, invite.ErrAlreadyAccepted), errors.Is(err, invite.ErrRoleOccupied):
			// loser of the race
		default:
			return err
		}
	}
	if accepted != 1 {
		return fmt.Errorf("expected exactly one acceptance winner, got %d", accepted)
	}

	// B's only active membership is now the joined pair; the solo pair was
	// archived inside the acceptance transaction.
	resolved, resolvedRole, err := pairs.GetOrCreateActivePair(ctx, userB)
	if err != nil {
		return err
	}
	if resolved.ID != p.ID || resolvedRole != pair.RoleB {
		return fmt.Errorf("invitee resolved pair %s as role %s after accepting %s", resolved.ID, resolvedRole, p.ID)
	}

	// B answers round 1, then the two alternate to the end.
	if _, err := engine.ApproveAndAdvance(ctx, p.ID, pair.RoleB, 1, "thank you for saying that", userB); err != nil {
		return err
	}
	for round := 2; round <= pair.RoundMax; round++ {
		if _, err := engine.ApproveAndAdvance(ctx, p.ID, pair.RoleA, round, fmt.Sprintf("round %d from A", round), userA); err != nil {
			return err
		}
		if _, err := engine.ApproveAndAdvance(ctx, p.ID, pair.RoleB, round, fmt.Sprintf("round %d from B", round), userB); err != nil {
			return err
		}
	}

	final, err := pairs.GetPair(ctx, p.ID)
	if err != nil {
		return err
	}
	if final.Status != pair.StatusCompleted {
		return fmt.Errorf("pair %s finished all rounds but is %s", p.ID, final.Status)
	}
	return nil
}

// Reader projects scorecards off the shared pair while writers race, and
// verifies each projection is internally consistent: at most one active
// slot, and no text outside completed slots.
func Reader(ctx context.Context, pool *pgxpool.Pool, pairID string, stop <-chan struct{}) error {
	repo := pair.NewRepository(pool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		p, err := repo.GetPair(ctx, pairID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		statements, err := repo.ListStatements(ctx, pairID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		slots := pair.ProjectSlots(p, statements)
		active := 0
		for _, rs := range slots {
			for _, slot := range []pair.Slot{rs.A, rs.B} {
				switch slot.State {
				case pair.SlotActive:
					active++
				case pair.SlotLocked:
					if slot.Text != nil {
						return fmt.Errorf("pair %s: locked slot carries text", pairID)
					}
				}
			}
		}
		if active > 1 {
			return fmt.Errorf("pair %s: %d active slots in one projection", pairID, active)
		}
		if p.Status == pair.StatusCompleted && active != 0 {
			return fmt.Errorf("pair %s: completed but shows an active slot", pairID)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

func seedUser(ctx context.Context, pool *pgxpool.Pool) (id, email string, err error) {
	email = fmt.Sprintf("u%d@example.com", rand.Int63())
	code := fmt.Sprintf("S%d", rand.Int63())
	err = pool.QueryRow(ctx,
		`INSERT INTO users (email, connection_code) VALUES ($1, $2) RETURNING id`,
		email, code).Scan(&id)
	return id, email, err
}
