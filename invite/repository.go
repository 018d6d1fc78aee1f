package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"safetalk/pair"
)

var (
	// ErrInviteNotFound is returned when no invite matches the token.
	ErrInviteNotFound = errors.New("invite: not found")
	// ErrNoInviteForPair signals the pair has no invite yet.
	ErrNoInviteForPair = errors.New("invite: no invite for pair")
	// ErrRoundOneRequired signals the inviter has no approved round-1
	// statement to carry in the invitation preview.
	ErrRoundOneRequired = errors.New("invite: approved round-1 statement required")
	// ErrRoleOccupied signals role B of the target pair is already bound.
	ErrRoleOccupied = errors.New("invite: pair role already occupied")
	// ErrAlreadyPaired signals the accepting user is already a member of
	// an active pair that has a partner or recorded statements.
	ErrAlreadyPaired = errors.New("invite: user already belongs to an active pair")
)

const inviteColumns = `id, pair_id, inviter_user_id, invitee_email, token, status, created_at, accepted_at`

// PGRepository provides PostgreSQL access to invites and member binding.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed invite repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RoundOnePreview returns the inviter's approved round-1 text for the pair.
func (r *PGRepository) RoundOnePreview(ctx context.Context, pairID string) (string, error) {
	const query = `
		SELECT approved_text
		FROM statements
		WHERE pair_id = $1 AND author_role = 'A' AND round_number = 1
		  AND approved_text IS NOT NULL
	`

	var preview string
	if err := r.pool.QueryRow(ctx, query, pairID).Scan(&preview); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRoundOneRequired
		}
		return "", fmt.Errorf("invite: round-1 preview: %w", err)
	}
	return preview, nil
}

// Insert writes a fresh invite with the given token inside the transaction.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams, token string) (Invite, error) {
	const query = `
		INSERT INTO invites (pair_id, inviter_user_id, invitee_email, token, status)
		VALUES ($1, $2, $3, $4, 'sent')
		RETURNING ` + inviteColumns

	inv, err := scanInvite(tx.QueryRow(ctx, query, params.PairID, params.InviterUserID, params.InviteeEmail, token))
	if err != nil {
		return Invite{}, fmt.Errorf("invite: insert: %w", err)
	}
	return inv, nil
}

// LatestForInviter returns the most recent invite the user sent for the pair.
func (r *PGRepository) LatestForInviter(ctx context.Context, pairID, inviterUserID string) (Invite, error) {
	const query = `
		SELECT ` + inviteColumns + `
		FROM invites
		WHERE pair_id = $1 AND inviter_user_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	inv, err := scanInvite(r.pool.QueryRow(ctx, query, pairID, inviterUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrNoInviteForPair
		}
		return Invite{}, fmt.Errorf("invite: latest for inviter: %w", err)
	}
	return inv, nil
}

// HasAccepted reports whether the pair already has an accepted invite.
func (r *PGRepository) HasAccepted(ctx context.Context, pairID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM invites WHERE pair_id = $1 AND status = 'accepted')`

	var accepted bool
	if err := r.pool.QueryRow(ctx, query, pairID).Scan(&accepted); err != nil {
		return false, fmt.Errorf("invite: has accepted: %w", err)
	}
	return accepted, nil
}

// LockByToken reads the invite row under FOR UPDATE inside the transaction,
// serializing concurrent acceptance attempts for the same token.
func (r *PGRepository) LockByToken(ctx context.Context, tx pgx.Tx, token string) (Invite, error) {
	const query = `SELECT ` + inviteColumns + ` FROM invites WHERE token = $1 FOR UPDATE`

	inv, err := scanInvite(tx.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrInviteNotFound
		}
		return Invite{}, fmt.Errorf("invite: lock by token: %w", err)
	}
	return inv, nil
}

// MarkAccepted flips the invite from sent to accepted.
func (r *PGRepository) MarkAccepted(ctx context.Context, tx pgx.Tx, inviteID string) error {
	const query = `
		UPDATE invites
		SET status = 'accepted', accepted_at = now()
		WHERE id = $1 AND status = 'sent'
	`

	tag, err := tx.Exec(ctx, query, inviteID)
	if err != nil {
		return fmt.Errorf("invite: mark accepted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInviteNotFound
	}
	return nil
}

// BindMemberB binds the accepting user to the pair as role B. The unique
// constraint on (pair_id, role) is the double-accept guard.
func (r *PGRepository) BindMemberB(ctx context.Context, tx pgx.Tx, pairID, userID string) error {
	const query = `INSERT INTO pair_members (pair_id, user_id, role) VALUES ($1, $2, 'B')`

	if _, err := tx.Exec(ctx, query, pairID, userID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrRoleOccupied
		}
		return fmt.Errorf("invite: bind member: %w", err)
	}
	return nil
}

// ReleaseSoloPairs retires the user's auto-created empty pairs so the
// acceptance can bind them elsewhere without leaving a second active
// membership behind. A membership in a pair that already has a partner or
// recorded statements is not releasable and fails the acceptance.
func (r *PGRepository) ReleaseSoloPairs(ctx context.Context, tx pgx.Tx, userID string) error {
	const query = `
		SELECT p.id,
		       (SELECT count(*) FROM pair_members pm WHERE pm.pair_id = p.id),
		       EXISTS (SELECT 1 FROM statements s WHERE s.pair_id = p.id)
		FROM pair_members m
		JOIN pairs p ON p.id = m.pair_id
		WHERE m.user_id = $1 AND p.status = 'active'
		FOR UPDATE OF p
	`

	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("invite: lock member pairs: %w", err)
	}
	defer rows.Close()

	var released []string
	for rows.Next() {
		var (
			pairID        string
			members       int
			hasStatements bool
		)
		if err := rows.Scan(&pairID, &members, &hasStatements); err != nil {
			return fmt.Errorf("invite: scan member pair: %w", err)
		}
		if members > 1 || hasStatements {
			return ErrAlreadyPaired
		}
		released = append(released, pairID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("invite: iterate member pairs: %w", err)
	}
	if len(released) == 0 {
		return nil
	}

	const archive = `UPDATE pairs SET status = 'archived' WHERE id = ANY($1)`
	if _, err := tx.Exec(ctx, archive, released); err != nil {
		return fmt.Errorf("invite: archive solo pairs: %w", err)
	}
	return nil
}

// LockActivePairOwnedBy resolves the pair the owner initiated as role A,
// locking its row for the duration of a join by connection code.
func (r *PGRepository) LockActivePairOwnedBy(ctx context.Context, tx pgx.Tx, ownerUserID string) (string, error) {
	const query = `
		SELECT p.id
		FROM pair_members m
		JOIN pairs p ON p.id = m.pair_id
		WHERE m.user_id = $1 AND m.role = 'A' AND p.status = 'active'
		ORDER BY p.created_at DESC
		LIMIT 1
		FOR UPDATE OF p
	`

	var pairID string
	if err := tx.QueryRow(ctx, query, ownerUserID).Scan(&pairID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", pair.ErrNoActivePair
		}
		return "", fmt.Errorf("invite: lock pair for owner: %w", err)
	}
	return pairID, nil
}

// LockLatestForPair reads the pair's most recent invite under FOR UPDATE,
// serializing a join by code against token acceptances of the same invite.
func (r *PGRepository) LockLatestForPair(ctx context.Context, tx pgx.Tx, pairID string) (Invite, error) {
	const query = `
		SELECT ` + inviteColumns + `
		FROM invites
		WHERE pair_id = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`

	inv, err := scanInvite(tx.QueryRow(ctx, query, pairID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrInviteNotFound
		}
		return Invite{}, fmt.Errorf("invite: lock latest for pair: %w", err)
	}
	return inv, nil
}

// GetPair reads the target pair inside the transaction.
func (r *PGRepository) GetPair(ctx context.Context, tx pgx.Tx, pairID string) (pair.Pair, error) {
	const query = `SELECT id, status, current_round, current_turn, created_at FROM pairs WHERE id = $1`

	var p pair.Pair
	if err := tx.QueryRow(ctx, query, pairID).Scan(&p.ID, &p.Status, &p.CurrentRound, &p.CurrentTurn, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pair.Pair{}, pair.ErrPairNotFound
		}
		return pair.Pair{}, fmt.Errorf("invite: get pair: %w", err)
	}
	return p, nil
}

// AppendEvent writes an audit event row inside the transaction.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, pairID, userID, eventType string, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("invite: marshal event metadata: %w", err)
	}

	const query = `INSERT INTO events (pair_id, user_id, type, metadata) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, query, pairID, userID, eventType, body); err != nil {
		return fmt.Errorf("invite: append event: %w", err)
	}
	return nil
}

func scanInvite(row pgx.Row) (Invite, error) {
	var inv Invite
	err := row.Scan(
		&inv.ID,
		&inv.PairID,
		&inv.InviterUserID,
		&inv.InviteeEmail,
		&inv.Token,
		&inv.Status,
		&inv.CreatedAt,
		&inv.AcceptedAt,
	)
	if err != nil {
		return Invite{}, err
	}
	return inv, nil
}
