package pair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPairNotFound is returned when no pair row exists for the identifier.
	ErrPairNotFound = errors.New("pair: not found")
	// ErrNoActivePair signals the user has no membership in an active pair.
	ErrNoActivePair = errors.New("pair: no active pair for user")
	// ErrMemberNotFound signals the user is not a member of the pair.
	ErrMemberNotFound = errors.New("pair: member not found")
	// ErrPartnerNotJoined signals the second member has not accepted yet.
	ErrPartnerNotJoined = errors.New("pair: partner not joined")
	// ErrStatementExists signals a statement already exists for the
	// (pair, role, round) triple. Retried submissions land here instead of
	// double-recording.
	ErrStatementExists = errors.New("pair: statement already exists for round")
)

const pairColumns = `id, status, current_round, current_turn, created_at`

// Repository provides PostgreSQL access to pairs, members, and statements.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetActivePairForUser finds the user's membership whose pair is active.
func (r *Repository) GetActivePairForUser(ctx context.Context, userID string) (Pair, Role, error) {
	const query = `
		SELECT p.id, p.status, p.current_round, p.current_turn, p.created_at, m.role
		FROM pair_members m
		JOIN pairs p ON p.id = m.pair_id
		WHERE m.user_id = $1 AND p.status = 'active'
		ORDER BY p.created_at DESC
		LIMIT 1
	`

	var (
		p    Pair
		role Role
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(&p.ID, &p.Status, &p.CurrentRound, &p.CurrentTurn, &p.CreatedAt, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pair{}, "", ErrNoActivePair
		}
		return Pair{}, "", fmt.Errorf("pair: get active pair: %w", err)
	}
	return p, role, nil
}

// CreatePairWithMember inserts a fresh pair and binds the user as role A in
// one transaction, so a failed member insert never leaves an orphaned pair.
func (r *Repository) CreatePairWithMember(ctx context.Context, userID string) (Pair, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Pair{}, fmt.Errorf("pair: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var p Pair
	const insertPairSQL = `
		INSERT INTO pairs (status, current_round, current_turn)
		VALUES ('active', 1, 'A')
		RETURNING ` + pairColumns
	if err := tx.QueryRow(ctx, insertPairSQL).Scan(&p.ID, &p.Status, &p.CurrentRound, &p.CurrentTurn, &p.CreatedAt); err != nil {
		return Pair{}, fmt.Errorf("pair: insert pair: %w", err)
	}

	const insertMemberSQL = `
		INSERT INTO pair_members (pair_id, user_id, role)
		VALUES ($1, $2, 'A')
	`
	if _, err := tx.Exec(ctx, insertMemberSQL, p.ID, userID); err != nil {
		return Pair{}, fmt.Errorf("pair: insert member: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Pair{}, fmt.Errorf("pair: commit create tx: %w", err)
	}
	return p, nil
}

// GetPair fetches a pair by its primary key.
func (r *Repository) GetPair(ctx context.Context, pairID string) (Pair, error) {
	const query = `SELECT ` + pairColumns + ` FROM pairs WHERE id = $1`

	var p Pair
	err := r.pool.QueryRow(ctx, query, pairID).Scan(&p.ID, &p.Status, &p.CurrentRound, &p.CurrentTurn, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pair{}, ErrPairNotFound
		}
		return Pair{}, fmt.Errorf("pair: get pair: %w", err)
	}
	return p, nil
}

// GetMemberRole returns the fixed role of a user within a pair.
func (r *Repository) GetMemberRole(ctx context.Context, pairID, userID string) (Role, error) {
	const query = `SELECT role FROM pair_members WHERE pair_id = $1 AND user_id = $2`

	var role Role
	if err := r.pool.QueryRow(ctx, query, pairID, userID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrMemberNotFound
		}
		return "", fmt.Errorf("pair: get member role: %w", err)
	}
	return role, nil
}

// GetPartner returns the other member of the pair, with their email.
func (r *Repository) GetPartner(ctx context.Context, pairID, userID string) (Partner, error) {
	const query = `
		SELECT m.role, u.email
		FROM pair_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.pair_id = $1 AND m.user_id <> $2
	`

	var partner Partner
	if err := r.pool.QueryRow(ctx, query, pairID, userID).Scan(&partner.Role, &partner.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partner{}, ErrPartnerNotJoined
		}
		return Partner{}, fmt.Errorf("pair: get partner: %w", err)
	}
	return partner, nil
}

// CurrentTurnEmail returns the email of the member whose turn it currently is.
func (r *Repository) CurrentTurnEmail(ctx context.Context, pairID string) (string, error) {
	const query = `
		SELECT u.email
		FROM pairs p
		JOIN pair_members m ON m.pair_id = p.id AND m.role = p.current_turn
		JOIN users u ON u.id = m.user_id
		WHERE p.id = $1
	`

	var email string
	if err := r.pool.QueryRow(ctx, query, pairID).Scan(&email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrMemberNotFound
		}
		return "", fmt.Errorf("pair: current turn email: %w", err)
	}
	return email, nil
}

// ListStatements returns all statements for a pair ordered by round.
func (r *Repository) ListStatements(ctx context.Context, pairID string) ([]Statement, error) {
	const query = `
		SELECT id, pair_id, author_role, round_number, approved_text, approved_at, created_at
		FROM statements
		WHERE pair_id = $1
		ORDER BY round_number, author_role
	`

	rows, err := r.pool.Query(ctx, query, pairID)
	if err != nil {
		return nil, fmt.Errorf("pair: list statements: %w", err)
	}
	defer rows.Close()

	statements := make([]Statement, 0, 2*RoundMax)
	for rows.Next() {
		var st Statement
		if err := rows.Scan(&st.ID, &st.PairID, &st.AuthorRole, &st.RoundNumber, &st.ApprovedText, &st.ApprovedAt, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("pair: scan statement: %w", err)
		}
		statements = append(statements, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pair: iterate statements: %w", err)
	}
	return statements, nil
}

// LockPair reads the pair row under FOR UPDATE inside the active transaction.
// Callers hold the lock until commit or rollback, which makes the pair row
// the single serialization point for advancement.
func (r *Repository) LockPair(ctx context.Context, tx pgx.Tx, pairID string) (Pair, error) {
	const query = `SELECT ` + pairColumns + ` FROM pairs WHERE id = $1 FOR UPDATE`

	var p Pair
	if err := tx.QueryRow(ctx, query, pairID).Scan(&p.ID, &p.Status, &p.CurrentRound, &p.CurrentTurn, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pair{}, ErrPairNotFound
		}
		return Pair{}, fmt.Errorf("pair: lock pair: %w", err)
	}
	return p, nil
}

// InsertApprovedStatement records the approved text for (pair, role, round).
// The unique constraint on the triple is the idempotency backstop: a retried
// submission surfaces as ErrStatementExists instead of a second row.
func (r *Repository) InsertApprovedStatement(ctx context.Context, tx pgx.Tx, pairID string, role Role, roundNumber int, text string) error {
	const query = `
		INSERT INTO statements (pair_id, author_role, round_number, approved_text, approved_at)
		VALUES ($1, $2, $3, $4, now())
	`

	if _, err := tx.Exec(ctx, query, pairID, role, roundNumber, text); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrStatementExists
		}
		return fmt.Errorf("pair: insert statement: %w", err)
	}
	return nil
}

// CountRoundApprovals counts approved statements per role for one round.
func (r *Repository) CountRoundApprovals(ctx context.Context, tx pgx.Tx, pairID string, roundNumber int) (countA, countB int, err error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE author_role = 'A' AND approved_text IS NOT NULL),
			COUNT(*) FILTER (WHERE author_role = 'B' AND approved_text IS NOT NULL)
		FROM statements
		WHERE pair_id = $1 AND round_number = $2
	`

	if err := tx.QueryRow(ctx, query, pairID, roundNumber).Scan(&countA, &countB); err != nil {
		return 0, 0, fmt.Errorf("pair: count round approvals: %w", err)
	}
	return countA, countB, nil
}

// UpdatePairState writes the (status, current_round, current_turn) triple.
func (r *Repository) UpdatePairState(ctx context.Context, tx pgx.Tx, p Pair) error {
	const query = `
		UPDATE pairs
		SET status = $2, current_round = $3, current_turn = $4
		WHERE id = $1
	`

	if _, err := tx.Exec(ctx, query, p.ID, p.Status, p.CurrentRound, p.CurrentTurn); err != nil {
		return fmt.Errorf("pair: update pair state: %w", err)
	}
	return nil
}

// AppendEvent writes an audit event row inside the active transaction.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, pairID, userID, eventType string, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("pair: marshal event metadata: %w", err)
	}

	var actor any
	if userID != "" {
		actor = userID
	}
	const query = `INSERT INTO events (pair_id, user_id, type, metadata) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, query, pairID, actor, eventType, body); err != nil {
		return fmt.Errorf("pair: append event: %w", err)
	}
	return nil
}
