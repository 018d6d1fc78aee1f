package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"safetalk/pair"
)

var (
	// ErrEmailMismatch signals the accepting identity's email does not match
	// the invited address.
	ErrEmailMismatch = errors.New("invite: email does not match invitation")
	// ErrAlreadyAccepted signals the token was consumed before.
	ErrAlreadyAccepted = errors.New("invite: already accepted")
	// ErrExpired signals the invite lapsed before acceptance.
	ErrExpired = errors.New("invite: expired")
	// ErrInvalidEmail signals a missing or malformed invitee address.
	ErrInvalidEmail = errors.New("invite: valid invitee email is required")
)

// Repository defines the data access required by the service.
type Repository interface {
	RoundOnePreview(ctx context.Context, pairID string) (string, error)
	Insert(ctx context.Context, tx pgx.Tx, params CreateParams, token string) (Invite, error)
	LatestForInviter(ctx context.Context, pairID, inviterUserID string) (Invite, error)
	HasAccepted(ctx context.Context, pairID string) (bool, error)
	LockByToken(ctx context.Context, tx pgx.Tx, token string) (Invite, error)
	LockActivePairOwnedBy(ctx context.Context, tx pgx.Tx, ownerUserID string) (string, error)
	LockLatestForPair(ctx context.Context, tx pgx.Tx, pairID string) (Invite, error)
	ReleaseSoloPairs(ctx context.Context, tx pgx.Tx, userID string) error
	MarkAccepted(ctx context.Context, tx pgx.Tx, inviteID string) error
	BindMemberB(ctx context.Context, tx pgx.Tx, pairID, userID string) error
	GetPair(ctx context.Context, tx pgx.Tx, pairID string) (pair.Pair, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, pairID, userID, eventType string, metadata map[string]any) error
}

// Service implements invite issuance and atomic acceptance.
type Service struct {
	pool     pair.TxBeginner
	repo     Repository
	tokenGen func() string
}

// CreateResult bundles the stored invite with the round-1 preview text the
// invitation email carries.
type CreateResult struct {
	Invite  Invite
	Preview string
}

// NewService builds an invite service on the given pool and repository.
func NewService(pool pair.TxBeginner, repo Repository) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		tokenGen: uuid.NewString,
	}
}

// WithTokenGenerator overrides token generation, for tests.
func (s *Service) WithTokenGenerator(gen func() string) *Service {
	s.tokenGen = gen
	return s
}

// Create issues an invite for the pair. The inviter must already have an
// approved round-1 statement; its text is returned as the email preview.
func (s *Service) Create(ctx context.Context, params CreateParams) (CreateResult, error) {
	if params.PairID == "" || params.InviterUserID == "" {
		return CreateResult{}, fmt.Errorf("invite: missing pair or inviter id")
	}
	email := strings.ToLower(strings.TrimSpace(params.InviteeEmail))
	if email == "" || !strings.Contains(email, "@") {
		return CreateResult{}, ErrInvalidEmail
	}
	params.InviteeEmail = email

	preview, err := s.repo.RoundOnePreview(ctx, params.PairID)
	if err != nil {
		return CreateResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("invite: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.Insert(ctx, tx, params, s.tokenGen())
	if err != nil {
		return CreateResult{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, params.PairID, params.InviterUserID, "invite_sent", map[string]any{
		"invitee_email": params.InviteeEmail,
	}); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("invite: commit create tx: %w", err)
	}
	return CreateResult{Invite: inv, Preview: preview}, nil
}

// Accept consumes the token and binds the accepting user to the target pair
// as role B, in one atomic unit. Acceptance never touches the pair's round or
// turn. The invite row lock serializes concurrent acceptances; the second
// caller observes the consumed token and is rejected.
func (s *Service) Accept(ctx context.Context, token, userID, email string) (pair.Pair, error) {
	if token == "" {
		return pair.Pair{}, ErrInviteNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pair.Pair{}, fmt.Errorf("invite: begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.LockByToken(ctx, tx, token)
	if err != nil {
		return pair.Pair{}, err
	}

	p, err := s.consume(ctx, tx, inv, userID, email, "token")
	if err != nil {
		return pair.Pair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return pair.Pair{}, fmt.Errorf("invite: commit accept tx: %w", err)
	}
	return p, nil
}

// AcceptByCode joins the caller to the pair initiated by the owner of a
// connection code. The code reaches the recipient in the same invitation
// email as the token, so joining still consumes the pair's pending invite
// and is held to the same email check.
func (s *Service) AcceptByCode(ctx context.Context, ownerUserID, userID, email string) (pair.Pair, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pair.Pair{}, fmt.Errorf("invite: begin join tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pairID, err := s.repo.LockActivePairOwnedBy(ctx, tx, ownerUserID)
	if err != nil {
		return pair.Pair{}, err
	}

	inv, err := s.repo.LockLatestForPair(ctx, tx, pairID)
	if err != nil {
		return pair.Pair{}, err
	}

	p, err := s.consume(ctx, tx, inv, userID, email, "code")
	if err != nil {
		return pair.Pair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return pair.Pair{}, fmt.Errorf("invite: commit join tx: %w", err)
	}
	return p, nil
}

// consume performs the shared acceptance tail on a locked invite: validate,
// retire the acceptor's empty solo pairs, bind role B, mark the invite
// accepted, and record the audit event. Callers commit.
func (s *Service) consume(ctx context.Context, tx pgx.Tx, inv Invite, userID, email, method string) (pair.Pair, error) {
	switch inv.Status {
	case StatusSent:
	case StatusAccepted:
		return pair.Pair{}, ErrAlreadyAccepted
	default:
		return pair.Pair{}, ErrExpired
	}

	if !strings.EqualFold(inv.InviteeEmail, email) {
		return pair.Pair{}, ErrEmailMismatch
	}

	// A scorecard view before acceptance auto-creates a solo pair for the
	// acceptor. Retire it here so the joined pair is the user's only
	// active membership.
	if err := s.repo.ReleaseSoloPairs(ctx, tx, userID); err != nil {
		return pair.Pair{}, err
	}

	if err := s.repo.BindMemberB(ctx, tx, inv.PairID, userID); err != nil {
		return pair.Pair{}, err
	}

	if err := s.repo.MarkAccepted(ctx, tx, inv.ID); err != nil {
		return pair.Pair{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, inv.PairID, userID, "invite_accepted", map[string]any{
		"invite_id": inv.ID,
		"method":    method,
	}); err != nil {
		return pair.Pair{}, err
	}

	return s.repo.GetPair(ctx, tx, inv.PairID)
}

// LatestForInviter returns the most recent invite the user sent for the pair.
func (s *Service) LatestForInviter(ctx context.Context, pairID, inviterUserID string) (Invite, error) {
	return s.repo.LatestForInviter(ctx, pairID, inviterUserID)
}

// HasAccepted reports whether the pair has an accepted invite.
func (s *Service) HasAccepted(ctx context.Context, pairID string) (bool, error) {
	return s.repo.HasAccepted(ctx, pairID)
}
