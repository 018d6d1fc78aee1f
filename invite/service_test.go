package invite

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"safetalk/pair"
)

func TestCreate_RequiresRoundOneStatement(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{previewErr: ErrRoundOneRequired}
	svc := NewService(pool, repo)

	_, err := svc.Create(context.Background(), CreateParams{
		PairID:        "pair-1",
		InviterUserID: "user-a",
		InviteeEmail:  "partner@example.com",
	})
	if !errors.Is(err, ErrRoundOneRequired) {
		t.Fatalf("expected ErrRoundOneRequired, got %v", err)
	}
	if repo.inserted {
		t.Errorf("no invite may be written without a round-1 statement")
	}
}

func TestCreate_IssuesTokenAndPreview(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{preview: "you always show up for the kids"}
	svc := NewService(pool, repo).WithTokenGenerator(func() string { return "fixed-token" })

	result, err := svc.Create(context.Background(), CreateParams{
		PairID:        "pair-1",
		InviterUserID: "user-a",
		InviteeEmail:  "Partner@Example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Preview != repo.preview {
		t.Fatalf("expected preview %q, got %q", repo.preview, result.Preview)
	}
	if repo.insertedToken != "fixed-token" {
		t.Fatalf("expected generated token to reach the repository, got %q", repo.insertedToken)
	}
	if repo.insertedParams.InviteeEmail != "partner@example.com" {
		t.Fatalf("expected normalized invitee email, got %q", repo.insertedParams.InviteeEmail)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if repo.eventType != "invite_sent" {
		t.Errorf("expected invite_sent event, got %q", repo.eventType)
	}
}

func TestAccept_BindsRoleB(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		locked: Invite{ID: "inv-1", PairID: "pair-1", InviteeEmail: "partner@example.com", Status: StatusSent},
		pair:   pair.Pair{ID: "pair-1", Status: pair.StatusActive, CurrentRound: 1, CurrentTurn: pair.RoleB},
	}
	svc := NewService(pool, repo)

	p, err := svc.Accept(context.Background(), "token-1", "user-b", "Partner@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if repo.boundUserID != "user-b" {
		t.Fatalf("expected user-b bound as role B, got %q", repo.boundUserID)
	}
	if !repo.marked {
		t.Errorf("expected invite marked accepted")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	// Acceptance never advances the turn machinery.
	if p.CurrentRound != 1 || p.CurrentTurn != pair.RoleB {
		t.Fatalf("acceptance must leave round and turn untouched, got %+v", p)
	}
	if repo.eventType != "invite_accepted" {
		t.Errorf("expected invite_accepted event, got %q", repo.eventType)
	}
	if !repo.released {
		t.Errorf("expected the acceptor's solo pairs to be released before binding")
	}
}

func TestAccept_RejectsMemberOfLivePair(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		locked:     Invite{ID: "inv-1", PairID: "pair-1", InviteeEmail: "partner@example.com", Status: StatusSent},
		releaseErr: ErrAlreadyPaired,
	}
	svc := NewService(pool, repo)

	_, err := svc.Accept(context.Background(), "token-1", "user-b", "partner@example.com")
	if !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("expected ErrAlreadyPaired, got %v", err)
	}
	if repo.boundUserID != "" || repo.marked {
		t.Errorf("a user with a live pair must leave membership and invite unchanged")
	}
	if pool.tx.committed {
		t.Errorf("expected rollback, not commit")
	}
}

func TestAcceptByCode_JoinsOwnerPair(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		ownedPair: "pair-1",
		locked:    Invite{ID: "inv-1", PairID: "pair-1", InviteeEmail: "partner@example.com", Status: StatusSent},
		pair:      pair.Pair{ID: "pair-1", Status: pair.StatusActive, CurrentRound: 1, CurrentTurn: pair.RoleB},
	}
	svc := NewService(pool, repo)

	p, err := svc.AcceptByCode(context.Background(), "user-a", "user-b", "partner@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "pair-1" || repo.boundUserID != "user-b" {
		t.Fatalf("expected user-b bound to the owner's pair, got pair %q bound %q", p.ID, repo.boundUserID)
	}
	if !repo.marked {
		t.Errorf("joining by code must consume the pending invite")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if got := repo.eventMetadata["method"]; got != "code" {
		t.Errorf("expected join recorded with method code, got %v", got)
	}
}

func TestAcceptByCode_NoPendingInvite(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{ownedPair: "pair-1", lockErr: ErrInviteNotFound}
	svc := NewService(pool, repo)

	_, err := svc.AcceptByCode(context.Background(), "user-a", "user-b", "partner@example.com")
	if !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}
	if repo.boundUserID != "" {
		t.Errorf("no binding may happen without an invite")
	}
}

func TestAcceptByCode_OwnerWithoutActivePair(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{ownedErr: pair.ErrNoActivePair}
	svc := NewService(pool, repo)

	_, err := svc.AcceptByCode(context.Background(), "user-a", "user-b", "partner@example.com")
	if !errors.Is(err, pair.ErrNoActivePair) {
		t.Fatalf("expected ErrNoActivePair, got %v", err)
	}
}

func TestAccept_RejectsConsumedToken(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		locked: Invite{ID: "inv-1", PairID: "pair-1", InviteeEmail: "partner@example.com", Status: StatusAccepted},
	}
	svc := NewService(pool, repo)

	_, err := svc.Accept(context.Background(), "token-1", "user-c", "partner@example.com")
	if !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted, got %v", err)
	}
	if repo.boundUserID != "" {
		t.Errorf("second acceptance must not bind a member")
	}
	if pool.tx.committed {
		t.Errorf("expected rollback, not commit")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
}

func TestAccept_RejectsEmailMismatch(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		locked: Invite{ID: "inv-1", PairID: "pair-1", InviteeEmail: "partner@example.com", Status: StatusSent},
	}
	svc := NewService(pool, repo)

	_, err := svc.Accept(context.Background(), "token-1", "user-x", "other@example.com")
	if !errors.Is(err, ErrEmailMismatch) {
		t.Fatalf("expected ErrEmailMismatch, got %v", err)
	}
	if repo.boundUserID != "" || repo.marked {
		t.Errorf("mismatched email must leave membership and invite unchanged")
	}
}

func TestAccept_RejectsOccupiedRole(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		locked:  Invite{ID: "inv-1", PairID: "pair-1", InviteeEmail: "partner@example.com", Status: StatusSent},
		bindErr: ErrRoleOccupied,
	}
	svc := NewService(pool, repo)

	_, err := svc.Accept(context.Background(), "token-1", "user-c", "partner@example.com")
	if !errors.Is(err, ErrRoleOccupied) {
		t.Fatalf("expected ErrRoleOccupied, got %v", err)
	}
	if repo.marked {
		t.Errorf("invite must not be marked accepted when binding fails")
	}
	if pool.tx.committed {
		t.Errorf("expected rollback, not commit")
	}
}

func TestAccept_UnknownToken(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{lockErr: ErrInviteNotFound}
	svc := NewService(pool, repo)

	_, err := svc.Accept(context.Background(), "bogus", "user-b", "partner@example.com")
	if !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}
}

type fakeRepo struct {
	preview    string
	previewErr error

	locked     Invite
	lockErr    error
	bindErr    error
	releaseErr error
	ownedPair  string
	ownedErr   error
	pair       pair.Pair

	inserted       bool
	insertedToken  string
	insertedParams CreateParams
	released       bool
	boundUserID    string
	marked         bool
	eventType      string
	eventMetadata  map[string]any
}

func (f *fakeRepo) RoundOnePreview(ctx context.Context, pairID string) (string, error) {
	if f.previewErr != nil {
		return "", f.previewErr
	}
	return f.preview, nil
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, params CreateParams, token string) (Invite, error) {
	f.inserted = true
	f.insertedToken = token
	f.insertedParams = params
	return Invite{ID: "inv-1", PairID: params.PairID, InviterUserID: params.InviterUserID, InviteeEmail: params.InviteeEmail, Token: token, Status: StatusSent}, nil
}

func (f *fakeRepo) LatestForInviter(ctx context.Context, pairID, inviterUserID string) (Invite, error) {
	return Invite{}, ErrNoInviteForPair
}

func (f *fakeRepo) HasAccepted(ctx context.Context, pairID string) (bool, error) {
	return false, nil
}

func (f *fakeRepo) LockByToken(ctx context.Context, tx pgx.Tx, token string) (Invite, error) {
	if f.lockErr != nil {
		return Invite{}, f.lockErr
	}
	return f.locked, nil
}

func (f *fakeRepo) LockActivePairOwnedBy(ctx context.Context, tx pgx.Tx, ownerUserID string) (string, error) {
	if f.ownedErr != nil {
		return "", f.ownedErr
	}
	return f.ownedPair, nil
}

func (f *fakeRepo) LockLatestForPair(ctx context.Context, tx pgx.Tx, pairID string) (Invite, error) {
	if f.lockErr != nil {
		return Invite{}, f.lockErr
	}
	return f.locked, nil
}

func (f *fakeRepo) ReleaseSoloPairs(ctx context.Context, tx pgx.Tx, userID string) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = true
	return nil
}

func (f *fakeRepo) MarkAccepted(ctx context.Context, tx pgx.Tx, inviteID string) error {
	f.marked = true
	return nil
}

func (f *fakeRepo) BindMemberB(ctx context.Context, tx pgx.Tx, pairID, userID string) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	f.boundUserID = userID
	return nil
}

func (f *fakeRepo) GetPair(ctx context.Context, tx pgx.Tx, pairID string) (pair.Pair, error) {
	return f.pair, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, tx pgx.Tx, pairID, userID, eventType string, metadata map[string]any) error {
	f.eventType = eventType
	f.eventMetadata = metadata
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
