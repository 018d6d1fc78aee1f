package pair

import (
	"context"
	"errors"
	"fmt"
)

// LifecycleRepository defines the data access the lifecycle service needs.
type LifecycleRepository interface {
	GetActivePairForUser(ctx context.Context, userID string) (Pair, Role, error)
	CreatePairWithMember(ctx context.Context, userID string) (Pair, error)
	GetPair(ctx context.Context, pairID string) (Pair, error)
	GetPartner(ctx context.Context, pairID, userID string) (Partner, error)
	CurrentTurnEmail(ctx context.Context, pairID string) (string, error)
	ListStatements(ctx context.Context, pairID string) ([]Statement, error)
}

// Service resolves the active pair for a user, creating one when none exists.
type Service struct {
	repo LifecycleRepository
}

// NewService builds a lifecycle service using the provided repository.
func NewService(repo LifecycleRepository) *Service {
	return &Service{repo: repo}
}

// GetOrCreateActivePair returns the user's active pair and role. When the
// user has no active membership a fresh pair is created with the user bound
// as role A; pair and member are written in one transaction. Repeated calls
// from the same user keep returning the same pair until it completes.
func (s *Service) GetOrCreateActivePair(ctx context.Context, userID string) (Pair, Role, error) {
	if userID == "" {
		return Pair{}, "", fmt.Errorf("pair: missing user id")
	}

	p, role, err := s.repo.GetActivePairForUser(ctx, userID)
	if err == nil {
		return p, role, nil
	}
	if !errors.Is(err, ErrNoActivePair) {
		return Pair{}, "", err
	}

	created, err := s.repo.CreatePairWithMember(ctx, userID)
	if err != nil {
		return Pair{}, "", err
	}
	return created, RoleA, nil
}

// GetPair fetches a pair by id.
func (s *Service) GetPair(ctx context.Context, pairID string) (Pair, error) {
	return s.repo.GetPair(ctx, pairID)
}

// Partner returns the other member of the pair, or ErrPartnerNotJoined.
func (s *Service) Partner(ctx context.Context, pairID, userID string) (Partner, error) {
	return s.repo.GetPartner(ctx, pairID, userID)
}

// CurrentTurnEmail returns the email of the member whose turn it is.
func (s *Service) CurrentTurnEmail(ctx context.Context, pairID string) (string, error) {
	return s.repo.CurrentTurnEmail(ctx, pairID)
}

// Statements lists all statements recorded for the pair.
func (s *Service) Statements(ctx context.Context, pairID string) ([]Statement, error) {
	return s.repo.ListStatements(ctx, pairID)
}
