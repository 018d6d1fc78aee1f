package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"safetalk/auth"
	"safetalk/coach"
	"safetalk/invite"
	"safetalk/notify"
	"safetalk/pair"
	"safetalk/sanitize"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyEmail  ctxKey = "email"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	GetUserByConnectionCode(ctx context.Context, code string) (*auth.User, error)
	VerifyToken(tokenString string) (auth.Identity, error)
}

type pairService interface {
	GetOrCreateActivePair(ctx context.Context, userID string) (pair.Pair, pair.Role, error)
	Partner(ctx context.Context, pairID, userID string) (pair.Partner, error)
	CurrentTurnEmail(ctx context.Context, pairID string) (string, error)
	Statements(ctx context.Context, pairID string) ([]pair.Statement, error)
}

type approveEngine interface {
	ApproveAndAdvance(ctx context.Context, pairID string, role pair.Role, roundNumber int, text, userID string) (pair.Pair, error)
}

type inviteService interface {
	Create(ctx context.Context, params invite.CreateParams) (invite.CreateResult, error)
	Accept(ctx context.Context, token, userID, email string) (pair.Pair, error)
	AcceptByCode(ctx context.Context, ownerUserID, userID, email string) (pair.Pair, error)
	LatestForInviter(ctx context.Context, pairID, inviterUserID string) (invite.Invite, error)
	HasAccepted(ctx context.Context, pairID string) (bool, error)
}

type coachService interface {
	Rewrite(ctx context.Context, draft string) (string, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService   authService
	pairService   pairService
	engine        approveEngine
	inviteService inviteService
	coachService  coachService
	mailer        notify.Mailer
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/scorecard", s.requireAuth(s.handleScorecard))
	mux.Handle("/api/statements/approve", s.requireAuth(s.handleApprove))
	mux.Handle("/api/coach", s.requireAuth(s.handleCoach))
	mux.Handle("/api/invites", s.requireAuth(s.handleCreateInvite))
	mux.Handle("/api/invites/accept", s.requireAuth(s.handleAcceptInvite))
	mux.Handle("/api/invites/join", s.requireAuth(s.handleJoinByCode))
	return mux
}

// requireAuth verifies the bearer token and stashes the identity in context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, identity.UserID)
		ctx = context.WithValue(ctx, ctxKeyEmail, identity.Email)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	ConnectionCode string `json:"connectionCode"`
	CreatedAt      string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Email:          u.Email,
		ConnectionCode: u.ConnectionCode,
		CreatedAt:      u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		case errors.Is(err, auth.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "valid email is required")
		default:
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

type pairResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentRound int    `json:"currentRound"`
	CurrentTurn  string `json:"currentTurn"`
}

func toPairResponse(p pair.Pair) pairResponse {
	return pairResponse{
		ID:           p.ID,
		Status:       string(p.Status),
		CurrentRound: p.CurrentRound,
		CurrentTurn:  string(p.CurrentTurn),
	}
}

type slotResponse struct {
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

func toSlotResponse(s pair.Slot) slotResponse {
	resp := slotResponse{State: string(s.State)}
	if s.Text != nil {
		resp.Text = *s.Text
	}
	return resp
}

type roundResponse struct {
	Round int          `json:"round"`
	A     slotResponse `json:"a"`
	B     slotResponse `json:"b"`
}

type inviteSummary struct {
	SentTo string `json:"sentTo"`
	Status string `json:"status"`
}

type scorecardResponse struct {
	Pair           pairResponse    `json:"pair"`
	Role           string          `json:"role"`
	PartnerJoined  bool            `json:"partnerJoined"`
	PartnerEmail   string          `json:"partnerEmail,omitempty"`
	Rounds         []roundResponse `json:"rounds"`
	Progress       int             `json:"progress"`
	ConnectionCode string          `json:"connectionCode"`
	Invite         *inviteSummary  `json:"invite,omitempty"`
}

func (s *Server) handleScorecard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Context().Value(ctxKeyUserID).(string)

	p, role, err := s.pairService.GetOrCreateActivePair(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not resolve pair")
		return
	}

	statements, err := s.pairService.Statements(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load statements")
		return
	}

	resp := scorecardResponse{
		Pair:     toPairResponse(p),
		Role:     string(role),
		Rounds:   make([]roundResponse, 0, pair.RoundMax),
		Progress: pair.Progress(statements),
	}

	slots := pair.ProjectSlots(p, statements)
	for _, rs := range slots {
		resp.Rounds = append(resp.Rounds, roundResponse{
			Round: rs.Round,
			A:     toSlotResponse(rs.A),
			B:     toSlotResponse(rs.B),
		})
	}

	partner, err := s.pairService.Partner(r.Context(), p.ID, userID)
	switch {
	case err == nil:
		resp.PartnerJoined = true
		resp.PartnerEmail = partner.Email
	case errors.Is(err, pair.ErrPartnerNotJoined):
		// Solo pair so far.
	default:
		writeError(w, http.StatusInternalServerError, "could not load partner")
		return
	}

	if user, err := s.authService.GetUserByID(r.Context(), userID); err == nil {
		resp.ConnectionCode = user.ConnectionCode
	}

	if inv, err := s.inviteService.LatestForInviter(r.Context(), p.ID, userID); err == nil {
		resp.Invite = &inviteSummary{SentTo: inv.InviteeEmail, Status: string(inv.Status)}
	}

	writeJSON(w, http.StatusOK, resp)
}

type approveRequest struct {
	RoundNumber  int    `json:"roundNumber"`
	ApprovedText string `json:"approvedText"`
}

type approveResponse struct {
	Pair        pairResponse `json:"pair"`
	Progress    int          `json:"progress"`
	NeedsInvite bool         `json:"needsInvite,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Context().Value(ctxKeyUserID).(string)

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text, err := sanitize.Clean(req.ApprovedText)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, role, err := s.pairService.GetOrCreateActivePair(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not resolve pair")
		return
	}

	// Fast fail before taking the row lock. The engine revalidates under
	// lock, so a stale read here only costs the caller a roundtrip.
	if err := pair.ValidateTurn(p, role, req.RoundNumber); err != nil {
		writeTurnError(w, err)
		return
	}

	updated, err := s.engine.ApproveAndAdvance(r.Context(), p.ID, role, req.RoundNumber, text, userID)
	if err != nil {
		switch {
		case errors.Is(err, pair.ErrStatementExists):
			writeError(w, http.StatusConflict, "statement already approved for this round")
		case errors.Is(err, pair.ErrPairNotFound):
			writeError(w, http.StatusNotFound, "pair not found")
		case errors.Is(err, pair.ErrPairNotActive),
			errors.Is(err, pair.ErrRoundOutOfBounds),
			errors.Is(err, pair.ErrNotYourTurn),
			errors.Is(err, pair.ErrWrongRound):
			writeTurnError(w, err)
		default:
			writeError(w, http.StatusInternalServerError, "approval failed")
		}
		return
	}

	statements, err := s.pairService.Statements(r.Context(), updated.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load progress")
		return
	}

	resp := approveResponse{
		Pair:     toPairResponse(updated),
		Progress: pair.Progress(statements),
	}

	// After A's first approval with nobody on the other side, prompt the
	// client to send an invite.
	if role == pair.RoleA && req.RoundNumber == 1 {
		accepted, err := s.inviteService.HasAccepted(r.Context(), updated.ID)
		if err == nil && !accepted {
			resp.NeedsInvite = true
		}
	}

	s.notifyTurn(r.Context(), updated)

	writeJSON(w, http.StatusOK, resp)
}

// notifyTurn emails whoever writes next. Failures are logged and dropped;
// the approval already committed.
func (s *Server) notifyTurn(ctx context.Context, p pair.Pair) {
	if s.mailer == nil || p.Status != pair.StatusActive {
		return
	}
	email, err := s.pairService.CurrentTurnEmail(ctx, p.ID)
	if err != nil {
		if !errors.Is(err, pair.ErrMemberNotFound) {
			slog.Warn("turn email lookup failed", "pair", p.ID, "error", err)
		}
		return
	}
	if err := s.mailer.SendTurnEmail(ctx, email, p.CurrentRound); err != nil {
		slog.Warn("turn email failed", "pair", p.ID, "error", err)
	}
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pair.ErrPairNotActive):
		writeError(w, http.StatusConflict, "pair is not active")
	case errors.Is(err, pair.ErrRoundOutOfBounds):
		writeError(w, http.StatusBadRequest, "round number out of range")
	case errors.Is(err, pair.ErrNotYourTurn):
		writeError(w, http.StatusConflict, "not your turn")
	case errors.Is(err, pair.ErrWrongRound):
		writeError(w, http.StatusConflict, "wrong round")
	default:
		writeError(w, http.StatusInternalServerError, "approval failed")
	}
}

type coachRequest struct {
	Draft string `json:"draft"`
}

func (s *Server) handleCoach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req coachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	suggestion, err := s.coachService.Rewrite(r.Context(), req.Draft)
	if err != nil {
		switch {
		case errors.Is(err, coach.ErrEmptyDraft):
			writeError(w, http.StatusBadRequest, "draft is required")
		case errors.Is(err, coach.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "coach is not configured")
		default:
			writeError(w, http.StatusInternalServerError, "coach unavailable")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"suggestion": suggestion})
}

type createInviteRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Context().Value(ctxKeyUserID).(string)

	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, role, err := s.pairService.GetOrCreateActivePair(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not resolve pair")
		return
	}
	if role != pair.RoleA {
		writeError(w, http.StatusForbidden, "only the initiating member can invite")
		return
	}

	result, err := s.inviteService.Create(r.Context(), invite.CreateParams{
		PairID:        p.ID,
		InviterUserID: userID,
		InviteeEmail:  req.Email,
	})
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrRoundOneRequired):
			writeError(w, http.StatusConflict, "approve your round 1 statement before inviting")
		case errors.Is(err, invite.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "valid email is required")
		default:
			writeError(w, http.StatusInternalServerError, "invite failed")
		}
		return
	}

	s.sendInviteEmail(r.Context(), userID, result)

	writeJSON(w, http.StatusCreated, map[string]any{
		"invite": map[string]string{
			"id":     result.Invite.ID,
			"sentTo": result.Invite.InviteeEmail,
			"status": string(result.Invite.Status),
		},
	})
}

func (s *Server) sendInviteEmail(ctx context.Context, inviterID string, result invite.CreateResult) {
	if s.mailer == nil {
		return
	}
	code := ""
	if user, err := s.authService.GetUserByID(ctx, inviterID); err == nil {
		code = user.ConnectionCode
	}
	err := s.mailer.SendInviteEmail(ctx, result.Invite.InviteeEmail, result.Preview, code, result.Invite.Token)
	if err != nil {
		slog.Warn("invite email failed", "invite", result.Invite.ID, "error", err)
	}
}

type acceptInviteRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Context().Value(ctxKeyUserID).(string)
	email := r.Context().Value(ctxKeyEmail).(string)

	var req acceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.inviteService.Accept(r.Context(), req.Token, userID, email)
	if err != nil {
		writeAcceptError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"pair": toPairResponse(p)})
}

type joinByCodeRequest struct {
	ConnectionCode string `json:"connectionCode"`
}

// handleJoinByCode is the connect-page path: the recipient types the
// connection code from the invitation email instead of following the token
// link. It consumes the same pending invite.
func (s *Server) handleJoinByCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.Context().Value(ctxKeyUserID).(string)
	email := r.Context().Value(ctxKeyEmail).(string)

	var req joinByCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner, err := s.authService.GetUserByConnectionCode(r.Context(), req.ConnectionCode)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "connection code not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "join failed")
		return
	}
	if owner.ID == userID {
		writeError(w, http.StatusConflict, "cannot join your own pair")
		return
	}

	p, err := s.inviteService.AcceptByCode(r.Context(), owner.ID, userID, email)
	if err != nil {
		if errors.Is(err, pair.ErrNoActivePair) {
			writeError(w, http.StatusNotFound, "no pair to join for this code")
			return
		}
		writeAcceptError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"pair": toPairResponse(p)})
}

func writeAcceptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invite.ErrInviteNotFound), errors.Is(err, invite.ErrExpired):
		// Do not reveal whether the token ever existed.
		writeError(w, http.StatusNotFound, "invite not found")
	case errors.Is(err, invite.ErrAlreadyAccepted), errors.Is(err, invite.ErrRoleOccupied):
		writeError(w, http.StatusConflict, "invite already used")
	case errors.Is(err, invite.ErrAlreadyPaired):
		writeError(w, http.StatusConflict, "finish or leave your current pair first")
	case errors.Is(err, invite.ErrEmailMismatch):
		writeError(w, http.StatusForbidden, "invite was sent to a different email")
	default:
		writeError(w, http.StatusInternalServerError, "accept failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
