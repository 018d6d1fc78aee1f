package auth

import "time"

// User is the domain representation of an authenticated participant.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	ConnectionCode string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RegisterRequest contains signup data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
