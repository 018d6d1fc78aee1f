package invite

import "time"

// Status represents the lifecycle of an invite token.
type Status string

const (
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusExpired  Status = "expired"
)

// Invite mirrors the invites table. Token is opaque, unguessable, and
// single-use: it transitions sent to accepted exactly once.
type Invite struct {
	ID            string
	PairID        string
	InviterUserID string
	InviteeEmail  string
	Token         string
	Status        Status
	CreatedAt     time.Time
	AcceptedAt    *time.Time
}

// CreateParams enumerates the fields required to issue a new invite.
type CreateParams struct {
	PairID        string
	InviterUserID string
	InviteeEmail  string
}
