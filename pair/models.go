package pair

import "time"

// Role identifies one side of a pair. Role A created the pair; role B joined
// through an invite.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Status represents the lifecycle of a pair.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	// StatusArchived marks an empty solo pair that was retired when its
	// only member joined a partner's pair instead.
	StatusArchived Status = "archived"
)

// RoundMax is the number of rounds a pair plays before it completes. Each
// round needs one approved statement from each role.
const RoundMax = 5

// Pair mirrors the pairs table. CurrentRound and CurrentTurn are a cached
// projection of the statements table; the advancement engine re-derives them
// from per-round approval counts on every transition.
type Pair struct {
	ID           string
	Status       Status
	CurrentRound int
	CurrentTurn  Role
	CreatedAt    time.Time
}

// Member binds a user to a pair with a fixed role.
type Member struct {
	PairID   string
	UserID   string
	Role     Role
	JoinedAt time.Time
}

// Statement is one role's contribution for one round. ApprovedText is
// immutable once set.
type Statement struct {
	ID           string
	PairID       string
	AuthorRole   Role
	RoundNumber  int
	ApprovedText *string
	ApprovedAt   *time.Time
	CreatedAt    time.Time
}

// SlotState is the UI-facing state of one (round, role) slot.
type SlotState string

const (
	SlotLocked    SlotState = "locked"
	SlotActive    SlotState = "active"
	SlotCompleted SlotState = "completed"
)

// Slot pairs a slot state with the approved text, when present.
type Slot struct {
	State SlotState
	Text  *string
}

// RoundSlots holds both roles' slots for a single round.
type RoundSlots struct {
	Round int
	A     Slot
	B     Slot
}

// Partner describes the other member of a pair from one member's viewpoint.
type Partner struct {
	Role  Role
	Email string
}

func (r Role) other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}
