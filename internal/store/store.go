// Package store holds the durable record of users, the social graph, preferences, guest registrations, channels,
// and channel memberships. It is backed by PostgreSQL via pgx, grounded on the reference implementation's
// internal/postgres + internal/channel/internal/user packages.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across the State Store's repositories.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrInviteCodeExhausted = errors.New("failed to generate a unique invite code")
	ErrMembershipExists   = errors.New("already a member")
	ErrChannelFull        = errors.New("channel has reached its member limit")
)

// VisibilityMode mirrors protocol.VisibilityMode; store does not import protocol to avoid a dependency cycle with
// packages that decode wire messages, so the five string values are duplicated here and kept in sync by the
// ValidVisibility helper in package protocol.
type VisibilityMode string

const (
	VisibilityEveryone     VisibilityMode = "everyone"
	VisibilityFollowers    VisibilityMode = "followers"
	VisibilityFollowing    VisibilityMode = "following"
	VisibilityCloseFriends VisibilityMode = "close-friends"
	VisibilityInvisible    VisibilityMode = "invisible"
)

// User is the durable identity record.
type User struct {
	IdentityID   int64
	Username     string
	AvatarURL    string
	Followers    []int64
	Following    []int64
	CloseFriends []int64
	LastSeenMS   int64
	CreatedAt    time.Time
}

// Preferences is the per-user sharing policy.
type Preferences struct {
	IdentityID     int64
	VisibilityMode VisibilityMode
	ShareProject   bool
	ShareLanguage  bool
	ShareActivity  bool
}

// DefaultPreferences returns the default policy: everyone, all shared.
func DefaultPreferences(identityID int64) Preferences {
	return Preferences{
		IdentityID:     identityID,
		VisibilityMode: VisibilityEveryone,
		ShareProject:   true,
		ShareLanguage:  true,
		ShareActivity:  true,
	}
}

// Channel is the durable channel record.
type Channel struct {
	ID              string
	Name            string
	OwnerIdentityID int64
	InviteCode      string
	CreatedAt       time.Time
}

// MemberRole is a channel membership's role.
type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Member is a single row of channel_members, denormalised with the member's username for display.
type Member struct {
	ChannelID  string
	IdentityID int64
	Username   string
	Role       MemberRole
	JoinedAt   time.Time
}

// UserRepository is the data-access contract for users, the social graph, and preferences.
type UserRepository interface {
	// Upsert inserts or updates a user's identity record, e.g. after a fresh login against the identity adapter.
	Upsert(ctx context.Context, u User) error
	GetByIdentityID(ctx context.Context, identityID int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	SetLastSeen(ctx context.Context, identityID int64, lastSeenMS int64) error

	GetPreferences(ctx context.Context, identityID int64) (*Preferences, error)
	UpsertPreferences(ctx context.Context, p Preferences) error
}

// GuestRepository is the data-access contract for the guest username namespace.
type GuestRepository interface {
	// Claim reserves username in the guest namespace. It succeeds even if the name was previously claimed and later
	// released (ErrUsernameTaken is returned while the name is claimed and not yet released — callers check the live
	// Window Set themselves before calling Claim).
	Claim(ctx context.Context, username string) error
	// Release marks username as available for reuse; called when a guest's Window Set empties.
	Release(ctx context.Context, username string) error
}

// ChannelRepository is the data-access contract for channels and memberships.
type ChannelRepository interface {
	Create(ctx context.Context, name string, ownerIdentityID int64, ownerUsername string, maxMembers int) (*Channel, error)
	GetByID(ctx context.Context, id string) (*Channel, error)
	GetByInviteCode(ctx context.Context, code string) (*Channel, error)

	AddMember(ctx context.Context, channelID string, identityID int64, username string, role MemberRole, maxMembers int) error
	RemoveMember(ctx context.Context, channelID string, identityID int64) error
	IsMember(ctx context.Context, channelID string, identityID int64) (bool, error)
	ListMembers(ctx context.Context, channelID string) ([]Member, error)
	ListMembershipsFor(ctx context.Context, identityID int64) ([]string, error) // channel IDs
}
