// Package auth implements the user/session domain as a single-writer actor
// over the transactional store (§4.4): every mutation to the users or
// sessions tables is serialized through one goroutine's mailbox, the same
// way pkg/events.Broker serializes event delivery through a single run
// loop — so two concurrent register() calls for the same email can never
// both win.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserRole is a user's authorization level, the five-rung hierarchy the
// state machine of §4.4 moves a user through: pending → registered | trader
// → admin, with disabled as the terminal state any of them can reach.
// Guest is never stored — it is the Level() floor for an unauthenticated
// caller.
type UserRole string

const (
	RoleGuest      UserRole = "guest"
	RolePending    UserRole = "pending" // awaiting admin approval
	RoleRegistered UserRole = "registered"
	RoleTrader     UserRole = "trader"
	RoleAdmin      UserRole = "admin"
	RoleDisabled   UserRole = "disabled"
)

// Level orders roles for permission checks. Disabled sits outside the
// hierarchy entirely: it never satisfies any HasPermission check, no matter
// how low the bar.
func (r UserRole) Level() int {
	switch r {
	case RoleGuest:
		return 0
	case RolePending:
		return 1
	case RoleRegistered:
		return 2
	case RoleTrader:
		return 3
	case RoleAdmin:
		return 4
	default:
		return -1
	}
}

// HasPermission reports whether r meets or exceeds min, treating Disabled as
// always insufficient.
func (r UserRole) HasPermission(min UserRole) bool {
	if r == RoleDisabled {
		return false
	}
	return r.Level() >= min.Level()
}

// SubscriptionTier gates which maintenance/feature set a user's account has
// access to, and which role approve_user promotes a pending user to (§4.4:
// "promotes a pending user to the tier's default role").
type SubscriptionTier string

const (
	TierFree         SubscriptionTier = "free"
	TierHobbyist     SubscriptionTier = "hobbyist"
	TierPioneer      SubscriptionTier = "pioneer"
	TierProfessional SubscriptionTier = "professional"
)

// DefaultRole is the role approve_user grants a pending user on this tier.
func (t SubscriptionTier) DefaultRole() UserRole {
	switch t {
	case TierPioneer, TierProfessional:
		return RoleTrader
	default:
		return RoleRegistered
	}
}

// MonthlyPriceCents is the tier's list price. Neither the billing summary
// nor the admin surface reads it; it carries no behavior in the store.
func (t SubscriptionTier) MonthlyPriceCents() int64 {
	switch t {
	case TierHobbyist:
		return 900
	case TierPioneer:
		return 2900
	case TierProfessional:
		return 9900
	default:
		return 0
	}
}

// UserRecord is one row of the users table.
type UserRecord struct {
	UserID            string
	Username          string
	Email             string
	PasswordHash      string
	Role              UserRole
	SubscriptionTier  SubscriptionTier
	FirstName         string
	LastName          string
	IsActive          bool
	CreatedAt         time.Time
	LastLogin         *time.Time
}

// SessionRecord is one row of the sessions table. The bearer token itself
// is never stored, only its hash, so a leaked log line or data file can't
// be replayed into a live session.
type SessionRecord struct {
	TokenHash string
	UserID    string
	Username  string
	Role      UserRole
	CreatedAt time.Time
	ExpiresAt time.Time
	IsRevoked bool
}

// JwtClaims is the payload signed into a session's bearer token.
type JwtClaims struct {
	UserID string   `json:"uid"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}

const timeLayout = time.RFC3339Nano

func nowMS() int64 { return time.Now().UnixMilli() }
