package source

import (
	"strconv"
	"strings"
)

// KeySep joins the parts of a composite ordering key. Checkpoint keys are
// opaque strings; readers split them back into column values for keyset
// pagination.
const KeySep = "\x1f"

// JoinKey builds a composite ordering key.
func JoinKey(parts ...string) string {
	return strings.Join(parts, KeySep)
}

// SplitKey splits a composite ordering key into exactly n parts, padding with
// empty strings so an empty checkpoint compares before every real key.
func SplitKey(key string, n int) []string {
	parts := strings.SplitN(key, KeySep, n)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}

// UserRow is a legacy Synapse user. Guests and appservice users are filtered
// at the extraction boundary, not here.
type UserRow struct {
	Name         string // full Matrix ID, e.g. @alice:example.com
	PasswordHash *string
	Admin        bool
	Deactivated  bool
	Locked       bool
	CreationTS   int64 // seconds since epoch
}

// Key returns the stable ordering key for checkpointing.
func (r UserRow) Key() string { return r.Name }

// ThreepidRow is a legacy third-party identifier (email or msisdn).
type ThreepidRow struct {
	UserID      string
	Medium      string
	Address     string
	ValidatedAt int64 // milliseconds
	AddedAt     int64 // milliseconds
}

func (r ThreepidRow) Key() string { return JoinKey(r.UserID, r.Address) }

// ExternalIDRow links a Synapse user to an SSO identity.
type ExternalIDRow struct {
	AuthProvider string
	ExternalID   string
	UserID       string
}

func (r ExternalIDRow) Key() string { return JoinKey(r.AuthProvider, r.ExternalID) }

// DeviceRow is a legacy device, the parent of compat sessions. Admin carries
// the owning user's server-admin flag.
type DeviceRow struct {
	UserID      string
	DeviceID    string
	DisplayName *string
	LastSeen    *int64 // milliseconds
	IP          *string
	UserAgent   *string
	Admin       bool
}

func (r DeviceRow) Key() string { return JoinKey(r.UserID, r.DeviceID) }

// AccessTokenRow is a legacy access token. Ordered by its bigint primary key.
type AccessTokenRow struct {
	ID            int64
	UserID        string
	DeviceID      *string
	Token         string
	ValidUntilMS  *int64
	LastValidated *int64 // milliseconds
}

func (r AccessTokenRow) Key() string { return strconv.FormatInt(r.ID, 10) }

// RefreshTokenRow is a legacy refresh token joined to the access token it
// refreshes (absent for orphaned refresh tokens).
type RefreshTokenRow struct {
	ID            int64
	UserID        string
	DeviceID      *string
	Token         string
	AccessTokenID *int64
}

func (r RefreshTokenRow) Key() string { return strconv.FormatInt(r.ID, 10) }

// parseIntKey converts a checkpoint key back to a bigint boundary; an empty
// checkpoint starts before the first row.
func parseIntKey(key string) int64 {
	if key == "" {
		return 0
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
