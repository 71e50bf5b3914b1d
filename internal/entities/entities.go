// Package entities adapts each legacy Synapse entity type to the pipeline:
// where its rows come from, what they depend on, and how they map onto MAS
// rows. Adapters are pure on the transform side; all I/O goes through the
// source pool.
package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/matrix-tools/syn2mas/internal/migerr"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/source"
)

// Mapping namespaces for the identity mapper. One legacy row can own several
// destination rows; each destination row type maps under its own namespace so
// fan-out identifiers stay stable across runs.
const (
	MapUser               = "users"
	MapUserPassword       = "user_password"
	MapUserEmail          = "user_email"
	MapUpstreamOAuthLink  = "upstream_oauth_link"
	MapCompatSession      = "compat_session"
	MapCompatAccessToken  = "compat_access_token"
	MapCompatRefreshToken = "compat_refresh_token"
)

// Deps carries what every adapter needs.
type Deps struct {
	Source *source.Pool

	// Homeserver is the configured server name; users on any other server
	// are validation failures.
	Homeserver string

	// MigratedAt is frozen at run start. Tombstone timestamps
	// (deactivated_at, locked_at) and the token expiry cutoff derive from
	// it so re-runs see a stable filter.
	MigratedAt time.Time

	// PasswordSchemeVersion tags migrated bcrypt hashes for MAS.
	PasswordSchemeVersion int

	// Providers maps Synapse auth provider identifiers to MAS upstream
	// OAuth provider UUIDs.
	Providers map[string]string
}

// All returns every entity adapter in dependency order.
func All(deps Deps) []pipeline.Entity {
	return []pipeline.Entity{
		NewUsers(deps),
		NewEmails(deps),
		NewExternalIDs(deps),
		NewDevices(deps),
		NewAccessTokens(deps),
		NewRefreshTokens(deps),
	}
}

// localpart extracts the local part of a full Matrix user identifier and
// checks it belongs to the configured homeserver.
func localpart(mxid, homeserver string) (string, error) {
	if !strings.HasPrefix(mxid, "@") {
		return "", fmt.Errorf("user id %q does not start with @", mxid)
	}
	local, server, ok := strings.Cut(mxid[1:], ":")
	if !ok || local == "" || server == "" {
		return "", fmt.Errorf("user id %q is not of the form @localpart:server", mxid)
	}
	if server != homeserver {
		return "", fmt.Errorf("user id %q belongs to server %q, not %q", mxid, server, homeserver)
	}
	return local, nil
}

// secToTime converts a legacy seconds-since-epoch value.
func secToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// msToTime converts a legacy milliseconds-since-epoch value.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// msPtrToTime converts an optional millisecond timestamp.
func msPtrToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := msToTime(*ms)
	return &t
}

func validationErr(entity, key, format string, args ...any) error {
	return migerr.Row(migerr.ClassValidation, entity, key, fmt.Errorf(format, args...))
}

func danglingErr(entity, key, format string, args ...any) error {
	return migerr.Row(migerr.ClassDanglingReference, entity, key, fmt.Errorf(format, args...))
}
