package entities

import (
	"context"
	"strconv"

	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/source"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// AccessTokens migrates unexpired access tokens into MAS compat access
// tokens. Expired tokens are filtered at extraction against a cutoff frozen
// at run start.
type AccessTokens struct {
	deps Deps
}

func NewAccessTokens(deps Deps) *AccessTokens { return &AccessTokens{deps: deps} }

func (a *AccessTokens) Name() string        { return "access_tokens" }
func (a *AccessTokens) DependsOn() []string { return []string{"devices"} }

func (a *AccessTokens) notBefore() int64 {
	return a.deps.MigratedAt.UnixMilli()
}

func (a *AccessTokens) Count(ctx context.Context) (int64, error) {
	return a.deps.Source.CountAccessTokens(ctx, a.notBefore())
}

func (a *AccessTokens) Fetch(ctx context.Context, after string, limit int) ([]pipeline.Item, error) {
	rows, err := a.deps.Source.FetchAccessTokens(ctx, after, limit, a.notBefore())
	if err != nil {
		return nil, err
	}
	items := make([]pipeline.Item, len(rows))
	for i, r := range rows {
		items[i] = pipeline.Item{Key: r.Key(), Data: r}
	}
	return items, nil
}

func (a *AccessTokens) Transform(item pipeline.Item, sess *idmap.Session) ([]target.Record, error) {
	row := item.Data.(source.AccessTokenRow)

	// A token without a device cannot be attached to a compat session.
	// These are mostly puppeted appservice tokens and long-dead rows.
	if row.DeviceID == nil {
		return nil, validationErr(a.Name(), item.Key,
			"access token for %s has no device", row.UserID)
	}

	sessionID, ok := sess.Lookup(MapCompatSession, source.JoinKey(row.UserID, *row.DeviceID))
	if !ok {
		return nil, danglingErr(a.Name(), item.Key,
			"no compat session for %s device %s", row.UserID, *row.DeviceID)
	}

	tokenID, err := sess.Resolve(MapCompatAccessToken, item.Key)
	if err != nil {
		return nil, err
	}

	// last_validated is the best creation signal Synapse keeps for tokens.
	createdAt := a.deps.MigratedAt
	if row.LastValidated != nil {
		createdAt = msToTime(*row.LastValidated)
	}

	return []target.Record{{
		Table: "compat_access_tokens",
		Columns: []string{
			"compat_access_token_id", "compat_session_id",
			"access_token", "created_at", "expires_at",
		},
		Values: []any{
			tokenID, sessionID,
			row.Token, createdAt, msPtrToTime(row.ValidUntilMS),
		},
		ConflictKey:   []string{"compat_access_token_id"},
		VerifyColumns: []string{"compat_session_id", "access_token", "expires_at"},
		EntityType:    a.Name(),
		LegacyKey:     item.Key,
	}}, nil
}

// RefreshTokens migrates refresh tokens into MAS compat refresh tokens. Each
// depends on its compat session and the access token it refreshes.
type RefreshTokens struct {
	deps Deps
}

func NewRefreshTokens(deps Deps) *RefreshTokens { return &RefreshTokens{deps: deps} }

func (r *RefreshTokens) Name() string        { return "refresh_tokens" }
func (r *RefreshTokens) DependsOn() []string { return []string{"access_tokens"} }

func (r *RefreshTokens) Count(ctx context.Context) (int64, error) {
	return r.deps.Source.CountRefreshTokens(ctx)
}

func (r *RefreshTokens) Fetch(ctx context.Context, after string, limit int) ([]pipeline.Item, error) {
	rows, err := r.deps.Source.FetchRefreshTokens(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	items := make([]pipeline.Item, len(rows))
	for i, row := range rows {
		items[i] = pipeline.Item{Key: row.Key(), Data: row}
	}
	return items, nil
}

func (r *RefreshTokens) Transform(item pipeline.Item, sess *idmap.Session) ([]target.Record, error) {
	row := item.Data.(source.RefreshTokenRow)

	if row.DeviceID == nil {
		return nil, validationErr(r.Name(), item.Key,
			"refresh token for %s has no device", row.UserID)
	}
	if row.AccessTokenID == nil {
		return nil, danglingErr(r.Name(), item.Key,
			"refresh token for %s has no live access token", row.UserID)
	}

	sessionID, ok := sess.Lookup(MapCompatSession, source.JoinKey(row.UserID, *row.DeviceID))
	if !ok {
		return nil, danglingErr(r.Name(), item.Key,
			"no compat session for %s device %s", row.UserID, *row.DeviceID)
	}

	accessTokenID, ok := sess.Lookup(MapCompatAccessToken, strconv.FormatInt(*row.AccessTokenID, 10))
	if !ok {
		// The access token was expired (or skipped) and never migrated;
		// a refresh token pointing at it is unusable in MAS.
		return nil, danglingErr(r.Name(), item.Key,
			"access token %d for refresh token was not migrated", *row.AccessTokenID)
	}

	tokenID, err := sess.Resolve(MapCompatRefreshToken, item.Key)
	if err != nil {
		return nil, err
	}

	return []target.Record{{
		Table: "compat_refresh_tokens",
		Columns: []string{
			"compat_refresh_token_id", "compat_session_id",
			"compat_access_token_id", "refresh_token", "created_at",
		},
		Values: []any{
			tokenID, sessionID,
			accessTokenID, row.Token, r.deps.MigratedAt,
		},
		ConflictKey: []string{"compat_refresh_token_id"},
		// created_at is the migration moment and differs per run.
		VerifyColumns: []string{"compat_session_id", "compat_access_token_id", "refresh_token"},
		EntityType:    r.Name(),
		LegacyKey:     item.Key,
	}}, nil
}
