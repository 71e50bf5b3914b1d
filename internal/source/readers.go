package source

import (
	"context"
	"fmt"
)

// Readers stream legacy rows in stable key order with keyset pagination, so a
// checkpoint key unambiguously bounds what has been processed. Each fetch
// reads one bounded page; the pipeline drives the cursor forward. Tombstoned
// rows (guests, appservice users, hidden devices, expired tokens) are
// filtered here, at the extraction boundary.

// FetchUsers returns the next page of migratable users after the given key.
func (p *Pool) FetchUsers(ctx context.Context, after string, limit int) ([]UserRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT name, password_hash,
		       COALESCE(admin, 0), COALESCE(deactivated, 0), COALESCE(locked, FALSE),
		       COALESCE(creation_ts, 0)
		FROM users
		WHERE COALESCE(is_guest, 0) = 0
		  AND appservice_id IS NULL
		  AND name > $1
		ORDER BY name
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching users: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var r UserRow
		var admin, deactivated int16
		if err := rows.Scan(&r.Name, &r.PasswordHash, &admin, &deactivated, &r.Locked, &r.CreationTS); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		r.Admin = admin != 0
		r.Deactivated = deactivated != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsers counts migratable users with the extraction filters applied.
func (p *Pool) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, `
		SELECT COUNT(*) FROM users
		WHERE COALESCE(is_guest, 0) = 0 AND appservice_id IS NULL`)
}

// FetchThreepids returns the next page of third-party identifiers. Duplicate
// (user, address) rows collapse to the most recently added one, ties broken
// by medium ascending, so re-runs agree.
func (p *Pool) FetchThreepids(ctx context.Context, after string, limit int) ([]ThreepidRow, error) {
	k := SplitKey(after, 2)
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (user_id, address)
		       user_id, medium, address,
		       COALESCE(validated_at, 0), COALESCE(added_at, 0)
		FROM user_threepids
		WHERE (user_id, address) > ($1, $2)
		ORDER BY user_id, address, added_at DESC, medium ASC
		LIMIT $3
	`, k[0], k[1], limit)
	if err != nil {
		return nil, fmt.Errorf("fetching threepids: %w", err)
	}
	defer rows.Close()

	var out []ThreepidRow
	for rows.Next() {
		var r ThreepidRow
		if err := rows.Scan(&r.UserID, &r.Medium, &r.Address, &r.ValidatedAt, &r.AddedAt); err != nil {
			return nil, fmt.Errorf("scanning threepid row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountThreepids counts distinct (user, address) third-party identifiers.
func (p *Pool) CountThreepids(ctx context.Context) (int64, error) {
	return p.count(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT user_id, address FROM user_threepids
		) t`)
}

// FetchExternalIDs returns the next page of SSO identity links.
func (p *Pool) FetchExternalIDs(ctx context.Context, after string, limit int) ([]ExternalIDRow, error) {
	k := SplitKey(after, 2)
	rows, err := p.pool.Query(ctx, `
		SELECT auth_provider, external_id, user_id
		FROM user_external_ids
		WHERE (auth_provider, external_id) > ($1, $2)
		ORDER BY auth_provider, external_id
		LIMIT $3
	`, k[0], k[1], limit)
	if err != nil {
		return nil, fmt.Errorf("fetching external ids: %w", err)
	}
	defer rows.Close()

	var out []ExternalIDRow
	for rows.Next() {
		var r ExternalIDRow
		if err := rows.Scan(&r.AuthProvider, &r.ExternalID, &r.UserID); err != nil {
			return nil, fmt.Errorf("scanning external id row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountExternalIDs counts SSO identity links.
func (p *Pool) CountExternalIDs(ctx context.Context) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM user_external_ids`)
}

// FetchDevices returns the next page of visible devices.
func (p *Pool) FetchDevices(ctx context.Context, after string, limit int) ([]DeviceRow, error) {
	k := SplitKey(after, 2)
	rows, err := p.pool.Query(ctx, `
		SELECT d.user_id, d.device_id, d.display_name, d.last_seen, d.ip, d.user_agent,
		       COALESCE(u.admin, 0)
		FROM devices d
		JOIN users u ON u.name = d.user_id
		WHERE NOT COALESCE(d.hidden, FALSE)
		  AND (d.user_id, d.device_id) > ($1, $2)
		ORDER BY d.user_id, d.device_id
		LIMIT $3
	`, k[0], k[1], limit)
	if err != nil {
		return nil, fmt.Errorf("fetching devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var r DeviceRow
		var admin int16
		if err := rows.Scan(&r.UserID, &r.DeviceID, &r.DisplayName, &r.LastSeen, &r.IP, &r.UserAgent, &admin); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		r.Admin = admin != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDevices counts visible devices.
func (p *Pool) CountDevices(ctx context.Context) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM devices WHERE NOT COALESCE(hidden, FALSE)`)
}

// FetchAccessTokens returns the next page of unexpired access tokens.
// notBefore is a millisecond timestamp frozen at run start so the expiry
// filter is stable for the whole run.
func (p *Pool) FetchAccessTokens(ctx context.Context, after string, limit int, notBefore int64) ([]AccessTokenRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, device_id, token, valid_until_ms, last_validated
		FROM access_tokens
		WHERE id > $1
		  AND (valid_until_ms IS NULL OR valid_until_ms >= $2)
		ORDER BY id
		LIMIT $3
	`, parseIntKey(after), notBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching access tokens: %w", err)
	}
	defer rows.Close()

	var out []AccessTokenRow
	for rows.Next() {
		var r AccessTokenRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.DeviceID, &r.Token, &r.ValidUntilMS, &r.LastValidated); err != nil {
			return nil, fmt.Errorf("scanning access token row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountAccessTokens counts unexpired access tokens.
func (p *Pool) CountAccessTokens(ctx context.Context, notBefore int64) (int64, error) {
	return p.count(ctx, `
		SELECT COUNT(*) FROM access_tokens
		WHERE valid_until_ms IS NULL OR valid_until_ms >= $1`, notBefore)
}

// FetchRefreshTokens returns the next page of refresh tokens, each joined to
// the access token it refreshes.
func (p *Pool) FetchRefreshTokens(ctx context.Context, after string, limit int) ([]RefreshTokenRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT rt.id, rt.user_id, rt.device_id, rt.token, at.id
		FROM refresh_tokens rt
		LEFT JOIN access_tokens at ON at.refresh_token_id = rt.id
		WHERE rt.id > $1
		ORDER BY rt.id
		LIMIT $2
	`, parseIntKey(after), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching refresh tokens: %w", err)
	}
	defer rows.Close()

	var out []RefreshTokenRow
	for rows.Next() {
		var r RefreshTokenRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.DeviceID, &r.Token, &r.AccessTokenID); err != nil {
			return nil, fmt.Errorf("scanning refresh token row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRefreshTokens counts refresh tokens.
func (p *Pool) CountRefreshTokens(ctx context.Context) (int64, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM refresh_tokens`)
}
