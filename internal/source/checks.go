package source

import (
	"context"
	"fmt"
)

// CheckReport collects pre-migration findings. Errors block migration;
// warnings should be reviewed but do not.
type CheckReport struct {
	Errors   []string
	Warnings []string
}

func (r *CheckReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *CheckReport) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// SanityChecks inspects the Synapse data for conditions that would make a
// migration fail or silently lose rows. It is safe to run while Synapse is
// online; nothing is written.
func (p *Pool) SanityChecks(ctx context.Context, homeserver string, knownProviders map[string]string) (*CheckReport, error) {
	report := &CheckReport{}

	foreign, err := p.count(ctx, `
		SELECT COUNT(*) FROM users
		WHERE COALESCE(is_guest, 0) = 0 AND appservice_id IS NULL
		  AND name NOT LIKE '@%:' || $1
	`, homeserver)
	if err != nil {
		return nil, fmt.Errorf("checking user server names: %w", err)
	}
	if foreign > 0 {
		report.errorf("%d users do not belong to homeserver %q; check migration.homeserver", foreign, homeserver)
	}

	guests, err := p.count(ctx, `SELECT COUNT(*) FROM users WHERE COALESCE(is_guest, 0) = 1`)
	if err != nil {
		return nil, fmt.Errorf("checking guests: %w", err)
	}
	if guests > 0 {
		report.warnf("%d guest users will not be migrated", guests)
	}

	appservice, err := p.count(ctx, `SELECT COUNT(*) FROM users WHERE appservice_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("checking appservice users: %w", err)
	}
	if appservice > 0 {
		report.warnf("%d appservice users will not be migrated (managed by their appservice)", appservice)
	}

	orphanThreepids, err := p.count(ctx, `
		SELECT COUNT(*) FROM user_threepids t
		WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.name = t.user_id)`)
	if err != nil {
		return nil, fmt.Errorf("checking threepid owners: %w", err)
	}
	if orphanThreepids > 0 {
		report.warnf("%d third-party identifiers reference missing users and will be skipped", orphanThreepids)
	}

	rows, err := p.pool.Query(ctx, `SELECT DISTINCT auth_provider FROM user_external_ids`)
	if err != nil {
		return nil, fmt.Errorf("checking auth providers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, fmt.Errorf("scanning auth provider: %w", err)
		}
		if _, ok := knownProviders[provider]; !ok {
			report.errorf("auth provider %q has no upstream_providers mapping in the configuration", provider)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checking auth providers: %w", err)
	}

	devicelessTokens, err := p.count(ctx, `
		SELECT COUNT(*) FROM access_tokens WHERE device_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("checking deviceless tokens: %w", err)
	}
	if devicelessTokens > 0 {
		report.warnf("%d access tokens have no device and cannot become compat sessions", devicelessTokens)
	}

	orphanRefresh, err := p.count(ctx, `
		SELECT COUNT(*) FROM refresh_tokens rt
		WHERE NOT EXISTS (SELECT 1 FROM access_tokens at WHERE at.refresh_token_id = rt.id)`)
	if err != nil {
		return nil, fmt.Errorf("checking refresh tokens: %w", err)
	}
	if orphanRefresh > 0 {
		report.warnf("%d refresh tokens are not referenced by any access token and will be skipped", orphanRefresh)
	}

	return report, nil
}
