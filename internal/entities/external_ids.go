package entities

import (
	"context"

	"github.com/google/uuid"

	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/source"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// ExternalIDs migrates SSO identity links into MAS upstream OAuth links.
// Every legacy auth provider must be mapped to a MAS provider UUID in the
// configuration.
type ExternalIDs struct {
	deps Deps
}

func NewExternalIDs(deps Deps) *ExternalIDs { return &ExternalIDs{deps: deps} }

func (x *ExternalIDs) Name() string        { return "external_ids" }
func (x *ExternalIDs) DependsOn() []string { return []string{"users"} }

func (x *ExternalIDs) Count(ctx context.Context) (int64, error) {
	return x.deps.Source.CountExternalIDs(ctx)
}

func (x *ExternalIDs) Fetch(ctx context.Context, after string, limit int) ([]pipeline.Item, error) {
	rows, err := x.deps.Source.FetchExternalIDs(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	items := make([]pipeline.Item, len(rows))
	for i, r := range rows {
		items[i] = pipeline.Item{Key: r.Key(), Data: r}
	}
	return items, nil
}

func (x *ExternalIDs) Transform(item pipeline.Item, sess *idmap.Session) ([]target.Record, error) {
	row := item.Data.(source.ExternalIDRow)

	providerStr, ok := x.deps.Providers[row.AuthProvider]
	if !ok {
		return nil, validationErr(x.Name(), item.Key,
			"auth provider %q has no configured MAS provider", row.AuthProvider)
	}
	providerID, err := uuid.Parse(providerStr)
	if err != nil {
		return nil, validationErr(x.Name(), item.Key,
			"configured MAS provider for %q is not a UUID: %v", row.AuthProvider, err)
	}

	userID, ok := sess.Lookup(MapUser, row.UserID)
	if !ok {
		return nil, danglingErr(x.Name(), item.Key, "link owner %s was not migrated", row.UserID)
	}

	linkID, err := sess.Resolve(MapUpstreamOAuthLink, source.JoinKey(row.AuthProvider, row.ExternalID))
	if err != nil {
		return nil, err
	}

	return []target.Record{{
		Table: "upstream_oauth_links",
		Columns: []string{
			"upstream_oauth_link_id", "upstream_oauth_provider_id",
			"user_id", "subject", "created_at",
		},
		Values: []any{
			linkID, providerID,
			userID, row.ExternalID, x.deps.MigratedAt,
		},
		ConflictKey: []string{"upstream_oauth_link_id"},
		// created_at is the migration moment and differs per run.
		VerifyColumns: []string{"upstream_oauth_provider_id", "user_id", "subject"},
		EntityType:    x.Name(),
		LegacyKey:     item.Key,
	}}, nil
}
