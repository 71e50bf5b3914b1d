package entities

import (
	"context"

	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/source"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// Emails migrates legacy third-party identifiers. Email addresses become MAS
// user emails; every other medium (msisdn, mostly) lands in the unsupported
// third-party-id table so nothing is silently dropped.
type Emails struct {
	deps Deps
}

func NewEmails(deps Deps) *Emails { return &Emails{deps: deps} }

func (e *Emails) Name() string        { return "emails" }
func (e *Emails) DependsOn() []string { return []string{"users"} }

func (e *Emails) Count(ctx context.Context) (int64, error) {
	return e.deps.Source.CountThreepids(ctx)
}

func (e *Emails) Fetch(ctx context.Context, after string, limit int) ([]pipeline.Item, error) {
	rows, err := e.deps.Source.FetchThreepids(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	items := make([]pipeline.Item, len(rows))
	for i, r := range rows {
		items[i] = pipeline.Item{Key: r.Key(), Data: r}
	}
	return items, nil
}

func (e *Emails) Transform(item pipeline.Item, sess *idmap.Session) ([]target.Record, error) {
	row := item.Data.(source.ThreepidRow)

	userID, ok := sess.Lookup(MapUser, row.UserID)
	if !ok {
		return nil, danglingErr(e.Name(), item.Key, "threepid owner %s was not migrated", row.UserID)
	}

	// added_at is missing on very old rows; the validation moment is the
	// best remaining creation signal.
	createdMS := row.AddedAt
	if createdMS == 0 {
		createdMS = row.ValidatedAt
	}

	legacyKey := source.JoinKey(row.UserID, row.Address)

	// The unsupported-3pid table has a natural primary key, so no identifier
	// needs allocating for it.
	if row.Medium != "email" {
		return []target.Record{{
			Table:       "user_unsupported_third_party_ids",
			Columns:     []string{"user_id", "medium", "address", "created_at"},
			Values:      []any{userID, row.Medium, row.Address, msToTime(createdMS)},
			ConflictKey: []string{"user_id", "medium", "address"},
			EntityType:  e.Name(),
			LegacyKey:   item.Key,
		}}, nil
	}

	emailID, err := sess.Resolve(MapUserEmail, legacyKey)
	if err != nil {
		return nil, err
	}
	return []target.Record{{
		Table:       "user_emails",
		Columns:     []string{"user_email_id", "user_id", "email", "created_at"},
		Values:      []any{emailID, userID, row.Address, msToTime(createdMS)},
		ConflictKey: []string{"user_email_id"},
		EntityType:  e.Name(),
		LegacyKey:   item.Key,
	}}, nil
}
