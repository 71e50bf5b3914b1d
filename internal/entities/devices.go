package entities

import (
	"context"

	"github.com/matrix-tools/syn2mas/internal/idmap"
	"github.com/matrix-tools/syn2mas/internal/pipeline"
	"github.com/matrix-tools/syn2mas/internal/source"
	"github.com/matrix-tools/syn2mas/internal/target"
)

// Devices migrates legacy devices into MAS compat sessions. Hidden devices
// are filtered at extraction.
type Devices struct {
	deps Deps
}

func NewDevices(deps Deps) *Devices { return &Devices{deps: deps} }

func (d *Devices) Name() string        { return "devices" }
func (d *Devices) DependsOn() []string { return []string{"users"} }

func (d *Devices) Count(ctx context.Context) (int64, error) {
	return d.deps.Source.CountDevices(ctx)
}

func (d *Devices) Fetch(ctx context.Context, after string, limit int) ([]pipeline.Item, error) {
	rows, err := d.deps.Source.FetchDevices(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	items := make([]pipeline.Item, len(rows))
	for i, r := range rows {
		items[i] = pipeline.Item{Key: r.Key(), Data: r}
	}
	return items, nil
}

func (d *Devices) Transform(item pipeline.Item, sess *idmap.Session) ([]target.Record, error) {
	row := item.Data.(source.DeviceRow)

	userID, ok := sess.Lookup(MapUser, row.UserID)
	if !ok {
		return nil, danglingErr(d.Name(), item.Key, "device owner %s was not migrated", row.UserID)
	}

	sessionID, err := sess.Resolve(MapCompatSession, source.JoinKey(row.UserID, row.DeviceID))
	if err != nil {
		return nil, err
	}

	// Devices carry no creation timestamp; last_seen is the closest stable
	// signal, with the migration moment as fallback.
	createdAt := d.deps.MigratedAt
	if row.LastSeen != nil {
		createdAt = msToTime(*row.LastSeen)
	}

	lastActiveAt := msPtrToTime(row.LastSeen)

	return []target.Record{{
		Table: "compat_sessions",
		Columns: []string{
			"compat_session_id", "user_id", "device_id", "human_name",
			"created_at", "is_synapse_admin",
			"last_active_at", "last_active_ip", "user_agent",
		},
		Values: []any{
			sessionID, userID, row.DeviceID, row.DisplayName,
			createdAt, row.Admin,
			lastActiveAt, row.IP, row.UserAgent,
		},
		ConflictKey: []string{"compat_session_id"},
		VerifyColumns: []string{
			"user_id", "device_id", "human_name",
			"is_synapse_admin", "last_active_at", "last_active_ip", "user_agent",
		},
		EntityType: d.Name(),
		LegacyKey:  item.Key,
	}}, nil
}
