// Copyright 2024-2026 Aiku AI

// Package partdb stores message parts in the bridge database.
package partdb

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

const schema = `
CREATE TABLE IF NOT EXISTS mattermost_part (
	target_id        TEXT    NOT NULL PRIMARY KEY,
	source_id        TEXT    NOT NULL,
	position         INTEGER NOT NULL,
	ordinal          INTEGER NOT NULL,
	reaction_ordinal INTEGER NOT NULL,
	type             TEXT    NOT NULL,
	subkind          TEXT    NOT NULL,
	section          INTEGER NOT NULL,
	origin           TEXT    NOT NULL,
	body             TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS mattermost_part_source_idx ON mattermost_part (source_id, position);
`

const (
	partColumns     = `source_id, target_id, ordinal, reaction_ordinal, type, subkind, section, origin, body`
	getPartsQuery   = `SELECT ` + partColumns + ` FROM mattermost_part WHERE source_id=$1 ORDER BY position`
	getPartQuery    = `SELECT ` + partColumns + ` FROM mattermost_part WHERE target_id=$1`
	getPrimaryQuery = `SELECT ` + partColumns + ` FROM mattermost_part WHERE source_id=$1 AND ordinal=0 ORDER BY position LIMIT 1`
	upsertPartQuery = `
		INSERT INTO mattermost_part (source_id, target_id, ordinal, reaction_ordinal, type, subkind, section, origin, body, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM mattermost_part WHERE source_id=$1))
		ON CONFLICT (target_id) DO UPDATE SET
			source_id=excluded.source_id,
			ordinal=excluded.ordinal,
			reaction_ordinal=excluded.reaction_ordinal,
			type=excluded.type,
			subkind=excluded.subkind,
			section=excluded.section,
			origin=excluded.origin,
			body=excluded.body
	`
	deletePartQuery = `DELETE FROM mattermost_part WHERE target_id=$1`
)

// Registry is a parts.Registry backed by SQLite or Postgres. Every method
// runs as its own statement, so each call commits independently.
type Registry struct {
	db *dbutil.Database
	qh *dbutil.QueryHelper[*row]
}

var _ parts.Registry = (*Registry)(nil)

// New wraps an open database. Call Upgrade before first use.
func New(db *dbutil.Database) *Registry {
	return &Registry{
		db: db,
		qh: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*row]) *row { return &row{} }),
	}
}

// Upgrade creates the part table if it does not exist yet.
func (r *Registry) Upgrade(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create part table: %w", err)
	}
	return nil
}

func (r *Registry) GetParts(ctx context.Context, sourceID string) ([]parts.Part, error) {
	rows, err := r.qh.QueryMany(ctx, getPartsQuery, sourceID)
	if err != nil {
		return nil, err
	}
	return unwrap(rows), nil
}

func (r *Registry) GetPart(ctx context.Context, targetID string) (*parts.Part, error) {
	return r.queryOne(ctx, getPartQuery, targetID)
}

func (r *Registry) FindReplyTarget(ctx context.Context, sourceID string) (*parts.Part, error) {
	return r.queryOne(ctx, getPrimaryQuery, sourceID)
}

func (r *Registry) UpsertPart(ctx context.Context, part parts.Part) error {
	return r.qh.Exec(ctx, upsertPartQuery,
		part.SourceID, part.TargetID, part.Ordinal, part.ReactionOrdinal,
		part.Type, part.Subkind, int(part.Section), string(part.Origin), part.Body,
	)
}

func (r *Registry) DeletePart(ctx context.Context, targetID string) error {
	return r.qh.Exec(ctx, deletePartQuery, targetID)
}

func (r *Registry) queryOne(ctx context.Context, query string, arg string) (*parts.Part, error) {
	found, err := r.qh.QueryOne(ctx, query, arg)
	if err != nil || found == nil {
		return nil, err
	}
	return &found.Part, nil
}

type row struct {
	parts.Part
}

func (p *row) Scan(s dbutil.Scannable) (*row, error) {
	var section int
	var origin string
	err := s.Scan(
		&p.SourceID, &p.TargetID, &p.Ordinal, &p.ReactionOrdinal,
		&p.Type, &p.Subkind, &section, &origin, &p.Body,
	)
	if err != nil {
		return nil, err
	}
	p.Section = msgconv.Section(section)
	p.Origin = parts.Origin(origin)
	return p, nil
}

func unwrap(rows []*row) []parts.Part {
	if len(rows) == 0 {
		return nil
	}
	out := make([]parts.Part, len(rows))
	for i, r := range rows {
		out[i] = r.Part
	}
	return out
}
