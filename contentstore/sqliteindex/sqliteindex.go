// Package sqliteindex maintains a local SQLite index over chain events so
// operators can query an actor's history by event type without walking
// every event file. The index subscribes to the runtime bus and records
// each NewEvent as it is appended; it is an index only — the canonical
// event bytes stay in the chain and its persisted files.
package sqliteindex

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
)

const schema = `
CREATE TABLE IF NOT EXISTS chain_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_id    TEXT NOT NULL,
	hash        TEXT NOT NULL UNIQUE,
	parent_hash TEXT,
	event_type  TEXT NOT NULL,
	data        BLOB
);
CREATE INDEX IF NOT EXISTS idx_chain_events_actor_type ON chain_events (actor_id, event_type);
`

// Index is a SQLite-backed index of chain events, usable directly or as a
// bus.Subscriber.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path. Use
// ":memory:" for an ephemeral index.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteindex: apply schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Record inserts one event for actorID. Re-recording an already-indexed
// event (same hash) is a no-op, so replaying a bus stream into the index is
// idempotent.
func (ix *Index) Record(ctx context.Context, actorID id.ActorID, event chain.Event) error {
	parent := ""
	if event.ParentHash != nil {
		parent = hex.EncodeToString(event.ParentHash)
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chain_events (actor_id, hash, parent_hash, event_type, data) VALUES (?, ?, ?, ?, ?)`,
		actorID.String(), hex.EncodeToString(event.Hash), parent, event.EventType, event.Data,
	)
	if err != nil {
		return fmt.Errorf("sqliteindex: record event: %w", err)
	}
	return nil
}

// HandleEvent implements bus.Subscriber, indexing NewEvent notifications
// and ignoring everything else on the bus.
func (ix *Index) HandleEvent(ctx context.Context, event bus.Event) error {
	if event.Type != bus.EventNewEvent {
		return nil
	}
	return ix.Record(ctx, event.ActorID, event.Chain)
}

// QueryByType returns actorID's indexed events of eventType, in append
// order.
func (ix *Index) QueryByType(ctx context.Context, actorID id.ActorID, eventType string) ([]chain.Event, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT hash, parent_hash, event_type, data FROM chain_events WHERE actor_id = ? AND event_type = ? ORDER BY seq`,
		actorID.String(), eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: query by type: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByType returns actorID's per-event-type counts, a cheap way to
// answer "how many calls vs results" without loading events.
func (ix *Index) CountByType(ctx context.Context, actorID id.ActorID) (map[string]int64, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM chain_events WHERE actor_id = ? GROUP BY event_type`,
		actorID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: count by type: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("sqliteindex: scan count: %w", err)
		}
		out[eventType] = count
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]chain.Event, error) {
	var out []chain.Event
	for rows.Next() {
		var hashHex, parentHex, eventType string
		var data []byte
		if err := rows.Scan(&hashHex, &parentHex, &eventType, &data); err != nil {
			return nil, fmt.Errorf("sqliteindex: scan event: %w", err)
		}
		hash, err := hex.DecodeString(hashHex)
		if err != nil {
			return nil, fmt.Errorf("sqliteindex: decode hash: %w", err)
		}
		event := chain.Event{Hash: hash, EventType: eventType, Data: data}
		if parentHex != "" {
			parent, err := hex.DecodeString(parentHex)
			if err != nil {
				return nil, fmt.Errorf("sqliteindex: decode parent hash: %w", err)
			}
			event.ParentHash = parent
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

var _ bus.Subscriber = (*Index)(nil)
