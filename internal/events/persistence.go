// Package events handles firehose event sequencing, persistence, and
// fan-out to WebSocket subscribers for com.atproto.sync.subscribeRepos.
package events

import (
	"bytes"
	"context"
	"fmt"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultRetention is how long firehose_events rows are kept before
// becoming eligible for pruning. Operator-tunable via Persister.Retention.
const DefaultRetention = 72 * time.Hour

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx. Persist runs
// inside the caller's repository-commit transaction; Replay/prune run
// standalone against the pool.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Persister stores firehose events in Postgres.
type Persister struct {
	pool      *pgxpool.Pool
	Retention time.Duration
}

// NewPersister creates a Persister backed by the given pool, using
// DefaultRetention.
func NewPersister(pool *pgxpool.Pool) *Persister {
	return &Persister{pool: pool, Retention: DefaultRetention}
}

// Persist inserts a commit event into firehose_events within db (a pool
// or, for the atomic commit path, the same transaction that wrote the
// repository blocks) and returns the assigned sequence number.
func (p *Persister) Persist(ctx context.Context, db dbtx, eventType, did string, commit *atproto.SyncSubscribeRepos_Commit) (int64, error) {
	var buf bytes.Buffer
	if err := commit.MarshalCBOR(&buf); err != nil {
		return 0, fmt.Errorf("persist: marshal commit: %w", err)
	}

	var seq int64
	err := db.QueryRow(ctx,
		`INSERT INTO firehose_events (event_type, did, payload)
		 VALUES ($1, $2, $3)
		 RETURNING seq`,
		eventType, did, buf.Bytes(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("persist: insert event: %w", err)
	}
	return seq, nil
}

// OldestSeq returns the smallest seq currently retained, or ok=false if
// the log is empty. Subscribe uses this to detect a cursor that has
// fallen outside the retention window.
func (p *Persister) OldestSeq(ctx context.Context) (seq int64, ok bool, err error) {
	var min *int64
	err = p.pool.QueryRow(ctx, `SELECT MIN(seq) FROM firehose_events`).Scan(&min)
	if err != nil {
		return 0, false, fmt.Errorf("oldest seq: %w", err)
	}
	if min == nil {
		return 0, false, nil
	}
	return *min, true, nil
}

// PruneOld deletes firehose_events rows older than the retention
// window and returns how many rows were removed. Safe to run
// periodically from a background loop.
func (p *Persister) PruneOld(ctx context.Context) (int64, error) {
	retention := p.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM firehose_events WHERE created_at < NOW() - $1::interval`,
		retention.String())
	if err != nil {
		return 0, fmt.Errorf("prune old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Replay reads events with seq > since, deserializes each one, sets the
// correct seq, serializes as a wire-format frame (header + payload), and
// calls fn for each frame. Used for cursor-based replay on WebSocket connect.
// Replay streams persisted events in seq order. since == -1 replays
// the entire retained log; any other value replays events after that
// seq. Callers must not invoke Replay with since == 0 — per Subscribe's
// cursor semantics that means "live tail only", not "replay".
func (p *Persister) Replay(ctx context.Context, since int64, fn func(frame []byte) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, payload FROM firehose_events
		 WHERE $1 = -1 OR seq > $1 ORDER BY seq ASC`, since)
	if err != nil {
		return fmt.Errorf("replay: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("replay: scan: %w", err)
		}

		var commit atproto.SyncSubscribeRepos_Commit
		if err := commit.UnmarshalCBOR(bytes.NewReader(payload)); err != nil {
			return fmt.Errorf("replay: unmarshal seq %d: %w", seq, err)
		}
		commit.Seq = seq

		frame, err := encodeFrame(&commit)
		if err != nil {
			return fmt.Errorf("replay: encode seq %d: %w", seq, err)
		}

		if err := fn(frame); err != nil {
			return err
		}
	}
	return rows.Err()
}

// encodeFrame serializes a commit as the AT Protocol firehose wire
// format: CBOR(EventHeader) + CBOR(SyncSubscribeRepos_Commit).
func encodeFrame(commit *atproto.SyncSubscribeRepos_Commit) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{
		Op:      events.EvtKindMessage,
		MsgType: "#commit",
	}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode frame: marshal header: %w", err)
	}
	if err := commit.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode frame: marshal commit: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeOutdatedCursorFrame builds the terminal #info frame sent to a
// subscriber whose cursor has fallen outside the retention window or
// whose buffer overflowed.
func encodeOutdatedCursorFrame(message string) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{
		Op:      events.EvtKindMessage,
		MsgType: "#info",
	}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode info frame: marshal header: %w", err)
	}
	body := atproto.SyncSubscribeRepos_Info{
		Name:    "OutdatedCursor",
		Message: &message,
	}
	if err := body.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("encode info frame: marshal body: %w", err)
	}
	return buf.Bytes(), nil
}
