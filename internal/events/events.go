package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	lexutil "github.com/bluesky-social/indigo/lex/util"

	"github.com/ipfs/go-cid"
)

// CommitInfo carries everything needed to build a firehose commit event.
type CommitInfo struct {
	DID       string
	Rev       string
	PrevRev   string
	CommitCID string
	PrevData  *cid.Cid
	DiffCAR   []byte
	Ops       []OpInfo
	Time      time.Time
}

// OpInfo describes a single record mutation.
type OpInfo struct {
	Action string   // "create", "update", or "delete"
	Path   string   // collection/rkey
	CID    *cid.Cid // new record CID (nil for delete)
	Prev   *cid.Cid // previous record CID (nil for create)
}

// subscriber represents a connected firehose consumer.
type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// Manager handles event sequencing, persistence, and fan-out to
// WebSocket subscribers.
type Manager struct {
	persister *Persister

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	done chan struct{}
}

// NewManager creates an EventManager.
func NewManager(persister *Persister) *Manager {
	return &Manager{
		persister: persister,
		subs:      make(map[*subscriber]struct{}),
		done:      make(chan struct{}),
	}
}

// Emit persists a commit event within db — the same transaction the
// caller used to write the repository's blocks and root, so persistence
// and the commit it describes succeed or fail together. It does NOT
// broadcast: the frame it returns must only reach subscribers once the
// caller's transaction has actually committed, so Broadcast is a
// separate call the caller makes after tx.Commit succeeds. Returns
// error only if persistence fails; the caller is responsible for
// rolling back its transaction on that error.
func (m *Manager) Emit(ctx context.Context, db dbtx, info *CommitInfo) ([]byte, error) {
	// Build the SyncSubscribeRepos_Commit.
	commitCID, err := cid.Decode(info.CommitCID)
	if err != nil {
		return nil, fmt.Errorf("events: decode commit cid: %w", err)
	}

	ops := make([]*atproto.SyncSubscribeRepos_RepoOp, len(info.Ops))
	for i, op := range info.Ops {
		repoOp := &atproto.SyncSubscribeRepos_RepoOp{
			Action: op.Action,
			Path:   op.Path,
		}
		if op.CID != nil {
			ll := lexutil.LexLink(*op.CID)
			repoOp.Cid = &ll
		}
		if op.Prev != nil {
			ll := lexutil.LexLink(*op.Prev)
			repoOp.Prev = &ll
		}
		ops[i] = repoOp
	}

	var since *string
	if info.PrevRev != "" {
		since = &info.PrevRev
	}

	var prevData *lexutil.LexLink
	if info.PrevData != nil {
		ll := lexutil.LexLink(*info.PrevData)
		prevData = &ll
	}

	commit := &atproto.SyncSubscribeRepos_Commit{
		Repo:     info.DID,
		Rev:      info.Rev,
		Commit:   lexutil.LexLink(commitCID),
		Blocks:   lexutil.LexBytes(info.DiffCAR),
		Ops:      ops,
		Blobs:    []lexutil.LexLink{},
		Since:    since,
		PrevData: prevData,
		Time:     info.Time.UTC().Format(time.RFC3339),
		Rebase:   false,
		TooBig:   false,
	}

	// Persist to get sequence number.
	seq, err := m.persister.Persist(ctx, db, "commit", info.DID, commit)
	if err != nil {
		return nil, fmt.Errorf("events: persist: %w", err)
	}
	commit.Seq = seq

	// Serialize the wire frame.
	frame, err := encodeFrame(commit)
	if err != nil {
		return nil, fmt.Errorf("events: encode frame: %w", err)
	}

	return frame, nil
}

// Broadcast fans a previously-Emit'd frame out to all live subscribers.
// Call only after the transaction Emit ran inside has committed.
func (m *Manager) Broadcast(frame []byte) {
	m.broadcast(frame)
}

// Subscribe returns a channel of pre-serialized CBOR frames. Cursor
// sentinels (per spec): since == nil or pointing at 0 means live-tail
// only (no replay); since pointing at -1 means replay from the very
// beginning; any other value replays events after that seq. If the
// requested cursor falls outside the retention window, a terminal
// #info OutdatedCursor frame is sent and the channel is closed
// immediately instead of replaying.
// The returned cancel function must be called when the subscriber is done.
func (m *Manager) Subscribe(ctx context.Context, since *int64) (<-chan []byte, func(), error) {
	sub := &subscriber{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}

	replay := since != nil && *since != 0

	if replay && *since != -1 {
		if oldest, ok, err := m.persister.OldestSeq(ctx); err == nil && ok && *since < oldest-1 {
			frame, ferr := encodeOutdatedCursorFrame(fmt.Sprintf("requested cursor %d is older than the retained log (oldest %d)", *since, oldest))
			if ferr == nil {
				ch := make(chan []byte, 1)
				ch <- frame
				close(ch)
				return ch, func() {}, nil
			}
		}
	}

	// Register subscriber BEFORE replay so we don't miss events between
	// replay end and live start.
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		close(sub.done)
	}

	// Replay historical events if the cursor asked for one.
	if replay {
		go func() {
			err := m.persister.Replay(ctx, *since, func(frame []byte) error {
				select {
				case sub.ch <- frame:
					return nil
				case <-sub.done:
					return fmt.Errorf("subscriber cancelled")
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				log.Printf("Warning: replay error: %v", err)
			}
		}()
	}

	return sub.ch, cancel, nil
}

// Shutdown closes the manager and all subscriber channels.
func (m *Manager) Shutdown() {
	close(m.done)
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
}

// broadcast sends a frame to all subscribers. A slow consumer whose
// buffer is full has its oldest buffered frame discarded to make room
// for a terminal #info OutdatedCursor frame and is then disconnected,
// so the client knows to reconnect with a fresh cursor rather than
// being dropped silently.
func (m *Manager) broadcast(frame []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs {
		select {
		case sub.ch <- frame:
		default:
			if outdated, err := encodeOutdatedCursorFrame("subscriber buffer overflowed"); err == nil {
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- outdated:
				default:
				}
			}
			close(sub.ch)
			go func(s *subscriber) {
				m.mu.Lock()
				delete(m.subs, s)
				m.mu.Unlock()
			}(sub)
		}
	}
}
