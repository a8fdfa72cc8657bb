package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/atdata"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	"github.com/bluesky-social/indigo/atproto/syntax"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/primal-pds/internal/apierr"
	"github.com/primal-host/primal-pds/internal/blob"
	"github.com/primal-host/primal-pds/internal/events"
)

// Manager orchestrates all repository operations for the PDS. It holds
// a reference to the firehose event manager so every mutating
// operation can append its commit event inside the same transaction
// that writes the repository's blocks and root, and a reference to the
// blob store so blob_refs reconciliation (spec.md §4.4 step 5) happens
// in that same transaction too.
type Manager struct {
	events *events.Manager
	blobs  *blob.Store
}

// NewManager creates a repo Manager. em may be nil for read-only/offline
// tooling (e.g. the CAR import CLI verifies without running a live firehose).
func NewManager(em *events.Manager, bs *blob.Store) *Manager {
	return &Manager{events: em, blobs: bs}
}

// RecordEntry represents a single record in a list response.
type RecordEntry struct {
	URI string         `json:"uri"`
	CID string         `json:"cid"`
	Val map[string]any `json:"value"`
}

// repoRoot holds the current commit state for a repository.
type repoRoot struct {
	CommitCID string
	Rev       string
	Active    bool
}

// CommitResult captures everything about a commit that downstream
// consumers (like the firehose) need to build event payloads.
type CommitResult struct {
	CommitCID string
	Rev       string
	PrevRev   string
	PrevData  *cid.Cid
	Ops       []RepoOp
	DiffCAR   []byte // CAR v1 with only new blocks
}

// RepoOp describes a single record mutation within a commit.
type RepoOp struct {
	Action string   // "create", "update", or "delete"
	Path   string   // collection/rkey
	CID    *cid.Cid // new record CID (nil for delete)
	Prev   *cid.Cid // previous record CID (nil for create)
}

// WriteOp is a single operation in an ApplyWrites batch.
type WriteOp struct {
	Action     string // "create", "update", or "delete"
	Collection string
	RKey       string // required for update/delete; generated for create if empty
	Record     map[string]any
}

// checkWritable verifies the account backing did is active, holding a
// row lock for the duration of the transaction so two concurrent
// commits against the same repository serialize instead of racing —
// the single-writer-per-repository domain spec.md §5 requires.
func checkWritable(ctx context.Context, tx pgx.Tx, did string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM account WHERE did = $1 FOR UPDATE`, did).Scan(&status)
	if err == pgx.ErrNoRows {
		return apierr.New(apierr.RepoNotFound, "no repository for "+did)
	}
	if err != nil {
		return fmt.Errorf("repo: check writable: %w", err)
	}
	if status != "active" {
		return apierr.New(apierr.AccountInactive, "account is "+status)
	}
	return nil
}

// InitRepo creates an empty repository for a new account. It creates
// an empty MST, signs an initial commit, and persists the blocks.
// Safe to call multiple times — returns nil if a root already exists.
func (m *Manager) InitRepo(ctx context.Context, pool *pgxpool.Pool, did, signingKey string) error {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM repo_roots WHERE did = $1)`, did,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("repo: init check: %w", err)
	}
	if exists {
		return nil
	}

	privKey, err := ParseKey(signingKey)
	if err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}

	bs := NewMemBlockstore()
	tree := mst.NewEmptyTree()

	mstRoot, err := tree.WriteDiffBlocks(ctx, bs)
	if err != nil {
		return fmt.Errorf("repo: init write mst: %w", err)
	}

	clock := syntax.NewTIDClock(0)
	rev := clock.Next().String()

	commit := indigorepo.Commit{
		DID:     did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    nil,
		Data:    *mstRoot,
		Rev:     rev,
	}
	if err := commit.Sign(privKey); err != nil {
		return fmt.Errorf("repo: init sign: %w", err)
	}

	commitCID, err := storeCommitBlock(bs, &commit)
	if err != nil {
		return fmt.Errorf("repo: init commit block: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repo: init begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := bs.PersistAll(ctx, tx, did); err != nil {
		return fmt.Errorf("repo: init persist: %w", err)
	}
	if err := setRoot(ctx, tx, did, commitCID.String(), rev); err != nil {
		return fmt.Errorf("repo: init root: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repo: init commit tx: %w", err)
	}

	return nil
}

// CreateRecord adds a record to an account's repository. It generates
// a TID rkey, inserts into the MST, and creates a signed commit.
func (m *Manager) CreateRecord(ctx context.Context, pool *pgxpool.Pool, did, signingKey, collection string, record map[string]any) (uri string, result *CommitResult, err error) {
	clock := syntax.NewTIDClock(0)
	rkey := clock.Next().String()
	return m.PutRecord(ctx, pool, did, signingKey, collection, rkey, record)
}

// GetRecord reads a record from the repo by collection + rkey.
func (m *Manager) GetRecord(ctx context.Context, pool *pgxpool.Pool, did, collection, rkey string) (cidStr string, record map[string]any, err error) {
	bs, tree, _, err := openRepo(ctx, pool, did)
	if err != nil {
		return "", nil, err
	}

	path := collection + "/" + rkey
	recordCID, err := tree.Get([]byte(path))
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record mst: %w", err)
	}
	if recordCID == nil {
		return "", nil, apierr.New(apierr.RecordNotFound, path)
	}

	blk, err := bs.Get(ctx, *recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record block: %w", err)
	}

	rec, err := DecodeRecord(blk.RawData())
	if err != nil {
		return "", nil, fmt.Errorf("repo: decode record: %w", err)
	}

	return recordCID.String(), rec, nil
}

// DeleteRecord removes a record from the repo.
func (m *Manager) DeleteRecord(ctx context.Context, pool *pgxpool.Pool, did, signingKey, collection, rkey string) (*CommitResult, error) {
	privKey, err := ParseKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("repo: delete: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: delete begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkWritable(ctx, tx, did); err != nil {
		return nil, err
	}

	tbs, tree, root, err := openRepoTx(ctx, tx, did)
	if err != nil {
		return nil, err
	}

	path := collection + "/" + rkey
	prev, err := tree.Remove([]byte(path))
	if err != nil {
		return nil, fmt.Errorf("repo: delete mst remove: %w", err)
	}
	if prev == nil {
		return nil, apierr.New(apierr.RecordNotFound, path)
	}

	ops := []RepoOp{{Action: "delete", Path: path, CID: nil, Prev: prev}}

	if m.blobs != nil {
		if err := m.blobs.UnreconcileRecord(ctx, tx, did, "at://"+did+"/"+path); err != nil {
			return nil, fmt.Errorf("repo: delete unreconcile blobs: %w", err)
		}
	}

	result, frame, err := commitRepo(ctx, tx, m.events, did, privKey, tbs, &tree, root, ops)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("repo: delete commit tx: %w", err)
	}
	if m.events != nil && frame != nil {
		m.events.Broadcast(frame)
	}
	return result, nil
}

// PutRecord creates or updates a record at a specific rkey.
func (m *Manager) PutRecord(ctx context.Context, pool *pgxpool.Pool, did, signingKey, collection, rkey string, record map[string]any) (uri string, result *CommitResult, err error) {
	privKey, err := ParseKey(signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put: %w", err)
	}

	recordCID, cborBytes, err := encodeRecordValue(record)
	if err != nil {
		return "", nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkWritable(ctx, tx, did); err != nil {
		return "", nil, err
	}

	tbs, tree, root, err := openRepoTx(ctx, tx, did)
	if err != nil {
		return "", nil, err
	}

	blk, err := blocks.NewBlockWithCid(cborBytes, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put create block: %w", err)
	}
	if err := tbs.Put(ctx, blk); err != nil {
		return "", nil, fmt.Errorf("repo: put store block: %w", err)
	}

	path := collection + "/" + rkey
	prev, err := tree.Insert([]byte(path), recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put mst insert: %w", err)
	}

	action := "create"
	if prev != nil {
		action = "update"
	}
	ops := []RepoOp{{Action: action, Path: path, CID: &recordCID, Prev: prev}}
	atURI := "at://" + did + "/" + collection + "/" + rkey

	if m.blobs != nil {
		if err := m.blobs.ReconcileRecord(ctx, tx, did, atURI, record); err != nil {
			return "", nil, fmt.Errorf("repo: put reconcile blobs: %w", err)
		}
	}

	result, frame, err := commitRepo(ctx, tx, m.events, did, privKey, tbs, &tree, root, ops)
	if err != nil {
		return "", nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("repo: put commit tx: %w", err)
	}
	if m.events != nil && frame != nil {
		m.events.Broadcast(frame)
	}

	return atURI, result, nil
}

// ApplyWrites applies an ordered batch of create/update/delete
// operations against the repository as a single all-or-nothing commit,
// per spec.md §4.4 apply_writes.
func (m *Manager) ApplyWrites(ctx context.Context, pool *pgxpool.Pool, did, signingKey string, writes []WriteOp) (uris []string, result *CommitResult, err error) {
	privKey, err := ParseKey(signingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkWritable(ctx, tx, did); err != nil {
		return nil, nil, err
	}

	tbs, tree, root, err := openRepoTx(ctx, tx, did)
	if err != nil {
		return nil, nil, err
	}

	ops := make([]RepoOp, 0, len(writes))
	uris = make([]string, 0, len(writes))

	for _, w := range writes {
		rkey := w.RKey
		if rkey == "" {
			if w.Action != "create" {
				return nil, nil, apierr.New(apierr.InvalidRequest, "rkey is required for "+w.Action)
			}
			rkey = syntax.NewTIDClock(0).Next().String()
		}
		path := w.Collection + "/" + rkey

		switch w.Action {
		case "create", "update":
			recordCID, cborBytes, encErr := encodeRecordValue(w.Record)
			if encErr != nil {
				return nil, nil, encErr
			}
			blk, blkErr := blocks.NewBlockWithCid(cborBytes, recordCID)
			if blkErr != nil {
				return nil, nil, fmt.Errorf("repo: apply writes create block: %w", blkErr)
			}
			if putErr := tbs.Put(ctx, blk); putErr != nil {
				return nil, nil, fmt.Errorf("repo: apply writes store block: %w", putErr)
			}
			prev, insErr := tree.Insert([]byte(path), recordCID)
			if insErr != nil {
				return nil, nil, fmt.Errorf("repo: apply writes mst insert: %w", insErr)
			}
			action := "create"
			if prev != nil {
				action = "update"
			}
			ops = append(ops, RepoOp{Action: action, Path: path, CID: &recordCID, Prev: prev})
			uris = append(uris, "at://"+did+"/"+path)
			if m.blobs != nil {
				if rcErr := m.blobs.ReconcileRecord(ctx, tx, did, "at://"+did+"/"+path, w.Record); rcErr != nil {
					return nil, nil, fmt.Errorf("repo: apply writes reconcile blobs: %w", rcErr)
				}
			}
		case "delete":
			prev, rmErr := tree.Remove([]byte(path))
			if rmErr != nil {
				return nil, nil, fmt.Errorf("repo: apply writes mst remove: %w", rmErr)
			}
			if prev == nil {
				return nil, nil, apierr.New(apierr.RecordNotFound, path)
			}
			ops = append(ops, RepoOp{Action: "delete", Path: path, CID: nil, Prev: prev})
			uris = append(uris, "at://"+did+"/"+path)
			if m.blobs != nil {
				if ucErr := m.blobs.UnreconcileRecord(ctx, tx, did, "at://"+did+"/"+path); ucErr != nil {
					return nil, nil, fmt.Errorf("repo: apply writes unreconcile blobs: %w", ucErr)
				}
			}
		default:
			return nil, nil, apierr.New(apierr.InvalidRequest, "unknown write action "+w.Action)
		}
	}

	result, frame, err := commitRepo(ctx, tx, m.events, did, privKey, tbs, &tree, root, ops)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes commit tx: %w", err)
	}
	if m.events != nil && frame != nil {
		m.events.Broadcast(frame)
	}
	return uris, result, nil
}

// encodeRecordValue parses a record through the atproto data model and
// returns its DAG-CBOR encoding and CID.
func encodeRecordValue(record map[string]any) (cid.Cid, []byte, error) {
	rawJSON, err := json.Marshal(record)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: marshal json: %w", err)
	}
	parsed, err := atdata.UnmarshalJSON(rawJSON)
	if err != nil {
		return cid.Undef, nil, apierr.New(apierr.InvalidRequest, "invalid record: "+err.Error())
	}
	cborBytes, err := EncodeRecord(parsed)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: encode: %w", err)
	}
	recordCID, err := ComputeCID(cborBytes)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: cid: %w", err)
	}
	return recordCID, cborBytes, nil
}

// ListRecords returns records in a collection with pagination.
func (m *Manager) ListRecords(ctx context.Context, pool *pgxpool.Pool, did, collection string, limit int, cursor string, reverse bool) ([]RecordEntry, string, error) {
	bs, tree, _, err := openRepo(ctx, pool, did)
	if err != nil {
		return nil, "", err
	}

	prefix := collection + "/"
	var entries []struct {
		key string
		val cid.Cid
	}

	err = tree.Walk(func(key []byte, val cid.Cid) error {
		k := string(key)
		if !strings.HasPrefix(k, prefix) {
			return nil
		}
		entries = append(entries, struct {
			key string
			val cid.Cid
		}{k, val})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("repo: list walk: %w", err)
	}

	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	startIdx := 0
	if cursor != "" {
		cursorPath := prefix + cursor
		for i, e := range entries {
			if e.key == cursorPath {
				startIdx = i + 1
				break
			}
		}
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var records []RecordEntry
	var nextCursor string
	for i := startIdx; i < len(entries) && len(records) < limit; i++ {
		e := entries[i]
		rkey := strings.TrimPrefix(e.key, prefix)

		blk, err := bs.Get(ctx, e.val)
		if err != nil {
			return nil, "", fmt.Errorf("repo: list get block %s: %w", e.val.String(), err)
		}
		rec, err := DecodeRecord(blk.RawData())
		if err != nil {
			return nil, "", fmt.Errorf("repo: list decode: %w", err)
		}

		records = append(records, RecordEntry{
			URI: "at://" + did + "/" + e.key,
			CID: e.val.String(),
			Val: rec,
		})

		if len(records) == limit && i+1 < len(entries) {
			nextCursor = rkey
		}
	}

	return records, nextCursor, nil
}

// DescribeRepo returns the distinct collection NSIDs present in a repo.
func (m *Manager) DescribeRepo(ctx context.Context, pool *pgxpool.Pool, did string) ([]string, error) {
	_, tree, _, err := openRepo(ctx, pool, did)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	err = tree.Walk(func(key []byte, _ cid.Cid) error {
		k := string(key)
		if idx := strings.Index(k, "/"); idx > 0 {
			seen[k[:idx]] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: describe walk: %w", err)
	}

	collections := make([]string, 0, len(seen))
	for c := range seen {
		collections = append(collections, c)
	}
	return collections, nil
}

// GetRoot returns the current commit CID and rev for a DID.
func (m *Manager) GetRoot(ctx context.Context, pool *pgxpool.Pool, did string) (commitCID, rev string, err error) {
	root, err := loadRoot(ctx, pool, did)
	if err != nil {
		return "", "", err
	}
	return root.CommitCID, root.Rev, nil
}

// ExportRepo writes the full repository as a CAR v1 archive to w.
func (m *Manager) ExportRepo(ctx context.Context, pool *pgxpool.Pool, did string, w io.Writer) error {
	root, err := loadRoot(ctx, pool, did)
	if err != nil {
		return fmt.Errorf("repo: export: %w", err)
	}

	bs, err := LoadBlocks(ctx, pool, did)
	if err != nil {
		return fmt.Errorf("repo: export load blocks: %w", err)
	}

	commitCID, err := cid.Decode(root.CommitCID)
	if err != nil {
		return fmt.Errorf("repo: export decode commit cid: %w", err)
	}

	return bs.ExportCAR(w, commitCID)
}

// ExportBlocks writes only the requested CIDs as a CAR v1 archive to
// w, for com.atproto.sync.getBlocks. It does not walk the MST — it
// trusts the caller to ask for CIDs it already resolved via
// getRecord/listRecords/subscribeRepos.
func (m *Manager) ExportBlocks(ctx context.Context, pool *pgxpool.Pool, did string, cids []cid.Cid, w io.Writer) error {
	root, err := loadRoot(ctx, pool, did)
	if err != nil {
		return fmt.Errorf("repo: export blocks: %w", err)
	}

	bs, err := LoadBlocks(ctx, pool, did)
	if err != nil {
		return fmt.Errorf("repo: export blocks load: %w", err)
	}

	commitCID, err := cid.Decode(root.CommitCID)
	if err != nil {
		return fmt.Errorf("repo: export blocks decode commit cid: %w", err)
	}

	return bs.ExportBlocksCAR(w, commitCID, cids)
}

// openRepo loads blocks from Postgres, rebuilds the MST tree, and
// returns a TrackingBlockstore that can distinguish new blocks from
// preloaded ones. Used by read-only operations against the pool.
func openRepo(ctx context.Context, pool *pgxpool.Pool, did string) (*TrackingBlockstore, mst.Tree, *repoRoot, error) {
	return openRepoAny(ctx, pool, did)
}

// openRepoTx is the transactional counterpart of openRepo, used by
// mutating operations so the load happens inside the same transaction
// that will write the new commit.
func openRepoTx(ctx context.Context, tx pgx.Tx, did string) (*TrackingBlockstore, mst.Tree, *repoRoot, error) {
	return openRepoAny(ctx, tx, did)
}

func openRepoAny(ctx context.Context, db dbtx, did string) (*TrackingBlockstore, mst.Tree, *repoRoot, error) {
	root, err := loadRoot(ctx, db, did)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open load root: %w", err)
	}

	bs, err := LoadBlocks(ctx, db, did)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open load blocks: %w", err)
	}

	commitCID, err := cid.Decode(root.CommitCID)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open decode commit cid: %w", err)
	}

	commitBlk, err := bs.Get(ctx, commitCID)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open get commit block: %w", err)
	}

	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open unmarshal commit: %w", err)
	}

	tbs := NewTrackingBlockstore(bs)

	tree, err := mst.LoadTreeFromStore(ctx, tbs, commit.Data)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open load mst: %w", err)
	}

	return tbs, *tree, root, nil
}

// commitRepo signs a new commit, writes MST blocks, generates a diff
// CAR from the TrackingBlockstore, persists everything to tx, and (if
// em is non-nil) appends the firehose event within the same tx. It
// returns the CommitResult plus the pre-serialized wire frame to
// broadcast once the caller's transaction has committed — broadcasting
// before that would let subscribers observe a commit that could still
// roll back.
func commitRepo(ctx context.Context, tx pgx.Tx, em *events.Manager, did string, privKey atcrypto.PrivateKey, tbs *TrackingBlockstore, tree *mst.Tree, prevRoot *repoRoot, ops []RepoOp) (*CommitResult, []byte, error) {
	mstRoot, err := tree.WriteDiffBlocks(ctx, tbs)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: commit write mst: %w", err)
	}

	var prevCID *cid.Cid
	var prevData *cid.Cid
	var prevRev string
	if prevRoot != nil {
		c, err := cid.Decode(prevRoot.CommitCID)
		if err != nil {
			return nil, nil, fmt.Errorf("repo: commit decode prev: %w", err)
		}
		prevCID = &c
		prevRev = prevRoot.Rev

		oldBlk, err := tbs.Get(ctx, c)
		if err == nil {
			var oldCommit indigorepo.Commit
			if err := oldCommit.UnmarshalCBOR(bytes.NewReader(oldBlk.RawData())); err == nil {
				prevData = &oldCommit.Data
			}
		}
	}

	clock := syntax.NewTIDClock(0)
	rev := clock.Next().String()

	commit := indigorepo.Commit{
		DID:     did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    prevCID,
		Data:    *mstRoot,
		Rev:     rev,
	}
	if err := commit.Sign(privKey); err != nil {
		return nil, nil, fmt.Errorf("repo: commit sign: %w", err)
	}

	commitCID, err := storeCommitBlock(tbs.MemBlockstore, &commit)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: commit store: %w", err)
	}

	var diffBuf bytes.Buffer
	if err := tbs.ExportDiffCAR(&diffBuf, commitCID); err != nil {
		return nil, nil, fmt.Errorf("repo: commit diff car: %w", err)
	}

	if err := tbs.MemBlockstore.PersistAll(ctx, tx, did); err != nil {
		return nil, nil, fmt.Errorf("repo: commit persist: %w", err)
	}
	if err := setRoot(ctx, tx, did, commitCID.String(), rev); err != nil {
		return nil, nil, fmt.Errorf("repo: commit root: %w", err)
	}

	result := &CommitResult{
		CommitCID: commitCID.String(),
		Rev:       rev,
		PrevRev:   prevRev,
		PrevData:  prevData,
		Ops:       ops,
		DiffCAR:   diffBuf.Bytes(),
	}

	if em == nil {
		return result, nil, nil
	}

	evOps := make([]events.OpInfo, len(ops))
	for i, op := range ops {
		evOps[i] = events.OpInfo{Action: op.Action, Path: op.Path, CID: op.CID, Prev: op.Prev}
	}
	frame, err := em.Emit(ctx, tx, &events.CommitInfo{
		DID:       did,
		Rev:       rev,
		PrevRev:   prevRev,
		CommitCID: commitCID.String(),
		PrevData:  prevData,
		DiffCAR:   result.DiffCAR,
		Ops:       evOps,
		Time:      time.Now(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("repo: commit emit: %w", err)
	}

	return result, frame, nil
}

// storeCommitBlock encodes a commit as CBOR and stores it in the blockstore.
func storeCommitBlock(bs *MemBlockstore, commit *indigorepo.Commit) (cid.Cid, error) {
	var buf bytes.Buffer
	if err := commit.MarshalCBOR(&buf); err != nil {
		return cid.Undef, fmt.Errorf("marshal commit cbor: %w", err)
	}
	commitBytes := buf.Bytes()

	commitCID, err := ComputeCID(commitBytes)
	if err != nil {
		return cid.Undef, fmt.Errorf("compute commit cid: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(commitBytes, commitCID)
	if err != nil {
		return cid.Undef, fmt.Errorf("create commit block: %w", err)
	}
	bs.blocks[commitCID.KeyString()] = blk

	return commitCID, nil
}

// loadRoot loads the repo root.
func loadRoot(ctx context.Context, db dbtx, did string) (*repoRoot, error) {
	var root repoRoot
	err := db.QueryRow(ctx,
		`SELECT commit_cid, rev, active FROM repo_roots WHERE did = $1`, did,
	).Scan(&root.CommitCID, &root.Rev, &root.Active)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.RepoNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load root: %w", err)
	}
	return &root, nil
}

// setRoot inserts or updates the repo root.
func setRoot(ctx context.Context, db dbtx, did, commitCID, rev string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO repo_roots (did, commit_cid, rev)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET commit_cid = $2, rev = $3, updated_at = NOW()`,
		did, commitCID, rev)
	if err != nil {
		return fmt.Errorf("repo: set root: %w", err)
	}
	return nil
}
