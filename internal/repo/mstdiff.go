package repo

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// KeyOp describes a single key's change between two MST snapshots, as
// returned by Diff.
type KeyOp struct {
	Action string // "create", "update", or "delete"
	Key    string
	Value  *cid.Cid // new value; nil for delete
	Prev   *cid.Cid // previous value; nil for create
}

// entries materializes a tree's full sorted (key, value) set. indigo's
// mst.Tree doesn't expose a diff/proof API directly, so Diff and Proof
// are built on the Walk+Get primitives the repo package already uses
// for everything else.
func entries(tree *mst.Tree) ([]struct {
	key string
	val cid.Cid
}, error) {
	var out []struct {
		key string
		val cid.Cid
	}
	err := tree.Walk(func(key []byte, val cid.Cid) error {
		out = append(out, struct {
			key string
			val cid.Cid
		}{string(key), val})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mstdiff: walk: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

// Diff compares two loaded MST snapshots (named A, the older, and B,
// the newer) and returns the ordered key-level changes between them.
// It walks both trees in sorted key order: where a key exists only in
// B it's a create, only in A a delete, and in both with different
// values an update — matching the semantics spec.md §4.3 describes,
// without requiring indigo's own (unconfirmed) diff entry point.
func Diff(ctx context.Context, a, b *mst.Tree) ([]KeyOp, error) {
	aEntries, err := entries(a)
	if err != nil {
		return nil, err
	}
	bEntries, err := entries(b)
	if err != nil {
		return nil, err
	}

	var ops []KeyOp
	i, j := 0, 0
	for i < len(aEntries) && j < len(bEntries) {
		ae, be := aEntries[i], bEntries[j]
		switch {
		case ae.key == be.key:
			if ae.val != be.val {
				av, bv := ae.val, be.val
				ops = append(ops, KeyOp{Action: "update", Key: ae.key, Value: &bv, Prev: &av})
			}
			i++
			j++
		case ae.key < be.key:
			av := ae.val
			ops = append(ops, KeyOp{Action: "delete", Key: ae.key, Prev: &av})
			i++
		default:
			bv := be.val
			ops = append(ops, KeyOp{Action: "create", Key: be.key, Value: &bv})
			j++
		}
	}
	for ; i < len(aEntries); i++ {
		av := aEntries[i].val
		ops = append(ops, KeyOp{Action: "delete", Key: aEntries[i].key, Prev: &av})
	}
	for ; j < len(bEntries); j++ {
		bv := bEntries[j].val
		ops = append(ops, KeyOp{Action: "create", Key: bEntries[j].key, Value: &bv})
	}
	return ops, nil
}

// ProofNode is a single block included in an inclusion/exclusion proof
// for a key, in the order a verifier needs to replay the lookup.
type ProofNode struct {
	CID  cid.Cid
	Data []byte
}

// pathRecorder wraps a blockstore and records, in fetch order, every
// distinct CID read through Get. An MST lookup reads exactly the chain
// of node blocks from the root down to the key's leaf, one Get per
// level, so running a lookup through a pathRecorder turns "walk to
// resolve key" into "the block set a verifier needs".
type pathRecorder struct {
	*TrackingBlockstore
	seen  map[string]bool
	order []cid.Cid
}

func newPathRecorder(tbs *TrackingBlockstore) *pathRecorder {
	return &pathRecorder{TrackingBlockstore: tbs, seen: make(map[string]bool)}
}

func (p *pathRecorder) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	blk, err := p.TrackingBlockstore.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !p.seen[c.KeyString()] {
		p.seen[c.KeyString()] = true
		p.order = append(p.order, c)
	}
	return blk, nil
}

// Proof builds an inclusion (or exclusion, if the key is absent) proof
// for key: the commit block, every MST node block on the root-to-leaf
// path, and the referenced value block when the key is present. tbs
// must be the same blockstore the repository's tree was loaded from.
func Proof(ctx context.Context, tbs *TrackingBlockstore, commitCID cid.Cid, key string) ([]ProofNode, error) {
	commitBlk, err := tbs.Get(ctx, commitCID)
	if err != nil {
		return nil, fmt.Errorf("mstdiff: proof get commit: %w", err)
	}

	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, fmt.Errorf("mstdiff: proof unmarshal commit: %w", err)
	}

	// indigo's mst.Tree doesn't expose the path a Get walked, so re-run
	// the lookup against a fresh tree backed by a recording blockstore:
	// every block that lookup has to read is the Merkle path.
	rec := newPathRecorder(tbs)
	tree, err := mst.LoadTreeFromStore(ctx, rec, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("mstdiff: proof load tree: %w", err)
	}

	val, err := tree.Get([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("mstdiff: proof get key: %w", err)
	}

	nodes := []ProofNode{{CID: commitCID, Data: commitBlk.RawData()}}
	for _, c := range rec.order {
		blk, err := tbs.Get(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("mstdiff: proof get path node %s: %w", c, err)
		}
		nodes = append(nodes, ProofNode{CID: c, Data: blk.RawData()})
	}

	if val != nil {
		blk, err := tbs.Get(ctx, *val)
		if err != nil {
			return nil, fmt.Errorf("mstdiff: proof get value block: %w", err)
		}
		nodes = append(nodes, ProofNode{CID: *val, Data: blk.RawData()})
	}

	return nodes, nil
}
