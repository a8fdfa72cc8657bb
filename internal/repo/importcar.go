package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"

	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// MaxImportBytes caps the size of a CAR accepted by ImportCAR. Repos
// larger than this are rejected with RepoTooLarge rather than read
// into memory — a generous ceiling for a single-account repository.
const MaxImportBytes = 512 * 1024 * 1024

// ImportCAR validates and, if the full chain checks out, commits a CAR
// v1 archive as the complete initial state of did's repository. It
// implements the 8-step validation spec.md §4.5 describes:
//  1. parse the header, reject multi-root or a non-DAG-CBOR codec root
//  2. verify every block's declared CID matches a hash of its bytes
//  3. decode the root block as a commit and verify DID matches
//  4. verify the commit signature against the repository's signing key
//  5. traverse the MST from the commit's data root, verifying every
//     referenced CID is present in the CAR
//  6. verify every leaf block decodes as DAG-CBOR
//  7. reject if did already has a repository (RepoAlreadyExists) or
//     the archive exceeds MaxImportBytes (RepoTooLarge)
//  8. commit all blocks, the root, and mark the repository inactive
//     pending an explicit activation call
//
// Bytes read from r are counted as the CAR is parsed; once more than
// MaxImportBytes have been read, ImportCAR stops and returns
// RepoTooLarge. The count is checked between blocks, so the block that
// crosses the limit is read in full first.
func (m *Manager) ImportCAR(ctx context.Context, pool *pgxpool.Pool, did, signingKey string, r io.Reader) error {
	var exists bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM repo_roots WHERE did = $1)`, did,
	).Scan(&exists); err != nil {
		return fmt.Errorf("repo: import check existing: %w", err)
	}
	if exists {
		return apierr.New(apierr.RepoAlreadyExists, did)
	}

	privKey, err := ParseKey(signingKey)
	if err != nil {
		return fmt.Errorf("repo: import: %w", err)
	}
	pubKey, err := privKey.PublicKey()
	if err != nil {
		return fmt.Errorf("repo: import derive pubkey: %w", err)
	}

	limited := &countingReader{r: r, limit: MaxImportBytes}
	reader, err := car.NewCarReader(limited)
	if err != nil {
		return apierr.New(apierr.InvalidCar, "parse header: "+err.Error())
	}
	if len(reader.Header.Roots) != 1 {
		return apierr.New(apierr.InvalidCar, "expected exactly one root")
	}
	rootCID := reader.Header.Roots[0]
	if rootCID.Prefix().Codec != cid.DagCBOR {
		return apierr.New(apierr.InvalidCar, "root is not dag-cbor")
	}

	bs := NewMemBlockstore()
	var rootBlock blocks.Block
	for {
		blk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if limited.overLimit {
			return apierr.New(apierr.RepoTooLarge, fmt.Sprintf("exceeds %d bytes", MaxImportBytes))
		}
		if err != nil {
			return apierr.New(apierr.InvalidCar, "read block: "+err.Error())
		}

		// Step 2: every block's declared CID must match a hash of its bytes.
		wantCID, hashErr := cid.NewPrefixV1(blk.Cid().Prefix().Codec, blk.Cid().Prefix().MhType).Sum(blk.RawData())
		if hashErr != nil || !wantCID.Equals(blk.Cid()) {
			return apierr.New(apierr.InvalidCar, "block hash mismatch: "+blk.Cid().String())
		}

		if err := bs.Put(ctx, blk); err != nil {
			return fmt.Errorf("repo: import store block: %w", err)
		}
		if blk.Cid().Equals(rootCID) {
			rootBlock = blk
		}
	}
	if limited.overLimit {
		return apierr.New(apierr.RepoTooLarge, fmt.Sprintf("exceeds %d bytes", MaxImportBytes))
	}
	if rootBlock == nil {
		return apierr.New(apierr.InvalidCar, "root block not present among CAR blocks")
	}

	// Step 3: decode the root block as a commit and verify DID.
	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(rootBlock.RawData())); err != nil {
		return apierr.New(apierr.InvalidCbor, "root is not a valid commit: "+err.Error())
	}
	if commit.DID != did {
		return apierr.New(apierr.InvalidCar, "commit DID does not match account")
	}

	// Step 4: verify the commit signature.
	if err := verifyCommitSignature(&commit, pubKey); err != nil {
		return apierr.New(apierr.InvalidCar, "commit signature invalid: "+err.Error())
	}

	// Step 5/6: traverse the MST, verifying every referenced block is
	// present and every leaf decodes as DAG-CBOR.
	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return apierr.New(apierr.InvalidMst, "load mst: "+err.Error())
	}
	recordCount := 0
	walkErr := tree.Walk(func(key []byte, val cid.Cid) error {
		blk, err := bs.Get(ctx, val)
		if err != nil {
			return fmt.Errorf("missing block for key %s: %w", key, err)
		}
		if _, err := DecodeRecord(blk.RawData()); err != nil {
			return fmt.Errorf("leaf %s does not decode as dag-cbor: %w", key, err)
		}
		recordCount++
		return nil
	})
	if walkErr != nil {
		return apierr.New(apierr.InvalidMst, walkErr.Error())
	}

	// Step 8: commit all blocks and the root inside one transaction,
	// leaving the repository inactive until explicitly activated.
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repo: import begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := bs.PersistAll(ctx, tx, did); err != nil {
		return fmt.Errorf("repo: import persist: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO repo_roots (did, commit_cid, rev, indexed_count, active)
		 VALUES ($1, $2, $3, $4, false)
		 ON CONFLICT (did) DO UPDATE SET commit_cid = $2, rev = $3, indexed_count = $4, active = false, updated_at = NOW()`,
		did, rootCID.String(), commit.Rev, recordCount); err != nil {
		return fmt.Errorf("repo: import set root: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repo: import commit tx: %w", err)
	}

	return nil
}

// verifyCommitSignature re-encodes the commit without its signature
// field and checks it against the stored Sig using the repository's
// public key, mirroring what indigo's own Commit.Sign/VerifySignature
// pair does internally for a freshly-loaded (not self-signed-in-process)
// commit.
func verifyCommitSignature(commit *indigorepo.Commit, pubKey interface {
	HashAndVerify(content, sig []byte) error
}) error {
	sig := commit.Sig
	unsigned := *commit
	unsigned.Sig = nil

	var buf bytes.Buffer
	if err := unsigned.MarshalCBOR(&buf); err != nil {
		return fmt.Errorf("marshal unsigned commit: %w", err)
	}
	return pubKey.HashAndVerify(buf.Bytes(), sig)
}

// countingReader wraps r and flags overLimit once more than limit
// bytes have been read, since go-car's reader has no built-in
// size-aware abort.
type countingReader struct {
	r         io.Reader
	limit     int64
	read      int64
	overLimit bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		c.overLimit = true
	}
	return n, err
}
