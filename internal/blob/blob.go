// Package blob provides content-addressed blob storage for AT Protocol
// media (images, etc.). Blobs are stored keyed by (did, cid) with a
// 1MB size limit and move through a small lifecycle: an upload starts
// "uploaded" and becomes "committed" once a record in the repository
// actually references it, at which point it is safe from GC.
package blob

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/multiformats/go-multihash"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// MaxBlobSize is the maximum allowed blob size (1MB).
const MaxBlobSize = 1 << 20

// UploadGrace is how long an "uploaded" blob may sit unreferenced
// before GC reclaims it.
const UploadGrace = 24 * time.Hour

// Blob lifecycle states.
const (
	StateUploaded  = "uploaded"
	StateCommitted = "committed"
)

// BlobRef is returned after a successful upload.
type BlobRef struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so ReconcileRecord
// can run inside the same transaction as the repository commit that
// triggered it.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store handles blob uploads, retrieval, reference reconciliation, and GC.
type Store struct{}

// NewStore creates a blob Store.
func NewStore() *Store {
	return &Store{}
}

// Upload reads data from r, computes a CID, sniffs a MIME type when the
// caller didn't supply one, and stores the blob as "uploaded". Returns
// a BlobRef on success.
func (s *Store) Upload(ctx context.Context, pool *pgxpool.Pool, did, mimeType string, r io.Reader) (*BlobRef, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if len(data) > MaxBlobSize {
		return nil, apierr.New(apierr.InvalidRequest, fmt.Sprintf("blob exceeds maximum size of %d bytes", MaxBlobSize))
	}

	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	hash := sha256.Sum256(data)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("blob: multihash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	cidStr := c.String()

	_, err = pool.Exec(ctx,
		`INSERT INTO blobs (did, cid, mime_type, size, data, state, ref_count)
		 VALUES ($1, $2, $3, $4, $5, $6, 0)
		 ON CONFLICT (did, cid) DO NOTHING`,
		did, cidStr, mimeType, len(data), data, StateUploaded,
	)
	if err != nil {
		return nil, fmt.Errorf("blob: store: %w", err)
	}

	return &BlobRef{CID: cidStr, MimeType: mimeType, Size: int64(len(data))}, nil
}

// Get retrieves a blob by DID and CID. Returns the data and MIME type.
func (s *Store) Get(ctx context.Context, pool *pgxpool.Pool, did, cidStr string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := pool.QueryRow(ctx,
		`SELECT data, mime_type FROM blobs WHERE did = $1 AND cid = $2`,
		did, cidStr,
	).Scan(&data, &mimeType)
	if err == pgx.ErrNoRows {
		return nil, "", apierr.New(apierr.BlobNotFound, cidStr)
	}
	if err != nil {
		return nil, "", fmt.Errorf("blob: get: %w", err)
	}
	return data, mimeType, nil
}

// ReconcileRecord walks a decoded record's value for `$type == "blob"`
// objects carrying a `ref` CID, inserts a blob_refs row for each, and
// transitions any matching "uploaded" blob to "committed". Called from
// the repository commit path after the MST update, inside the same
// transaction, per spec.md §4.4 step 5.
func (s *Store) ReconcileRecord(ctx context.Context, db dbtx, did, recordURI string, value map[string]any) error {
	refs := findBlobRefs(value)
	for _, ref := range refs {
		if _, err := db.Exec(ctx,
			`INSERT INTO blob_refs (did, record_uri, blob_cid) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			did, recordURI, ref,
		); err != nil {
			return fmt.Errorf("blob: reconcile insert ref: %w", err)
		}
		if _, err := db.Exec(ctx,
			`UPDATE blobs SET state = $1, ref_count = ref_count + 1
			 WHERE did = $2 AND cid = $3`,
			StateCommitted, did, ref,
		); err != nil {
			return fmt.Errorf("blob: reconcile update state: %w", err)
		}
	}
	return nil
}

// UnreconcileRecord is the inverse of ReconcileRecord, called when a
// record referencing blobs is deleted or replaced: it drops the
// record's blob_refs rows and decrements ref_count on each blob.
func (s *Store) UnreconcileRecord(ctx context.Context, db dbtx, did, recordURI string) error {
	rows, err := db.Query(ctx, `SELECT blob_cid FROM blob_refs WHERE did = $1 AND record_uri = $2`, did, recordURI)
	if err != nil {
		return fmt.Errorf("blob: unreconcile query refs: %w", err)
	}
	var cids []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return fmt.Errorf("blob: unreconcile scan: %w", err)
		}
		cids = append(cids, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("blob: unreconcile rows: %w", err)
	}

	if _, err := db.Exec(ctx, `DELETE FROM blob_refs WHERE did = $1 AND record_uri = $2`, did, recordURI); err != nil {
		return fmt.Errorf("blob: unreconcile delete refs: %w", err)
	}
	for _, c := range cids {
		if _, err := db.Exec(ctx,
			`UPDATE blobs SET ref_count = GREATEST(ref_count - 1, 0) WHERE did = $1 AND cid = $2`,
			did, c,
		); err != nil {
			return fmt.Errorf("blob: unreconcile decr: %w", err)
		}
	}
	return nil
}

// MissingBlob pairs a referenced-but-never-uploaded blob CID with the
// record that references it.
type MissingBlob struct {
	CID       string `json:"cid"`
	RecordURI string `json:"recordUri"`
}

// ListMissing returns blob CIDs referenced by blob_refs that have no
// matching row in blobs — i.e. references to data that was never
// actually uploaded — paired with the referencing record's URI, in
// cursor order. cursor is the blob CID of the last row of a previous
// page; a limit outside [1, 100] is replaced by 50, the same way
// ListRecords treats its page size.
func (s *Store) ListMissing(ctx context.Context, pool *pgxpool.Pool, did, cursor string, limit int) ([]MissingBlob, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := pool.Query(ctx,
		`SELECT DISTINCT br.blob_cid, br.record_uri FROM blob_refs br
		 LEFT JOIN blobs b ON b.did = br.did AND b.cid = br.blob_cid
		 WHERE br.did = $1 AND b.cid IS NULL AND br.blob_cid > $2
		 ORDER BY br.blob_cid ASC
		 LIMIT $3`, did, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("blob: list missing: %w", err)
	}
	defer rows.Close()

	var out []MissingBlob
	for rows.Next() {
		var m MissingBlob
		if err := rows.Scan(&m.CID, &m.RecordURI); err != nil {
			return nil, "", fmt.Errorf("blob: list missing scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(out) > limit {
		nextCursor = out[limit-1].CID
		out = out[:limit]
	}
	return out, nextCursor, nil
}

// ListBlobs returns the CIDs of committed blobs for did, in cursor
// order. Mirrors ListMissing's cursor/limit pagination.
func (s *Store) ListBlobs(ctx context.Context, pool *pgxpool.Pool, did, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := pool.Query(ctx,
		`SELECT cid FROM blobs
		 WHERE did = $1 AND state = $2 AND cid > $3
		 ORDER BY cid ASC
		 LIMIT $4`, did, StateCommitted, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("blob: list blobs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, "", fmt.Errorf("blob: list blobs scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(out) > limit {
		nextCursor = out[limit-1]
		out = out[:limit]
	}
	return out, nextCursor, nil
}

// GC deletes "uploaded" blobs older than UploadGrace and "committed"
// blobs whose ref_count has reached zero. Returns the number of rows
// removed. Intended to run as a periodic background loop.
func (s *Store) GC(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx,
		`DELETE FROM blobs WHERE
		   (state = $1 AND created_at < NOW() - $2::interval)
		   OR (state = $3 AND ref_count <= 0)`,
		StateUploaded, UploadGrace.String(), StateCommitted,
	)
	if err != nil {
		return 0, fmt.Errorf("blob: gc: %w", err)
	}
	return tag.RowsAffected(), nil
}

// findBlobRefs recursively walks a decoded record value looking for AT
// Protocol blob objects ({"$type":"blob", "ref": {"$link": "..."}}) and
// returns their CID strings.
func findBlobRefs(value any) []string {
	var out []string
	switch v := value.(type) {
	case map[string]any:
		if t, ok := v["$type"].(string); ok && t == "blob" {
			if ref, ok := v["ref"].(map[string]any); ok {
				if link, ok := ref["$link"].(string); ok {
					out = append(out, link)
				}
			}
		}
		for _, child := range v {
			out = append(out, findBlobRefs(child)...)
		}
	case []any:
		for _, child := range v {
			out = append(out, findBlobRefs(child)...)
		}
	}
	return out
}
