// Package account provides the data model and operations for the single
// AT Protocol account this PDS instance hosts. There is exactly one row
// in the account table per process; the Store methods that once fanned
// out across a domain's accounts now operate on that one row.
//
// Status controls the account's operational state:
//   - active:     fully functional
//   - inactive:   read-only, rejects new writes (formerly "suspended")
//   - tombstoned: terminal; rejects everything but the status probe
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/primal-host/primal-pds/internal/database"
)

// Sentinel errors for account operations.
var (
	ErrNotFound           = errors.New("account: not found")
	ErrHandleTaken        = errors.New("account: handle already taken")
	ErrAlreadyExists      = errors.New("account: already exists")
	ErrInvalidTransition  = errors.New("account: invalid status transition")
)

// Valid statuses.
const (
	StatusActive     = "active"
	StatusInactive   = "inactive"
	StatusTombstoned = "tombstoned"
)

// Account represents the single account this PDS instance hosts.
type Account struct {
	ID         int       `json:"id"`
	DID        string    `json:"did"`
	Handle     string    `json:"handle"`
	Email      string    `json:"email,omitempty"`
	SigningKey string    `json:"-"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for provisioning the account.
type CreateParams struct {
	DID        string
	Handle     string
	Email      string
	Password   string // plaintext, will be hashed
	SigningKey string // multibase-encoded private key
}

// Store provides the account operations backed by PostgreSQL.
type Store struct {
	db *database.DB
}

// NewStore creates an account Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create provisions the hosted account. It is called once, during
// `init`/bootstrap; a second call against an already-provisioned
// database returns ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Account, error) {
	var existing int
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM account`).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("account: create: check existing: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w", ErrAlreadyExists)
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}

	var a Account
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO account (did, handle, email, password, signing_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, did, handle, email, signing_key, status, created_at, updated_at`,
		p.DID, p.Handle, p.Email, hash, p.SigningKey,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("account: create %q: %w", p.Handle, err)
	}
	return &a, nil
}

// Get returns the hosted account. Returns ErrNotFound before Create has
// ever run.
func (s *Store) Get(ctx context.Context) (*Account, error) {
	var a Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, signing_key, status, created_at, updated_at
		 FROM account LIMIT 1`,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account: get: %w", err)
	}
	return &a, nil
}

// GetByHandle returns the hosted account if its handle matches.
// Returns ErrNotFound otherwise.
func (s *Store) GetByHandle(ctx context.Context, handle string) (*Account, error) {
	var a Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, signing_key, status, created_at, updated_at
		 FROM account WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by handle %q: %w", handle, err)
	}
	return &a, nil
}

// GetByDID returns the hosted account if its DID matches.
// Returns ErrNotFound otherwise.
func (s *Store) GetByDID(ctx context.Context, did string) (*Account, error) {
	var a Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, signing_key, status, created_at, updated_at
		 FROM account WHERE did = $1`,
		did,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by did %q: %w", did, err)
	}
	return &a, nil
}

// transition enforces the one-way lifecycle spec §4.4 describes:
// tombstoned is terminal, active and inactive toggle freely.
func transition(from, to string) error {
	if from == StatusTombstoned {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, StatusTombstoned)
	}
	switch to {
	case StatusActive, StatusInactive, StatusTombstoned:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
}

// setStatus applies a validated status transition and returns the
// updated account.
func (s *Store) setStatus(ctx context.Context, status string) (*Account, error) {
	existing, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := transition(existing.Status, status); err != nil {
		return nil, err
	}

	var a Account
	err = s.db.Pool.QueryRow(ctx,
		`UPDATE account SET status = $1, updated_at = NOW()
		 WHERE did = $2
		 RETURNING id, did, handle, email, signing_key, status, created_at, updated_at`,
		status, existing.DID,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("account: set status %q: %w", status, err)
	}
	return &a, nil
}

// Activate transitions the account to active.
func (s *Store) Activate(ctx context.Context) (*Account, error) {
	return s.setStatus(ctx, StatusActive)
}

// Deactivate transitions the account to inactive: reads keep working,
// new writes are rejected.
func (s *Store) Deactivate(ctx context.Context) (*Account, error) {
	return s.setStatus(ctx, StatusInactive)
}

// Tombstone transitions the account to tombstoned. This is terminal —
// no further transition is possible.
func (s *Store) Tombstone(ctx context.Context) (*Account, error) {
	return s.setStatus(ctx, StatusTombstoned)
}

// ResolveHandle looks up the DID for the hosted account's handle. This
// backs the /.well-known/atproto-did endpoint. Returns ErrNotFound for
// a tombstoned account.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT did FROM account WHERE handle = $1 AND status != $2`,
		handle, StatusTombstoned,
	).Scan(&did)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return "", fmt.Errorf("account: resolve handle %q: %w", handle, err)
	}
	return did, nil
}

// VerifyPassword checks the password for the account identified by
// handle. Returns the Account on success or an error if the handle is
// not found or the password doesn't match.
func (s *Store) VerifyPassword(ctx context.Context, handle, password string) (*Account, error) {
	var a Account
	var hash string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, password, signing_key, status, created_at, updated_at
		 FROM account WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &hash, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: verify password %q: %w", handle, err)
	}

	if err := CheckPassword(hash, password); err != nil {
		return nil, fmt.Errorf("account: invalid password for %q", handle)
	}
	return &a, nil
}
