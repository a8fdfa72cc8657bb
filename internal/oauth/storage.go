// Package oauth implements the OAuth 2.1 + AT Protocol profile
// authorization server: PAR, the authorize/token endpoints, DPoP proof
// verification, private_key_jwt client authentication, and dynamic
// client-id resolution. It is the OAuth analogue of internal/repo: a
// small set of entities (AuthCode, Token, PARRecord, UsedNonce,
// ClientMetadata) persisted through an atomic-updater storage
// interface, the same shape dexidp/dex uses for its own OAuth storage.
package oauth

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors, matching the account package's own idiom.
var (
	ErrNotFound      = errors.New("oauth: not found")
	ErrAlreadyExists = errors.New("oauth: already exists")
)

// Token lifetimes and TTLs (spec §4.8, "Timeouts").
const (
	PARTTL        = 90 * time.Second
	AuthCodeTTL   = 5 * time.Minute
	AccessTTL     = 2 * time.Hour
	RefreshTTL    = 90 * 24 * time.Hour
	NonceTTL      = 5 * time.Minute
	ClientCacheTTL = 1 * time.Hour
	DPoPIatSkew   = 30 * time.Second
)

// AuthCode is a one-time code exchanged for a token pair once the user
// approves a client's authorization request.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	Sub           string
	DPoPJKT       string
	ExpiresAt     time.Time
}

// Token is an access/refresh token pair. A DPoP-bound token carries a
// non-empty DPoPJKT and must only ever be presented with a DPoP proof
// from the matching key.
type Token struct {
	AccessToken      string
	RefreshToken     string
	ClientID         string
	Sub              string
	Scope            string
	DPoPJKT          string
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Revoked          bool
}

// PARRecord is a pushed authorization request, retrievable exactly
// once by the authorize endpoint.
type PARRecord struct {
	RequestURI string
	ClientID   string
	Params     map[string]string
	ExpiresAt  time.Time
}

// ClientMetadata is a resolved and cached OAuth client-metadata
// document (spec §4.9).
type ClientMetadata struct {
	ClientID      string
	ClientName    string
	RedirectURIs  []string
	AuthMethod    string // "none" or "private_key_jwt"
	JWKS          json.RawMessage
	JWKSURI       string
	CachedAt      time.Time
}

// Storage is the persistence interface for the OAuth engine, mirroring
// dexidp/dex's storage.Storage shape: explicit Create/Get/Delete plus
// atomic updater methods for state that's replaced-in-place. All
// per-(code|nonce|jti) uniqueness is enforced by CheckAndSaveNonce's
// atomic check-and-insert and by the one-shot Get-and-delete methods,
// per spec §5's serializability requirement.
type Storage interface {
	// CreatePAR stores a freshly pushed authorization request.
	CreatePAR(r PARRecord) error

	// TakePAR deletes and returns the PAR record for requestURI if its
	// stored client_id matches clientID and it hasn't expired.
	// Returns ErrNotFound both when the URI is unknown and when the
	// client_id mismatches, so the caller can't distinguish the two
	// (spec §4.8.2: "no disclosure of existence").
	TakePAR(requestURI, clientID string) (PARRecord, error)

	// CreateAuthCode persists a newly issued authorization code.
	CreateAuthCode(c AuthCode) error

	// TakeAuthCode deletes and returns the AuthCode for code. The
	// delete happens unconditionally on first fetch (spec §4.8.4 step
	// 3: "every subsequent use MUST fail regardless of outcome below"),
	// so callers must validate the returned record themselves; a
	// second TakeAuthCode call for the same code always returns
	// ErrNotFound.
	TakeAuthCode(code string) (AuthCode, error)

	// CreateToken persists a newly issued token pair.
	CreateToken(t Token) error

	// GetToken looks up a token record by access token.
	GetToken(accessToken string) (Token, error)

	// GetTokenByRefresh looks up a token record by refresh token.
	GetTokenByRefresh(refreshToken string) (Token, error)

	// RotateToken atomically revokes the token identified by
	// oldAccessToken and inserts next in its place (spec §4.8.7:
	// "mark the old token revoked, generate a new pair ... atomically").
	RotateToken(oldAccessToken string, next Token) error

	// CheckAndSaveNonce atomically inserts nonce with the given TTL,
	// returning false if it was already present (replay).
	CheckAndSaveNonce(nonce string, ttl time.Duration) (bool, error)

	// CacheClient stores or replaces a resolved client-metadata cache
	// entry.
	CacheClient(m ClientMetadata) error

	// GetCachedClient fetches a cached client-metadata entry. Returns
	// ErrNotFound if absent or if it has aged past ClientCacheTTL.
	GetCachedClient(clientID string) (ClientMetadata, error)

	// GC deletes expired PAR records, auth codes, used nonces, and
	// stale client-metadata cache entries. Intended to run as a
	// periodic background loop alongside blob.Store.GC.
	GC(now time.Time) (int64, error)
}
