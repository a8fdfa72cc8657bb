package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStorage is a Postgres-backed Storage implementation, following the
// donor's SQL style: $1-placeholders, ON CONFLICT for idempotent
// inserts, explicit RETURNING for delete-and-return semantics.
type PGStorage struct {
	pool *pgxpool.Pool
}

// NewPGStorage wraps an existing connection pool.
func NewPGStorage(pool *pgxpool.Pool) *PGStorage {
	return &PGStorage{pool: pool}
}

var bgctx = context.Background()

func (s *PGStorage) CreatePAR(r PARRecord) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("oauth: marshal par params: %w", err)
	}
	_, err = s.pool.Exec(bgctx,
		`INSERT INTO oauth_par (request_uri, client_id, params, expires_at) VALUES ($1, $2, $3, $4)`,
		r.RequestURI, r.ClientID, params, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("oauth: create par: %w", err)
	}
	return nil
}

func (s *PGStorage) TakePAR(requestURI, clientID string) (PARRecord, error) {
	var r PARRecord
	var params []byte
	var storedClientID string
	err := s.pool.QueryRow(bgctx,
		`DELETE FROM oauth_par WHERE request_uri = $1 AND expires_at > NOW()
		 RETURNING client_id, params, expires_at`,
		requestURI,
	).Scan(&storedClientID, &params, &r.ExpiresAt)
	if err == pgx.ErrNoRows {
		return PARRecord{}, ErrNotFound
	}
	if err != nil {
		return PARRecord{}, fmt.Errorf("oauth: take par: %w", err)
	}
	if storedClientID != clientID {
		return PARRecord{}, ErrNotFound
	}
	if err := json.Unmarshal(params, &r.Params); err != nil {
		return PARRecord{}, fmt.Errorf("oauth: unmarshal par params: %w", err)
	}
	r.RequestURI = requestURI
	r.ClientID = storedClientID
	return r, nil
}

func (s *PGStorage) CreateAuthCode(c AuthCode) error {
	_, err := s.pool.Exec(bgctx,
		`INSERT INTO oauth_authcodes (code, client_id, redirect_uri, code_challenge, scope, sub, dpop_jkt, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.Code, c.ClientID, c.RedirectURI, c.CodeChallenge, c.Scope, c.Sub, nullableString(c.DPoPJKT), c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("oauth: create auth code: %w", err)
	}
	return nil
}

func (s *PGStorage) TakeAuthCode(code string) (AuthCode, error) {
	var c AuthCode
	var dpopJKT *string
	err := s.pool.QueryRow(bgctx,
		`DELETE FROM oauth_authcodes WHERE code = $1
		 RETURNING client_id, redirect_uri, code_challenge, scope, sub, dpop_jkt, expires_at`,
		code,
	).Scan(&c.ClientID, &c.RedirectURI, &c.CodeChallenge, &c.Scope, &c.Sub, &dpopJKT, &c.ExpiresAt)
	if err == pgx.ErrNoRows {
		return AuthCode{}, ErrNotFound
	}
	if err != nil {
		return AuthCode{}, fmt.Errorf("oauth: take auth code: %w", err)
	}
	c.Code = code
	if dpopJKT != nil {
		c.DPoPJKT = *dpopJKT
	}
	return c, nil
}

func (s *PGStorage) CreateToken(t Token) error {
	_, err := s.pool.Exec(bgctx,
		`INSERT INTO oauth_tokens (access_token, refresh_token, client_id, sub, scope, dpop_jkt, issued_at, access_expires_at, refresh_expires_at, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)`,
		t.AccessToken, t.RefreshToken, t.ClientID, t.Sub, t.Scope, nullableString(t.DPoPJKT),
		t.IssuedAt, t.AccessExpiresAt, t.RefreshExpiresAt)
	if err != nil {
		return fmt.Errorf("oauth: create token: %w", err)
	}
	return nil
}

func (s *PGStorage) GetToken(accessToken string) (Token, error) {
	return s.scanToken(bgctx, s.pool, `access_token = $1`, accessToken)
}

func (s *PGStorage) GetTokenByRefresh(refreshToken string) (Token, error) {
	return s.scanToken(bgctx, s.pool, `refresh_token = $1`, refreshToken)
}

func (s *PGStorage) scanToken(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, where string, arg string) (Token, error) {
	var t Token
	var dpopJKT *string
	err := q.QueryRow(ctx,
		`SELECT access_token, refresh_token, client_id, sub, scope, dpop_jkt, issued_at, access_expires_at, refresh_expires_at, revoked
		 FROM oauth_tokens WHERE `+where,
		arg,
	).Scan(&t.AccessToken, &t.RefreshToken, &t.ClientID, &t.Sub, &t.Scope, &dpopJKT,
		&t.IssuedAt, &t.AccessExpiresAt, &t.RefreshExpiresAt, &t.Revoked)
	if err == pgx.ErrNoRows {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("oauth: get token: %w", err)
	}
	if dpopJKT != nil {
		t.DPoPJKT = *dpopJKT
	}
	return t, nil
}

func (s *PGStorage) RotateToken(oldAccessToken string, next Token) error {
	tx, err := s.pool.Begin(bgctx)
	if err != nil {
		return fmt.Errorf("oauth: rotate begin: %w", err)
	}
	defer tx.Rollback(bgctx)

	tag, err := tx.Exec(bgctx,
		`UPDATE oauth_tokens SET revoked = true WHERE access_token = $1 AND revoked = false`,
		oldAccessToken)
	if err != nil {
		return fmt.Errorf("oauth: rotate revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(bgctx,
		`INSERT INTO oauth_tokens (access_token, refresh_token, client_id, sub, scope, dpop_jkt, issued_at, access_expires_at, refresh_expires_at, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)`,
		next.AccessToken, next.RefreshToken, next.ClientID, next.Sub, next.Scope, nullableString(next.DPoPJKT),
		next.IssuedAt, next.AccessExpiresAt, next.RefreshExpiresAt,
	); err != nil {
		return fmt.Errorf("oauth: rotate insert: %w", err)
	}

	return tx.Commit(bgctx)
}

func (s *PGStorage) CheckAndSaveNonce(nonce string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(bgctx,
		`INSERT INTO oauth_nonces (nonce, expires_at) VALUES ($1, $2) ON CONFLICT (nonce) DO NOTHING`,
		nonce, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("oauth: check and save nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStorage) CacheClient(m ClientMetadata) error {
	redirects, err := json.Marshal(m.RedirectURIs)
	if err != nil {
		return fmt.Errorf("oauth: marshal redirect uris: %w", err)
	}
	var jwks []byte
	if len(m.JWKS) > 0 {
		jwks = m.JWKS
	}
	_, err = s.pool.Exec(bgctx,
		`INSERT INTO oauth_clients (client_id, client_name, redirect_uris, auth_method, jwks, jwks_uri, cached_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id) DO UPDATE SET
		   client_name = $2, redirect_uris = $3, auth_method = $4, jwks = $5, jwks_uri = $6, cached_at = $7`,
		m.ClientID, m.ClientName, redirects, m.AuthMethod, jwks, m.JWKSURI, m.CachedAt)
	if err != nil {
		return fmt.Errorf("oauth: cache client: %w", err)
	}
	return nil
}

func (s *PGStorage) GetCachedClient(clientID string) (ClientMetadata, error) {
	var m ClientMetadata
	var redirects []byte
	var jwks []byte
	var jwksURI *string
	var clientName *string
	err := s.pool.QueryRow(bgctx,
		`SELECT client_name, redirect_uris, auth_method, jwks, jwks_uri, cached_at
		 FROM oauth_clients WHERE client_id = $1`,
		clientID,
	).Scan(&clientName, &redirects, &m.AuthMethod, &jwks, &jwksURI, &m.CachedAt)
	if err == pgx.ErrNoRows {
		return ClientMetadata{}, ErrNotFound
	}
	if err != nil {
		return ClientMetadata{}, fmt.Errorf("oauth: get cached client: %w", err)
	}
	if time.Since(m.CachedAt) > ClientCacheTTL || m.AuthMethod == "" {
		return ClientMetadata{}, ErrNotFound
	}
	m.ClientID = clientID
	if clientName != nil {
		m.ClientName = *clientName
	}
	if jwksURI != nil {
		m.JWKSURI = *jwksURI
	}
	if len(jwks) > 0 {
		m.JWKS = json.RawMessage(jwks)
	}
	if err := json.Unmarshal(redirects, &m.RedirectURIs); err != nil {
		return ClientMetadata{}, fmt.Errorf("oauth: unmarshal redirect uris: %w", err)
	}
	return m, nil
}

func (s *PGStorage) GC(now time.Time) (int64, error) {
	var total int64
	tag, err := s.pool.Exec(bgctx, `DELETE FROM oauth_par WHERE expires_at < $1`, now)
	if err != nil {
		return total, fmt.Errorf("oauth: gc par: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(bgctx, `DELETE FROM oauth_authcodes WHERE expires_at < $1`, now)
	if err != nil {
		return total, fmt.Errorf("oauth: gc authcodes: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(bgctx, `DELETE FROM oauth_nonces WHERE expires_at < $1`, now)
	if err != nil {
		return total, fmt.Errorf("oauth: gc nonces: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(bgctx, `DELETE FROM oauth_clients WHERE cached_at < $1`, now.Add(-ClientCacheTTL))
	if err != nil {
		return total, fmt.Errorf("oauth: gc clients: %w", err)
	}
	total += tag.RowsAffected()

	return total, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
