package database

// Schema contains every table this single-tenant PDS instance needs.
// Bootstrapped once at startup; idempotent via IF NOT EXISTS.
const Schema = `
-- account: the single account this PDS instance hosts. A real
-- multi-row table is kept (rather than a singleton config row) so the
-- account/password/session code paths match the donor's shape exactly;
-- callers simply never query across more than one row.
--
-- Statuses map to the repository lifecycle of spec §4.4:
--   active      — normal operation, fully functional.
--   inactive    — rejects writes, serves reads (donor's "suspended").
--   tombstoned  — rejects everything except the status probe.
CREATE TABLE IF NOT EXISTS account (
    id          SERIAL PRIMARY KEY,
    did         VARCHAR(255) UNIQUE NOT NULL,
    handle      VARCHAR(253) UNIQUE NOT NULL,
    email       VARCHAR(255),
    password    VARCHAR(255) NOT NULL,
    signing_key VARCHAR(255) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- repo_blocks: content-addressed blocks for the account's repository.
-- Stores MST nodes, record data, and commit objects as CBOR bytes.
-- ref_count tracks how many live references (MST entries, commit
-- pointers) a block has; it reaches zero when nothing refers to it
-- any more and it becomes eligible for delete_unreferenced.
CREATE TABLE IF NOT EXISTS repo_blocks (
    did        VARCHAR(255) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    data       BYTEA NOT NULL,
    ref_count  BIGINT NOT NULL DEFAULT 1,
    PRIMARY KEY (did, cid)
);

-- repo_roots: current commit head for the account's repository.
-- active reflects the repository lifecycle state (spec §4.4) separately
-- from the account's own status row, since an account can be suspended
-- while its repository content stays servable read-only. valid_did
-- records whether the DID this repository commits under has ever been
-- successfully registered with a PLC directory.
CREATE TABLE IF NOT EXISTS repo_roots (
    did             VARCHAR(255) PRIMARY KEY REFERENCES account(did) ON DELETE CASCADE,
    commit_cid      VARCHAR(255) NOT NULL,
    rev             VARCHAR(50) NOT NULL,
    indexed_count   BIGINT NOT NULL DEFAULT 0,
    active          BOOLEAN NOT NULL DEFAULT true,
    valid_did       BOOLEAN NOT NULL DEFAULT true,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- blobs: content-addressed media storage. state transitions
-- uploaded -> committed when a record referencing the blob is indexed.
CREATE TABLE IF NOT EXISTS blobs (
    did         VARCHAR(255) NOT NULL,
    cid         VARCHAR(255) NOT NULL,
    mime_type   VARCHAR(255) NOT NULL,
    size        BIGINT NOT NULL,
    data        BYTEA NOT NULL,
    state       VARCHAR(20) NOT NULL DEFAULT 'uploaded',
    ref_count   BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (did, cid)
);
CREATE INDEX IF NOT EXISTS idx_blobs_state_created ON blobs(state, created_at);

-- blob_refs: (record-uri, blob-cid) reference index. Source of truth
-- for garbage collection and listMissingBlobs.
CREATE TABLE IF NOT EXISTS blob_refs (
    did        VARCHAR(255) NOT NULL,
    record_uri VARCHAR(1024) NOT NULL,
    blob_cid   VARCHAR(255) NOT NULL,
    PRIMARY KEY (did, record_uri, blob_cid)
);
CREATE INDEX IF NOT EXISTS idx_blob_refs_cid ON blob_refs(did, blob_cid);

-- firehose_events: sequenced event log for com.atproto.sync.subscribeRepos.
-- Each row is a CBOR-encoded commit/identity/account payload. The
-- BIGSERIAL seq column provides the monotonically increasing cursor.
CREATE TABLE IF NOT EXISTS firehose_events (
    seq        BIGSERIAL PRIMARY KEY,
    event_type VARCHAR(20) NOT NULL,
    did        VARCHAR(255) NOT NULL,
    payload    BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_firehose_events_created ON firehose_events(created_at);

-- oauth_par: pushed authorization requests (spec §4.8.2). One-time use;
-- deleted on first retrieval by the authorize endpoint.
CREATE TABLE IF NOT EXISTS oauth_par (
    request_uri VARCHAR(255) PRIMARY KEY,
    client_id   VARCHAR(1024) NOT NULL,
    params      JSONB NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);

-- oauth_authcodes: one-time authorization codes (spec §4.8.3).
CREATE TABLE IF NOT EXISTS oauth_authcodes (
    code           VARCHAR(255) PRIMARY KEY,
    client_id      VARCHAR(1024) NOT NULL,
    redirect_uri   VARCHAR(2048) NOT NULL,
    code_challenge VARCHAR(255) NOT NULL,
    scope          VARCHAR(1024) NOT NULL DEFAULT '',
    sub            VARCHAR(255) NOT NULL,
    dpop_jkt       VARCHAR(255),
    expires_at     TIMESTAMPTZ NOT NULL
);

-- oauth_tokens: access/refresh token pairs (spec §3/§4.8.4/§4.8.7).
CREATE TABLE IF NOT EXISTS oauth_tokens (
    access_token      VARCHAR(255) PRIMARY KEY,
    refresh_token     VARCHAR(255) UNIQUE NOT NULL,
    client_id         VARCHAR(1024) NOT NULL,
    sub               VARCHAR(255) NOT NULL,
    scope             VARCHAR(1024) NOT NULL DEFAULT '',
    dpop_jkt          VARCHAR(255),
    issued_at         TIMESTAMPTZ NOT NULL,
    access_expires_at TIMESTAMPTZ NOT NULL,
    refresh_expires_at TIMESTAMPTZ NOT NULL,
    revoked           BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_oauth_tokens_refresh ON oauth_tokens(refresh_token);

-- oauth_nonces: dedup set for DPoP jti / client-assertion jti (spec §3).
CREATE TABLE IF NOT EXISTS oauth_nonces (
    nonce      VARCHAR(512) PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);

-- oauth_clients: resolved client metadata cache (spec §4.9).
CREATE TABLE IF NOT EXISTS oauth_clients (
    client_id      VARCHAR(1024) PRIMARY KEY,
    client_name    VARCHAR(255),
    redirect_uris  JSONB NOT NULL,
    auth_method    VARCHAR(50) NOT NULL,
    jwks           JSONB,
    jwks_uri       VARCHAR(2048),
    cached_at      TIMESTAMPTZ NOT NULL
);
`
