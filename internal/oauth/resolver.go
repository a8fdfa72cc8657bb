package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// Resolver resolves an OAuth client_id into validated, cached metadata
// per spec §4.9's three client-id shapes.
type Resolver struct {
	storage Storage
	client  *http.Client
}

// NewResolver creates a Resolver backed by storage's client-metadata
// cache.
func NewResolver(storage Storage) *Resolver {
	return &Resolver{storage: storage, client: &http.Client{Timeout: 10 * time.Second}}
}

// Resolve returns validated metadata for clientID, using the 1-hour
// cache where possible.
func (r *Resolver) Resolve(clientID string) (ClientMetadata, error) {
	if meta, err := r.storage.GetCachedClient(clientID); err == nil {
		return meta, nil
	}

	meta, err := r.fetch(clientID)
	if err != nil {
		return ClientMetadata{}, err
	}
	if err := validateMetadata(meta); err != nil {
		return ClientMetadata{}, err
	}
	meta.CachedAt = time.Now()
	if err := r.storage.CacheClient(meta); err != nil {
		return ClientMetadata{}, fmt.Errorf("oauth: cache client: %w", err)
	}
	return meta, nil
}

func (r *Resolver) fetch(clientID string) (ClientMetadata, error) {
	u, err := url.Parse(clientID)
	if err != nil {
		return ClientMetadata{}, apierr.New(apierr.InvalidClient, "malformed client_id")
	}

	switch {
	case u.Scheme == "http" && u.Hostname() == "localhost":
		return localhostMetadata(clientID, u), nil

	case u.Scheme == "https":
		return r.fetchMetadataDoc(clientID, clientID)

	case strings.HasPrefix(clientID, "did:web:"):
		docURL, err := didWebMetadataURL(clientID)
		if err != nil {
			return ClientMetadata{}, apierr.New(apierr.InvalidClient, err.Error())
		}
		return r.fetchMetadataDoc(clientID, docURL)

	default:
		return ClientMetadata{}, apierr.New(apierr.InvalidClient, "unrecognized client_id shape")
	}
}

// localhostMetadata synthesizes metadata for an http://localhost
// client entirely locally (spec §4.9.1: "never network").
func localhostMetadata(clientID string, u *url.URL) ClientMetadata {
	redirects := u.Query()["redirect_uri"]
	if len(redirects) == 0 {
		redirects = []string{"http://127.0.0.1/", "http://[::1]/"}
	}
	return ClientMetadata{
		ClientID:     clientID,
		RedirectURIs: redirects,
		AuthMethod:   "none",
	}
}

func (r *Resolver) fetchMetadataDoc(clientID, docURL string) (ClientMetadata, error) {
	resp, err := r.client.Get(docURL)
	if err != nil {
		return ClientMetadata{}, apierr.New(apierr.InvalidClient, "fetching client metadata: "+err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ClientMetadata{}, apierr.New(apierr.InvalidClient, fmt.Sprintf("client metadata fetch returned %d", resp.StatusCode))
	}

	var doc struct {
		ClientID              string          `json:"client_id"`
		ClientName            string          `json:"client_name"`
		RedirectURIs          []string        `json:"redirect_uris"`
		TokenEndpointAuthMeth string          `json:"token_endpoint_auth_method"`
		JWKS                  json.RawMessage `json:"jwks"`
		JWKSURI               string          `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return ClientMetadata{}, apierr.New(apierr.InvalidClient, "malformed client metadata document")
	}
	if doc.ClientID != clientID {
		return ClientMetadata{}, apierr.New(apierr.InvalidClient, "client metadata document's client_id does not match")
	}

	return ClientMetadata{
		ClientID:     clientID,
		ClientName:   doc.ClientName,
		RedirectURIs: doc.RedirectURIs,
		AuthMethod:   doc.TokenEndpointAuthMeth,
		JWKS:         doc.JWKS,
		JWKSURI:      doc.JWKSURI,
	}, nil
}

// didWebMetadataURL computes the https URL a did:web client-id
// resolves to, per spec §4.9.3.
func didWebMetadataURL(did string) (string, error) {
	rest := strings.TrimPrefix(did, "did:web:")
	if rest == "" {
		return "", fmt.Errorf("empty did:web identifier")
	}
	parts := strings.Split(rest, ":")
	for i, p := range parts {
		decoded, err := url.QueryUnescape(p)
		if err != nil {
			return "", fmt.Errorf("invalid did:web path segment: %w", err)
		}
		parts[i] = decoded
	}
	host := parts[0]
	path := ""
	if len(parts) > 1 {
		path = "/" + strings.Join(parts[1:], "/")
	}
	return "https://" + host + path + "/.well-known/oauth-client-metadata", nil
}

// validateMetadata enforces spec §4.9's validation rules.
func validateMetadata(m ClientMetadata) error {
	if len(m.RedirectURIs) == 0 {
		return apierr.New(apierr.InvalidClient, "redirect_uris must be non-empty")
	}
	switch m.AuthMethod {
	case "none":
	case "private_key_jwt":
		if len(m.JWKS) == 0 && m.JWKSURI == "" {
			return apierr.New(apierr.InvalidClient, "private_key_jwt clients require jwks or jwks_uri")
		}
	default:
		return apierr.New(apierr.InvalidClient, "unknown token_endpoint_auth_method: "+m.AuthMethod)
	}
	return nil
}

// MatchesRedirectURI implements spec §4.9's matching rule: exact
// string equality, except localhost clients ignore port (match
// scheme + host + path).
func MatchesRedirectURI(meta ClientMetadata, candidate string) bool {
	for _, allowed := range meta.RedirectURIs {
		if allowed == candidate {
			return true
		}
		if isLocalhostLike(allowed) && isLocalhostLike(candidate) {
			au, aerr := url.Parse(allowed)
			cu, cerr := url.Parse(candidate)
			if aerr == nil && cerr == nil && au.Scheme == cu.Scheme && au.Hostname() == cu.Hostname() && au.Path == cu.Path {
				return true
			}
		}
	}
	return false
}

func isLocalhostLike(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	h := u.Hostname()
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
