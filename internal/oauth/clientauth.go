package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/primal-host/primal-pds/internal/apierr"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// clientAssertionMaxAge bounds a private_key_jwt assertion's age (spec
// §4.8.6: "token age <= 5 min").
const clientAssertionMaxAge = 5 * time.Minute

// AuthenticatedClient is the result of successfully authenticating (or
// explicitly not authenticating, for public clients) against a
// client's resolved metadata.
type AuthenticatedClient struct {
	Metadata      ClientMetadata
	Authenticated bool
}

// AuthenticateClient implements spec §4.8.6: dispatches on the
// resolved client's token_endpoint_auth_method.
func AuthenticateClient(storage Storage, meta ClientMetadata, tokenEndpoint, issuer string, values map[string]string) (*AuthenticatedClient, error) {
	switch meta.AuthMethod {
	case "none":
		if values["client_assertion"] != "" {
			return nil, apierr.New(apierr.InvalidClient, "public client must not present a client_assertion")
		}
		return &AuthenticatedClient{Metadata: meta, Authenticated: false}, nil

	case "private_key_jwt":
		assertionType := values["client_assertion_type"]
		assertion := values["client_assertion"]
		if assertionType != clientAssertionType || assertion == "" {
			return nil, apierr.New(apierr.InvalidClient, "missing or invalid client_assertion")
		}
		if err := verifyClientAssertion(storage, meta, assertion, tokenEndpoint, issuer); err != nil {
			return nil, err
		}
		return &AuthenticatedClient{Metadata: meta, Authenticated: true}, nil

	default:
		return nil, apierr.New(apierr.InvalidClient, "unsupported token_endpoint_auth_method: "+meta.AuthMethod)
	}
}

// verifyClientAssertion validates a private_key_jwt client assertion
// against the client's JWKS, per spec §4.8.6's claim checks.
func verifyClientAssertion(storage Storage, meta ClientMetadata, assertion, tokenEndpoint, issuer string) error {
	tok, err := jwt.ParseSigned(assertion)
	if err != nil {
		return apierr.New(apierr.InvalidClient, "malformed client_assertion")
	}
	if len(tok.Headers) != 1 || tok.Headers[0].Algorithm != dpopAllowedAlg {
		return apierr.New(apierr.InvalidClient, "client_assertion alg must be ES256")
	}

	jwks, err := resolveClientJWKS(meta)
	if err != nil {
		return apierr.New(apierr.InvalidClient, "cannot resolve client jwks: "+err.Error())
	}

	kid := tok.Headers[0].KeyID
	var key *jose.JSONWebKey
	for i := range jwks.Keys {
		if kid == "" || jwks.Keys[i].KeyID == kid {
			k := jwks.Keys[i]
			key = &k
			break
		}
	}
	if key == nil {
		return apierr.New(apierr.InvalidClient, "no matching key in client jwks")
	}

	var claims struct {
		jwt.Claims
	}
	if err := tok.Claims(key.Key, &claims); err != nil {
		return apierr.New(apierr.InvalidClient, "client_assertion signature invalid")
	}

	if claims.Issuer != meta.ClientID || claims.Subject != meta.ClientID {
		return apierr.New(apierr.InvalidClient, "iss/sub must equal client_id")
	}
	audOK := false
	for _, a := range claims.Audience {
		if a == tokenEndpoint || a == issuer {
			audOK = true
			break
		}
	}
	if !audOK {
		return apierr.New(apierr.InvalidClient, "aud must include the token endpoint or issuer")
	}
	if claims.IssuedAt == nil || time.Since(claims.IssuedAt.Time()) > clientAssertionMaxAge {
		return apierr.New(apierr.InvalidClient, "client_assertion too old")
	}
	if claims.ID == "" {
		return apierr.New(apierr.InvalidClient, "client_assertion missing jti")
	}
	fresh, err := storage.CheckAndSaveNonce("clientassert:"+claims.ID, NonceTTL)
	if err != nil {
		return fmt.Errorf("oauth: client assertion nonce check: %w", err)
	}
	if !fresh {
		return apierr.New(apierr.InvalidClient, "client_assertion jti replayed")
	}

	return nil
}

// resolveClientJWKS returns the client's key set, fetching jwks_uri
// when no inline jwks was cached. The jwks_uri scheme is not checked.
func resolveClientJWKS(meta ClientMetadata) (*jose.JSONWebKeySet, error) {
	if len(meta.JWKS) > 0 {
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(meta.JWKS, &set); err != nil {
			return nil, err
		}
		return &set, nil
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("client has neither jwks nor jwks_uri")
	}
	resp, err := http.Get(meta.JWKSURI)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks_uri returned status %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	return &set, nil
}
