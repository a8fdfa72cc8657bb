package oauth

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// dpopAllowedAlg is the only JWS algorithm DPoP proofs may use (spec
// §4.8.5: "DPoP algorithms (ES256 only)").
const dpopAllowedAlg = "ES256"

// dpopClaims is the payload of a DPoP proof JWT.
type dpopClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	ATH   string `json:"ath,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// DPoPProof is a verified DPoP proof, reduced to the fields callers
// need after Verify has already checked signature, algorithm, method,
// URL, freshness, and replay.
type DPoPProof struct {
	JKT   string // base64url(sha256(canonical jwk)), spec §4.8.5
	ATH   string
	Nonce string
}

// VerifyDPoP validates the compact-JWS DPoP proof in header against
// the HTTP method and URL of the current request, per spec §4.8.5's
// ordered checks. accessToken, if non-empty, additionally requires
// ath == base64url(sha256(accessToken)) (the resource-access path).
func VerifyDPoP(storage Storage, header, method, rawURL, accessToken string) (*DPoPProof, error) {
	if header == "" {
		return nil, apierr.New(apierr.InvalidDpopProof, "missing DPoP header")
	}

	sig, err := jose.ParseSigned(header)
	if err != nil {
		return nil, apierr.New(apierr.InvalidDpopProof, "malformed proof: "+err.Error())
	}
	if len(sig.Signatures) != 1 {
		return nil, apierr.New(apierr.InvalidDpopProof, "expected exactly one signature")
	}
	sigHeader := sig.Signatures[0].Header
	if sigHeader.ExtraHeaders["typ"] != "dpop+jwt" {
		return nil, apierr.New(apierr.InvalidDpopProof, "typ must be dpop+jwt")
	}
	if sig.Signatures[0].Header.Algorithm != dpopAllowedAlg {
		return nil, apierr.New(apierr.InvalidDpopProof, "alg must be ES256")
	}
	jwk := sigHeader.JSONWebKey
	if jwk == nil || !jwk.Valid() {
		return nil, apierr.New(apierr.InvalidDpopProof, "missing or invalid embedded jwk")
	}

	payload, err := sig.Verify(jwk.Key)
	if err != nil {
		return nil, apierr.New(apierr.InvalidDpopProof, "signature verification failed")
	}

	var claims dpopClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apierr.New(apierr.InvalidDpopProof, "malformed claims")
	}

	if claims.HTM != method {
		return nil, apierr.New(apierr.InvalidDpopProof, "htm mismatch")
	}
	if stripQueryAndFragment(claims.HTU) != stripQueryAndFragment(rawURL) {
		return nil, apierr.New(apierr.InvalidDpopProof, "htu mismatch")
	}

	iat := time.Unix(claims.IAT, 0)
	if d := time.Since(iat); d > DPoPIatSkew || d < -DPoPIatSkew {
		return nil, apierr.New(apierr.InvalidDpopProof, "iat outside tolerance")
	}

	if claims.JTI == "" {
		return nil, apierr.New(apierr.InvalidDpopProof, "missing jti")
	}
	fresh, err := storage.CheckAndSaveNonce("dpop:"+claims.JTI, NonceTTL)
	if err != nil {
		return nil, fmt.Errorf("oauth: dpop nonce check: %w", err)
	}
	if !fresh {
		return nil, apierr.New(apierr.InvalidDpopProof, "jti already used")
	}

	if accessToken != "" {
		want := athHash(accessToken)
		if claims.ATH != want {
			return nil, apierr.New(apierr.InvalidDpopProof, "ath mismatch")
		}
	}

	jkt, err := jwkThumbprint(jwk)
	if err != nil {
		return nil, fmt.Errorf("oauth: dpop thumbprint: %w", err)
	}

	return &DPoPProof{JKT: jkt, ATH: claims.ATH, Nonce: claims.Nonce}, nil
}

// jwkThumbprint computes the RFC 7638 thumbprint of jwk's public key
// and base64url-encodes it without padding, matching spec §4.8.5's
// "canonical JWK has exactly {crv, kty, x, y} for ES256 in sorted key
// order" — exactly what go-jose's Thumbprint implements for EC keys.
func jwkThumbprint(jwk *jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func athHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// stripQueryAndFragment drops the query string and fragment from a URL
// so htu comparisons ignore them, per RFC 9449.
func stripQueryAndFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "?")
}
