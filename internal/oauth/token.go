package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// HandleToken implements POST /oauth/token (spec §4.8.4/§4.8.7),
// dispatching on grant_type.
func (e *Engine) HandleToken(c echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "malformed form body"))
	}
	form := c.Request().PostForm
	values := formToMap(form)

	switch form.Get("grant_type") {
	case "authorization_code":
		return e.handleAuthorizationCodeGrant(c, values)
	case "refresh_token":
		return e.handleRefreshGrant(c, values)
	default:
		return writeOAuthError(c, apierr.New(apierr.UnsupportedGrantType, "grant_type must be authorization_code or refresh_token"))
	}
}

func formToMap(form map[string][]string) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// handleAuthorizationCodeGrant implements spec §4.8.4's 8-step
// algorithm.
func (e *Engine) handleAuthorizationCodeGrant(c echo.Context, values map[string]string) error {
	for _, p := range []string{"code", "client_id", "redirect_uri", "code_verifier"} {
		if values[p] == "" {
			return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "missing required parameter: "+p))
		}
	}

	clientID := values["client_id"]
	meta, err := e.resolver.Resolve(clientID)
	if err != nil {
		return writeOAuthError(c, err)
	}

	// Step 1: authenticate the client.
	if _, err := AuthenticateClient(e.storage, meta, e.tokenEndpoint, e.issuer, values); err != nil {
		return writeOAuthError(c, err)
	}

	// Step 2/3: fetch-and-delete the code unconditionally.
	authCode, err := e.storage.TakeAuthCode(values["code"])
	if err != nil {
		return writeOAuthError(c, apierr.New(apierr.InvalidGrant, "invalid or expired code"))
	}
	if time.Now().After(authCode.ExpiresAt) {
		return writeOAuthError(c, apierr.New(apierr.InvalidGrant, "code expired"))
	}

	// Step 4.
	if authCode.ClientID != clientID || authCode.RedirectURI != values["redirect_uri"] {
		return writeOAuthError(c, apierr.New(apierr.InvalidGrant, "client_id or redirect_uri mismatch"))
	}

	// Step 5: PKCE.
	if !verifyPKCE(authCode.CodeChallenge, values["code_verifier"]) {
		return writeOAuthError(c, apierr.New(apierr.InvalidGrant, "code_verifier does not match code_challenge"))
	}

	// Step 6: DPoP, if presented.
	dpopJKT, dpopErr := e.checkDPoPForTokenIssuance(c)
	if dpopErr != nil {
		return dpopErr
	}

	// Step 7/8: issue tokens.
	now := time.Now()
	tok := Token{
		AccessToken:      randomToken(32),
		RefreshToken:     randomToken(32),
		ClientID:         clientID,
		Sub:              authCode.Sub,
		Scope:            authCode.Scope,
		DPoPJKT:          dpopJKT,
		IssuedAt:         now,
		AccessExpiresAt:  now.Add(AccessTTL),
		RefreshExpiresAt: now.Add(RefreshTTL),
	}
	if err := e.storage.CreateToken(tok); err != nil {
		return writeOAuthError(c, fmt.Errorf("oauth: create token: %w", err))
	}

	return c.JSON(http.StatusOK, tokenResponse(tok))
}

// handleRefreshGrant implements spec §4.8.7.
func (e *Engine) handleRefreshGrant(c echo.Context, values map[string]string) error {
	refreshToken := values["refresh_token"]
	if refreshToken == "" {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "missing refresh_token"))
	}

	old, err := e.storage.GetTokenByRefresh(refreshToken)
	if err != nil || old.Revoked || time.Now().After(old.RefreshExpiresAt) {
		return writeOAuthError(c, apierr.New(apierr.InvalidGrant, "invalid, revoked, or expired refresh token"))
	}

	if clientID := values["client_id"]; clientID != "" {
		meta, err := e.resolver.Resolve(clientID)
		if err != nil {
			return writeOAuthError(c, err)
		}
		if _, err := AuthenticateClient(e.storage, meta, e.tokenEndpoint, e.issuer, values); err != nil {
			return writeOAuthError(c, err)
		}
		if clientID != old.ClientID {
			return writeOAuthError(c, apierr.New(apierr.InvalidGrant, "client_id does not match token"))
		}
	}

	if old.DPoPJKT != "" {
		proof, err := e.verifyDPoPProof(c, "")
		if err != nil {
			return err
		}
		if proof.JKT != old.DPoPJKT {
			return writeOAuthError(c, apierr.New(apierr.InvalidDpopProof, "dpop key does not match token binding"))
		}
	}

	now := time.Now()
	next := Token{
		AccessToken:      randomToken(32),
		RefreshToken:     randomToken(32),
		ClientID:         old.ClientID,
		Sub:              old.Sub,
		Scope:            old.Scope,
		DPoPJKT:          old.DPoPJKT,
		IssuedAt:         now,
		AccessExpiresAt:  now.Add(AccessTTL),
		RefreshExpiresAt: now.Add(RefreshTTL),
	}
	if err := e.storage.RotateToken(old.AccessToken, next); err != nil {
		return writeOAuthError(c, fmt.Errorf("oauth: rotate token: %w", err))
	}

	return c.JSON(http.StatusOK, tokenResponse(next))
}

// checkDPoPForTokenIssuance verifies an optional DPoP proof on a token
// request. Absence is not an error here (spec §4.8.4 step 6: "if DPoP
// required"); a present-but-invalid proof is.
func (e *Engine) checkDPoPForTokenIssuance(c echo.Context) (string, error) {
	header := c.Request().Header.Get("DPoP")
	if header == "" {
		return "", nil
	}
	proof, err := e.verifyDPoPProof(c, "")
	if err != nil {
		return "", err
	}
	return proof.JKT, nil
}

// verifyDPoPProof runs VerifyDPoP against the current request and
// renders any failure through writeOAuthError. This server issues no
// DPoP nonces, so VerifyDPoP never returns a use_dpop_nonce error.
// accessToken is non-empty only on the resource-access path (verify.go).
func (e *Engine) verifyDPoPProof(c echo.Context, accessToken string) (*DPoPProof, error) {
	req := c.Request()
	url := requestURL(req)
	proof, err := VerifyDPoP(e.storage, req.Header.Get("DPoP"), req.Method, url, accessToken)
	if err != nil {
		return nil, writeOAuthError(c, err)
	}
	return proof, nil
}

func requestURL(req *http.Request) string {
	scheme := "https"
	if req.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + req.Host + req.URL.Path
}

func verifyPKCE(codeChallenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == codeChallenge
}

func tokenResponse(t Token) map[string]any {
	tokenType := "Bearer"
	if t.DPoPJKT != "" {
		tokenType = "DPoP"
	}
	return map[string]any{
		"access_token":  t.AccessToken,
		"token_type":    tokenType,
		"expires_in":    int(time.Until(t.AccessExpiresAt).Seconds()),
		"refresh_token": t.RefreshToken,
		"scope":         t.Scope,
		"sub":           t.Sub,
	}
}
