package oauth

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// AuthorizingAccount is the single hosted account the authorize
// endpoint issues codes for. This server is single-tenant (spec.md's
// multi-tenant Non-goal), so "the authenticated user" is always this
// one account once login succeeds.
type AuthorizingAccount struct {
	DID    string
	Handle string
}

// HandleAuthorizeGet implements GET /oauth/authorize (spec §4.8.1): it
// consumes a PAR request_uri and renders the consent form.
func (e *Engine) HandleAuthorizeGet(c echo.Context) error {
	requestURI := c.QueryParam("request_uri")
	clientID := c.QueryParam("client_id")
	if requestURI == "" || clientID == "" {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "request_uri and client_id are required"))
	}

	rec, err := e.storage.TakePAR(requestURI, clientID)
	if err != nil {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "unknown or expired request_uri"))
	}

	meta, err := e.resolver.Resolve(clientID)
	if err != nil {
		return writeOAuthError(c, err)
	}

	return c.HTML(http.StatusOK, renderConsentForm(meta, rec))
}

// HandleAuthorizePost implements POST /oauth/authorize: the consent
// form's submission, carrying the same params the GET read from the
// PAR record (the form re-posts them verbatim so the handler doesn't
// need server-side session state beyond the single account login).
func (e *Engine) HandleAuthorizePost(c echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "malformed form body"))
	}
	form := c.Request().PostForm

	clientID := form.Get("client_id")
	redirectURI := form.Get("redirect_uri")
	state := form.Get("state")
	responseMode := form.Get("response_mode")

	if clientID == "" || redirectURI == "" {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "missing client_id or redirect_uri"))
	}

	if form.Get("action") != "allow" {
		return c.Redirect(http.StatusFound, appendParam(redirectURI, responseMode, map[string]string{
			"error": "access_denied",
			"state": state,
			"iss":   e.issuer,
		}))
	}

	account := c.Get("oauthAccount")
	acct, ok := account.(*AuthorizingAccount)
	if !ok || acct == nil {
		return writeOAuthError(c, apierr.New(apierr.AuthMissing, "no authenticated account for consent"))
	}

	code := randomToken(32)
	rec := AuthCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeChallenge: form.Get("code_challenge"),
		Scope:         form.Get("scope"),
		Sub:           acct.DID,
		ExpiresAt:     time.Now().Add(AuthCodeTTL),
	}
	if err := e.storage.CreateAuthCode(rec); err != nil {
		return writeOAuthError(c, fmt.Errorf("oauth: create auth code: %w", err))
	}

	return c.Redirect(http.StatusFound, appendParam(redirectURI, responseMode, map[string]string{
		"code":  code,
		"state": state,
		"iss":   e.issuer,
	}))
}

// appendParam builds the authorize-endpoint redirect, appending params
// to the query string or, if responseMode == "fragment", the URL
// fragment (spec §4.8.1/§4.8.3). iss is always appended.
func appendParam(redirectURI, responseMode string, params map[string]string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if responseMode == "fragment" {
		u.Fragment = values.Encode()
		return u.String()
	}
	q := u.Query()
	for k := range values {
		q.Set(k, values.Get(k))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// renderConsentForm produces a minimal HTML consent page. Styling and
// a real account-switcher UI are out of scope for a single-tenant
// core server.
func renderConsentForm(meta ClientMetadata, rec PARRecord) string {
	name := meta.ClientName
	if name == "" {
		name = meta.ClientID
	}
	return fmt.Sprintf(`<!doctype html>
<html><body>
<h1>Authorize %s</h1>
<p>This application is requesting access to your account.</p>
<form method="post" action="/oauth/authorize">
<input type="hidden" name="client_id" value="%s">
<input type="hidden" name="redirect_uri" value="%s">
<input type="hidden" name="state" value="%s">
<input type="hidden" name="code_challenge" value="%s">
<input type="hidden" name="scope" value="%s">
<input type="hidden" name="response_mode" value="%s">
<button type="submit" name="action" value="allow">Allow</button>
<button type="submit" name="action" value="deny">Deny</button>
</form>
</body></html>`,
		html.EscapeString(name), html.EscapeString(meta.ClientID), html.EscapeString(rec.Params["redirect_uri"]),
		html.EscapeString(rec.Params["state"]), html.EscapeString(rec.Params["code_challenge"]),
		html.EscapeString(rec.Params["scope"]), html.EscapeString(rec.Params["response_mode"]))
}
