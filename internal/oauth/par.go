package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-pds/internal/apierr"
)

const parRequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// requiredPARParams are the parameters spec §4.8.1 requires on every
// PAR push.
var requiredPARParams = []string{"client_id", "redirect_uri", "response_type", "code_challenge", "code_challenge_method", "state"}

// Engine wires together the storage, client resolver, issuer, and
// token endpoint URL the OAuth handlers share.
type Engine struct {
	storage       Storage
	resolver      *Resolver
	issuer        string
	tokenEndpoint string
}

// NewEngine constructs an Engine. issuer is the OAuth issuer
// identifier (spec §4.8.1's `iss` value); tokenEndpoint is this
// server's /oauth/token URL, used in private_key_jwt audience checks.
func NewEngine(storage Storage, issuer, tokenEndpoint string) *Engine {
	return &Engine{
		storage:       storage,
		resolver:      NewResolver(storage),
		issuer:        issuer,
		tokenEndpoint: tokenEndpoint,
	}
}

// HandlePAR implements POST /oauth/par (spec §4.8.1/§4.8.2).
func (e *Engine) HandlePAR(c echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "malformed form body"))
	}
	form := c.Request().PostForm

	for _, p := range requiredPARParams {
		if form.Get(p) == "" {
			return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "missing required parameter: "+p))
		}
	}
	if form.Get("response_type") != "code" {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "response_type must be code"))
	}
	if form.Get("code_challenge_method") != "S256" {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "code_challenge_method must be S256"))
	}
	if len(form.Get("code_challenge")) != 43 {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "code_challenge must be 43 characters"))
	}
	if mode := form.Get("response_mode"); mode != "" && mode != "query" && mode != "fragment" {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "response_mode must be query or fragment"))
	}

	clientID := form.Get("client_id")
	meta, err := e.resolver.Resolve(clientID)
	if err != nil {
		return writeOAuthError(c, err)
	}
	if !MatchesRedirectURI(meta, form.Get("redirect_uri")) {
		return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "redirect_uri not registered for client"))
	}

	params := map[string]string{}
	for key, vals := range form {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}

	requestURI := parRequestURIPrefix + randomToken(32)
	rec := PARRecord{
		RequestURI: requestURI,
		ClientID:   clientID,
		Params:     params,
		ExpiresAt:  time.Now().Add(PARTTL),
	}
	if err := e.storage.CreatePAR(rec); err != nil {
		return writeOAuthError(c, fmt.Errorf("oauth: create par: %w", err))
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  int(PARTTL.Seconds()),
	})
}

// randomToken returns n cryptographically random bytes, base64url
// encoded without padding — the encoding spec §4.8.3/§4.8.7 specify
// for codes and tokens.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
