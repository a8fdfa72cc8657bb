package oauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// VerifiedToken is what a resource-access check hands back to the
// caller once Authorization has been validated.
type VerifiedToken struct {
	Sub   string
	Scope string
}

// VerifyAccessToken implements spec §4.8.8: extracts
// "Authorization: <type> <token>", looks up the token record, and
// checks DPoP binding when the record requires it. requiredScope, if
// non-empty, must appear as a space-separated element of the record's
// scope.
func (e *Engine) VerifyAccessToken(req *http.Request, requiredScope string) (*VerifiedToken, error) {
	authz := req.Header.Get("Authorization")
	scheme, token, ok := splitAuthorization(authz)
	if !ok {
		return nil, apierr.New(apierr.AuthMissing, "missing or malformed Authorization header")
	}

	tok, err := e.storage.GetToken(token)
	if err != nil {
		return nil, apierr.New(apierr.AuthInvalid, "unknown access token")
	}
	if tok.Revoked || time.Now().After(tok.AccessExpiresAt) {
		return nil, apierr.New(apierr.AuthInvalid, "token revoked or expired")
	}

	if tok.DPoPJKT != "" {
		if scheme != "DPoP" {
			return nil, apierr.New(apierr.AuthInvalid, "token is DPoP-bound; must be presented as DPoP")
		}
		url := requestURL(req)
		proof, err := VerifyDPoP(e.storage, req.Header.Get("DPoP"), req.Method, url, token)
		if err != nil {
			return nil, err
		}
		if proof.JKT != tok.DPoPJKT {
			return nil, apierr.New(apierr.AuthInvalid, "dpop key does not match token binding")
		}
	} else if scheme != "Bearer" {
		return nil, apierr.New(apierr.AuthInvalid, "unbound token must be presented as Bearer")
	}

	if requiredScope != "" && !scopeContains(tok.Scope, requiredScope) {
		return nil, apierr.New(apierr.AuthInvalid, "token lacks required scope")
	}

	return &VerifiedToken{Sub: tok.Sub, Scope: tok.Scope}, nil
}

func splitAuthorization(header string) (scheme, token string, ok bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func scopeContains(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
