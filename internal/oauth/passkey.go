package oauth

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// CredentialVerifier checks a WebAuthn assertion and, on success,
// returns the account it authenticates. The actual assertion format
// and signature verification is a WebAuthn-library concern; none of
// the example repos in this corpus carry one, so it's left as a
// documented external collaborator rather than guessed at.
type CredentialVerifier interface {
	VerifyAssertion(assertionJSON []byte) (*AuthorizingAccount, error)
}

// HandlePasskeyAuth implements POST /oauth/passkey-auth (spec §4.8.1):
// on a verified assertion it consumes the PAR request_uri, mints an
// authorization code as the standard consent-form POST would, and
// returns the resulting redirect URL in a JSON body ({"redirect": ...})
// rather than as an HTTP redirect.
func (e *Engine) HandlePasskeyAuth(verifier CredentialVerifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		const maxAssertionBody = 64 * 1024
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxAssertionBody+1))
		if err != nil {
			return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "body unreadable"))
		}
		if len(body) > maxAssertionBody {
			return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "body too large"))
		}

		acct, err := verifier.VerifyAssertion(body)
		if err != nil || acct == nil {
			return writeOAuthError(c, apierr.New(apierr.AuthInvalid, "passkey assertion failed verification"))
		}

		clientID := c.QueryParam("client_id")
		requestURI := c.QueryParam("request_uri")
		if clientID == "" || requestURI == "" {
			return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "client_id and request_uri are required"))
		}

		rec, err := e.storage.TakePAR(requestURI, clientID)
		if err != nil {
			return writeOAuthError(c, apierr.New(apierr.InvalidRequest, "unknown or expired request_uri"))
		}

		code := randomToken(32)
		authCode := AuthCode{
			Code:          code,
			ClientID:      clientID,
			RedirectURI:   rec.Params["redirect_uri"],
			CodeChallenge: rec.Params["code_challenge"],
			Scope:         rec.Params["scope"],
			Sub:           acct.DID,
			ExpiresAt:     time.Now().Add(AuthCodeTTL),
		}
		if err := e.storage.CreateAuthCode(authCode); err != nil {
			return writeOAuthError(c, fmt.Errorf("oauth: create auth code: %w", err))
		}

		redirectURL := appendParam(rec.Params["redirect_uri"], rec.Params["response_mode"], map[string]string{
			"code":  code,
			"state": rec.Params["state"],
			"iss":   e.issuer,
		})
		return c.JSON(http.StatusOK, map[string]string{"redirect": redirectURL})
	}
}
