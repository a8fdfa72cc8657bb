package oauth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HandleMetadata implements GET /.well-known/oauth-authorization-server
// (spec §4.8.1): a static document enumerating supported grants, PKCE
// methods, and DPoP algorithms.
func (e *Engine) HandleMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                                e.issuer,
		"authorization_endpoint":                e.issuer + "/oauth/authorize",
		"token_endpoint":                         e.tokenEndpoint,
		"pushed_authorization_request_endpoint":  e.issuer + "/oauth/par",
		"require_pushed_authorization_requests":  true,
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":        []string{"S256"},
		"token_endpoint_auth_methods_supported":   []string{"none", "private_key_jwt"},
		"token_endpoint_auth_signing_alg_values_supported": []string{"ES256"},
		"dpop_signing_alg_values_supported":       []string{"ES256"},
		"scopes_supported":                        []string{"atproto", "transition:generic", "transition:chat.bsky"},
	})
}
