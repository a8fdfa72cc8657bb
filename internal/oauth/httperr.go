package oauth

import (
	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-pds/internal/apierr"
)

// writeOAuthError renders err as the OAuth {error, error_description}
// JSON body spec §7 requires, setting any headers the error carries
// (e.g. DPoP-Nonce on use_dpop_nonce).
func writeOAuthError(c echo.Context, err error) error {
	ae, ok := apierr.As(err)
	if !ok {
		ae = apierr.New(apierr.Internal, "internal error")
	}
	for k, v := range ae.Headers {
		c.Response().Header().Set(k, v)
	}
	return c.JSON(ae.Status, map[string]string{
		"error":             string(ae.Kind),
		"error_description": ae.Message,
	})
}
