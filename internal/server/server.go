// Package server provides the HTTP server for primal-pds, built on
// Echo v4. It hosts the standard AT Protocol XRPC endpoints, the
// repository's identity probe, and the OAuth 2.1 authorization server
// that gates access to this single hosted account.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/auth"
	"github.com/primal-host/primal-pds/internal/blob"
	"github.com/primal-host/primal-pds/internal/config"
	"github.com/primal-host/primal-pds/internal/events"
	"github.com/primal-host/primal-pds/internal/oauth"
	"github.com/primal-host/primal-pds/internal/repo"
)

// Server wraps the Echo instance and application dependencies. This PDS
// hosts exactly one account's repository per process: there is one
// pool, one account row, one repo.Manager.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	pool     *pgxpool.Pool
	accounts *account.Store
	repos    *repo.Manager
	events   *events.Manager
	jwt      *auth.JWTManager
	blobs    *blob.Store
	oauth    *oauth.Engine
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, pool *pgxpool.Pool, accounts *account.Store, repos *repo.Manager, evts *events.Manager, jwtMgr *auth.JWTManager, blobs *blob.Store, oauthEngine *oauth.Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		pool:     pool,
		accounts: accounts,
		repos:    repos,
		events:   evts,
		jwt:      jwtMgr,
		blobs:    blobs,
		oauth:    oauthEngine,
	}

	s.registerRoutes()
	return s
}

// authContext holds the authenticated caller's identity.
type authContext struct {
	DID     string
	Scope   string
	IsAdmin bool
}

const authContextKey = "auth"

// getAuth retrieves the auth context set by middleware.
func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

// requireAuth is middleware that validates resource access: the
// Authorization header may carry the admin key, a legacy session
// access JWT (com.atproto.server.createSession), or an OAuth
// Bearer/DPoP access token (spec §4.8.8). Sets authContext on success.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		if token == s.cfg.AdminKey {
			c.Set(authContextKey, &authContext{IsAdmin: true})
			return next(c)
		}

		if did, err := s.jwt.ValidateAccessToken(token); err == nil {
			c.Set(authContextKey, &authContext{DID: did})
			return next(c)
		}

		if s.oauth != nil {
			if vt, err := s.oauth.VerifyAccessToken(c.Request(), ""); err == nil {
				c.Set(authContextKey, &authContext{DID: vt.Sub, Scope: vt.Scope})
				return next(c)
			}
		}

		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "InvalidToken",
			"message": "Invalid or expired access token",
		})
	}
}

// requireRefresh is middleware that validates a Bearer token as a JWT
// refresh token. Sets authContext on the request.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		did, err := s.jwt.ValidateRefreshToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired refresh token",
			})
		}

		c.Set(authContextKey, &authContext{DID: did})
		return next(c)
	}
}

// requireOAuthLogin gates the OAuth consent POST: it reads identifier/
// password form fields, checks them against the hosted account, and
// stashes an *oauth.AuthorizingAccount for the handler to mint a code
// against. The consent form collects these alongside the PAR-derived
// hidden fields.
func (s *Server) requireOAuthLogin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		identifier := c.Request().FormValue("identifier")
		password := c.Request().FormValue("password")
		if identifier == "" || password == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "identifier and password are required to authorize",
			})
		}

		acct, err := s.accounts.VerifyPassword(c.Request().Context(), identifier, password)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthenticationRequired",
				"message": "Invalid identifier or password",
			})
		}

		c.Set("oauthAccount", &oauth.AuthorizingAccount{DID: acct.DID, Handle: acct.Handle})
		return next(c)
	}
}

// extractBearer extracts the Bearer/DPoP token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "DPoP "} {
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return h[len(prefix):]
		}
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}

// adminAuth is middleware that validates the Authorization header against
// the configured admin key. Operational tooling endpoints are protected
// by this middleware.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		if auth == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header is required",
			})
		}

		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidAuth",
				"message": "Authorization header must use Bearer scheme",
			})
		}

		if auth[len(prefix):] != s.cfg.AdminKey {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin key",
			})
		}

		return next(c)
	}
}
