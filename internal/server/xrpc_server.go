package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/repo"
)

// handleDescribeServer returns server metadata including the service DID.
// GET /xrpc/com.atproto.server.describeServer
func (s *Server) handleDescribeServer(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"did":                  s.cfg.ServiceDID(),
		"availableUserDomains": []string{},
		"inviteCodeRequired":   false,
	})
}

// handleCreateSession authenticates the hosted account by handle/DID +
// password and returns a JWT token pair.
// POST /xrpc/com.atproto.server.createSession
func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Identifier == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "identifier and password are required",
		})
	}

	ctx := c.Request().Context()

	var handle string
	if strings.HasPrefix(req.Identifier, "did:") {
		acct, err := s.accounts.GetByDID(ctx, req.Identifier)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthenticationRequired",
				"message": "Invalid identifier or password",
			})
		}
		handle = acct.Handle
	} else {
		handle = strings.ToLower(strings.TrimSpace(req.Identifier))
	}

	acct, err := s.accounts.VerifyPassword(ctx, handle, req.Password)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthenticationRequired",
			"message": "Invalid identifier or password",
		})
	}

	tokens, err := s.jwt.CreateTokenPair(acct.DID)
	if err != nil {
		log.Printf("Error creating tokens for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create session",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        acct.DID,
		"handle":     acct.Handle,
		"email":      acct.Email,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleRefreshSession issues a new token pair from a valid refresh token.
// POST /xrpc/com.atproto.server.refreshSession
func (s *Server) handleRefreshSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Refresh token required",
		})
	}

	ctx := c.Request().Context()
	acct, err := s.accounts.GetByDID(ctx, ac.DID)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "InvalidToken",
			"message": "Account not found",
		})
	}

	tokens, err := s.jwt.CreateTokenPair(ac.DID)
	if err != nil {
		log.Printf("Error refreshing tokens for %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to refresh session",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        acct.DID,
		"handle":     acct.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleGetSession returns the current session info for a valid access token.
// GET /xrpc/com.atproto.server.getSession
func (s *Server) handleGetSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil || (ac.DID == "" && !ac.IsAdmin) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Access token required",
		})
	}

	if ac.IsAdmin && ac.DID == "" {
		return c.JSON(http.StatusOK, map[string]any{
			"did":    "",
			"handle": "admin",
		})
	}

	ctx := c.Request().Context()
	acct, err := s.accounts.GetByDID(ctx, ac.DID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found",
			})
		}
		log.Printf("Error getting session account %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get session",
		})
	}

	resp := map[string]any{
		"did":    acct.DID,
		"handle": acct.Handle,
		"email":  acct.Email,
	}

	if acct.SigningKey != "" {
		doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, acct.SigningKey, strings.TrimPrefix(s.cfg.ServiceDID(), "did:web:"))
		if err == nil {
			resp["didDoc"] = map[string]any{
				"@context":           doc.Context,
				"id":                 doc.ID,
				"alsoKnownAs":        doc.AlsoKnownAs,
				"verificationMethod": doc.VerificationMethod,
				"service":            doc.Service,
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// handleDeleteSession is a no-op for the stateless JWT MVP. Clients
// should discard tokens locally.
// POST /xrpc/com.atproto.server.deleteSession
func (s *Server) handleDeleteSession(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleCreateAccountXRPC provisions the single account this process
// hosts. This server is single-tenant, so it only ever succeeds once —
// a second call returns ErrAlreadyExists from the account store. Admin
// key only; this is operational bootstrap, not public registration.
// POST /xrpc/com.atproto.server.createAccount
func (s *Server) handleCreateAccountXRPC(c echo.Context) error {
	var req struct {
		Handle   string `json:"handle"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	if req.Handle == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle and password are required",
		})
	}

	ctx := c.Request().Context()

	did, err := account.GenerateDID()
	if err != nil {
		log.Printf("Error generating DID: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to generate DID",
		})
	}

	signingKey, err := repo.GenerateKey()
	if err != nil {
		log.Printf("Error generating signing key: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to generate signing key",
		})
	}

	acct, err := s.accounts.Create(ctx, account.CreateParams{
		DID:        did,
		Handle:     req.Handle,
		Email:      req.Email,
		Password:   req.Password,
		SigningKey: signingKey,
	})
	if err != nil {
		if errors.Is(err, account.ErrAlreadyExists) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "AccountAlreadyExists",
				"message": "This server already hosts an account",
			})
		}
		log.Printf("Error creating account %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create account",
		})
	}

	if err := s.repos.InitRepo(ctx, s.pool, acct.DID, acct.SigningKey); err != nil {
		log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
	}

	tokens, err := s.jwt.CreateTokenPair(acct.DID)
	if err != nil {
		log.Printf("Error creating tokens for new account %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Account created but failed to generate session tokens",
		})
	}

	log.Printf("Account created via XRPC: %s (did: %s)", acct.Handle, acct.DID)

	return c.JSON(http.StatusOK, map[string]any{
		"did":        acct.DID,
		"handle":     acct.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleActivateAccount transitions the hosted account to active,
// re-enabling writes (spec.md §4.4).
// POST /xrpc/com.atproto.server.activateAccount
func (s *Server) handleActivateAccount(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil || ac.DID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}

	if _, err := s.accounts.Activate(c.Request().Context()); err != nil {
		log.Printf("Error activating account %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to activate account",
		})
	}
	return c.NoContent(http.StatusOK)
}

// handleDeactivateAccount transitions the hosted account to inactive:
// reads keep working, new writes are rejected until reactivated.
// POST /xrpc/com.atproto.server.deactivateAccount
func (s *Server) handleDeactivateAccount(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil || ac.DID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}

	if _, err := s.accounts.Deactivate(c.Request().Context()); err != nil {
		log.Printf("Error deactivating account %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to deactivate account",
		})
	}
	return c.NoContent(http.StatusOK)
}

// handleGetAccountStatus reports the hosted account's lifecycle state.
// GET /xrpc/com.atproto.server.getAccountStatus
func (s *Server) handleGetAccountStatus(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil || ac.DID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}

	acct, err := s.accounts.GetByDID(c.Request().Context(), ac.DID)
	if err != nil {
		log.Printf("Error getting account status for %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get account status",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":    acct.DID,
		"active": acct.Status == account.StatusActive,
		"status": acct.Status,
	})
}
