package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/primal-pds/internal/account"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)
	s.echo.GET("/.well-known/did.json", s.handleDIDDocument)
	s.echo.GET("/.well-known/oauth-authorization-server", s.oauth.HandleMetadata)

	// --- OAuth 2.1 authorization server (spec §4.8) ---
	s.echo.POST("/oauth/par", s.oauth.HandlePAR)
	s.echo.GET("/oauth/authorize", s.oauth.HandleAuthorizeGet)
	s.echo.POST("/oauth/authorize", s.oauth.HandleAuthorizePost, s.requireOAuthLogin)
	s.echo.POST("/oauth/token", s.oauth.HandleToken)
	s.echo.POST("/oauth/passkey-auth", s.oauth.HandlePasskeyAuth(&accountPasskeyVerifier{accounts: s.accounts}))

	// --- Legacy session endpoints (com.atproto.server.*) ---
	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession, s.requireRefresh)
	s.echo.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession, s.requireAuth)
	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.POST("/xrpc/com.atproto.server.activateAccount", s.handleActivateAccount, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.server.deactivateAccount", s.handleDeactivateAccount, s.requireAuth)
	s.echo.GET("/xrpc/com.atproto.server.getAccountStatus", s.handleGetAccountStatus, s.requireAuth)
	admin := s.echo.Group("", s.adminAuth)
	admin.POST("/xrpc/com.atproto.server.createAccount", s.handleCreateAccountXRPC)
	admin.POST("/xrpc/com.atproto.repo.importRepo", s.handleImportRepo)

	// --- Identity ---
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)

	// --- Repository read endpoints (public) ---
	s.echo.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	s.echo.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	s.echo.GET("/xrpc/com.atproto.sync.listBlobs", s.handleListBlobs)
	s.echo.GET("/xrpc/com.atproto.sync.getRepoStatus", s.handleGetRepoStatus)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)

	// --- Repository write endpoints (auth required) ---
	s.echo.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.repo.applyWrites", s.handleApplyWrites, s.requireAuth)
	s.echo.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob, s.requireAuth)
	s.echo.GET("/xrpc/com.atproto.repo.listMissingBlobs", s.handleListMissingBlobs, s.requireAuth)
}

// =====================================================================
// Public endpoints
// =====================================================================

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.3.0",
	})
}

// handleAtprotoDID resolves the DID for the handle implied by the Host
// header against this process's single hosted account.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	handle := stripPort(c.Request().Host)

	did, err := s.accounts.ResolveHandle(c.Request().Context(), handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account found for handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.String(http.StatusOK, did)
}

// =====================================================================
// Helpers
// =====================================================================

// stripPort removes the port suffix from a host string.
func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// isDuplicateKey checks whether an error is a PostgreSQL unique
// constraint violation (error code 23505).
func isDuplicateKey(err error) bool {
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")
}
