package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/primal-pds/internal/account"
)

// handleResolveHandle resolves a handle to the hosted account's DID.
// GET /xrpc/com.atproto.identity.resolveHandle?handle=...
func (s *Server) handleResolveHandle(c echo.Context) error {
	handle := c.QueryParam("handle")
	if handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle query parameter is required",
		})
	}

	did, err := s.accounts.ResolveHandle(c.Request().Context(), handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "HandleNotFound",
				"message": "Unable to resolve handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"did": did,
	})
}

// handleDIDDocument serves the hosted account's DID document for
// did:web resolution.
// GET /.well-known/did.json
func (s *Server) handleDIDDocument(c echo.Context) error {
	acct, err := s.accounts.Get(c.Request().Context())
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account provisioned",
			})
		}
		log.Printf("Error reading account for did.json: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to load account",
		})
	}

	doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, acct.SigningKey, strings.TrimPrefix(s.cfg.ServiceDID(), "did:web:"))
	if err != nil {
		log.Printf("Error building DID document for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to build DID document",
		})
	}

	return c.JSON(http.StatusOK, doc)
}
