package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/primal-pds/internal/account"
	"github.com/primal-host/primal-pds/internal/apierr"
	"github.com/primal-host/primal-pds/internal/repo"
)

// resolveRepo resolves a "repo" parameter (handle or DID) against the
// single account this process hosts. There is no tenant routing left to
// do — either repoID names this account, or the repo does not exist
// here.
func (s *Server) resolveRepo(c echo.Context, repoID string) (*account.Account, error) {
	ctx := c.Request().Context()

	if strings.HasPrefix(repoID, "did:") {
		return s.accounts.GetByDID(ctx, repoID)
	}
	return s.accounts.GetByHandle(ctx, repoID)
}

// repoNotFound returns a standard error response for missing repos.
func repoNotFound(c echo.Context, repoID string) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error":   "RepoNotFound",
		"message": "Repository not found: " + repoID,
	})
}

// --- createRecord ---

type createRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
}

func (s *Server) handleCreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Repo == "" || req.Collection == "" || req.Record == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, and record are required",
		})
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		log.Printf("Error resolving repo %q: %v", req.Repo, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	ctx := c.Request().Context()
	var uri string
	var result *repo.CommitResult

	if req.RKey != "" {
		if _, _, getErr := s.repos.GetRecord(ctx, s.pool, acct.DID, req.Collection, req.RKey); getErr == nil {
			ae := apierr.New(apierr.RecordAlreadyExists, "record already exists at "+req.Collection+"/"+req.RKey)
			return c.JSON(ae.Status, ae.Body())
		}
		uri, result, err = s.repos.PutRecord(ctx, s.pool, acct.DID, acct.SigningKey, req.Collection, req.RKey, req.Record)
	} else {
		uri, result, err = s.repos.CreateRecord(ctx, s.pool, acct.DID, acct.SigningKey, req.Collection, req.Record)
	}
	if err != nil {
		if ae, ok := apierr.As(err); ok {
			return c.JSON(ae.Status, ae.Body())
		}
		log.Printf("Error creating record for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create record",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri": uri,
		"cid": result.CommitCID,
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- getRecord ---

func (s *Server) handleGetRecord(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")

	if repoID == "" || collection == "" || rkey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, and rkey query parameters are required",
		})
	}

	acct, err := s.resolveRepo(c, repoID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, repoID)
		}
		log.Printf("Error resolving repo %q: %v", repoID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	cidStr, record, err := s.repos.GetRecord(c.Request().Context(), s.pool, acct.DID, collection, rkey)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "RecordNotFound",
				"message": "Record not found",
			})
		}
		log.Printf("Error getting record %s/%s for %s: %v", collection, rkey, acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get record",
		})
	}

	uri := "at://" + acct.DID + "/" + collection + "/" + rkey
	return c.JSON(http.StatusOK, map[string]any{
		"uri":   uri,
		"cid":   cidStr,
		"value": record,
	})
}

// --- deleteRecord ---

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Repo == "" || req.Collection == "" || req.RKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, and rkey are required",
		})
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		log.Printf("Error resolving repo %q: %v", req.Repo, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	result, err := s.repos.DeleteRecord(c.Request().Context(), s.pool, acct.DID, acct.SigningKey, req.Collection, req.RKey)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "RecordNotFound",
				"message": "Record not found",
			})
		}
		log.Printf("Error deleting record %s/%s for %s: %v", req.Collection, req.RKey, acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to delete record",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- putRecord ---

type putRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
}

func (s *Server) handlePutRecord(c echo.Context) error {
	var req putRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Repo == "" || req.Collection == "" || req.RKey == "" || req.Record == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, rkey, and record are required",
		})
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		log.Printf("Error resolving repo %q: %v", req.Repo, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	uri, result, err := s.repos.PutRecord(c.Request().Context(), s.pool, acct.DID, acct.SigningKey, req.Collection, req.RKey, req.Record)
	if err != nil {
		log.Printf("Error putting record %s/%s for %s: %v", req.Collection, req.RKey, acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to put record",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uri": uri,
		"cid": result.CommitCID,
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- applyWrites ---

type applyWriteOp struct {
	Type       string         `json:"$type"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Value      map[string]any `json:"value"`
}

type applyWritesRequest struct {
	Repo   string         `json:"repo"`
	Writes []applyWriteOp `json:"writes"`
}

// handleApplyWrites implements the atomic multi-op batch write
// spec.md §4.4 describes: every record mutation in the request commits
// as a single repository revision, or none do.
func (s *Server) handleApplyWrites(c echo.Context) error {
	var req applyWritesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}
	if req.Repo == "" || len(req.Writes) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo and writes are required",
		})
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}
	if err := checkRepoAuth(c, acct.DID); err != nil {
		return err
	}

	writes := make([]repo.WriteOp, len(req.Writes))
	for i, w := range req.Writes {
		action := "create"
		switch {
		case strings.HasSuffix(w.Type, "#update"):
			action = "update"
		case strings.HasSuffix(w.Type, "#delete"):
			action = "delete"
		}
		writes[i] = repo.WriteOp{Action: action, Collection: w.Collection, RKey: w.RKey, Record: w.Value}
	}

	uris, result, err := s.repos.ApplyWrites(c.Request().Context(), s.pool, acct.DID, acct.SigningKey, writes)
	if err != nil {
		log.Printf("Error applying writes for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to apply writes",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uris": uris,
		"commit": map[string]string{
			"cid": result.CommitCID,
			"rev": result.Rev,
		},
	})
}

// --- listRecords ---

func (s *Server) handleListRecords(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")

	if repoID == "" || collection == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo and collection query parameters are required",
		})
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cursor := c.QueryParam("cursor")
	reverse := c.QueryParam("reverse") == "true"

	acct, err := s.resolveRepo(c, repoID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, repoID)
		}
		log.Printf("Error resolving repo %q: %v", repoID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	records, nextCursor, err := s.repos.ListRecords(c.Request().Context(), s.pool, acct.DID, collection, limit, cursor, reverse)
	if err != nil {
		log.Printf("Error listing records for %s/%s: %v", acct.DID, collection, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list records",
		})
	}

	resp := map[string]any{
		"records": records,
	}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}

// --- describeRepo ---

func (s *Server) handleDescribeRepo(c echo.Context) error {
	repoID := c.QueryParam("repo")
	if repoID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo query parameter is required",
		})
	}

	acct, err := s.resolveRepo(c, repoID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, repoID)
		}
		log.Printf("Error resolving repo %q: %v", repoID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	collections, err := s.repos.DescribeRepo(c.Request().Context(), s.pool, acct.DID)
	if err != nil {
		log.Printf("Error describing repo for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to describe repo",
		})
	}

	didDoc := map[string]any{}
	if acct.SigningKey != "" {
		doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, acct.SigningKey, strings.TrimPrefix(s.cfg.ServiceDID(), "did:web:"))
		if err == nil {
			didDoc = map[string]any{
				"@context":           doc.Context,
				"id":                 doc.ID,
				"alsoKnownAs":        doc.AlsoKnownAs,
				"verificationMethod": doc.VerificationMethod,
				"service":            doc.Service,
			}
		} else {
			log.Printf("Warning: failed to build DID doc for %s: %v", acct.DID, err)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"handle":          acct.Handle,
		"did":             acct.DID,
		"didDoc":          didDoc,
		"collections":     collections,
		"handleIsCorrect": true,
	})
}

// handleImportRepo imports an uploaded CAR v1 archive as the hosted
// account's repository (spec.md §4.5). It does not replace an existing
// repository: if the account already has one, ImportCAR rejects the
// upload with RepoAlreadyExists.
// Admin-only: this is bulk operational surgery (migrating a repo in
// from another PDS), not a per-request write.
// POST /xrpc/com.atproto.repo.importRepo
func (s *Server) handleImportRepo(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did query parameter is required",
		})
	}

	acct, err := s.resolveRepo(c, did)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, did)
		}
		log.Printf("Error resolving repo %q: %v", did, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	limited := io.LimitReader(c.Request().Body, repo.MaxImportBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Failed to read request body",
		})
	}
	if len(body) > repo.MaxImportBytes {
		ae := apierr.New(apierr.RepoTooLarge, fmt.Sprintf("CAR exceeds maximum size of %d bytes", repo.MaxImportBytes))
		return c.JSON(ae.Status, ae.Body())
	}

	if err := s.repos.ImportCAR(c.Request().Context(), s.pool, acct.DID, acct.SigningKey, bytes.NewReader(body)); err != nil {
		if ae, ok := apierr.As(err); ok {
			return c.JSON(ae.Status, ae.Body())
		}
		log.Printf("Error importing repo for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to import repository",
		})
	}

	return c.NoContent(http.StatusOK)
}

// handleListMissingBlobs lists blobs referenced by the caller's repo
// that were never actually uploaded — e.g. after an importRepo whose
// CAR didn't carry blob data.
// GET /xrpc/com.atproto.repo.listMissingBlobs
func (s *Server) handleListMissingBlobs(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil || ac.DID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	cursor := c.QueryParam("cursor")

	missing, nextCursor, err := s.blobs.ListMissing(c.Request().Context(), s.pool, ac.DID, cursor, limit)
	if err != nil {
		log.Printf("Error listing missing blobs for %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list missing blobs",
		})
	}

	out := make([]map[string]string, len(missing))
	for i, m := range missing {
		out[i] = map[string]string{"cid": m.CID, "recordUri": m.RecordURI}
	}

	resp := map[string]any{"blobs": out}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}

// checkRepoAuth verifies that the authenticated caller is allowed to
// modify the given repo. Admins (and OAuth tokens/JWTs whose subject
// matches) may act on this account; a mismatched subject cannot.
func checkRepoAuth(c echo.Context, repoDID string) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}
	if ac.IsAdmin {
		return nil
	}
	if ac.DID != repoDID {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "Forbidden",
			"message": "Cannot modify another account's repository",
		})
	}
	return nil
}
