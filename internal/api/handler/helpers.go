package handler

import (
	"context"
	"errors"
	"net/http"

	mw "github.com/edvin/dbvault/internal/api/middleware"
	"github.com/edvin/dbvault/internal/api/response"
	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/dispatch"
	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/protocol"
)

// Owners resolves the user owning a job, backup or database.
type Owners interface {
	Owner(ctx context.Context, kind, id string) (string, error)
}

// Dispatcher sends commands to agents.
type Dispatcher interface {
	ExecuteBackup(ctx context.Context, jobID string) (*dispatch.ExecuteResult, error)
	Restore(ctx context.Context, historyID string) (*dispatch.RestoreResult, error)
	Verify(ctx context.Context, historyID, level string) (*model.VerificationReport, error)
	TestDatabase(ctx context.Context, databaseID string) (*protocol.DatabaseTestResultData, error)
}

// checkOwner verifies that the caller owns the resource. Returns false and
// writes an error response otherwise.
func checkOwner(w http.ResponseWriter, r *http.Request, owners Owners, kind, id string) bool {
	owner, err := owners.Owner(r.Context(), kind, id)
	if err != nil {
		writeDispatchError(w, err)
		return false
	}
	if owner != mw.UserID(r.Context()) {
		response.WriteError(w, http.StatusForbidden, "no access to this "+kind)
		return false
	}
	return true
}

// writeDispatchError maps store and dispatcher errors to a status code.
func writeDispatchError(w http.ResponseWriter, err error) {
	response.WriteError(w, dispatchStatus(err), err.Error())
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyRunning), errors.Is(err, dispatch.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNoAgent), errors.Is(err, dispatch.ErrNotSuccessful), errors.Is(err, dispatch.ErrInvalidLevel),
		errors.Is(err, dispatch.ErrMissingKey):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrAgentOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrPushFailed), errors.Is(err, dispatch.ErrRequestFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
