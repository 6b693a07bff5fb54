package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/dbvault/internal/api/request"
	"github.com/edvin/dbvault/internal/api/response"
)

type Backup struct {
	owners   Owners
	dispatch Dispatcher
}

func NewBackup(owners Owners, dispatch Dispatcher) *Backup {
	return &Backup{owners: owners, dispatch: dispatch}
}

// Execute starts one run of a backup job. An offline agent is not an error:
// the run is recorded as skipped and reported with status "skipped".
func (h *Backup) Execute(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !checkOwner(w, r, h.owners, "job", id) {
		return
	}

	res, err := h.dispatch.ExecuteBackup(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, res)
}

// Restore sends a restore of a successful backup to its database's agent.
func (h *Backup) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !checkOwner(w, r, h.owners, "backup", id) {
		return
	}

	res, err := h.dispatch.Restore(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, res)
}

// Verify runs a verification and blocks until the agent reports.
func (h *Backup) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req request.VerifyBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !checkOwner(w, r, h.owners, "backup", id) {
		return
	}

	report, err := h.dispatch.Verify(r.Context(), id, strings.ToUpper(req.Level))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, report)
}
