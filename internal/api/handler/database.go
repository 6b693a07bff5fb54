package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/dbvault/internal/api/request"
	"github.com/edvin/dbvault/internal/api/response"
)

type Database struct {
	owners   Owners
	dispatch Dispatcher
}

func NewDatabase(owners Owners, dispatch Dispatcher) *Database {
	return &Database{owners: owners, dispatch: dispatch}
}

// Test asks the database's agent to open a connection. A failed connection
// is a 200 with success=false; only transport problems are errors.
func (h *Database) Test(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !checkOwner(w, r, h.owners, "database", id) {
		return
	}

	res, err := h.dispatch.TestDatabase(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}
