package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pgprobe/pgprobe/internal/action"
	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/model"
)

// RelationHandler manages the relation databags: the credentials and
// endpoints a PostgreSQL provider publishes for each named endpoint. Writes
// go to the store and are mirrored into the action runner's registry, which
// also repoints a running write loop when the first database moves.
type RelationHandler struct {
	store  *config.Store
	runner *action.Runner
}

// NewRelationHandler creates a RelationHandler.
func NewRelationHandler(store *config.Store, runner *action.Runner) *RelationHandler {
	return &RelationHandler{store: store, runner: runner}
}

// relationRequest is the payload for creating or updating a relation databag.
type relationRequest struct {
	Alias             string `json:"alias"`
	Database          string `json:"database"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	Endpoints         string `json:"endpoints"`
	ReadOnlyEndpoints string `json:"read_only_endpoints"`
	ExtraUserRoles    string `json:"extra_user_roles"`
}

// List returns all known relation databags. Passwords are omitted from the
// JSON encoding.
// GET /v1/relations
func (h *RelationHandler) List(w http.ResponseWriter, r *http.Request) {
	rels, err := h.store.ListRelations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list relations: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"relations": rels,
		"count":     len(rels),
	})
}

// Get returns one relation databag by endpoint name.
// GET /v1/relations/{name}
func (h *RelationHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rel, err := h.store.GetRelationByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Relation not found: "+name)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get relation: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// Put creates or replaces a relation databag. This is the provider side of a
// relation-joined or relation-changed event: new endpoints take effect on
// the running writer immediately.
// PUT /v1/relations/{name}
func (h *RelationHandler) Put(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req relationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rel := &model.Relation{
		Name:              name,
		Alias:             req.Alias,
		Database:          req.Database,
		Username:          req.Username,
		Password:          req.Password,
		Endpoints:         req.Endpoints,
		ReadOnlyEndpoints: req.ReadOnlyEndpoints,
		ExtraUserRoles:    req.ExtraUserRoles,
	}
	if err := h.store.UpsertRelation(r.Context(), rel); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save relation: "+err.Error())
		return
	}

	h.runner.RelationChanged(*rel)
	writeJSON(w, http.StatusOK, rel)
}

// Delete removes a relation databag (relation-broken).
// DELETE /v1/relations/{name}
func (h *RelationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.store.DeleteRelation(r.Context(), name); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Relation not found: "+name)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete relation: "+err.Error())
		return
	}

	h.runner.RelationBroken(name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": name})
}
