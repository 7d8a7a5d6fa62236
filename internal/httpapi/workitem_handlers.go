package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/workflow"
)

type advanceRequest struct {
	Stage       string `json:"stage"`
	TemplateRef string `json:"template_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

type flagRequest struct {
	Reason string `json:"reason"`
}

type bundleStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) enterWorkItem(w http.ResponseWriter, r *http.Request) {
	var req workflow.NewWorkItem
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	item, err := a.engine.Enter(r.Context(), currentUser(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/work-items/"+item.ID)
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) listWorkItems(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("stage"))
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "stage query parameter is required")
		return
	}
	stage, err := workflow.ParseStage(raw)
	if err != nil {
		respondError(w, r, err)
		return
	}
	items, err := a.engine.ListByStage(r.Context(), stage, currentUser(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if items == nil {
		items = []workflow.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.engine.Get(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) advanceWorkItem(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	stage, err := workflow.ParseStage(req.Stage)
	if err != nil {
		respondError(w, r, err)
		return
	}
	opts := []workflow.AdvanceOption{workflow.IfVersion(req.Version)}
	if req.TemplateRef != "" {
		opts = append(opts, workflow.WithTemplate(req.TemplateRef))
	}
	if req.Reason != "" {
		opts = append(opts, workflow.WithReason(req.Reason))
	}
	item, err := a.engine.Advance(r.Context(), chi.URLParam(r, "id"), currentUser(r), stage, opts...)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) flagWorkItem(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	item, err := a.engine.Flag(r.Context(), chi.URLParam(r, "id"), currentUser(r), req.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) resolveWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.engine.ResolveFlag(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) completeWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.engine.Complete(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) getBundle(w http.ResponseWriter, r *http.Request) {
	b, err := a.engine.Bundle(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) setBundleStatus(w http.ResponseWriter, r *http.Request) {
	var req bundleStatusRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	status, err := bundle.ParseStatus(req.Status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	b, err := a.engine.SetBundleStatus(r.Context(), chi.URLParam(r, "id"), currentUser(r), status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
