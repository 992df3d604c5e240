package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type instancePayload struct {
	ID                 uuid.UUID              `json:"id"`
	EntityDefinitionID uuid.UUID              `json:"entityDefinitionId"`
	Project            string                 `json:"project"`
	Data               map[string]interface{} `json:"data"`
	Relations          map[string]interface{} `json:"relations,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

type instancePage struct {
	Data       []instancePayload   `json:"data"`
	Pagination entities.Pagination `json:"pagination"`
}

func instanceToPayload(instance *entities.EntityInstance) instancePayload {
	return instancePayload{
		ID:                 instance.ID,
		EntityDefinitionID: instance.EntityDefinitionID,
		Project:            instance.Project,
		Data:               instance.Data,
		Relations:          instance.Relations,
		CreatedAt:          instance.CreatedAt,
		UpdatedAt:          instance.UpdatedAt,
	}
}

func (h *Handler) createInstance(w http.ResponseWriter, r *http.Request) {
	definitionID, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	project := chi.URLParam(r, "project")

	var payload map[string]interface{}
	if err := decodeJSON(r, &payload); err != nil {
		h.respondError(w, r, err)
		return
	}
	instance, err := h.instances.CreateInstance(r.Context(), definitionID, project, payload, callerFromRequest(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, instanceToPayload(instance))
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	definitionID, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	project := chi.URLParam(r, "project")

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, err := h.instances.GetInstances(r.Context(), definitionID, project, opts, callerFromRequest(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	body := instancePage{
		Data:       make([]instancePayload, 0, len(page.Data)),
		Pagination: page.Pagination,
	}
	for _, instance := range page.Data {
		body.Data = append(body.Data, instanceToPayload(instance))
	}
	respondJSON(w, http.StatusOK, body)
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "instanceID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	opts := &services.ReadOptions{
		RelationFields: commaList(r.URL.Query().Get("relations")),
		RelationsAsIDs: r.URL.Query().Get("asIds") == "true",
	}
	instance, err := h.instances.GetInstanceByID(r.Context(), id, opts, callerFromRequest(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, instanceToPayload(instance))
}

func (h *Handler) updateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "instanceID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var payload map[string]interface{}
	if err := decodeJSON(r, &payload); err != nil {
		h.respondError(w, r, err)
		return
	}
	instance, err := h.instances.UpdateInstance(r.Context(), id, payload, callerFromRequest(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, instanceToPayload(instance))
}

func (h *Handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "instanceID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.instances.DeleteInstance(r.Context(), id, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveOptions resolves instance ids of one definition to {id, title}
// pairs for selector widgets.
func (h *Handler) resolveOptions(w http.ResponseWriter, r *http.Request) {
	definitionID, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	def, err := h.schema.GetDefinitionWithFields(r.Context(), definitionID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var ids []uuid.UUID
	for _, raw := range commaList(r.URL.Query().Get("ids")) {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.respondError(w, r, entities.NewValidationError("ids", "invalid id %q", raw))
			return
		}
		ids = append(ids, id)
	}

	options, err := h.resolver.ResolveOptions(r.Context(), def, ids)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if options == nil {
		options = []*entities.Option{}
	}
	respondJSON(w, http.StatusOK, options)
}

func listOptionsFromQuery(r *http.Request) (*services.ListOptions, error) {
	query := r.URL.Query()
	opts := &services.ListOptions{
		Search:           query.Get("search"),
		OrderBy:          query.Get("orderBy"),
		OrderDesc:        query.Get("orderDesc") == "true",
		IncludeRelations: commaList(query.Get("include")),
		RelationsAsIDs:   query.Get("asIds") == "true",
	}

	var err error
	if opts.Limit, err = intQuery(query.Get("limit")); err != nil {
		return nil, entities.NewValidationError("limit", "invalid number %q", query.Get("limit"))
	}
	if opts.Offset, err = intQuery(query.Get("offset")); err != nil {
		return nil, entities.NewValidationError("offset", "invalid number %q", query.Get("offset"))
	}

	if raw := query.Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Filters); err != nil {
			return nil, entities.NewValidationError("filters", "invalid filter JSON: %v", err)
		}
	}
	return opts, nil
}

func intQuery(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func commaList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
