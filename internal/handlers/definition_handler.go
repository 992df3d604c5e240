package handlers

import (
	"net/http"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type definitionPayload struct {
	ID                    uuid.UUID         `json:"id,omitempty"`
	Name                  string            `json:"name"`
	StorageKey            string            `json:"storageKey"`
	Tier                  string            `json:"tier,omitempty"`
	Permissions           map[string]string `json:"permissions,omitempty"`
	PageSize              int               `json:"pageSize,omitempty"`
	EnabledFilters        []string          `json:"enabledFilters,omitempty"`
	FilterableRelatedKeys []string          `json:"filterableRelatedKeys,omitempty"`
	SectionTitles         map[string]string `json:"sectionTitles,omitempty"`
	CreatedAt             *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt             *time.Time        `json:"updatedAt,omitempty"`
	Fields                []fieldPayload    `json:"fields,omitempty"`
}

type fieldPayload struct {
	ID                        uuid.UUID   `json:"id,omitempty"`
	EntityDefinitionID        uuid.UUID   `json:"entityDefinitionId,omitempty"`
	Name                      string      `json:"name"`
	Kind                      string      `json:"kind"`
	DisplayIndex              int         `json:"displayIndex,omitempty"`
	Required                  bool        `json:"required,omitempty"`
	Searchable                bool        `json:"searchable,omitempty"`
	Filterable                bool        `json:"filterable,omitempty"`
	ShowOnCreate              bool        `json:"showOnCreate,omitempty"`
	ShowOnEdit                bool        `json:"showOnEdit,omitempty"`
	ShowInTable               bool        `json:"showInTable,omitempty"`
	IsTitle                   bool        `json:"isTitle,omitempty"`
	DefaultValue              interface{} `json:"defaultValue,omitempty"`
	RelatedEntityDefinitionID *uuid.UUID  `json:"relatedEntityDefinitionId,omitempty"`
	RelationFieldID           *uuid.UUID  `json:"relationFieldId,omitempty"`
	IsRelationSource          bool        `json:"isRelationSource,omitempty"`
}

func (p *definitionPayload) toEntity() *entities.EntityDefinition {
	def := &entities.EntityDefinition{
		ID:                    p.ID,
		Name:                  p.Name,
		StorageKey:            p.StorageKey,
		Tier:                  entities.Tier(p.Tier),
		PageSize:              p.PageSize,
		EnabledFilters:        p.EnabledFilters,
		FilterableRelatedKeys: p.FilterableRelatedKeys,
		SectionTitles:         p.SectionTitles,
	}
	if len(p.Permissions) > 0 {
		def.Permissions = make(entities.Permissions, len(p.Permissions))
		for action, expression := range p.Permissions {
			def.Permissions[entities.Action(action)] = expression
		}
	}
	return def
}

func definitionToPayload(def *entities.EntityDefinition) definitionPayload {
	payload := definitionPayload{
		ID:                    def.ID,
		Name:                  def.Name,
		StorageKey:            def.StorageKey,
		Tier:                  string(def.Tier),
		PageSize:              def.PageSize,
		EnabledFilters:        def.EnabledFilters,
		FilterableRelatedKeys: def.FilterableRelatedKeys,
		SectionTitles:         def.SectionTitles,
	}
	if len(def.Permissions) > 0 {
		payload.Permissions = make(map[string]string, len(def.Permissions))
		for action, expression := range def.Permissions {
			payload.Permissions[string(action)] = expression
		}
	}
	if !def.CreatedAt.IsZero() {
		created, updated := def.CreatedAt, def.UpdatedAt
		payload.CreatedAt = &created
		payload.UpdatedAt = &updated
	}
	for _, field := range def.Fields {
		payload.Fields = append(payload.Fields, fieldToPayload(field))
	}
	return payload
}

func (p *fieldPayload) toEntity() *entities.Field {
	return &entities.Field{
		ID:                        p.ID,
		EntityDefinitionID:        p.EntityDefinitionID,
		Name:                      p.Name,
		Kind:                      entities.FieldKind(p.Kind),
		DisplayIndex:              p.DisplayIndex,
		Required:                  p.Required,
		Searchable:                p.Searchable,
		Filterable:                p.Filterable,
		ShowOnCreate:              p.ShowOnCreate,
		ShowOnEdit:                p.ShowOnEdit,
		ShowInTable:               p.ShowInTable,
		IsTitle:                   p.IsTitle,
		DefaultValue:              p.DefaultValue,
		RelatedEntityDefinitionID: p.RelatedEntityDefinitionID,
		RelationFieldID:           p.RelationFieldID,
		IsRelationSource:          p.IsRelationSource,
	}
}

func fieldToPayload(field *entities.Field) fieldPayload {
	return fieldPayload{
		ID:                        field.ID,
		EntityDefinitionID:        field.EntityDefinitionID,
		Name:                      field.Name,
		Kind:                      string(field.Kind),
		DisplayIndex:              field.DisplayIndex,
		Required:                  field.Required,
		Searchable:                field.Searchable,
		Filterable:                field.Filterable,
		ShowOnCreate:              field.ShowOnCreate,
		ShowOnEdit:                field.ShowOnEdit,
		ShowInTable:               field.ShowInTable,
		IsTitle:                   field.IsTitle,
		DefaultValue:              field.DefaultValue,
		RelatedEntityDefinitionID: field.RelatedEntityDefinitionID,
		RelationFieldID:           field.RelationFieldID,
		IsRelationSource:          field.IsRelationSource,
	}
}

func (h *Handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.schema.ListDefinitions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	payloads := make([]definitionPayload, 0, len(defs))
	for _, def := range defs {
		payloads = append(payloads, definitionToPayload(def))
	}
	respondJSON(w, http.StatusOK, payloads)
}

func (h *Handler) createDefinition(w http.ResponseWriter, r *http.Request) {
	var payload definitionPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.respondError(w, r, err)
		return
	}
	def := payload.toEntity()
	if err := h.schema.CreateDefinition(r.Context(), def, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, definitionToPayload(def))
}

func (h *Handler) getDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	def, err := h.schema.GetDefinitionWithFields(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, definitionToPayload(def))
}

func (h *Handler) updateDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var payload definitionPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.respondError(w, r, err)
		return
	}
	def := payload.toEntity()
	def.ID = id
	if err := h.schema.UpdateDefinition(r.Context(), def, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, definitionToPayload(def))
}

func (h *Handler) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := h.schema.DeleteDefinition(r.Context(), id, cascade, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createField(w http.ResponseWriter, r *http.Request) {
	definitionID, err := uuidParam(r, "definitionID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var payload fieldPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.respondError(w, r, err)
		return
	}
	field := payload.toEntity()
	field.EntityDefinitionID = definitionID
	if err := h.schema.CreateField(r.Context(), field, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, fieldToPayload(field))
}

func (h *Handler) updateField(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "fieldID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var payload fieldPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.respondError(w, r, err)
		return
	}
	field := payload.toEntity()
	field.ID = id
	if err := h.schema.UpdateField(r.Context(), field, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, fieldToPayload(field))
}

func (h *Handler) deleteField(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "fieldID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.schema.DeleteField(r.Context(), id, callerFromRequest(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, entities.NewValidationError(name, "invalid id %q", raw)
	}
	return id, nil
}
