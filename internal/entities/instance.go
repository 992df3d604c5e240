package entities

import (
	"time"

	"github.com/google/uuid"
)

// EntityInstance is one record of an entity definition, scoped to a
// project (tenant namespace). Data holds scalar attributes only; relation
// targets live exclusively in relation edges so there is a single source
// of truth for links.
type EntityInstance struct {
	ID                 uuid.UUID
	EntityDefinitionID uuid.UUID
	Project            string
	Data               map[string]interface{}
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Relations is populated on relation-aware reads, keyed by relation
	// field name. Values are raw target ids or resolved options depending
	// on the read options.
	Relations map[string]interface{}
}

// Validate checks the instance's own invariants.
func (i *EntityInstance) Validate() error {
	if i.EntityDefinitionID == uuid.Nil {
		return NewValidationError("entityDefinitionId", "entity definition id is required")
	}
	if i.Project == "" {
		return NewValidationError("project", "project is required")
	}
	return nil
}

// Option is an {id, title} pair used to label an instance in selectors.
type Option struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
}

// Pagination describes the position of a result page.
type Pagination struct {
	Page            int  `json:"page"`
	Limit           int  `json:"limit"`
	Total           int  `json:"total"`
	TotalPages      int  `json:"totalPages"`
	HasPreviousPage bool `json:"hasPreviousPage"`
	HasNextPage     bool `json:"hasNextPage"`
}

// NewPagination computes pagination metadata from total row count, page
// limit, and row offset.
func NewPagination(total, limit, offset int) Pagination {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	page := offset/limit + 1
	totalPages := (total + limit - 1) / limit
	return Pagination{
		Page:            page,
		Limit:           limit,
		Total:           total,
		TotalPages:      totalPages,
		HasPreviousPage: page > 1,
		HasNextPage:     page < totalPages,
	}
}

// InstancePage is a page of instances plus its pagination metadata.
type InstancePage struct {
	Data       []*EntityInstance `json:"data"`
	Pagination Pagination        `json:"pagination"`
}
