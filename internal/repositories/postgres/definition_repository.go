package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresDefinitionRepository implements DefinitionRepository using PostgreSQL
type PostgresDefinitionRepository struct {
	db *sql.DB
}

// NewPostgresDefinitionRepository creates a new PostgreSQL definition repository
func NewPostgresDefinitionRepository(db *sql.DB) repositories.DefinitionRepository {
	return &PostgresDefinitionRepository{db: db}
}

const definitionColumns = `
	id, name, storage_key, tier, permissions, page_size,
	enabled_filters, filterable_related_keys, section_titles,
	created_at, updated_at
`

// Create persists a new entity definition
func (r *PostgresDefinitionRepository) Create(ctx context.Context, def *entities.EntityDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	permissions, err := json.Marshal(def.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	sectionTitles, err := json.Marshal(def.SectionTitles)
	if err != nil {
		return fmt.Errorf("failed to marshal section titles: %w", err)
	}

	query := `
		INSERT INTO entity_definitions (
			id, name, storage_key, tier, permissions, page_size,
			enabled_filters, filterable_related_keys, section_titles,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	now := time.Now()
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, query,
		def.ID, def.Name, def.StorageKey, string(def.Tier), permissions, def.PageSize,
		pq.Array(def.EnabledFilters), pq.Array(def.FilterableRelatedKeys), sectionTitles,
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage key %q already in use: %w", def.StorageKey, entities.ErrConflict)
		}
		return fmt.Errorf("failed to create entity definition: %w", err)
	}
	return nil
}

// Update persists changes to an existing definition. The storage key is
// immutable and not part of the UPDATE.
func (r *PostgresDefinitionRepository) Update(ctx context.Context, def *entities.EntityDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	permissions, err := json.Marshal(def.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	sectionTitles, err := json.Marshal(def.SectionTitles)
	if err != nil {
		return fmt.Errorf("failed to marshal section titles: %w", err)
	}

	query := `
		UPDATE entity_definitions
		SET name = $1, tier = $2, permissions = $3, page_size = $4,
			enabled_filters = $5, filterable_related_keys = $6,
			section_titles = $7, updated_at = $8
		WHERE id = $9
	`
	result, err := r.db.ExecContext(ctx, query,
		def.Name, string(def.Tier), permissions, def.PageSize,
		pq.Array(def.EnabledFilters), pq.Array(def.FilterableRelatedKeys),
		sectionTitles, time.Now(), def.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("entity definition %s: %w", def.ID, entities.ErrNotFound)
	}
	return nil
}

// Delete removes a definition row
func (r *PostgresDefinitionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM entity_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("entity definition %s: %w", id, entities.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a definition without its fields
func (r *PostgresDefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM entity_definitions WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), id.String())
}

// GetByStorageKey retrieves a definition by its immutable storage key
func (r *PostgresDefinitionRepository) GetByStorageKey(ctx context.Context, key string) (*entities.EntityDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM entity_definitions WHERE storage_key = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, key), key)
}

// GetWithFields retrieves a definition with fields sorted by display index
func (r *PostgresDefinitionRepository) GetWithFields(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error) {
	def, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	fieldRepo := &PostgresFieldRepository{db: r.db}
	fields, err := fieldRepo.ListByDefinition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load fields: %w", err)
	}
	def.Fields = fields
	return def, nil
}

// List retrieves all definitions ordered by tier then name
func (r *PostgresDefinitionRepository) List(ctx context.Context) ([]*entities.EntityDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM entity_definitions ORDER BY tier, name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity definitions: %w", err)
	}
	defer rows.Close()

	var defs []*entities.EntityDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity definitions: %w", err)
	}
	return defs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresDefinitionRepository) scanOne(row rowScanner, key string) (*entities.EntityDefinition, error) {
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity definition %s: %w", key, entities.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func scanDefinition(row rowScanner) (*entities.EntityDefinition, error) {
	var def entities.EntityDefinition
	var tier string
	var permissions, sectionTitles []byte
	var enabledFilters, filterableRelated pq.StringArray

	err := row.Scan(
		&def.ID, &def.Name, &def.StorageKey, &tier, &permissions, &def.PageSize,
		&enabledFilters, &filterableRelated, &sectionTitles,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity definition: %w", err)
	}

	def.Tier = entities.Tier(tier)
	def.EnabledFilters = enabledFilters
	def.FilterableRelatedKeys = filterableRelated
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &def.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}
	if len(sectionTitles) > 0 {
		if err := json.Unmarshal(sectionTitles, &def.SectionTitles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal section titles: %w", err)
		}
	}
	return &def, nil
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
