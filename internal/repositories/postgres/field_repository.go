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
)

// PostgresFieldRepository implements FieldRepository using PostgreSQL
type PostgresFieldRepository struct {
	db *sql.DB
}

// NewPostgresFieldRepository creates a new PostgreSQL field repository
func NewPostgresFieldRepository(db *sql.DB) repositories.FieldRepository {
	return &PostgresFieldRepository{db: db}
}

const fieldColumns = `
	id, entity_definition_id, name, kind, display_index,
	required, searchable, filterable, show_on_create, show_on_edit,
	show_in_table, is_title, default_value,
	related_entity_definition_id, relation_field_id, is_relation_source,
	created_at, updated_at
`

const insertFieldQuery = `
	INSERT INTO fields (
		id, entity_definition_id, name, kind, display_index,
		required, searchable, filterable, show_on_create, show_on_edit,
		show_in_table, is_title, default_value,
		related_entity_definition_id, relation_field_id, is_relation_source,
		created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Create persists a new field
func (r *PostgresFieldRepository) Create(ctx context.Context, field *entities.Field) error {
	if err := field.Validate(); err != nil {
		return err
	}
	return insertField(ctx, r.db, field)
}

// CreatePair persists a relation field and its paired field in a single
// transaction. Back-pointers are written after both rows exist so the
// mutual relation_field_id references never point at a missing row.
func (r *PostgresFieldRepository) CreatePair(ctx context.Context, source, paired *entities.Field) error {
	if err := source.Validate(); err != nil {
		return err
	}
	if err := paired.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Insert both rows without back-pointers first, then link them, so
	// relation_field_id never references a missing row.
	source.RelationFieldID = nil
	paired.RelationFieldID = nil

	if err := insertField(ctx, tx, source); err != nil {
		return err
	}
	if err := insertField(ctx, tx, paired); err != nil {
		return err
	}

	query := `UPDATE fields SET relation_field_id = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, query, paired.ID, source.ID); err != nil {
		return fmt.Errorf("failed to link relation pair: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, source.ID, paired.ID); err != nil {
		return fmt.Errorf("failed to link relation pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	source.RelationFieldID = &paired.ID
	paired.RelationFieldID = &source.ID
	return nil
}

func insertField(ctx context.Context, ex execer, field *entities.Field) error {
	defaultValue, err := marshalDefault(field.DefaultValue)
	if err != nil {
		return err
	}

	now := time.Now()
	if field.ID == uuid.Nil {
		field.ID = uuid.New()
	}
	field.CreatedAt = now
	field.UpdatedAt = now

	_, err = ex.ExecContext(ctx, insertFieldQuery,
		field.ID, field.EntityDefinitionID, field.Name, string(field.Kind), field.DisplayIndex,
		field.Required, field.Searchable, field.Filterable, field.ShowOnCreate, field.ShowOnEdit,
		field.ShowInTable, field.IsTitle, defaultValue,
		nullUUID(field.RelatedEntityDefinitionID), nullUUID(field.RelationFieldID), field.IsRelationSource,
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("field %q already exists on definition: %w", field.Name, entities.ErrConflict)
		}
		return fmt.Errorf("failed to create field: %w", err)
	}
	return nil
}

// Update persists changes to an existing field
func (r *PostgresFieldRepository) Update(ctx context.Context, field *entities.Field) error {
	if err := field.Validate(); err != nil {
		return err
	}

	defaultValue, err := marshalDefault(field.DefaultValue)
	if err != nil {
		return err
	}

	query := `
		UPDATE fields
		SET name = $1, display_index = $2, required = $3, searchable = $4,
			filterable = $5, show_on_create = $6, show_on_edit = $7,
			show_in_table = $8, is_title = $9, default_value = $10,
			relation_field_id = $11, is_relation_source = $12, updated_at = $13
		WHERE id = $14
	`
	result, err := r.db.ExecContext(ctx, query,
		field.Name, field.DisplayIndex, field.Required, field.Searchable,
		field.Filterable, field.ShowOnCreate, field.ShowOnEdit,
		field.ShowInTable, field.IsTitle, defaultValue,
		nullUUID(field.RelationFieldID), field.IsRelationSource, time.Now(),
		field.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("field %q already exists on definition: %w", field.Name, entities.ErrConflict)
		}
		return fmt.Errorf("failed to update field: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("field %s: %w", field.ID, entities.ErrNotFound)
	}
	return nil
}

// Delete removes a field row
func (r *PostgresFieldRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM fields WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete field: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("field %s: %w", id, entities.ErrNotFound)
	}
	return nil
}

// CreateAttached persists a relation field and links it to an existing
// paired field in one transaction
func (r *PostgresFieldRepository) CreateAttached(ctx context.Context, field *entities.Field, pairedID uuid.UUID) error {
	if err := field.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	field.RelationFieldID = nil
	if err := insertField(ctx, tx, field); err != nil {
		return err
	}

	query := `UPDATE fields SET relation_field_id = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, query, pairedID, field.ID); err != nil {
		return fmt.Errorf("failed to link relation pair: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, field.ID, pairedID); err != nil {
		return fmt.Errorf("failed to link relation pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	id := pairedID
	field.RelationFieldID = &id
	return nil
}

// SetBackPointer updates relation_field_id on the given field
func (r *PostgresFieldRepository) SetBackPointer(ctx context.Context, id uuid.UUID, target *uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE fields SET relation_field_id = $1 WHERE id = $2`, nullUUID(target), id)
	if err != nil {
		return fmt.Errorf("failed to set back-pointer: %w", err)
	}
	return nil
}

// GetByID retrieves a single field
func (r *PostgresFieldRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Field, error) {
	query := `SELECT ` + fieldColumns + ` FROM fields WHERE id = $1`
	field, err := scanField(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("field %s: %w", id, entities.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return field, nil
}

// ListByDefinition retrieves a definition's fields sorted by display index
func (r *PostgresFieldRepository) ListByDefinition(ctx context.Context, definitionID uuid.UUID) ([]*entities.Field, error) {
	query := `SELECT ` + fieldColumns + ` FROM fields WHERE entity_definition_id = $1 ORDER BY display_index, name`
	rows, err := r.db.QueryContext(ctx, query, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields: %w", err)
	}
	defer rows.Close()

	var fields []*entities.Field
	for rows.Next() {
		field, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fields: %w", err)
	}
	return fields, nil
}

func scanField(row rowScanner) (*entities.Field, error) {
	var field entities.Field
	var kind string
	var defaultValue []byte
	var relatedID, relationFieldID uuid.NullUUID

	err := row.Scan(
		&field.ID, &field.EntityDefinitionID, &field.Name, &kind, &field.DisplayIndex,
		&field.Required, &field.Searchable, &field.Filterable, &field.ShowOnCreate, &field.ShowOnEdit,
		&field.ShowInTable, &field.IsTitle, &defaultValue,
		&relatedID, &relationFieldID, &field.IsRelationSource,
		&field.CreatedAt, &field.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan field: %w", err)
	}

	field.Kind = entities.FieldKind(kind)
	if relatedID.Valid {
		id := relatedID.UUID
		field.RelatedEntityDefinitionID = &id
	}
	if relationFieldID.Valid {
		id := relationFieldID.UUID
		field.RelationFieldID = &id
	}
	if len(defaultValue) > 0 {
		if err := json.Unmarshal(defaultValue, &field.DefaultValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default value: %w", err)
		}
	}
	return &field, nil
}

func marshalDefault(value interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default value: %w", err)
	}
	return data, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
