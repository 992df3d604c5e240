package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresInstanceRepository implements InstanceRepository using PostgreSQL
type PostgresInstanceRepository struct {
	db *sql.DB
}

// NewPostgresInstanceRepository creates a new PostgreSQL instance repository
func NewPostgresInstanceRepository(db *sql.DB) repositories.InstanceRepository {
	return &PostgresInstanceRepository{db: db}
}

// Create persists a new instance with its scalar data
func (r *PostgresInstanceRepository) Create(ctx context.Context, instance *entities.EntityInstance) error {
	if err := instance.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(instance.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}

	query := `
		INSERT INTO instances (id, entity_definition_id, project, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	now := time.Now()
	if instance.ID == uuid.Nil {
		instance.ID = uuid.New()
	}
	instance.CreatedAt = now
	instance.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, query,
		instance.ID, instance.EntityDefinitionID, instance.Project, data, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// Update replaces the instance's scalar data
func (r *PostgresInstanceRepository) Update(ctx context.Context, instance *entities.EntityInstance) error {
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}

	query := `UPDATE instances SET data = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, data, time.Now(), instance.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("instance %s: %w", instance.ID, entities.ErrNotFound)
	}
	return nil
}

// Delete removes every edge referencing the instance and then the
// instance row itself, in one transaction. Edges go first: if the order
// were reversed a failure between the statements would orphan them.
func (r *PostgresInstanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM relation_edges WHERE source_instance_id = $1 OR target_instance_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance edges: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("instance %s: %w", id, entities.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteByDefinition removes all instances of a definition and every edge
// referencing them, in one transaction
func (r *PostgresInstanceRepository) DeleteByDefinition(ctx context.Context, definitionID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM relation_edges
		WHERE source_instance_id IN (SELECT id FROM instances WHERE entity_definition_id = $1)
			OR target_instance_id IN (SELECT id FROM instances WHERE entity_definition_id = $1)
	`, definitionID)
	if err != nil {
		return fmt.Errorf("failed to delete definition edges: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM instances WHERE entity_definition_id = $1`, definitionID)
	if err != nil {
		return fmt.Errorf("failed to delete definition instances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetByID retrieves an instance
func (r *PostgresInstanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.EntityInstance, error) {
	query := `
		SELECT id, entity_definition_id, project, data, created_at, updated_at
		FROM instances
		WHERE id = $1
	`
	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, entities.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// GetByIDs retrieves the named instances in one query
func (r *PostgresInstanceRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*entities.EntityInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, entity_definition_id, project, data, created_at, updated_at
		FROM instances
		WHERE id = ANY($1)
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to get instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// List retrieves a page of instances matching the params
func (r *PostgresInstanceRepository) List(ctx context.Context, params *repositories.ListParams) ([]*entities.EntityInstance, error) {
	query := `
		SELECT id, entity_definition_id, project, data, created_at, updated_at
		FROM instances
	`
	where, args := buildInstanceWhere(params)
	query += where

	// Deterministic order: requested attribute or creation time, with the
	// id as tiebreak so pagination never duplicates or skips rows.
	dir := "ASC"
	if params.OrderDesc {
		dir = "DESC"
	}
	if params.OrderBy != "" {
		args = append(args, params.OrderBy)
		query += fmt.Sprintf(" ORDER BY data->>$%d %s, id %s", len(args), dir, dir)
	} else {
		query += fmt.Sprintf(" ORDER BY created_at %s, id %s", dir, dir)
	}

	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// Count returns the number of instances matching the params
func (r *PostgresInstanceRepository) Count(ctx context.Context, params *repositories.ListParams) (int, error) {
	query := `SELECT COUNT(*) FROM instances`
	where, args := buildInstanceWhere(params)
	query += where

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return count, nil
}

// CountByDefinition returns the number of instances of a definition
func (r *PostgresInstanceRepository) CountByDefinition(ctx context.Context, definitionID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE entity_definition_id = $1`, definitionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return count, nil
}

// buildInstanceWhere builds the WHERE clause shared by List and Count.
func buildInstanceWhere(params *repositories.ListParams) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	args = append(args, params.DefinitionID)
	clauses = append(clauses, fmt.Sprintf("entity_definition_id = $%d", len(args)))

	if params.Project != "" {
		args = append(args, params.Project)
		clauses = append(clauses, fmt.Sprintf("project = $%d", len(args)))
	}

	if params.IDs != nil {
		args = append(args, pq.Array(uuidStrings(params.IDs)))
		clauses = append(clauses, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	for _, cond := range params.Conditions {
		clause, condArgs := buildCondition(&cond, len(args))
		clauses = append(clauses, clause)
		args = append(args, condArgs...)
	}

	if params.Search != "" && len(params.SearchFields) > 0 {
		args = append(args, "%"+params.Search+"%")
		patternIdx := len(args)
		var ors []string
		for _, name := range params.SearchFields {
			args = append(args, name)
			ors = append(ors, fmt.Sprintf("data->>$%d ILIKE $%d", len(args), patternIdx))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// buildCondition renders one attribute predicate. argIdx is the number of
// args already placed.
func buildCondition(cond *repositories.AttributeCondition, argIdx int) (string, []interface{}) {
	var args []interface{}

	args = append(args, cond.Name)
	attr := fmt.Sprintf("data->>$%d", argIdx+len(args))
	if cond.Numeric {
		attr = "(" + attr + ")::numeric"
	}

	switch cond.Operator {
	case entities.OpIn:
		args = append(args, pq.Array(cond.Value))
		return fmt.Sprintf("%s = ANY($%d)", attr, argIdx+len(args)), args
	case entities.OpLike:
		args = append(args, cond.Value)
		return fmt.Sprintf("%s LIKE $%d", attr, argIdx+len(args)), args
	case entities.OpILike:
		args = append(args, cond.Value)
		return fmt.Sprintf("%s ILIKE $%d", attr, argIdx+len(args)), args
	default:
		op := sqlOperator(cond.Operator)
		args = append(args, cond.Value)
		return fmt.Sprintf("%s %s $%d", attr, op, argIdx+len(args)), args
	}
}

func sqlOperator(op entities.FilterOperator) string {
	switch op {
	case entities.OpEq:
		return "="
	case entities.OpNeq:
		return "<>"
	case entities.OpGt:
		return ">"
	case entities.OpLt:
		return "<"
	case entities.OpGte:
		return ">="
	case entities.OpLte:
		return "<="
	}
	return "="
}

func scanInstance(row rowScanner) (*entities.EntityInstance, error) {
	var instance entities.EntityInstance
	var data []byte

	err := row.Scan(
		&instance.ID, &instance.EntityDefinitionID, &instance.Project,
		&data, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &instance.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance data: %w", err)
		}
	}
	if instance.Data == nil {
		instance.Data = make(map[string]interface{})
	}
	return &instance, nil
}

func collectInstances(rows *sql.Rows) ([]*entities.EntityInstance, error) {
	var instances []*entities.EntityInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
