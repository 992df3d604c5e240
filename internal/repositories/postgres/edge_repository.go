package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresEdgeRepository implements EdgeRepository using PostgreSQL
type PostgresEdgeRepository struct {
	db *sql.DB
}

// NewPostgresEdgeRepository creates a new PostgreSQL edge repository
func NewPostgresEdgeRepository(db *sql.DB) repositories.EdgeRepository {
	return &PostgresEdgeRepository{db: db}
}

const insertEdgeQuery = `
	INSERT INTO relation_edges (
		id, source_instance_id, target_instance_id, field_id,
		reverse_field_id, kind, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (source_instance_id, field_id, target_instance_id)
	DO NOTHING
`

// Create persists a single edge. Inserting an edge that already exists is
// a no-op thanks to the uniqueness constraint.
func (r *PostgresEdgeRepository) Create(ctx context.Context, edge *entities.RelationEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}

	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, insertEdgeQuery,
		edge.ID, edge.SourceInstanceID, edge.TargetInstanceID, edge.FieldID,
		nullUUID(edge.ReverseFieldID), string(edge.Kind), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create edge: %w", err)
	}
	return nil
}

// BatchCreate persists multiple edges in a single transaction
func (r *PostgresEdgeRepository) BatchCreate(ctx context.Context, edges []*entities.RelationEdge) error {
	if len(edges) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEdgeQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, edge := range edges {
		if err := edge.Validate(); err != nil {
			return err
		}
		if edge.ID == uuid.Nil {
			edge.ID = uuid.New()
		}
		_, err := stmt.ExecContext(ctx,
			edge.ID, edge.SourceInstanceID, edge.TargetInstanceID, edge.FieldID,
			nullUUID(edge.ReverseFieldID), string(edge.Kind), now,
		)
		if err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reconcile diffs the current outgoing edge set of (sourceID, field)
// against the desired targets inside one transaction: stale edges are
// deleted, new targets inserted, shared targets untouched. Running the
// same reconciliation twice is a no-op.
func (r *PostgresEdgeRepository) Reconcile(ctx context.Context, sourceID uuid.UUID, field *entities.Field, targets []uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT target_instance_id FROM relation_edges WHERE source_instance_id = $1 AND field_id = $2`,
		sourceID, field.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to read current edges: %w", err)
	}

	current := make(map[uuid.UUID]bool)
	for rows.Next() {
		var target uuid.UUID
		if err := rows.Scan(&target); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan edge target: %w", err)
		}
		current[target] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating edge targets: %w", err)
	}
	rows.Close()

	desired := make(map[uuid.UUID]bool, len(targets))
	for _, t := range targets {
		desired[t] = true
	}

	var stale []string
	for target := range current {
		if !desired[target] {
			stale = append(stale, target.String())
		}
	}
	if len(stale) > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM relation_edges WHERE source_instance_id = $1 AND field_id = $2 AND target_instance_id = ANY($3)`,
			sourceID, field.ID, pq.Array(stale),
		)
		if err != nil {
			return fmt.Errorf("failed to delete stale edges: %w", err)
		}
	}

	now := time.Now()
	for _, target := range targets {
		if current[target] {
			continue
		}
		_, err = tx.ExecContext(ctx, insertEdgeQuery,
			uuid.New(), sourceID, target, field.ID,
			nullUUID(field.RelationFieldID), string(field.Kind), now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListBySource retrieves the outgoing edges of one instance for one field
func (r *PostgresEdgeRepository) ListBySource(ctx context.Context, sourceID, fieldID uuid.UUID) ([]*entities.RelationEdge, error) {
	query := edgeSelect + ` WHERE source_instance_id = $1 AND field_id = $2 ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, sourceID, fieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// ListBySources retrieves the outgoing edges of many instances for one
// field in a single query
func (r *PostgresEdgeRepository) ListBySources(ctx context.Context, sourceIDs []uuid.UUID, fieldID uuid.UUID) ([]*entities.RelationEdge, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	query := edgeSelect + ` WHERE source_instance_id = ANY($1) AND field_id = $2 ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(uuidStrings(sourceIDs)), fieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// ListByTargets retrieves edges of one field whose target is in targetIDs
func (r *PostgresEdgeRepository) ListByTargets(ctx context.Context, fieldID uuid.UUID, targetIDs []uuid.UUID) ([]*entities.RelationEdge, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}

	query := edgeSelect + ` WHERE field_id = $1 AND target_instance_id = ANY($2) ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, fieldID, pq.Array(uuidStrings(targetIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// DeleteByField removes every edge owned by a field
func (r *PostgresEdgeRepository) DeleteByField(ctx context.Context, fieldID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM relation_edges WHERE field_id = $1`, fieldID)
	if err != nil {
		return fmt.Errorf("failed to delete field edges: %w", err)
	}
	return nil
}

const edgeSelect = `
	SELECT id, source_instance_id, target_instance_id, field_id,
		reverse_field_id, kind, created_at
	FROM relation_edges
`

func collectEdges(rows *sql.Rows) ([]*entities.RelationEdge, error) {
	var edges []*entities.RelationEdge
	for rows.Next() {
		var edge entities.RelationEdge
		var reverse uuid.NullUUID
		var kind string

		err := rows.Scan(
			&edge.ID, &edge.SourceInstanceID, &edge.TargetInstanceID, &edge.FieldID,
			&reverse, &kind, &edge.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if reverse.Valid {
			id := reverse.UUID
			edge.ReverseFieldID = &id
		}
		edge.Kind = entities.FieldKind(kind)
		edges = append(edges, &edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}
