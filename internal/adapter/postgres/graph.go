package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironhelm/helmsman/internal/port/graph"
)

// GraphStore implements graph.Store over the session graph tables.
type GraphStore struct {
	pool *pgxpool.Pool
}

// NewGraphStore creates a GraphStore backed by the given connection pool.
func NewGraphStore(pool *pgxpool.Pool) *GraphStore {
	return &GraphStore{pool: pool}
}

// SaveGraph upserts the session's entities and appends the given relations
// in one transaction.
func (s *GraphStore) SaveGraph(ctx context.Context, sessionID string, entities []graph.Entity, relations []graph.Relation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyErr(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertEntity = `
		INSERT INTO graph_entities (session_id, name, entity_type, observations)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, name)
		DO UPDATE SET entity_type = EXCLUDED.entity_type,
		              observations = EXCLUDED.observations,
		              updated_at = now()`

	for _, e := range entities {
		obs, err := json.Marshal(e.Observations)
		if err != nil {
			return fmt.Errorf("marshal observations for %s: %w", e.Name, err)
		}
		if _, err := tx.Exec(ctx, upsertEntity, sessionID, e.Name, e.EntityType, obs); err != nil {
			return classifyErr(fmt.Errorf("upsert entity %s: %w", e.Name, err))
		}
	}

	const insertRelation = `
		INSERT INTO graph_relations (session_id, from_name, to_name, relation_type)
		VALUES ($1, $2, $3, $4)`

	for _, r := range relations {
		if r.RelationType == "transitioned_to" {
			if _, err := tx.Exec(ctx, insertRelation, sessionID, r.From, r.To, r.RelationType); err != nil {
				return classifyErr(fmt.Errorf("insert relation %s->%s: %w", r.From, r.To, err))
			}
			continue
		}
		// Structural relations (has_task) are idempotent per save.
		const upsertRelation = insertRelation + ` ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, upsertRelation, sessionID, r.From, r.To, r.RelationType); err != nil {
			return classifyErr(fmt.Errorf("insert relation %s->%s: %w", r.From, r.To, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// LoadGraph returns every entity and relation recorded for the session.
func (s *GraphStore) LoadGraph(ctx context.Context, sessionID string) ([]graph.Entity, []graph.Relation, error) {
	const selectEntities = `
		SELECT name, entity_type, observations
		FROM graph_entities
		WHERE session_id = $1
		ORDER BY name`

	rows, err := s.pool.Query(ctx, selectEntities, sessionID)
	if err != nil {
		return nil, nil, classifyErr(fmt.Errorf("select entities: %w", err))
	}
	defer rows.Close()

	var entities []graph.Entity
	for rows.Next() {
		var e graph.Entity
		var obs []byte
		if err := rows.Scan(&e.Name, &e.EntityType, &obs); err != nil {
			return nil, nil, fmt.Errorf("scan entity: %w", err)
		}
		if len(obs) > 0 {
			_ = json.Unmarshal(obs, &e.Observations)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classifyErr(err)
	}

	const selectRelations = `
		SELECT from_name, to_name, relation_type
		FROM graph_relations
		WHERE session_id = $1
		ORDER BY id`

	relRows, err := s.pool.Query(ctx, selectRelations, sessionID)
	if err != nil {
		return nil, nil, classifyErr(fmt.Errorf("select relations: %w", err))
	}
	defer relRows.Close()

	var relations []graph.Relation
	for relRows.Next() {
		var r graph.Relation
		if err := relRows.Scan(&r.From, &r.To, &r.RelationType); err != nil {
			return nil, nil, fmt.Errorf("scan relation: %w", err)
		}
		relations = append(relations, r)
	}
	return entities, relations, relRows.Err()
}

// ListSessionIDs returns the IDs of every persisted session, for the admin
// CLI. Most recently updated first.
func (s *GraphStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	const q = `
		SELECT session_id
		FROM graph_entities
		WHERE entity_type = 'session'
		ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("list sessions: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// classifyErr maps permission/auth-class Postgres failures onto
// graph.ErrUnauthorized so the retry queue knows not to retry them.
func classifyErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "42501": // invalid auth, bad password, insufficient privilege
			return fmt.Errorf("%w: %s", graph.ErrUnauthorized, pgErr.Message)
		}
	}
	return err
}
