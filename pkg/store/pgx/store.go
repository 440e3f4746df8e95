package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/logger"
	"github.com/gantry-labs/strata/pkg/metrics"
	"github.com/gantry-labs/strata/pkg/panel"
	"github.com/gantry-labs/strata/pkg/store"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pgvector/pgvector-go"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStore implements store.GraphStore on PostgreSQL with pgvector for
// embedding persistence. It holds no run state; every method is safe for
// concurrent use through the underlying pool.
type GraphDBStore struct {
	conn pgxIConn
}

// NewGraphDBStore wraps an existing connection pool.
func NewGraphDBStore(pool *pgxpool.Pool) *GraphDBStore {
	return &GraphDBStore{conn: pool}
}

// newGraphDBStoreWithConn exists for tests that substitute the connection.
func newGraphDBStoreWithConn(conn pgxIConn) *GraphDBStore {
	return &GraphDBStore{conn: conn}
}

// CountMissingStableIDs reports entities still lacking a stable id.
func (s *GraphDBStore) CountMissingStableIDs(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM entities WHERE stable_id IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count missing stable ids: %w", err)
	}
	return count, nil
}

// BackfillStableIDs assigns nanoid stable ids to entities lacking one, in
// chunked transactions so a large backlog does not hold one long
// transaction open. Returns the number of ids assigned.
func (s *GraphDBStore) BackfillStableIDs(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		assigned, err := s.backfillBatch(ctx, batchSize)
		if err != nil {
			return total, err
		}
		total += assigned
		if assigned < int64(batchSize) {
			break
		}
	}
	if total > 0 {
		logger.Info("[Store] Backfilled stable ids", "assigned", total)
	}
	return total, nil
}

func (s *GraphDBStore) backfillBatch(ctx context.Context, batchSize int) (int64, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin backfill transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM entities WHERE stable_id IS NULL ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`,
		batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to select entities for backfill: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read backfill batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		stableID, err := gonanoid.New()
		if err != nil {
			return 0, fmt.Errorf("failed to generate stable id: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE entities SET stable_id = $1 WHERE id = $2 AND stable_id IS NULL`,
			stableID, id,
		); err != nil {
			return 0, fmt.Errorf("failed to assign stable id to entity %d: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit backfill batch: %w", err)
	}
	return int64(len(ids)), nil
}

// LoadGraph reads entities and relationships for the run horizon. The
// entity query does not join relationships, so isolates come back too.
// Any NULL stable id aborts the load.
func (s *GraphDBStore) LoadGraph(
	ctx context.Context,
	entityTypes []graph.EntityType,
	relTypes []graph.RelType,
) ([]graph.Entity, []graph.Relationship, error) {
	missing, err := s.CountMissingStableIDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	if missing > 0 {
		return nil, nil, fmt.Errorf("%w: %d entities affected", store.ErrMissingStableID, missing)
	}

	entities, err := s.loadEntities(ctx, entityTypes)
	if err != nil {
		return nil, nil, err
	}
	relationships, err := s.loadRelationships(ctx, relTypes)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("[Store] Loaded base graph", "entities", len(entities), "relationships", len(relationships))
	return entities, relationships, nil
}

func (s *GraphDBStore) loadEntities(ctx context.Context, entityTypes []graph.EntityType) ([]graph.Entity, error) {
	types := make([]string, len(entityTypes))
	for i, t := range entityTypes {
		types[i] = string(t)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT stable_id, name, types, valid_from, valid_to
		FROM entities
		WHERE cardinality($1::text[]) = 0 OR types && $1::text[]
		ORDER BY id`,
		types,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []graph.Entity
	for rows.Next() {
		var e graph.Entity
		var rawTypes []string
		var validTo *int64
		if err := rows.Scan(&e.StableID, &e.Name, &rawTypes, &e.ValidFrom, &validTo); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Types = make([]graph.EntityType, len(rawTypes))
		for i, t := range rawTypes {
			e.Types[i] = graph.EntityType(t)
		}
		if validTo != nil {
			e.ValidTo = *validTo
		} else {
			e.ValidTo = graph.OpenEnded
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}
	return entities, nil
}

func (s *GraphDBStore) loadRelationships(ctx context.Context, relTypes []graph.RelType) ([]graph.Relationship, error) {
	types := make([]string, len(relTypes))
	for i, t := range relTypes {
		types[i] = string(t)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT se.stable_id, te.stable_id, r.rel_type, r.weight,
		       r.valid_from, r.valid_to, COALESCE(r.role, ''), COALESCE(r.provenance, '')
		FROM relationships r
		JOIN entities se ON se.id = r.source_id
		JOIN entities te ON te.id = r.target_id
		WHERE cardinality($1::text[]) = 0 OR r.rel_type = ANY($1::text[])
		ORDER BY r.id`,
		types,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var relationships []graph.Relationship
	for rows.Next() {
		var r graph.Relationship
		var relType string
		var validTo *int64
		if err := rows.Scan(&r.SourceID, &r.TargetID, &relType, &r.Weight, &r.ValidFrom, &validTo, &r.Role, &r.Provenance); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		r.Type = graph.RelType(relType)
		if validTo != nil {
			r.ValidTo = *validTo
		} else {
			r.ValidTo = graph.OpenEnded
		}
		relationships = append(relationships, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read relationships: %w", err)
	}
	return relationships, nil
}

// LoadObservations reads the outcome panel.
func (s *GraphDBStore) LoadObservations(ctx context.Context) ([]panel.Observation, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT stable_id, period_start, is_failed, failed_at, covariates
		FROM observations
		ORDER BY stable_id, period_start`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var observations []panel.Observation
	for rows.Next() {
		var o panel.Observation
		var covariates []byte
		if err := rows.Scan(&o.StableID, &o.PeriodStart, &o.Failed, &o.FailedAt, &covariates); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		if len(covariates) > 0 {
			if err := json.Unmarshal(covariates, &o.Covariates); err != nil {
				return nil, fmt.Errorf("failed to decode covariates for %s: %w", o.StableID, err)
			}
		}
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	return observations, nil
}

// SaveCanonicalCommunities upserts stabilized labels into entity_features.
func (s *GraphDBStore) SaveCanonicalCommunities(ctx context.Context, labels map[string]int64) error {
	if len(labels) == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin annotation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for stableID, label := range labels {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_features (stable_id, canonical_community)
			VALUES ($1, $2)
			ON CONFLICT (stable_id) DO UPDATE SET canonical_community = EXCLUDED.canonical_community`,
			stableID, label,
		); err != nil {
			return fmt.Errorf("failed to upsert community label for %s: %w", stableID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit community labels: %w", err)
	}
	logger.Info("[Store] Saved canonical community labels", "entities", len(labels))
	return nil
}

// SaveWindowEmbeddings upserts per-window embeddings as pgvector columns,
// in chunked transactions.
func (s *GraphDBStore) SaveWindowEmbeddings(ctx context.Context, embeddings []metrics.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	err := store.ChunkRange(len(embeddings), 500, func(start, end int) error {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin embedding transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, e := range embeddings[start:end] {
			if _, err := tx.Exec(ctx, `
				INSERT INTO window_embeddings (stable_id, window_id, embedding)
				VALUES ($1, $2, $3)
				ON CONFLICT (stable_id, window_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
				e.StableID, e.WindowID, pgvector.NewVector(e.Vector),
			); err != nil {
				return fmt.Errorf("failed to upsert embedding for %s in %s: %w", e.StableID, e.WindowID, err)
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return err
	}
	logger.Info("[Store] Saved window embeddings", "rows", len(embeddings))
	return nil
}
