package pgx

import (
	"context"
	"fmt"

	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/store"
	pgxv5 "github.com/jackc/pgx/v5"
)

// Structural aggregates are pushed into the database instead of being
// derived from a projection: they only need joins over active edges, and
// keeping them in SQL avoids shipping the owner lists into memory.

const kinshipRatioSQL = `
WITH owners AS (
	SELECT r.target_id AS entity_id, r.source_id AS owner_id
	FROM relationships r
	WHERE r.rel_type = 'ownership'
	  AND r.valid_from < $2
	  AND COALESCE(r.valid_to, 9223372036854775807) > $1
),
kin AS (
	SELECT DISTINCT o1.entity_id, o1.owner_id
	FROM owners o1
	JOIN owners o2
	  ON o2.entity_id = o1.entity_id
	 AND o2.owner_id <> o1.owner_id
	JOIN relationships f
	  ON f.rel_type = 'family'
	 AND ((f.source_id = o1.owner_id AND f.target_id = o2.owner_id)
	   OR (f.source_id = o2.owner_id AND f.target_id = o1.owner_id))
	 AND f.valid_from < $2
	 AND COALESCE(f.valid_to, 9223372036854775807) > $1
	 AND ($3 OR COALESCE(f.provenance, '') <> 'imputed')
)
SELECT e.stable_id,
       COALESCE(k.cnt, 0)::float8 / o.cnt AS value,
       o.cnt AS input_count
FROM (
	SELECT entity_id, COUNT(DISTINCT owner_id) AS cnt
	FROM owners
	GROUP BY entity_id
) o
LEFT JOIN (
	SELECT entity_id, COUNT(*) AS cnt
	FROM kin
	GROUP BY entity_id
) k ON k.entity_id = o.entity_id
JOIN entities e ON e.id = o.entity_id
ORDER BY e.stable_id`

const stateOwnershipShareSQL = `
SELECT e.stable_id,
       SUM(r.weight)::float8 AS value,
       COUNT(*) AS input_count
FROM relationships r
JOIN entities e ON e.id = r.target_id
JOIN entities s ON s.id = r.source_id
WHERE r.rel_type = 'ownership'
  AND 'state_body' = ANY(s.types)
  AND r.valid_from < $2
  AND COALESCE(r.valid_to, 9223372036854775807) > $1
GROUP BY e.stable_id
ORDER BY e.stable_id`

// KinshipRatios returns, per owned entity active in the window, the share
// of its direct owners that have an active family tie to another direct
// owner of the same entity. Imputed family ties only count when opted in.
func (s *GraphDBStore) KinshipRatios(ctx context.Context, w graph.Window, includeImputedFamily bool) ([]store.Aggregate, error) {
	rows, err := s.conn.Query(ctx, kinshipRatioSQL, w.Start, w.End, includeImputedFamily)
	if err != nil {
		return nil, fmt.Errorf("failed to query kinship ratios for window %s: %w", w.ID, err)
	}
	return scanAggregates(rows, "kinship ratio")
}

// StateOwnershipShares returns, per owned entity active in the window, the
// summed ownership weight held by state bodies.
func (s *GraphDBStore) StateOwnershipShares(ctx context.Context, w graph.Window) ([]store.Aggregate, error) {
	rows, err := s.conn.Query(ctx, stateOwnershipShareSQL, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query state ownership shares for window %s: %w", w.ID, err)
	}
	return scanAggregates(rows, "state ownership share")
}

func scanAggregates(rows pgxv5.Rows, what string) ([]store.Aggregate, error) {
	defer rows.Close()

	var aggregates []store.Aggregate
	for rows.Next() {
		var a store.Aggregate
		if err := rows.Scan(&a.StableID, &a.Value, &a.InputCount); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", what, err)
		}
		aggregates = append(aggregates, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", what, err)
	}
	return aggregates, nil
}
