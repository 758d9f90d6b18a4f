package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"graphmem/internal/types"
)

// FindOrCreateEntity returns the entity with the slug derived from
// (entityType, name), creating it when absent. On a lost insert race the
// lookup is retried once; the unique slug constraint guarantees the row
// exists by then.
func FindOrCreateEntity(ctx context.Context, q Querier, entityType types.EntityType, name string) (*types.Entity, error) {
	slug := types.Slug(entityType, name)

	e, err := EntityBySlug(ctx, q, slug)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := q.ExecContext(ctx,
		"INSERT INTO entities (type, name, slug) VALUES (?, ?, ?)",
		string(entityType), name, slug)
	if err != nil {
		if errors.Is(translate(err), ErrConstraint) {
			return EntityBySlug(ctx, q, slug)
		}
		return nil, translate(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return EntityByID(ctx, q, id)
}

// EntityBySlug loads one entity by its unique slug.
func EntityBySlug(ctx context.Context, q Querier, slug string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, type, name, slug, created_at FROM entities WHERE slug = ?", slug)
	return scanEntity(row)
}

// EntityByID loads one entity.
func EntityByID(ctx context.Context, q Querier, id int64) (*types.Entity, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, type, name, slug, created_at FROM entities WHERE id = ?", id)
	return scanEntity(row)
}

func scanEntity(row *sql.Row) (*types.Entity, error) {
	var e types.Entity
	var typ string
	if err := row.Scan(&e.ID, &typ, &e.Name, &e.Slug, &e.CreatedAt); err != nil {
		return nil, translate(err)
	}
	e.Type = types.EntityType(typ)
	return &e, nil
}

// EntitiesByIDs loads a batch of entities keyed by id.
func EntitiesByIDs(ctx context.Context, q Querier, ids []int64) (map[int64]*types.Entity, error) {
	out := make(map[int64]*types.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(
		"SELECT id, type, name, slug, created_at FROM entities WHERE id IN (%s)",
		placeholders(len(ids)))
	rows, err := q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.Entity
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Name, &e.Slug, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = types.EntityType(typ)
		out[e.ID] = &e
	}
	return out, rows.Err()
}

// AddAlias records an alternate surface form for an entity. Duplicate
// aliases are ignored.
func AddAlias(ctx context.Context, q Querier, alias types.EntityAlias) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO entity_aliases (entity_id, alias, source, confidence)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_id, alias) DO NOTHING`,
		alias.EntityID, alias.Alias, alias.Source, alias.Confidence)
	return translate(err)
}

// AliasesFor returns the aliases of an entity.
func (s *Store) AliasesFor(ctx context.Context, entityID int64) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id, alias, source, confidence FROM entity_aliases WHERE entity_id = ? ORDER BY alias",
		entityID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []types.EntityAlias
	for rows.Next() {
		var a types.EntityAlias
		if err := rows.Scan(&a.EntityID, &a.Alias, &a.Source, &a.Confidence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EntityByName finds an entity by surface name regardless of type, oldest
// first. The resolver uses it to reattach facts to an entity whose type was
// only declared in an earlier extraction.
func EntityByName(ctx context.Context, q Querier, name string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, type, name, slug, created_at FROM entities
		 WHERE LOWER(name) = LOWER(?) ORDER BY id LIMIT 1`,
		strings.TrimSpace(name))
	return scanEntity(row)
}

// ResolveEntity looks an entity up by slug first, then by alias. Used by
// recall's entity-anchored queries.
func (s *Store) ResolveEntity(ctx context.Context, entityType types.EntityType, name string) (*types.Entity, error) {
	e, err := EntityBySlug(ctx, s.db, types.Slug(entityType, name))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT e.id, e.type, e.name, e.slug, e.created_at
		 FROM entities e
		 JOIN entity_aliases a ON a.entity_id = e.id
		 WHERE e.type = ? AND LOWER(a.alias) = LOWER(?)
		 ORDER BY a.confidence DESC LIMIT 1`,
		string(entityType), strings.TrimSpace(name))
	return scanEntity(row)
}

// placeholders returns "?, ?, ..." with n markers for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
