package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gamegate/internal/action"
)

// ResourceRepository implements action.Store on the resources table.
type ResourceRepository struct {
	db *pgxpool.Pool
}

var _ action.Store = (*ResourceRepository)(nil)

// NewResourceRepository creates a ResourceRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewResourceRepository(db *pgxpool.Pool) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Load implements action.Store.
//
// Postcondition: Returns the resource or an error wrapping action.ErrResourceNotFound.
func (r *ResourceRepository) Load(ctx context.Context, id string) (action.Resource, error) {
	var (
		res   action.Resource
		state []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, kind, version, state, updated_at FROM resources WHERE id = $1`,
		id,
	).Scan(&res.ID, &res.Kind, &res.Version, &state, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return action.Resource{}, fmt.Errorf("%w: %s", action.ErrResourceNotFound, id)
	}
	if err != nil {
		return action.Resource{}, fmt.Errorf("loading resource %s: %w", id, err)
	}
	res.State = state
	return res, nil
}

// Save implements action.Store with a compare-and-set on version inside a
// transaction.
//
// Precondition: res.Version must be expected + 1.
// Postcondition: The row holds res, or nothing changed and the error wraps
// action.ErrVersionConflict or action.ErrResourceNotFound.
func (r *ResourceRepository) Save(ctx context.Context, res action.Resource, expected int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE resources
		 SET version = $2, state = $3::jsonb, updated_at = $4, kind = $5
		 WHERE id = $1 AND version = $6`,
		res.ID, res.Version, string(res.State), res.UpdatedAt, res.Kind, expected,
	)
	if err != nil {
		return fmt.Errorf("saving resource %s: %w", res.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM resources WHERE id = $1`, res.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", action.ErrResourceNotFound, res.ID)
		}
		if err != nil {
			return fmt.Errorf("checking resource %s version: %w", res.ID, err)
		}
		return fmt.Errorf("%w: %s at %d, expected %d", action.ErrVersionConflict, res.ID, current, expected)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing resource %s: %w", res.ID, err)
	}
	return nil
}

// Seed inserts resources that do not exist yet. Existing rows are untouched.
//
// Postcondition: Returns the number of rows inserted.
func (r *ResourceRepository) Seed(ctx context.Context, resources []action.Resource) (int, error) {
	var inserted int
	for _, res := range resources {
		version := res.Version
		if version <= 0 {
			version = 1
		}
		state := string(res.State)
		if state == "" {
			state = "{}"
		}
		tag, err := r.db.Exec(ctx,
			`INSERT INTO resources (id, kind, version, state)
			 VALUES ($1, $2, $3, $4::jsonb)
			 ON CONFLICT (id) DO NOTHING`,
			res.ID, res.Kind, version, state,
		)
		if err != nil {
			return inserted, fmt.Errorf("seeding resource %s: %w", res.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
