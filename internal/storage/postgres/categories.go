package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fintrack/internal/categories"
	"fintrack/internal/core"
)

// CategoryRepository implements categories.Repository on PostgreSQL.
type CategoryRepository struct {
	pool *pgxpool.Pool
}

func (r *CategoryRepository) Load(ctx context.Context, identity string) (core.CategorySet, bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM category_sets WHERE identity = $1)`, identity).Scan(&exists); err != nil {
		return core.CategorySet{}, false, fmt.Errorf("check category set: %w", err)
	}
	if !exists {
		return core.CategorySet{}, false, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT type, label FROM categories
		WHERE identity = $1
		ORDER BY type, position`, identity)
	if err != nil {
		return core.CategorySet{}, false, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var set core.CategorySet
	for rows.Next() {
		var typ, label string
		if err := rows.Scan(&typ, &label); err != nil {
			return core.CategorySet{}, false, fmt.Errorf("scan category: %w", err)
		}
		switch core.TransactionType(typ) {
		case core.Income:
			set.Income = append(set.Income, label)
		case core.Expense:
			set.Expense = append(set.Expense, label)
		}
	}
	if err := rows.Err(); err != nil {
		return core.CategorySet{}, false, fmt.Errorf("iterate categories: %w", err)
	}
	return set, true, nil
}

// Init stores set for identity unless the identity already has one.
func (r *CategoryRepository) Init(ctx context.Context, identity string, set core.CategorySet) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO category_sets (identity) VALUES ($1) ON CONFLICT DO NOTHING`, identity)
		if err != nil {
			return fmt.Errorf("insert category set: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, t := range []core.TransactionType{core.Income, core.Expense} {
			for i, label := range set.Labels(t) {
				batch.Queue(`INSERT INTO categories (identity, type, label, position) VALUES ($1, $2, $3, $4)`,
					identity, t.String(), label, i)
			}
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert categories: %w", err)
		}
		return nil
	})
}

func (r *CategoryRepository) Add(ctx context.Context, identity string, t core.TransactionType, label string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO categories (identity, type, label, position)
		SELECT $1, $2, $3, COALESCE(MAX(position) + 1, 0)
		FROM categories WHERE identity = $1 AND type = $2
		ON CONFLICT DO NOTHING`,
		identity, t.String(), label)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

// Delete removes label unless it is the last of its type. The set row is
// locked so concurrent deletes for one identity run one after another.
func (r *CategoryRepository) Delete(ctx context.Context, identity string, t core.TransactionType, label string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var locked int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM category_sets WHERE identity = $1 FOR UPDATE`, identity).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return categories.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock category set: %w", err)
		}

		var count int
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(BOOL_OR(label = $3), false)
			FROM categories WHERE identity = $1 AND type = $2`,
			identity, t.String(), label).Scan(&count, &exists); err != nil {
			return fmt.Errorf("count categories: %w", err)
		}
		if !exists {
			return categories.ErrNotFound
		}
		if count <= 1 {
			return categories.ErrLastCategory
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM categories WHERE identity = $1 AND type = $2 AND label = $3`,
			identity, t.String(), label); err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		return nil
	})
}
