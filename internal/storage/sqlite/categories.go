package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"fintrack/internal/categories"
	"fintrack/internal/core"
)

// CategoryRepository implements categories.Repository on SQLite.
type CategoryRepository struct {
	db *sql.DB
}

func (r *CategoryRepository) Load(ctx context.Context, identity string) (core.CategorySet, bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM category_sets WHERE identity = ?`, identity).Scan(&exists)
	if err != nil {
		return core.CategorySet{}, false, fmt.Errorf("check category set: %w", err)
	}
	if exists == 0 {
		return core.CategorySet{}, false, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT type, label FROM categories
		WHERE identity = ?
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO category_sets (identity) VALUES (?)`, identity)
	if err != nil {
		return fmt.Errorf("insert category set: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, t := range []core.TransactionType{core.Income, core.Expense} {
		for i, label := range set.Labels(t) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO categories (identity, type, label, position) VALUES (?, ?, ?, ?)`,
				identity, t.String(), label, i); err != nil {
				return fmt.Errorf("insert category %q: %w", label, err)
			}
		}
	}
	return tx.Commit()
}

func (r *CategoryRepository) Add(ctx context.Context, identity string, t core.TransactionType, label string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO categories (identity, type, label, position)
		SELECT ?, ?, ?, COALESCE(MAX(position) + 1, 0)
		FROM categories WHERE identity = ? AND type = ?`,
		identity, t.String(), label, identity, t.String())
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

// Delete removes label unless it is the last of its type. Transactions begin
// IMMEDIATE, so concurrent deletes run one after another.
func (r *CategoryRepository) Delete(ctx context.Context, identity string, t core.TransactionType, label string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete category: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM categories
		WHERE identity = ? AND type = ? AND label = ?
			AND (SELECT COUNT(*) FROM categories WHERE identity = ? AND type = ?) > 1`,
		identity, t.String(), label, identity, t.String())
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM categories WHERE identity = ? AND type = ? AND label = ?`,
			identity, t.String(), label).Scan(&exists); err != nil {
			return fmt.Errorf("check category: %w", err)
		}
		if exists == 0 {
			return categories.ErrNotFound
		}
		return categories.ErrLastCategory
	}
	return tx.Commit()
}
