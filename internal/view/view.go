// Package view derives the filtered transaction list and its totals for a
// day or month window.
package view

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/period"
)

// CategoryTotal is the sum of one category within a window.
type CategoryTotal struct {
	Type     core.TransactionType
	Category string
	Amount   decimal.Decimal
}

// View is the derived overview of one window. Treat it as read-only: cached
// views share their Transactions slice.
type View struct {
	Window        period.Window
	Transactions  []core.Transaction
	TotalIncome   decimal.Decimal
	TotalExpenses decimal.Decimal
	Balance       decimal.Decimal
	ByCategory    []CategoryTotal
}

// Derive filters list to the window of kind around c and sums it.
func Derive(list []core.Transaction, c period.Cursor, kind period.Kind, loc *time.Location) View {
	return Compute(list, period.Bounds(c, kind, loc))
}

// Compute filters list to w and sums it. The input order is preserved.
func Compute(list []core.Transaction, w period.Window) View {
	v := View{
		Window:        w,
		Transactions:  []core.Transaction{},
		TotalIncome:   decimal.Zero,
		TotalExpenses: decimal.Zero,
	}

	type catKey struct {
		t    core.TransactionType
		name string
	}
	sums := map[catKey]decimal.Decimal{}

	for _, tx := range list {
		if !w.Contains(tx.Date) {
			continue
		}
		v.Transactions = append(v.Transactions, tx)
		switch tx.Type {
		case core.Income:
			v.TotalIncome = v.TotalIncome.Add(tx.Amount)
		case core.Expense:
			v.TotalExpenses = v.TotalExpenses.Add(tx.Amount)
		default:
			continue
		}
		k := catKey{tx.Type, tx.Category}
		sums[k] = sums[k].Add(tx.Amount)
	}
	v.Balance = v.TotalIncome.Sub(v.TotalExpenses)

	v.ByCategory = make([]CategoryTotal, 0, len(sums))
	for k, amount := range sums {
		v.ByCategory = append(v.ByCategory, CategoryTotal{Type: k.t, Category: k.name, Amount: amount})
	}
	sort.Slice(v.ByCategory, func(i, j int) bool {
		a, b := v.ByCategory[i], v.ByCategory[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Category < b.Category
	})

	return v
}

// Sign returns -1, 0 or +1 following the balance.
func (v View) Sign() int {
	return v.Balance.Sign()
}

// IsNonNegative reports whether income covers expenses.
func (v View) IsNonNegative() bool {
	return v.TotalIncome.GreaterThanOrEqual(v.TotalExpenses)
}

// AbsBalance is the magnitude shown next to the sign flag.
func (v View) AbsBalance() decimal.Decimal {
	return v.Balance.Abs()
}
