package http

import (
	"time"

	"fintrack/internal/core"
	"fintrack/internal/period"
	"fintrack/internal/session"
	"fintrack/internal/view"
)

type transactionJSON struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Category  string    `json:"category"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

type cursorJSON struct {
	Year  int    `json:"year"`
	Month int    `json:"month"`
	Day   int    `json:"day"`
	Date  string `json:"date"`
}

type windowJSON struct {
	Kind  string    `json:"kind"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type categoryTotalJSON struct {
	Type     string `json:"type"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
}

type viewJSON struct {
	Identity      string              `json:"identity,omitempty"`
	Loading       bool                `json:"loading"`
	Error         string              `json:"error,omitempty"`
	Cursor        cursorJSON          `json:"cursor"`
	Window        windowJSON          `json:"window"`
	Transactions  []transactionJSON   `json:"transactions"`
	TotalIncome   string              `json:"total_income"`
	TotalExpenses string              `json:"total_expenses"`
	Balance       string              `json:"balance"`
	Sign          int                 `json:"sign"`
	ByCategory    []categoryTotalJSON `json:"by_category"`
}

type categoriesJSON struct {
	Income    []string `json:"income"`
	Expense   []string `json:"expense"`
	Protected []string `json:"protected"`
}

type sessionJSON struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
}

func toTransactionJSON(t core.Transaction) transactionJSON {
	return transactionJSON{
		ID:        t.ID,
		Type:      t.Type.String(),
		Amount:    core.FormatAmount(t.Amount),
		Category:  t.Category,
		Date:      t.Date,
		CreatedAt: t.CreatedAt,
	}
}

func toTransactionsJSON(list []core.Transaction) []transactionJSON {
	out := make([]transactionJSON, 0, len(list))
	for _, t := range list {
		out = append(out, toTransactionJSON(t))
	}
	return out
}

func toCursorJSON(c period.Cursor) cursorJSON {
	return cursorJSON{
		Year:  c.Year,
		Month: int(c.Month),
		Day:   c.Day,
		Date:  c.String(),
	}
}

func toViewJSON(f session.Frame) viewJSON {
	v := f.View
	out := viewJSON{
		Identity:      f.Identity,
		Loading:       f.Loading,
		Cursor:        toCursorJSON(f.Cursor),
		Window:        windowJSON{Kind: v.Window.Kind.String(), Start: v.Window.Start, End: v.Window.End},
		Transactions:  toTransactionsJSON(v.Transactions),
		TotalIncome:   core.FormatAmount(v.TotalIncome),
		TotalExpenses: core.FormatAmount(v.TotalExpenses),
		Balance:       core.FormatAmount(v.Balance),
		Sign:          v.Sign(),
		ByCategory:    toCategoryTotalsJSON(v.ByCategory),
	}
	if f.Err != nil {
		out.Error = f.Err.Error()
	}
	return out
}

func toCategoryTotalsJSON(totals []view.CategoryTotal) []categoryTotalJSON {
	out := make([]categoryTotalJSON, 0, len(totals))
	for _, ct := range totals {
		out = append(out, categoryTotalJSON{
			Type:     ct.Type.String(),
			Category: ct.Category,
			Amount:   core.FormatAmount(ct.Amount),
		})
	}
	return out
}
