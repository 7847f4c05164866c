package store

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/docstore"
)

// toDocument converts an entry to its stored form. Dates cross the boundary
// as store-native timestamps.
func toDocument(e core.Entry) docstore.Document {
	return docstore.Document{
		Type:     e.Type.String(),
		Amount:   e.Amount.String(),
		Category: e.Category,
		Date:     docstore.TimestampFromTime(e.Date),
	}
}

func fromDocument(d docstore.Document) (core.Transaction, error) {
	t, err := core.ParseTransactionType(d.Type)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("document %s: %w", d.ID, err)
	}
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("document %s: amount %q: %w", d.ID, d.Amount, err)
	}
	tx := core.Transaction{
		ID:       d.ID,
		Type:     t,
		Amount:   amount,
		Category: d.Category,
		Date:     d.Date.Time(),
	}
	if !d.CreatedAt.IsZero() {
		tx.CreatedAt = d.CreatedAt.Time()
	}
	return tx, nil
}
