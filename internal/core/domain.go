package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

type (
	TransactionType string

	// Transaction is a persisted income or expense entry. ID and CreatedAt
	// are assigned by the document store.
	Transaction struct {
		ID        string
		Type      TransactionType
		Amount    decimal.Decimal
		Category  string
		Date      time.Time
		CreatedAt time.Time
	}

	// Entry is a transaction as submitted by the user, before the store
	// assigns an identifier.
	Entry struct {
		Type     TransactionType
		Amount   decimal.Decimal
		Category string
		Date     time.Time
	}
)

var (
	ErrInvalidType     = errors.New("invalid transaction type")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrEmptyCategory   = errors.New("empty category")
	ErrUnknownCategory = errors.New("unknown category")
	ErrMissingDate     = errors.New("missing date")
)

// ParseTransactionType accepts "income" or "expense" in any case.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

func (t TransactionType) String() string {
	return string(t)
}

// Normalize returns e with surrounding whitespace removed from Category, the
// form in which entries are validated and stored.
func (e Entry) Normalize() Entry {
	e.Category = strings.TrimSpace(e.Category)
	return e
}

// Validate checks the entry before it is sent anywhere. The category must be
// one of the labels currently offered for the entry's type.
func (e Entry) Validate(categories CategorySet) error {
	if !e.Type.Valid() {
		return ErrInvalidType
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	if !categories.Contains(e.Type, e.Category) {
		return fmt.Errorf("%w: %s %q", ErrUnknownCategory, e.Type, e.Category)
	}
	if e.Date.IsZero() {
		return ErrMissingDate
	}
	return nil
}

// Signed returns the amount with expenses negated.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == Expense {
		return t.Amount.Neg()
	}
	return t.Amount
}
