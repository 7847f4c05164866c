package core

import "strings"

// CategorySet holds the ordered income and expense labels offered to a user.
type CategorySet struct {
	Income  []string
	Expense []string
}

// DefaultCategorySet returns the labels every user starts with.
func DefaultCategorySet() CategorySet {
	return CategorySet{
		Income:  []string{"Salary", "Freelance", "Investments", "Gifts", "Other"},
		Expense: []string{"Food", "Transport", "Housing", "Utilities", "Health", "Entertainment", "Shopping", "Other"},
	}
}

// Labels returns the labels for t. The slice is shared; use Clone to modify.
func (c CategorySet) Labels(t TransactionType) []string {
	switch t {
	case Income:
		return c.Income
	case Expense:
		return c.Expense
	default:
		return nil
	}
}

// Contains reports whether label is offered for t. Matching is exact after
// trimming surrounding whitespace.
func (c CategorySet) Contains(t TransactionType, label string) bool {
	label = strings.TrimSpace(label)
	for _, l := range c.Labels(t) {
		if l == label {
			return true
		}
	}
	return false
}

func (c CategorySet) Clone() CategorySet {
	return CategorySet{
		Income:  append([]string(nil), c.Income...),
		Expense: append([]string(nil), c.Expense...),
	}
}

// DedupeLabels trims labels, drops blanks and duplicates, and keeps the
// first occurrence order.
func DedupeLabels(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
