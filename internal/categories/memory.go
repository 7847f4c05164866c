package categories

import (
	"context"
	"sync"

	"fintrack/internal/core"
)

// MemoryRepository keeps category sets in process memory.
type MemoryRepository struct {
	mu   sync.Mutex
	sets map[string]core.CategorySet
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sets: make(map[string]core.CategorySet)}
}

func (r *MemoryRepository) Load(_ context.Context, identity string) (core.CategorySet, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[identity]
	if !ok {
		return core.CategorySet{}, false, nil
	}
	return set.Clone(), true, nil
}

func (r *MemoryRepository) Init(_ context.Context, identity string, set core.CategorySet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[identity]; !ok {
		r.sets[identity] = set.Clone()
	}
	return nil
}

func (r *MemoryRepository) Add(_ context.Context, identity string, t core.TransactionType, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sets[identity]
	if set.Contains(t, label) {
		return nil
	}
	switch t {
	case core.Income:
		set.Income = append(set.Income, label)
	case core.Expense:
		set.Expense = append(set.Expense, label)
	}
	r.sets[identity] = set
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, identity string, t core.TransactionType, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sets[identity]
	if !set.Contains(t, label) {
		return ErrNotFound
	}
	if len(set.Labels(t)) <= 1 {
		return ErrLastCategory
	}
	switch t {
	case core.Income:
		set.Income = without(set.Income, label)
	case core.Expense:
		set.Expense = without(set.Expense, label)
	}
	r.sets[identity] = set
	return nil
}

func without(labels []string, label string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}
