package categories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

func newService(protected ...string) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewService(repo, NewPolicy(protected), log.Discard()), repo
}

func TestGetSeedsDefaults(t *testing.T) {
	svc, repo := newService("Salary")
	ctx := context.Background()

	set, err := svc.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Income) == 0 || len(set.Expense) == 0 {
		t.Fatalf("expected defaults, got %+v", set)
	}
	if _, found, _ := repo.Load(ctx, "alice"); !found {
		t.Fatal("defaults were not persisted")
	}
	if _, err := svc.Get(ctx, ""); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestAdd(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	if err := svc.Add(ctx, "alice", core.Expense, "  Pets "); err != nil {
		t.Fatal(err)
	}
	set, _ := svc.Get(ctx, "alice")
	if set.Expense[len(set.Expense)-1] != "Pets" {
		t.Fatalf("label not appended in order: %v", set.Expense)
	}
	if set.Contains(core.Income, "Pets") {
		t.Fatal("label leaked into the income set")
	}

	cases := []struct {
		typ   core.TransactionType
		label string
		want  error
	}{
		{core.Expense, "Pets", ErrDuplicate},
		{core.Expense, "   ", ErrEmptyLabel},
		{core.Expense, strings.Repeat("x", MaxLabelLength+1), ErrLabelTooLong},
		{"gift", "x", core.ErrInvalidType},
	}
	for _, tc := range cases {
		if err := svc.Add(ctx, "alice", tc.typ, tc.label); !errors.Is(err, tc.want) {
			t.Errorf("Add(%s, %q) = %v, want %v", tc.typ, tc.label, err, tc.want)
		}
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newService("Salary", "Food")
	ctx := context.Background()

	if err := svc.Delete(ctx, "alice", core.Expense, "Transport"); err != nil {
		t.Fatal(err)
	}
	set, _ := svc.Get(ctx, "alice")
	if set.Contains(core.Expense, "Transport") {
		t.Fatal("Transport still offered")
	}

	if err := svc.Delete(ctx, "alice", core.Expense, "Food"); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected, got %v", err)
	}
	if err := svc.Delete(ctx, "alice", core.Income, "Salary"); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected, got %v", err)
	}
	if err := svc.Delete(ctx, "alice", core.Expense, "Nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteNeverEmptiesASet(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	_ = repo.Init(ctx, "bob", core.CategorySet{Income: []string{"Only"}, Expense: []string{"A", "B"}})

	if err := svc.Delete(ctx, "bob", core.Income, "Only"); !errors.Is(err, ErrLastCategory) {
		t.Fatalf("expected ErrLastCategory, got %v", err)
	}
	if err := svc.Delete(ctx, "bob", core.Expense, "A"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "bob", core.Expense, "B"); !errors.Is(err, ErrLastCategory) {
		t.Fatalf("expected ErrLastCategory, got %v", err)
	}
}

// barrierRepo holds every Load until n of them have arrived, so concurrent
// deletes all pass the service's own checks before any reaches the repository.
type barrierRepo struct {
	*MemoryRepository
	loads sync.WaitGroup
}

func (r *barrierRepo) Load(ctx context.Context, identity string) (core.CategorySet, bool, error) {
	r.loads.Done()
	r.loads.Wait()
	return r.MemoryRepository.Load(ctx, identity)
}

func TestConcurrentDeletesNeverEmptyASet(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRepository()
	_ = inner.Init(ctx, "carol", core.CategorySet{Income: []string{"A", "B"}, Expense: []string{"X"}})
	repo := &barrierRepo{MemoryRepository: inner}
	repo.loads.Add(2)
	svc := NewService(repo, NewPolicy(nil), log.Discard())

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, label := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.Delete(ctx, "carol", core.Income, label)
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if errors.Is(err, ErrLastCategory) {
			failed++
		} else if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	set, _, _ := inner.Load(ctx, "carol")
	if failed != 1 || len(set.Income) != 1 {
		t.Fatalf("errs=%v income=%v, want exactly one delete refused", errs, set.Income)
	}
}

func TestMemoryRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_ = repo.Init(ctx, "dave", core.CategorySet{Income: []string{"A", "B"}, Expense: []string{"X"}})

	if err := repo.Delete(ctx, "dave", core.Income, "Z"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing label: %v", err)
	}
	if err := repo.Delete(ctx, "dave", core.Expense, "X"); !errors.Is(err, ErrLastCategory) {
		t.Fatalf("last label: %v", err)
	}
	if err := repo.Delete(ctx, "dave", core.Income, "A"); err != nil {
		t.Fatal(err)
	}
}

func TestPolicy(t *testing.T) {
	p := NewPolicy([]string{" Salary", "Food", "Salary", ""})
	if !p.IsProtected("Salary ") || !p.IsProtected("Food") || p.IsProtected("Other") {
		t.Fatalf("unexpected protection: %v", p.Labels())
	}
	if got := p.Labels(); len(got) != 2 || got[0] != "Salary" || got[1] != "Food" {
		t.Fatalf("Labels() = %v", got)
	}
	if len(DefaultPolicy().Labels()) != len(DefaultProtected) {
		t.Fatal("default policy must mirror DefaultProtected")
	}
	if len(NewPolicy(nil).Labels()) != 0 {
		t.Fatal("empty policy must protect nothing")
	}
}
