package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/auth"
	"fintrack/internal/categories"
	"fintrack/internal/core"
	"fintrack/internal/docstore/memory"
	"fintrack/internal/log"
	"fintrack/internal/period"
	"fintrack/internal/store"
)

func newTestSession(t *testing.T) (*Session, *memory.Store) {
	t.Helper()
	docs := memory.New()
	cats := categories.NewService(categories.NewMemoryRepository(), categories.DefaultPolicy(), log.Discard())
	s := New("test", docs, cats, Config{Location: time.UTC, ViewCacheSize: 8}, log.Discard())
	t.Cleanup(func() {
		s.Close()
		docs.Close()
	})
	return s, docs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func entry(typ core.TransactionType, amount int64, category string, date time.Time) core.Entry {
	return core.Entry{Type: typ, Amount: decimal.NewFromInt(amount), Category: category, Date: date}
}

func TestSignedOutSessionRefusesWrites(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.AddTransaction(ctx, entry(core.Income, 10, "Salary", time.Now())); !errors.Is(err, store.ErrNotSignedIn) {
		t.Fatalf("AddTransaction err = %v", err)
	}
	if err := s.DeleteTransaction(ctx, "x"); !errors.Is(err, store.ErrNotSignedIn) {
		t.Fatalf("DeleteTransaction err = %v", err)
	}
	if _, err := s.Categories(ctx); !errors.Is(err, store.ErrNotSignedIn) {
		t.Fatalf("Categories err = %v", err)
	}
	v := s.View(period.MonthWindow)
	if len(v.Transactions) != 0 || !v.Balance.IsZero() {
		t.Fatalf("expected empty view, got %+v", v)
	}
}

func TestAddTransactionFlowsIntoView(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	s.SetCursor(2024, time.March, 15)
	s.SignIn(auth.Identity{ID: "alice"})

	day := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	if _, err := s.AddTransaction(ctx, entry(core.Income, 1000, "Salary", day)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddTransaction(ctx, entry(core.Expense, 250, "Food", day.AddDate(0, 0, 2))); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "two transactions", func() bool { return len(s.Store().Transactions()) == 2 })

	month := s.View(period.MonthWindow)
	if !month.TotalIncome.Equal(decimal.NewFromInt(1000)) || !month.TotalExpenses.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("month totals = %s / %s", month.TotalIncome, month.TotalExpenses)
	}
	if !month.Balance.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("month balance = %s", month.Balance)
	}

	dayView := s.View(period.DayWindow)
	if len(dayView.Transactions) != 1 || !dayView.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("day view = %+v", dayView)
	}

	s.StepDay(2)
	dayView = s.View(period.DayWindow)
	if !dayView.Balance.Equal(decimal.NewFromInt(-250)) {
		t.Fatalf("day balance after step = %s", dayView.Balance)
	}
}

func TestAddTransactionValidates(t *testing.T) {
	s, docs := newTestSession(t)
	ctx := context.Background()
	s.SignIn(auth.Identity{ID: "alice"})

	cases := []struct {
		name string
		e    core.Entry
		want error
	}{
		{"zero amount", entry(core.Expense, 0, "Food", time.Now()), core.ErrInvalidAmount},
		{"unknown category", entry(core.Expense, 5, "Yachts", time.Now()), core.ErrUnknownCategory},
		{"income label on expense", entry(core.Expense, 5, "Salary", time.Now()), core.ErrUnknownCategory},
		{"missing date", entry(core.Income, 5, "Salary", time.Time{}), core.ErrMissingDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.AddTransaction(ctx, tc.e); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if n := docs.Len("users/alice/transactions"); n != 0 {
		t.Fatalf("rejected entries reached the store: %d", n)
	}
}

func TestAddTransactionTrimsCategory(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	s.SetCursor(2024, time.March, 15)
	s.SignIn(auth.Identity{ID: "alice"})

	day := time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)
	if _, err := s.AddTransaction(ctx, entry(core.Expense, 4, " Food ", day)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transaction in view", func() bool {
		return len(s.View(period.DayWindow).Transactions) == 1
	})
	if got := s.View(period.DayWindow).Transactions[0].Category; got != "Food" {
		t.Fatalf("category = %q, want Food", got)
	}
}

func TestIdentitySwitchReplacesList(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.SignIn(auth.Identity{ID: "alice"})
	if _, err := s.AddTransaction(ctx, entry(core.Income, 10, "Salary", now)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice's transaction", func() bool { return len(s.Store().Transactions()) == 1 })

	s.SignIn(auth.Identity{ID: "bob"})
	if got := s.Identity(); got != "bob" {
		t.Fatalf("Identity() = %q", got)
	}
	if n := len(s.Store().Transactions()); n != 0 {
		t.Fatalf("bob sees %d transactions from alice", n)
	}
	waitFor(t, "bob's feed to load", func() bool { return !s.Store().Loading() })
	if n := len(s.Store().Transactions()); n != 0 {
		t.Fatalf("bob has %d transactions", n)
	}

	s.SignOut()
	if s.Identity() != "" || s.Store().Identity() != "" {
		t.Fatal("expected signed out state")
	}
}

func TestCategoryOperations(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	s.SignIn(auth.Identity{ID: "alice"})

	if err := s.AddCategory(ctx, core.Expense, "Travel"); err != nil {
		t.Fatal(err)
	}
	set, err := s.Categories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !set.Contains(core.Expense, "Travel") {
		t.Fatalf("Travel missing from %v", set.Expense)
	}
	if _, err := s.AddTransaction(ctx, entry(core.Expense, 80, "Travel", time.Now())); err != nil {
		t.Fatalf("new category should be usable: %v", err)
	}
	if err := s.DeleteCategory(ctx, core.Expense, "Food"); !errors.Is(err, categories.ErrProtected) {
		t.Fatalf("DeleteCategory(Food) = %v", err)
	}
	if err := s.DeleteCategory(ctx, core.Expense, "Travel"); err != nil {
		t.Fatal(err)
	}
}

func TestChangesSignalCursorAndStore(t *testing.T) {
	s, _ := newTestSession(t)
	ch, cancel := s.Changes()
	defer cancel()

	s.StepMonth(1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal after cursor move")
	}
	if s.Cursor().Day != 1 {
		t.Fatalf("StepMonth must reset the day, got %d", s.Cursor().Day)
	}

	s.SignIn(auth.Identity{ID: "alice"})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal after sign in")
	}
}

func TestCloseClosesChanges(t *testing.T) {
	s, _ := newTestSession(t)
	ch, cancel := s.Changes()
	s.SignIn(auth.Identity{ID: "alice"})

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	cancel()
	for range ch {
	}
	if s.Store().Identity() != "" {
		t.Fatal("store still subscribed after Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestFrameReportsStatus(t *testing.T) {
	s, _ := newTestSession(t)
	s.SetCursor(2024, time.February, 29)
	s.SignIn(auth.Identity{ID: "alice"})
	waitFor(t, "feed to load", func() bool { return !s.Store().Loading() })

	f := s.Frame(period.MonthWindow)
	if f.Identity != "alice" || f.Loading || f.Err != nil {
		t.Fatalf("frame = %+v", f)
	}
	if f.Cursor != (period.Cursor{Year: 2024, Month: time.February, Day: 29}) {
		t.Fatalf("cursor = %v", f.Cursor)
	}
	if f.View.Window.Kind != period.MonthWindow {
		t.Fatalf("window = %v", f.View.Window.Kind)
	}
}
