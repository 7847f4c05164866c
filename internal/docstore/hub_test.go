package docstore

import (
	"errors"
	"testing"
	"time"
)

func TestHubPublishAndUnsubscribe(t *testing.T) {
	h := NewHub()
	got := make(chan []Document, 8)
	l, err := h.Add("users/a/transactions", func(d []Document) { got <- d }, nil)
	if err != nil {
		t.Fatal(err)
	}

	h.Publish("users/a/transactions", []Document{{ID: "1"}})
	select {
	case d := <-got:
		if len(d) != 1 || d[0].ID != "1" {
			t.Fatalf("got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	h.Publish("users/b/transactions", []Document{{ID: "x"}})
	l.Unsubscribe()
	l.Unsubscribe()
	h.Publish("users/a/transactions", []Document{{ID: "2"}})

	select {
	case d := <-got:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
	if h.HasSubscribers("users/a/transactions") {
		t.Fatal("listener still registered")
	}
}

func TestHubPushCopiesDocuments(t *testing.T) {
	h := NewHub()
	got := make(chan []Document, 1)
	l, _ := h.Add("p/a/c", func(d []Document) { got <- d }, nil)
	defer l.Unsubscribe()

	src := []Document{{ID: "1"}}
	l.Push(src)
	src[0].ID = "changed"

	select {
	case d := <-got:
		if d[0].ID != "1" {
			t.Fatalf("delivery aliases caller slice: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestHubFailIsTerminal(t *testing.T) {
	h := NewHub()
	errs := make(chan error, 2)
	snaps := make(chan []Document, 2)
	_, _ = h.Add("p/a/c", func(d []Document) { snaps <- d }, func(err error) { errs <- err })

	boom := errors.New("boom")
	h.Fail("p/a/c", boom)
	h.Publish("p/a/c", []Document{{ID: "late"}})

	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
	select {
	case d := <-snaps:
		t.Fatalf("snapshot after failure: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
	if len(h.Paths()) != 0 {
		t.Fatalf("paths = %v", h.Paths())
	}
}

func TestHubClosed(t *testing.T) {
	h := NewHub()
	h.Close()
	if _, err := h.Add("p/a/c", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	in := time.Date(2025, 7, 1, 23, 59, 59, 999_000_000, time.UTC)
	ts := TimestampFromTime(in)
	if !ts.Time().Equal(in) {
		t.Fatalf("Time() = %v, want %v", ts.Time(), in)
	}
	if (Timestamp{}).IsZero() != true || ts.IsZero() {
		t.Fatal("IsZero wrong")
	}
}

func TestValidatePath(t *testing.T) {
	good := []string{TransactionsPath("abc"), "c"}
	for _, p := range good {
		if err := ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v", p, err)
		}
	}
	bad := []string{"", "users/abc", "users//transactions", TransactionsPath("")}
	for _, p := range bad {
		if err := ValidatePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ValidatePath(%q) = %v", p, err)
		}
	}
}
