// Package docstore describes the remote document store the tracker reads
// and writes through, and the shared plumbing its backends use to push live
// snapshots.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ports for outbound adapters.
type (
	// SnapshotFunc receives the full document list of a path after every change.
	SnapshotFunc func(docs []Document)

	// ErrorFunc receives the error that ended a subscription. No snapshot
	// follows it.
	ErrorFunc func(err error)

	Subscription interface {
		// Unsubscribe stops delivery. It is safe to call more than once.
		Unsubscribe()
	}

	Subscriber interface {
		// Subscribe delivers the current list of path and then a new list
		// on every change, until the subscription is cancelled or fails.
		Subscribe(ctx context.Context, path string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
	}

	Inserter interface {
		// Insert stores doc under path and returns the assigned id. The
		// store sets CreatedAt.
		Insert(ctx context.Context, path string, doc Document) (id string, err error)
	}

	Deleter interface {
		// Delete removes id from path. Deleting a missing id succeeds.
		Delete(ctx context.Context, path string, id string) error
	}

	DocumentStore interface {
		Subscriber
		Inserter
		Deleter
	}

	// ChangePublisher tells other processes sharing the same storage that
	// path changed.
	ChangePublisher interface {
		PublishChange(ctx context.Context, path string) error
	}
)

// Timestamp is the store-native time representation.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// Document is a stored transaction as the document store sees it.
type Document struct {
	ID        string
	Type      string
	Amount    string
	Category  string
	Date      Timestamp
	CreatedAt Timestamp
}

var (
	ErrClosed      = errors.New("document store closed")
	ErrInvalidPath = errors.New("invalid document path")
)

// TimestampFromTime converts t to the store-native representation.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time returns the instant in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

func (ts Timestamp) IsZero() bool {
	return ts.Seconds == 0 && ts.Nanos == 0
}

// TransactionsPath is the per-identity collection of transactions.
func TransactionsPath(identity string) string {
	return "users/" + identity + "/transactions"
}

// ValidatePath checks that path is a collection path: an odd number of
// non-empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	parts := strings.Split(path, "/")
	if len(parts)%2 == 0 {
		return fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// CloneDocuments returns a copy of docs that never aliases the input.
func CloneDocuments(docs []Document) []Document {
	return append(make([]Document, 0, len(docs)), docs...)
}
