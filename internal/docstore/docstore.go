// Package docstore is the boundary to the document store the coordination
// engine runs on. The engine only relies on these primitives: read a
// document, merge named fields atomically, delete, query, subscribe to a
// single document's changes, and a server-assigned timestamp.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested document does not exist
	ErrNotFound = errors.New("document not found")
)

// Document is a stored document: an id plus a flat map of JSON-native fields
// (string, float64, bool, nil, []any, map[string]any)
type Document struct {
	ID     string
	Fields map[string]any
}

// serverTimestamp is the sentinel type for server-assigned write times
type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value. Stores replace it with their own
// clock at write time, so distinct writes stay distinguishable under client
// clock skew.
var ServerTimestamp = serverTimestamp{}

// FilterOp is a query comparison operator
type FilterOp string

const (
	OpEqual       FilterOp = "=="
	OpLessOrEqual FilterOp = "<="
)

// Filter restricts a Query to documents whose named field matches the value
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// ChangeFunc receives a document's new contents on every change.
// exists is false when the change was a deletion.
type ChangeFunc func(doc Document, exists bool)

// CancelFunc releases a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the document-store contract
type Store interface {
	// Get retrieves one document, or ErrNotFound
	Get(ctx context.Context, collection, id string) (Document, error)

	// MergeFields partially updates the named fields only, creating the
	// document if it does not exist
	MergeFields(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document; deleting a non-existent id is not an error
	Delete(ctx context.Context, collection, id string) error

	// Query returns all documents of a collection matching every filter
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)

	// Subscribe registers fn to run on every change of one document.
	// Subscriptions on the same document are independent of each other.
	Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (CancelFunc, error)
}
