package docstore

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It is the reference semantics for the
// Postgres implementation and the substrate every test runs against.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]any // collection -> id -> fields
	subs map[string]map[string]ChangeFunc     // collection/id -> subID -> fn
	now  func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]map[string]any),
		subs: make(map[string]map[string]ChangeFunc),
		now:  time.Now,
	}
}

// SetClock overrides the store's server clock
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get retrieves one document, or ErrNotFound
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fields, ok := m.data[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return Document{ID: id, Fields: copyFields(fields)}, nil
}

// MergeFields partially updates the named fields, creating the document if absent
func (m *Memory) MergeFields(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()

	if m.data[collection] == nil {
		m.data[collection] = make(map[string]map[string]any)
	}
	doc := m.data[collection][id]
	if doc == nil {
		doc = make(map[string]any)
		m.data[collection][id] = doc
	}

	ts := m.now().UTC().Format(time.RFC3339Nano)
	for k, v := range fields {
		if _, isSentinel := v.(serverTimestamp); isSentinel {
			doc[k] = ts
			continue
		}
		doc[k] = deepCopy(v)
	}

	snapshot := Document{ID: id, Fields: copyFields(doc)}
	fns := m.subscribers(collection, id)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot, true)
	}
	return nil
}

// Delete removes a document; deleting a non-existent id is not an error
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()

	_, existed := m.data[collection][id]
	delete(m.data[collection], id)
	var fns []ChangeFunc
	if existed {
		fns = m.subscribers(collection, id)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(Document{ID: id}, false)
	}
	return nil
}

// Query returns all documents of a collection matching every filter
func (m *Memory) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for id, fields := range m.data[collection] {
		if matchesAll(fields, filters) {
			out = append(out, Document{ID: id, Fields: copyFields(fields)})
		}
	}
	return out, nil
}

// Subscribe registers fn to run on every change of one document
func (m *Memory) Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collection + "/" + id
	if m.subs[key] == nil {
		m.subs[key] = make(map[string]ChangeFunc)
	}
	subID := uuid.New().String()
	m.subs[key][subID] = fn

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[key], subID)
		})
	}
	return cancel, nil
}

// SubscriberCount reports the live subscriptions on one document
func (m *Memory) SubscriberCount(collection, id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[collection+"/"+id])
}

// subscribers snapshots the callbacks for a document; caller holds mu
func (m *Memory) subscribers(collection, id string) []ChangeFunc {
	subs := m.subs[collection+"/"+id]
	fns := make([]ChangeFunc, 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	return fns
}

func matchesAll(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(v, f.Value) {
				return false
			}
		case OpLessOrEqual:
			if !lessOrEqual(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// lessOrEqual compares JSON-native scalars; timestamps compare correctly as
// RFC3339 UTC strings
func lessOrEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av <= bv
	case float64:
		bv, ok := b.(float64)
		return ok && av <= bv
	}
	return false
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyFields(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
