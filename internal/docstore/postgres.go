package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const notifyChannel = "docstore_changes"

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection text NOT NULL,
		id         text NOT NULL,
		fields     jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)
`

// Postgres is a Store backed by a single jsonb documents table. Realtime
// subscriptions ride on LISTEN/NOTIFY: every committed change notifies
// collection|id, and a dedicated listener connection re-reads the document
// and fans the change out to its subscribers.
type Postgres struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	subs map[string]map[string]ChangeFunc // collection/id -> subID -> fn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres creates a Postgres-backed document store
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool: pool,
		subs: make(map[string]map[string]ChangeFunc),
	}
}

// Start creates the documents table if needed and starts the listener loop
func (p *Postgres) Start(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.listen(listenCtx)
	return nil
}

// Close stops the listener loop
func (p *Postgres) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Get retrieves one document, or ErrNotFound
func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
		}
		return Document{}, fmt.Errorf("failed to get document: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, fmt.Errorf("failed to decode document fields: %w", err)
	}
	return Document{ID: id, Fields: fields}, nil
}

// MergeFields partially updates the named fields, creating the document if absent
func (p *Postgres) MergeFields(ctx context.Context, collection, id string, fields map[string]any) error {
	resolved, err := p.resolveTimestamps(ctx, fields)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to encode document fields: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, id, fields, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET fields = documents.fields || EXCLUDED.fields, updated_at = now()
	`, collection, id, string(raw))
	if err != nil {
		return fmt.Errorf("failed to merge document fields: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
		notifyChannel, collection+"|"+id); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// Delete removes a document; deleting a non-existent id is not an error
func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if result.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
			notifyChannel, collection+"|"+id); err != nil {
			return fmt.Errorf("failed to notify delete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Query returns all documents of a collection matching every filter.
// Equality uses jsonb containment; less-or-equal compares the text value,
// which is correct for the RFC3339 UTC timestamps this engine stores.
func (p *Postgres) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, fields FROM documents WHERE collection = $1`)
	args := []any{collection}

	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			pair, err := json.Marshal(map[string]any{f.Field: f.Value})
			if err != nil {
				return nil, fmt.Errorf("failed to encode query filter: %w", err)
			}
			args = append(args, string(pair))
			fmt.Fprintf(&sb, ` AND fields @> $%d::jsonb`, len(args))
		case OpLessOrEqual:
			args = append(args, fmt.Sprintf("%v", f.Value))
			fmt.Fprintf(&sb, ` AND fields->>%s <= $%d`, quoteLiteral(f.Field), len(args))
		default:
			return nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode document fields: %w", err)
		}
		out = append(out, Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return out, nil
}

// Subscribe registers fn to run on every change of one document
func (p *Postgres) Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (CancelFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := collection + "/" + id
	if p.subs[key] == nil {
		p.subs[key] = make(map[string]ChangeFunc)
	}
	subID := uuid.New().String()
	p.subs[key][subID] = fn

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs[key], subID)
		})
	}
	return cancel, nil
}

// listen holds one dedicated connection on LISTEN and dispatches changes.
// Notifications for a single document are handled in arrival order.
func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Document listener disconnected, retrying")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("failed to wait for notification: %w", err)
		}
		p.dispatch(ctx, notification.Payload)
	}
}

func (p *Postgres) dispatch(ctx context.Context, payload string) {
	collection, id, ok := strings.Cut(payload, "|")
	if !ok {
		log.Warn().Str("payload", payload).Msg("Malformed change notification")
		return
	}

	p.mu.Lock()
	subs := p.subs[collection+"/"+id]
	fns := make([]ChangeFunc, 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	if len(fns) == 0 {
		return
	}

	doc, err := p.Get(ctx, collection, id)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).
			Str("collection", collection).
			Str("doc_id", id).
			Msg("Failed to re-read changed document")
		return
	}
	doc.ID = id

	for _, fn := range fns {
		fn(doc, exists)
	}
}

// quoteLiteral quotes a jsonb field name for interpolation into a query.
// Field names come from package-internal constants, never from callers.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// resolveTimestamps replaces ServerTimestamp sentinels with the database clock
func (p *Postgres) resolveTimestamps(ctx context.Context, fields map[string]any) (map[string]any, error) {
	needed := false
	for _, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			needed = true
			break
		}
	}
	if !needed {
		return fields, nil
	}

	var now time.Time
	if err := p.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return nil, fmt.Errorf("failed to read server time: %w", err)
	}
	ts := now.UTC().Format(time.RFC3339Nano)

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = ts
			continue
		}
		out[k] = v
	}
	return out, nil
}
