package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"

	"github.com/google/uuid"
)

// ErrStoreUnavailable is returned when the document store stays unreachable
// after the retry budget is spent
var ErrStoreUnavailable = errors.New("document store unavailable")

// timeLayout keeps a fixed-width fraction so stored timestamps order
// lexicographically, which the expiry query relies on
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// pseudoPrefix tags session ids that were never persisted. A client that
// started availability while the store was down carries one of these, and
// every store-touching operation on it is a no-op.
const pseudoPrefix = "offline-"

// NewPseudoSessionID mints a local-only session id
func NewPseudoSessionID() string {
	return pseudoPrefix + uuid.New().String()
}

// IsPseudoSessionID reports whether id names a local-only session
func IsPseudoSessionID(id string) bool {
	return strings.HasPrefix(id, pseudoPrefix)
}

// SessionRepository handles availability-session CRUD against the document
// store. No business validation happens here.
type SessionRepository struct {
	store docstore.Store
	retry RetryPolicy
	now   func() time.Time
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(store docstore.Store) *SessionRepository {
	return &SessionRepository{
		store: store,
		retry: DefaultRetryPolicy,
		now:   time.Now,
	}
}

// SetRetryPolicy overrides the transient-failure retry policy
func (r *SessionRepository) SetRetryPolicy(p RetryPolicy) {
	r.retry = p
}

// SetClock overrides the repository clock
func (r *SessionRepository) SetClock(now func() time.Time) {
	r.now = now
}

// CreateSession persists a new active session and returns its id
func (r *SessionRepository) CreateSession(ctx context.Context, ownerID, activity string, location models.Coordinates, lifetime time.Duration) (string, error) {
	id := uuid.New().String()
	now := r.now().UTC()

	fields := map[string]any{
		"owner_id":   ownerID,
		"activity":   activity,
		"location":   locationValue(location),
		"created_at": now.Format(timeLayout),
		"expires_at": now.Add(lifetime).Format(timeLayout),
		"active":     true,
	}

	err := r.retry.Do(ctx, func() error {
		return r.store.MergeFields(ctx, CollectionSessions, id, fields)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", ErrStoreUnavailable)
	}
	return id, nil
}

// GetSession retrieves a session. Inactive or expired sessions read as absent.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.AvailabilitySession, error) {
	if IsPseudoSessionID(id) {
		return nil, fmt.Errorf("pseudo session %s: %w", id, docstore.ErrNotFound)
	}

	var doc docstore.Document
	err := r.retry.Do(ctx, func() error {
		var getErr error
		doc, getErr = r.store.Get(ctx, CollectionSessions, id)
		return getErr
	})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get session: %w", ErrStoreUnavailable)
	}

	session, err := docToSession(doc)
	if err != nil {
		return nil, err
	}
	if !session.Active || session.Expired(r.now()) {
		return nil, fmt.Errorf("session %s lapsed: %w", id, docstore.ErrNotFound)
	}
	return session, nil
}

// MarkJoined records the friend who joined a session
func (r *SessionRepository) MarkJoined(ctx context.Context, id, joinedBy string) error {
	if IsPseudoSessionID(id) {
		return nil
	}
	err := r.retry.Do(ctx, func() error {
		return r.store.MergeFields(ctx, CollectionSessions, id, map[string]any{
			"joined_by": joinedBy,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to mark session joined: %w", ErrStoreUnavailable)
	}
	return nil
}

// DeleteSession removes a session. Deleting a non-existent id is not an error.
func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	if IsPseudoSessionID(id) {
		return nil
	}
	err := r.retry.Do(ctx, func() error {
		return r.store.Delete(ctx, CollectionSessions, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", ErrStoreUnavailable)
	}
	return nil
}

// FindActiveSessionsByOwner returns the owner's live sessions
func (r *SessionRepository) FindActiveSessionsByOwner(ctx context.Context, ownerID string) ([]*models.AvailabilitySession, error) {
	docs, err := r.store.Query(ctx, CollectionSessions,
		docstore.Filter{Field: "owner_id", Op: docstore.OpEqual, Value: ownerID},
		docstore.Filter{Field: "active", Op: docstore.OpEqual, Value: true},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find sessions: %w", ErrStoreUnavailable)
	}

	now := r.now()
	var out []*models.AvailabilitySession
	for _, doc := range docs {
		session, err := docToSession(doc)
		if err != nil {
			return nil, err
		}
		if session.Expired(now) {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

// FindExpired returns sessions still marked active whose lifetime window has
// passed. Used by the reaper; every other reader masks these out.
func (r *SessionRepository) FindExpired(ctx context.Context) ([]*models.AvailabilitySession, error) {
	docs, err := r.store.Query(ctx, CollectionSessions,
		docstore.Filter{Field: "active", Op: docstore.OpEqual, Value: true},
		docstore.Filter{Field: "expires_at", Op: docstore.OpLessOrEqual, Value: r.now().UTC().Format(timeLayout)},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired sessions: %w", ErrStoreUnavailable)
	}

	out := make([]*models.AvailabilitySession, 0, len(docs))
	for _, doc := range docs {
		session, err := docToSession(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// docToSession normalizes a session document into the model
func docToSession(doc docstore.Document) (*models.AvailabilitySession, error) {
	var session models.AvailabilitySession
	if err := decodeFields(doc.Fields, &session); err != nil {
		return nil, fmt.Errorf("malformed session %s: %w", doc.ID, err)
	}
	session.ID = doc.ID
	return &session, nil
}
