package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"
	"imfree-backend/internal/repository"
)

// hookStore wraps a store to record or fail writes during a test
type hookStore struct {
	docstore.Store
	mu        sync.Mutex
	merged    []string // collection/id of every MergeFields call
	failMerge func(collection, id string) bool
}

func (s *hookStore) MergeFields(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	s.merged = append(s.merged, collection+"/"+id)
	fail := s.failMerge != nil && s.failMerge(collection, id)
	s.mu.Unlock()
	if fail {
		return errors.New("write refused")
	}
	return s.Store.MergeFields(ctx, collection, id, fields)
}

func (s *hookStore) mergeTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.merged...)
}

func (s *hookStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = nil
}

type env struct {
	memory       *docstore.Memory
	store        *hookStore
	sessions     *repository.SessionRepository
	profiles     *repository.ProfileRepository
	sharing      *SharingService
	coordination *CoordinationService
	watcher      *PresenceWatcher
	reaper       *Reaper

	mu  sync.Mutex
	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		memory: docstore.NewMemory(),
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.store = &hookStore{Store: e.memory}

	clock := func() time.Time {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.now
	}
	e.memory.SetClock(clock)

	e.sessions = repository.NewSessionRepository(e.store)
	e.sessions.SetClock(clock)
	e.sessions.SetRetryPolicy(repository.RetryPolicy{Attempts: 2, Backoff: time.Millisecond})
	e.profiles = repository.NewProfileRepository(e.store)
	e.sharing = NewSharingService(e.profiles, e.sessions)
	e.coordination = NewCoordinationService(e.sessions, e.profiles, e.sharing, nil, 45*time.Minute)
	e.coordination.SetClock(clock)
	e.watcher = NewPresenceWatcher(e.store, e.profiles, e.sessions, nil)
	e.watcher.SetClock(clock)
	e.reaper = NewReaper(e.sessions, e.profiles, e.sharing, time.Minute)
	return e
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *env) seedUser(t *testing.T, userID, name string, friends ...string) {
	t.Helper()
	fields := map[string]any{
		"name":            name,
		"is_available":    false,
		"location_shared": false,
	}
	if len(friends) > 0 {
		list := make([]any, len(friends))
		for i, f := range friends {
			list[i] = f
		}
		fields["friends"] = list
	}
	if err := e.memory.MergeFields(context.Background(), repository.CollectionUsers, userID, fields); err != nil {
		t.Fatal(err)
	}
}

func (e *env) setFriends(t *testing.T, userID string, friends ...string) {
	t.Helper()
	list := make([]any, len(friends))
	for i, f := range friends {
		list[i] = f
	}
	if err := e.memory.MergeFields(context.Background(), repository.CollectionUsers, userID, map[string]any{"friends": list}); err != nil {
		t.Fatal(err)
	}
}

func (e *env) profile(t *testing.T, userID string) *models.PresenceProfile {
	t.Helper()
	p, err := e.profiles.GetProfile(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to load profile %s: %v", userID, err)
	}
	return p
}

func (e *env) start(t *testing.T, userID, activity string, loc models.Coordinates) string {
	t.Helper()
	id, err := e.coordination.StartAvailability(context.Background(), userID, activity, loc)
	if err != nil {
		t.Fatalf("failed to start availability for %s: %v", userID, err)
	}
	return id
}

var (
	paris  = models.Coordinates{Lat: 48.85, Lng: 2.35}
	berlin = models.Coordinates{Lat: 52.52, Lng: 13.4}
)
