package services

import (
	"context"
	"testing"
	"time"

	"imfree-backend/internal/models"
	"imfree-backend/internal/repository"
)

func watchUser(t *testing.T, e *env, userID string) (*WatchHandle, chan []models.FriendAvailability) {
	t.Helper()
	updates := make(chan []models.FriendAvailability, 64)
	handle, err := e.watcher.Watch(context.Background(), userID, func(friends []models.FriendAvailability) {
		updates <- friends
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(handle.Cancel)
	return handle, updates
}

// waitFor drains updates until one satisfies the predicate
func waitFor(t *testing.T, updates chan []models.FriendAvailability, what string, ok func([]models.FriendAvailability) bool) []models.FriendAvailability {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case friends := <-updates:
			if ok(friends) {
				return friends
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestWatch_AggregatesBroadcastingFriends(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice", "bob", "carol")
	e.seedUser(t, "bob", "Bob")
	e.seedUser(t, "carol", "Carol")

	_, updates := watchUser(t, e, "alice")
	waitFor(t, updates, "initial empty snapshot", func(f []models.FriendAvailability) bool {
		return len(f) == 0
	})

	e.start(t, "bob", "coffee", berlin)

	snapshot := waitFor(t, updates, "bob to appear", func(f []models.FriendAvailability) bool {
		return len(f) == 1
	})
	bob := snapshot[0]
	if bob.FriendID != "bob" || bob.Name != "Bob" || bob.Activity != "coffee" {
		t.Errorf("unexpected entry %+v", bob)
	}
	if bob.Location != berlin {
		t.Errorf("expected bob at %v, got %v", berlin, bob.Location)
	}
	if bob.MinutesRemaining != 45 {
		t.Errorf("expected 45 minutes remaining, got %d", bob.MinutesRemaining)
	}
}

func TestWatch_ExpiredFriendDisappears(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice", "bob")
	e.seedUser(t, "bob", "Bob")
	e.start(t, "bob", "coffee", berlin)

	_, updates := watchUser(t, e, "alice")
	waitFor(t, updates, "bob to appear", func(f []models.FriendAvailability) bool {
		return len(f) == 1
	})

	// Past the lifetime window the friend reads as absent even before the
	// reaper deletes anything
	e.advance(46 * time.Minute)
	if err := e.memory.MergeFields(ctx, repository.CollectionUsers, "bob", map[string]any{"name": "Bob"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, updates, "bob to disappear", func(f []models.FriendAvailability) bool {
		return len(f) == 0
	})
}

func TestWatch_FriendChurnDiffsSubscriptions(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice", "bob", "carol")
	e.seedUser(t, "bob", "Bob")
	e.seedUser(t, "carol", "Carol")
	e.seedUser(t, "dave", "Dave")

	_, updates := watchUser(t, e, "alice")
	waitFor(t, updates, "initial snapshot", func([]models.FriendAvailability) bool { return true })

	for _, friendID := range []string{"bob", "carol"} {
		if got := e.memory.SubscriberCount(repository.CollectionUsers, friendID); got != 1 {
			t.Errorf("expected exactly 1 subscription for %s, got %d", friendID, got)
		}
	}

	// carol leaves, dave arrives, bob is unchanged
	e.setFriends(t, "alice", "bob", "dave")

	if got := e.memory.SubscriberCount(repository.CollectionUsers, "carol"); got != 0 {
		t.Errorf("expected carol's subscription canceled, got %d", got)
	}
	if got := e.memory.SubscriberCount(repository.CollectionUsers, "dave"); got != 1 {
		t.Errorf("expected exactly 1 subscription for dave, got %d", got)
	}
	if got := e.memory.SubscriberCount(repository.CollectionUsers, "bob"); got != 1 {
		t.Errorf("expected bob's subscription untouched, got %d", got)
	}
}

func TestWatch_CoalescesBurstsIntoOnePass(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice", "bob")
	e.seedUser(t, "bob", "Bob")

	started := make(chan struct{}, 16)
	release := make(chan struct{})
	handle, err := e.watcher.Watch(ctx, "alice", func([]models.FriendAvailability) {
		started <- struct{}{}
		<-release
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(handle.Cancel)

	// First pass is in flight and blocked on delivery
	<-started

	// A burst of changes lands mid-pass
	for i := 0; i < 5; i++ {
		if err := e.memory.MergeFields(ctx, repository.CollectionUsers, "bob", map[string]any{"name": "Bob"}); err != nil {
			t.Fatal(err)
		}
	}

	release <- struct{}{}

	// The whole burst coalesces into exactly one follow-up pass
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a coalesced follow-up pass")
	}
	release <- struct{}{}

	select {
	case <-started:
		t.Fatal("burst must coalesce into one pass, got a third")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatch_CancelStopsUpdatesAndReleasesSubscriptions(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice", "bob")
	e.seedUser(t, "bob", "Bob")

	handle, updates := watchUser(t, e, "alice")
	waitFor(t, updates, "initial snapshot", func([]models.FriendAvailability) bool { return true })

	handle.Cancel()
	handle.Cancel() // repeat must be safe

	if got := e.memory.SubscriberCount(repository.CollectionUsers, "alice"); got != 0 {
		t.Errorf("expected own subscription released, got %d", got)
	}
	if got := e.memory.SubscriberCount(repository.CollectionUsers, "bob"); got != 0 {
		t.Errorf("expected friend subscription released, got %d", got)
	}

	e.start(t, "bob", "coffee", berlin)

	select {
	case friends := <-updates:
		t.Fatalf("expected no update after cancel, got %v", friends)
	case <-time.After(100 * time.Millisecond):
	}
}
