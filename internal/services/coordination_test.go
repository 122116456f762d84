package services

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"
	"imfree-backend/internal/repository"
)

func TestStartAvailability_Broadcasting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")

	sessionID := e.start(t, "alice", "coffee", paris)

	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.OwnerID != "alice" || session.Activity != "coffee" {
		t.Errorf("unexpected session %+v", session)
	}

	alice := e.profile(t, "alice")
	if !alice.IsAvailable || alice.CurrentActivity != "coffee" || alice.ActiveSessionID != sessionID {
		t.Errorf("expected broadcasting profile, got %+v", alice)
	}
	if !alice.LocationShared || alice.SharedLocation == nil || *alice.SharedLocation != paris {
		t.Errorf("expected own position published, got %+v", alice.SharedLocation)
	}
	if alice.MutualPeerID != "" {
		t.Error("starting must not link anyone")
	}
	if alice.State() != models.StateBroadcasting {
		t.Errorf("expected broadcasting state, got %v", alice.State())
	}
}

func TestStartAvailability_InvalidLocation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")

	e.store.reset()
	_, err := e.coordination.StartAvailability(ctx, "alice", "coffee", models.Coordinates{Lat: 200, Lng: 2.35})
	if !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
	if targets := e.store.mergeTargets(); len(targets) != 0 {
		t.Errorf("aborted operation must not write, wrote %v", targets)
	}
}

func TestStartAvailability_OfflineFallback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")

	e.store.failMerge = func(collection, id string) bool {
		return collection == repository.CollectionSessions
	}

	sessionID, err := e.coordination.StartAvailability(ctx, "alice", "coffee", paris)
	if err != nil {
		t.Fatalf("expected optimistic degradation, got %v", err)
	}
	if !repository.IsPseudoSessionID(sessionID) {
		t.Fatalf("expected a pseudo session id, got %q", sessionID)
	}

	// Operations on a pseudo session are no-ops against the store
	e.store.failMerge = nil
	if err := e.coordination.StopAvailability(ctx, "alice"); err != nil {
		t.Fatalf("stopping a pseudo session must succeed, got %v", err)
	}
}

func TestJoinFriendActivity_PairScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")
	e.seedUser(t, "bob", "Bob")

	aliceSession := e.start(t, "alice", "coffee", paris)

	if err := e.coordination.JoinFriendActivity(ctx, "bob", aliceSession); err != nil {
		t.Fatal(err)
	}

	alice, bob := e.profile(t, "alice"), e.profile(t, "bob")
	if !alice.LocationShared || !bob.LocationShared {
		t.Error("expected both sides sharing")
	}
	if alice.MutualPeerID != "bob" || bob.MutualPeerID != "alice" {
		t.Errorf("expected mutual peer ids, got %q and %q", alice.MutualPeerID, bob.MutualPeerID)
	}
	if alice.CurrentActivity != "coffee" || bob.CurrentActivity != "coffee" {
		t.Errorf("expected identical activity, got %q and %q", alice.CurrentActivity, bob.CurrentActivity)
	}

	session, err := e.sessions.GetSession(ctx, aliceSession)
	if err != nil {
		t.Fatal(err)
	}
	if session.JoinedBy != "bob" {
		t.Errorf("expected the session to record its joiner, got %q", session.JoinedBy)
	}

	// Bob had no position of his own, so he adopted the meetup point
	if bob.SharedLocation == nil || *bob.SharedLocation != paris {
		t.Errorf("expected bob at the meetup point, got %v", bob.SharedLocation)
	}
}

func TestJoinFriendActivity_SessionGoneIsHardError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "bob", "Bob")

	err := e.coordination.JoinFriendActivity(ctx, "bob", "no-such-session")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJoinFriendActivity_DifferentActivityMustStopFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")
	e.seedUser(t, "bob", "Bob")

	aliceSession := e.start(t, "alice", "coffee", paris)
	e.start(t, "bob", "tennis", berlin)

	err := e.coordination.JoinFriendActivity(ctx, "bob", aliceSession)
	if !errors.Is(err, ErrAlreadyAvailable) {
		t.Fatalf("expected ErrAlreadyAvailable, got %v", err)
	}
}

func TestJoinFriendActivity_SecondJoinerRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")
	e.seedUser(t, "bob", "Bob")
	e.seedUser(t, "carol", "Carol")

	aliceSession := e.start(t, "alice", "coffee", paris)
	if err := e.coordination.JoinFriendActivity(ctx, "bob", aliceSession); err != nil {
		t.Fatal(err)
	}

	err := e.coordination.JoinFriendActivity(ctx, "carol", aliceSession)
	if !errors.Is(err, ErrSessionTaken) {
		t.Fatalf("expected ErrSessionTaken, got %v", err)
	}
}

func TestStopAvailability_AsymmetricScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")
	e.seedUser(t, "bob", "Bob")

	aliceSession := e.start(t, "alice", "coffee", paris)
	if err := e.coordination.JoinFriendActivity(ctx, "bob", aliceSession); err != nil {
		t.Fatal(err)
	}
	bobBefore := e.profile(t, "bob")

	if err := e.coordination.StopAvailability(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	alice := e.profile(t, "alice")
	if alice.IsAvailable || alice.LocationShared || alice.SharedLocation != nil {
		t.Errorf("leaver must be fully cleared, got %+v", alice)
	}
	if alice.ActiveSessionID != "" || alice.CurrentActivity != "" {
		t.Errorf("leaver session fields must be cleared, got %+v", alice)
	}
	if _, err := e.sessions.GetSession(ctx, aliceSession); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected the session deleted, got %v", err)
	}

	bob := e.profile(t, "bob")
	if !bob.LocationShared {
		t.Error("remaining peer must keep locationShared")
	}
	if !reflect.DeepEqual(bob.SharedLocation, bobBefore.SharedLocation) {
		t.Errorf("remaining peer's coordinates must be unchanged: %v vs %v", bob.SharedLocation, bobBefore.SharedLocation)
	}
	if bob.MutualPeerID != "" {
		t.Errorf("remaining peer's link must be cleared, got %q", bob.MutualPeerID)
	}
}

func TestStopAvailability_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")
	e.start(t, "alice", "coffee", paris)

	if err := e.coordination.StopAvailability(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	after := e.profile(t, "alice")

	if err := e.coordination.StopAvailability(ctx, "alice"); err != nil {
		t.Fatalf("second stop must not error, got %v", err)
	}
	if again := e.profile(t, "alice"); !reflect.DeepEqual(after, again) {
		t.Errorf("second stop changed the end state: %+v vs %+v", after, again)
	}

	// Stopping a user who never existed is a no-op too
	if err := e.coordination.StopAvailability(ctx, "ghost"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestTerminateActivity_ReportsPeerAndFreesSlot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seedUser(t, "alice", "Alice")
	e.seedUser(t, "bob", "Bob")

	aliceSession := e.start(t, "alice", "coffee", paris)
	if err := e.coordination.JoinFriendActivity(ctx, "bob", aliceSession); err != nil {
		t.Fatal(err)
	}

	peerID, err := e.coordination.TerminateActivity(ctx, "bob", aliceSession)
	if err != nil {
		t.Fatal(err)
	}
	if peerID != "alice" {
		t.Errorf("expected peer alice to be informed, got %q", peerID)
	}

	// Alice keeps broadcasting and her session is open to other friends again
	session, err := e.sessions.GetSession(ctx, aliceSession)
	if err != nil {
		t.Fatal(err)
	}
	if session.JoinedBy != "" {
		t.Errorf("expected the joined slot freed, got %q", session.JoinedBy)
	}
	alice := e.profile(t, "alice")
	if !alice.IsAvailable || !alice.LocationShared {
		t.Error("owner must remain discoverable after the joiner leaves")
	}

	bob := e.profile(t, "bob")
	if bob.IsAvailable || bob.LocationShared || bob.MutualPeerID != "" {
		t.Errorf("terminating user must be idle, got %+v", bob)
	}
}
