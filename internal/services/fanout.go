package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"
	"imfree-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// PresenceWatcher maintains, for each watching user, exactly one realtime
// subscription per friend and re-aggregates the "available friends" view on
// every change. Friend-set changes are applied incrementally: subscriptions
// are never torn down and rebuilt for friends whose membership is unchanged.
type PresenceWatcher struct {
	store    docstore.Store
	profiles *repository.ProfileRepository
	sessions *repository.SessionRepository
	avatars  *AvatarService
	now      func() time.Time
}

// NewPresenceWatcher creates a new presence watcher
func NewPresenceWatcher(store docstore.Store, profiles *repository.ProfileRepository, sessions *repository.SessionRepository, avatars *AvatarService) *PresenceWatcher {
	return &PresenceWatcher{
		store:    store,
		profiles: profiles,
		sessions: sessions,
		avatars:  avatars,
		now:      time.Now,
	}
}

// SetClock overrides the watcher clock
func (w *PresenceWatcher) SetClock(now func() time.Time) {
	w.now = now
}

// WatchHandle owns one user's friend-list subscription and per-friend
// subscriptions. Cancel releases all of them and is safe to call repeatedly;
// it must not be called from inside the update callback.
type WatchHandle struct {
	watcher  *PresenceWatcher
	ctx      context.Context
	userID   string
	onUpdate func([]models.FriendAvailability)

	canceled atomic.Bool

	// deliverMu serializes snapshot delivery against Cancel, so no update
	// callback runs once Cancel has returned
	deliverMu sync.Mutex

	mu         sync.Mutex
	ownCancel  docstore.CancelFunc
	friendSubs map[string]docstore.CancelFunc
	running    bool
	pending    bool
}

// Watch starts watching userID's friends and invokes onUpdate with a fresh
// aggregated snapshot on every relevant change. An initial snapshot is
// delivered once the current friend set is subscribed.
func (w *PresenceWatcher) Watch(ctx context.Context, userID string, onUpdate func([]models.FriendAvailability)) (*WatchHandle, error) {
	h := &WatchHandle{
		watcher:    w,
		ctx:        ctx,
		userID:     userID,
		onUpdate:   onUpdate,
		friendSubs: make(map[string]docstore.CancelFunc),
	}

	ownCancel, err := w.store.Subscribe(ctx, repository.CollectionUsers, userID, func(doc docstore.Document, exists bool) {
		if h.canceled.Load() {
			return
		}
		h.syncFriends(friendsFromDoc(doc, exists))
		h.trigger()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to own profile: %w", err)
	}
	h.ownCancel = ownCancel

	profile, err := w.profiles.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		ownCancel()
		return nil, fmt.Errorf("failed to load watching profile: %w", err)
	}
	if profile != nil {
		h.syncFriends(profile.Friends)
	}
	h.trigger()

	return h, nil
}

// Cancel releases the friend-list subscription and every per-friend
// subscription, and synchronously stops further onUpdate invocations
func (h *WatchHandle) Cancel() {
	if h.canceled.Swap(true) {
		return
	}

	// Barrier: wait out a delivery already in flight
	h.deliverMu.Lock()
	h.deliverMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ownCancel != nil {
		h.ownCancel()
	}
	for friendID, cancel := range h.friendSubs {
		cancel()
		delete(h.friendSubs, friendID)
	}
}

// syncFriends diffs the new friend set against the subscribed set and adds or
// removes subscriptions incrementally
func (h *WatchHandle) syncFriends(friends []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled.Load() {
		return
	}

	wanted := make(map[string]bool, len(friends))
	for _, friendID := range friends {
		wanted[friendID] = true
	}

	for friendID, cancel := range h.friendSubs {
		if !wanted[friendID] {
			cancel()
			delete(h.friendSubs, friendID)
		}
	}

	for friendID := range wanted {
		if _, ok := h.friendSubs[friendID]; ok {
			continue
		}
		cancel, err := h.watcher.store.Subscribe(h.ctx, repository.CollectionUsers, friendID,
			func(docstore.Document, bool) { h.trigger() })
		if err != nil {
			log.Error().Err(err).
				Str("user_id", h.userID).
				Str("friend_id", friendID).
				Msg("Failed to subscribe to friend")
			continue
		}
		h.friendSubs[friendID] = cancel
	}
}

// trigger schedules an aggregation pass. At most one pass runs at a time; a
// trigger arriving mid-pass coalesces into exactly one follow-up pass.
func (h *WatchHandle) trigger() {
	h.mu.Lock()
	if h.canceled.Load() {
		h.mu.Unlock()
		return
	}
	if h.running {
		h.pending = true
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

func (h *WatchHandle) run() {
	for {
		snapshot := h.aggregate()

		h.deliverMu.Lock()
		if !h.canceled.Load() {
			h.onUpdate(snapshot)
		}
		h.deliverMu.Unlock()

		h.mu.Lock()
		if h.pending && !h.canceled.Load() {
			h.pending = false
			h.mu.Unlock()
			continue
		}
		h.running = false
		h.mu.Unlock()
		return
	}
}

// aggregate recomputes the full available-friends view. Each friend's state
// is read independently; no cross-friend snapshot consistency is assumed.
func (h *WatchHandle) aggregate() []models.FriendAvailability {
	h.mu.Lock()
	friendIDs := make([]string, 0, len(h.friendSubs))
	for friendID := range h.friendSubs {
		friendIDs = append(friendIDs, friendID)
	}
	h.mu.Unlock()

	w := h.watcher
	out := make([]models.FriendAvailability, 0, len(friendIDs))
	for _, friendID := range friendIDs {
		profile, err := w.profiles.GetProfile(h.ctx, friendID)
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				log.Error().Err(err).
					Str("friend_id", friendID).
					Msg("Failed to read friend profile during aggregation")
			}
			continue
		}
		if !profile.LocationShared || profile.SharedLocation == nil || !profile.SharedLocation.Valid() {
			continue
		}

		minutesRemaining := 0
		if profile.ActiveSessionID != "" {
			session, err := w.sessions.GetSession(h.ctx, profile.ActiveSessionID)
			if err != nil {
				// Session expired or deleted: the friend is absent
				continue
			}
			minutesRemaining = int(math.Ceil(session.ExpiresAt.Sub(w.now()).Minutes()))
		}

		out = append(out, models.FriendAvailability{
			FriendID:         friendID,
			Name:             profile.Name,
			Avatar:           w.avatars.URL(h.ctx, profile.AvatarKey),
			Activity:         profile.CurrentActivity,
			Location:         *profile.SharedLocation,
			MinutesRemaining: minutesRemaining,
		})
	}
	return out
}

// friendsFromDoc extracts the friends field from a raw profile document
func friendsFromDoc(doc docstore.Document, exists bool) []string {
	if !exists {
		return nil
	}
	raw, ok := doc.Fields[repository.FieldFriends].([]any)
	if !ok {
		return nil
	}
	friends := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			friends = append(friends, s)
		}
	}
	return friends
}
