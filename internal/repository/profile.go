package repository

import (
	"context"
	"fmt"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"
)

// Profile field names. State transitions compose maps of exactly these keys;
// the cross-user write in mutual sharing is restricted to the subset it is
// documented to touch.
const (
	FieldName               = "name"
	FieldAvatarKey          = "avatar_key"
	FieldPushToken          = "push_token"
	FieldFriends            = "friends"
	FieldIsAvailable        = "is_available"
	FieldCurrentActivity    = "current_activity"
	FieldActiveSessionID    = "active_session_id"
	FieldLocationShared     = "location_shared"
	FieldSharedLocation     = "shared_location"
	FieldMutualPeerID       = "mutual_peer_id"
	FieldLastLocationUpdate = "last_location_update"
)

// ProfileRepository handles presence-profile reads and field merges
type ProfileRepository struct {
	store docstore.Store
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(store docstore.Store) *ProfileRepository {
	return &ProfileRepository{store: store}
}

// GetProfile retrieves a user's presence profile, or docstore.ErrNotFound
func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*models.PresenceProfile, error) {
	doc, err := r.store.Get(ctx, CollectionUsers, userID)
	if err != nil {
		return nil, err
	}
	return docToProfile(doc)
}

// MergeProfile partially updates the named fields of a user's profile
func (r *ProfileRepository) MergeProfile(ctx context.Context, userID string, fields map[string]any) error {
	if err := r.store.MergeFields(ctx, CollectionUsers, userID, fields); err != nil {
		return fmt.Errorf("failed to merge profile %s: %w", userID, err)
	}
	return nil
}

// SetPushToken stores the user's push token for best-effort notifications
func (r *ProfileRepository) SetPushToken(ctx context.Context, userID, token string) error {
	return r.MergeProfile(ctx, userID, map[string]any{FieldPushToken: token})
}

// SharedLocationFields builds the field subset for publishing a position,
// stamping the change with the server clock so downstream listeners can tell
// distinct writes apart
func SharedLocationFields(location models.Coordinates) map[string]any {
	return map[string]any{
		FieldLocationShared:     true,
		FieldSharedLocation:     locationValue(location),
		FieldLastLocationUpdate: docstore.ServerTimestamp,
	}
}

// ClearedSharingFields builds the field subset for retracting a position.
// locationShared false always travels with a cleared sharedLocation, never a
// stale one.
func ClearedSharingFields() map[string]any {
	return map[string]any{
		FieldLocationShared:     false,
		FieldSharedLocation:     nil,
		FieldLastLocationUpdate: docstore.ServerTimestamp,
	}
}

// IdleProfileFields builds the field subset that returns a user to the idle
// state: no availability, no activity, no session, nothing shared
func IdleProfileFields() map[string]any {
	fields := ClearedSharingFields()
	fields[FieldIsAvailable] = false
	fields[FieldCurrentActivity] = ""
	fields[FieldActiveSessionID] = ""
	fields[FieldMutualPeerID] = ""
	return fields
}

// docToProfile normalizes a user document into the model
func docToProfile(doc docstore.Document) (*models.PresenceProfile, error) {
	var profile models.PresenceProfile
	if err := decodeFields(doc.Fields, &profile); err != nil {
		return nil, fmt.Errorf("malformed profile %s: %w", doc.ID, err)
	}
	profile.UserID = doc.ID
	return &profile, nil
}
