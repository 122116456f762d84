package services

import (
	"context"
	"errors"
	"fmt"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"
	"imfree-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// SharingService is the per-user sharing state machine: idle, broadcasting,
// or mutually sharing with exactly one peer. The bilateral transitions here
// are the only place in the system allowed to write another user's profile,
// and only the mutual-sharing field subset of it.
type SharingService struct {
	profiles *repository.ProfileRepository
	sessions *repository.SessionRepository
}

// NewSharingService creates a new sharing state machine
func NewSharingService(profiles *repository.ProfileRepository, sessions *repository.SessionRepository) *SharingService {
	return &SharingService{profiles: profiles, sessions: sessions}
}

// EnableMutualSharing links userID and peerID bilaterally. Both profiles gain
// locationShared, their broadcast coordinates, and reciprocal mutualPeerId.
// The two writes are issued together: if the second fails, the first is
// rolled back to its pre-image rather than leaving an asymmetric link.
func (s *SharingService) EnableMutualSharing(ctx context.Context, userID, peerID string) error {
	own, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load own profile: %w", err)
	}
	peer, err := s.profiles.GetProfile(ctx, peerID)
	if err != nil {
		return fmt.Errorf("failed to load peer profile: %w", err)
	}

	// Already linked: retrying must not duplicate writes
	if own.MutualPeerID == peerID && peer.MutualPeerID == userID {
		return nil
	}

	if peer.ActiveSessionID == "" {
		return ErrPeerSessionGone
	}
	peerSession, err := s.sessions.GetSession(ctx, peer.ActiveSessionID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrPeerSessionGone
		}
		return fmt.Errorf("failed to load peer session: %w", err)
	}

	ownSession, err := s.sessions.GetSession(ctx, own.ActiveSessionID)
	if err != nil {
		return fmt.Errorf("failed to load own session: %w", err)
	}

	// Each side shares its own session position; a side without one adopts
	// the counterpart's (the meetup point)
	ownLoc, err := pickLocation(ownSession.Location, peerSession.Location)
	if err != nil {
		return err
	}
	peerLoc, err := pickLocation(peerSession.Location, ownSession.Location)
	if err != nil {
		return err
	}

	preimage := sharingPreimage(own)

	ownFields := repository.SharedLocationFields(ownLoc)
	ownFields[repository.FieldMutualPeerID] = peerID
	if err := s.profiles.MergeProfile(ctx, userID, ownFields); err != nil {
		return fmt.Errorf("failed to write own sharing fields: %w", err)
	}

	// The reaper may have retired the peer session between the two writes;
	// verify before touching the peer so the pair never ends up half-linked
	if _, err := s.sessions.GetSession(ctx, peer.ActiveSessionID); err != nil {
		s.rollback(ctx, userID, preimage)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrPeerSessionGone
		}
		return fmt.Errorf("failed to re-check peer session: %w", err)
	}

	peerFields := repository.SharedLocationFields(peerLoc)
	peerFields[repository.FieldMutualPeerID] = userID
	if err := s.profiles.MergeProfile(ctx, peerID, peerFields); err != nil {
		s.rollback(ctx, userID, preimage)
		return fmt.Errorf("failed to write peer sharing fields: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("peer_id", peerID).
		Msg("Mutual sharing enabled")
	return nil
}

// DisableMutualSharing unlinks the leaving user from their peer and returns
// the peer id. Asymmetric on purpose: the leaver's sharing fields are fully
// cleared, while the remaining peer keeps locationShared and their own
// coordinates so friends who have not joined yet can still discover them.
// Only the peer's reference to the leaver is removed.
func (s *SharingService) DisableMutualSharing(ctx context.Context, leavingUserID string) (string, error) {
	profile, err := s.profiles.GetProfile(ctx, leavingUserID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load leaver profile: %w", err)
	}

	peerID := profile.MutualPeerID
	if peerID == "" {
		return "", nil
	}

	leaverFields := repository.ClearedSharingFields()
	leaverFields[repository.FieldMutualPeerID] = ""
	if err := s.profiles.MergeProfile(ctx, leavingUserID, leaverFields); err != nil {
		return "", fmt.Errorf("failed to clear leaver sharing fields: %w", err)
	}

	peer, err := s.profiles.GetProfile(ctx, peerID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return peerID, nil
		}
		return peerID, fmt.Errorf("failed to load peer profile: %w", err)
	}
	if peer.MutualPeerID == leavingUserID {
		err := s.profiles.MergeProfile(ctx, peerID, map[string]any{
			repository.FieldMutualPeerID: "",
		})
		if err != nil {
			return peerID, fmt.Errorf("failed to clear peer link: %w", err)
		}
	}

	log.Info().
		Str("user_id", leavingUserID).
		Str("peer_id", peerID).
		Msg("Mutual sharing disabled")
	return peerID, nil
}

// rollback restores the first write's pre-image after the second write failed
func (s *SharingService) rollback(ctx context.Context, userID string, preimage map[string]any) {
	if err := s.profiles.MergeProfile(ctx, userID, preimage); err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Msg("Failed to roll back sharing fields")
	}
}

// sharingPreimage captures exactly the fields EnableMutualSharing writes
func sharingPreimage(p *models.PresenceProfile) map[string]any {
	fields := map[string]any{
		repository.FieldLocationShared:     p.LocationShared,
		repository.FieldMutualPeerID:       p.MutualPeerID,
		repository.FieldLastLocationUpdate: docstore.ServerTimestamp,
	}
	if p.SharedLocation != nil {
		fields[repository.FieldSharedLocation] = map[string]any{
			"lat": p.SharedLocation.Lat,
			"lng": p.SharedLocation.Lng,
		}
	} else {
		fields[repository.FieldSharedLocation] = nil
	}
	return fields
}

// pickLocation returns the preferred coordinates, falling back to the
// counterpart's, and rejects the transition when neither is well-formed
func pickLocation(preferred, fallback models.Coordinates) (models.Coordinates, error) {
	if preferred.Valid() {
		return preferred, nil
	}
	if fallback.Valid() {
		return fallback, nil
	}
	return models.Coordinates{}, ErrInvalidLocation
}
