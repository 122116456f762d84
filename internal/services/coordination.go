package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/models"
	"imfree-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// CoordinationService is the public surface of the presence engine: start and
// stop availability, join a friend's activity, terminate a pairing, and the
// mutual-sharing transitions. Every operation is idempotent under retry.
type CoordinationService struct {
	sessions *repository.SessionRepository
	profiles *repository.ProfileRepository
	sharing  *SharingService
	notifier *Notifier
	lifetime time.Duration
	now      func() time.Time
}

// NewCoordinationService creates the coordination facade
func NewCoordinationService(sessions *repository.SessionRepository, profiles *repository.ProfileRepository, sharing *SharingService, notifier *Notifier, lifetime time.Duration) *CoordinationService {
	return &CoordinationService{
		sessions: sessions,
		profiles: profiles,
		sharing:  sharing,
		notifier: notifier,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// SetClock overrides the facade clock
func (s *CoordinationService) SetClock(now func() time.Time) {
	s.now = now
}

// StartAvailability creates an availability session and moves the user to
// broadcasting: available, activity set, own position published. No peer
// profile is touched. If the store is unreachable the caller gets a
// local-only pseudo session id so the client can proceed optimistically.
func (s *CoordinationService) StartAvailability(ctx context.Context, userID, activity string, location models.Coordinates) (string, error) {
	if !location.Valid() {
		return "", ErrInvalidLocation
	}

	// Restarting the same activity reuses the live session
	existing, err := s.sessions.FindActiveSessionsByOwner(ctx, userID)
	if err == nil {
		for _, session := range existing {
			if session.Activity == activity {
				return session.ID, nil
			}
			if err := s.StopAvailability(ctx, userID); err != nil {
				return "", fmt.Errorf("failed to stop previous availability: %w", err)
			}
			break
		}
	}

	sessionID, err := s.sessions.CreateSession(ctx, userID, activity, location, s.lifetime)
	if err != nil {
		if !errors.Is(err, repository.ErrStoreUnavailable) {
			return "", err
		}
		// Degrade to a local-only session; later operations on it skip the store
		sessionID = repository.NewPseudoSessionID()
		log.Warn().
			Str("user_id", userID).
			Str("session_id", sessionID).
			Msg("Store unreachable, degrading to offline session")
		return sessionID, nil
	}

	fields := repository.SharedLocationFields(location)
	fields[repository.FieldIsAvailable] = true
	fields[repository.FieldCurrentActivity] = activity
	fields[repository.FieldActiveSessionID] = sessionID
	if err := s.profiles.MergeProfile(ctx, userID, fields); err != nil {
		return "", fmt.Errorf("failed to set broadcasting profile: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("session_id", sessionID).
		Str("activity", activity).
		Msg("Availability started")
	return sessionID, nil
}

// JoinFriendActivity joins the caller to a friend's session: the caller gets
// their own session for the same activity, the target session records the
// joiner, and mutual sharing is enabled between the two. A caller who is
// already broadcasting a different activity must stop it explicitly first.
func (s *CoordinationService) JoinFriendActivity(ctx context.Context, joiningUserID, targetSessionID string) error {
	target, err := s.sessions.GetSession(ctx, targetSessionID)
	if err != nil {
		return fmt.Errorf("target session: %w", err)
	}
	if target.OwnerID == joiningUserID {
		return fmt.Errorf("user %s owns session %s and cannot join it", joiningUserID, targetSessionID)
	}
	if target.JoinedBy != "" && target.JoinedBy != joiningUserID {
		return ErrSessionTaken
	}

	joiner, err := s.profiles.GetProfile(ctx, joiningUserID)
	if err != nil {
		return fmt.Errorf("failed to load joining profile: %w", err)
	}

	ownSessionID := ""
	existing, err := s.sessions.FindActiveSessionsByOwner(ctx, joiningUserID)
	if err != nil {
		return fmt.Errorf("failed to check existing sessions: %w", err)
	}
	for _, session := range existing {
		if session.Activity != target.Activity {
			return ErrAlreadyAvailable
		}
		ownSessionID = session.ID
	}

	if ownSessionID == "" {
		// The joiner's position when known, otherwise the meetup point.
		// The joint window ends when the target session does.
		location := target.Location
		if joiner.SharedLocation != nil && joiner.SharedLocation.Valid() {
			location = *joiner.SharedLocation
		}
		remaining := target.ExpiresAt.Sub(s.now())
		ownSessionID, err = s.sessions.CreateSession(ctx, joiningUserID, target.Activity, location, remaining)
		if err != nil {
			return fmt.Errorf("failed to create joining session: %w", err)
		}
	}

	if err := s.profiles.MergeProfile(ctx, joiningUserID, map[string]any{
		repository.FieldIsAvailable:     true,
		repository.FieldCurrentActivity: target.Activity,
		repository.FieldActiveSessionID: ownSessionID,
	}); err != nil {
		return fmt.Errorf("failed to set joining profile: %w", err)
	}

	if err := s.sessions.MarkJoined(ctx, target.ID, joiningUserID); err != nil {
		return err
	}

	if err := s.sharing.EnableMutualSharing(ctx, joiningUserID, target.OwnerID); err != nil {
		return err
	}

	log.Info().
		Str("user_id", joiningUserID).
		Str("peer_id", target.OwnerID).
		Str("activity", target.Activity).
		Msg("Joined friend activity")
	return nil
}

// StopAvailability ends the caller's availability: unlinks a mutual peer
// (asymmetrically), deletes the caller's session, and returns the profile to
// idle. Repeating the call is a no-op. The departed peer gets a best-effort
// notification that never affects the outcome.
func (s *CoordinationService) StopAvailability(ctx context.Context, userID string) error {
	_, err := s.stop(ctx, userID, "")
	return err
}

// TerminateActivity explicitly ends a joined pairing. Same guarantees as
// StopAvailability, and additionally reports which peer should be informed.
func (s *CoordinationService) TerminateActivity(ctx context.Context, userID, sessionID string) (string, error) {
	return s.stop(ctx, userID, sessionID)
}

func (s *CoordinationService) stop(ctx context.Context, userID, terminatedSessionID string) (string, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// Already cleaned up
			return "", nil
		}
		return "", fmt.Errorf("failed to load profile: %w", err)
	}

	leaverName := profile.Name
	activity := profile.CurrentActivity

	peerID, err := s.sharing.DisableMutualSharing(ctx, userID)
	if err != nil {
		return "", err
	}

	if profile.ActiveSessionID != "" {
		if err := s.sessions.DeleteSession(ctx, profile.ActiveSessionID); err != nil {
			return "", err
		}
	}

	// Terminating someone else's session the caller had joined frees its
	// joined slot; the owner keeps broadcasting
	if terminatedSessionID != "" && terminatedSessionID != profile.ActiveSessionID {
		if session, err := s.sessions.GetSession(ctx, terminatedSessionID); err == nil && session.JoinedBy == userID {
			if err := s.sessions.MarkJoined(ctx, terminatedSessionID, ""); err != nil {
				log.Error().Err(err).Str("session_id", terminatedSessionID).Msg("Failed to free joined slot")
			}
		}
	}

	if err := s.profiles.MergeProfile(ctx, userID, repository.IdleProfileFields()); err != nil {
		return "", fmt.Errorf("failed to idle profile: %w", err)
	}

	if peerID != "" {
		go s.notifyDeparture(peerID, leaverName, activity)
	}

	log.Info().
		Str("user_id", userID).
		Str("peer_id", peerID).
		Msg("Availability stopped")
	return peerID, nil
}

// EnableMutualSharing exposes the bilateral link transition
func (s *CoordinationService) EnableMutualSharing(ctx context.Context, userID, peerID string) error {
	return s.sharing.EnableMutualSharing(ctx, userID, peerID)
}

// DisableMutualSharing exposes the asymmetric unlink transition
func (s *CoordinationService) DisableMutualSharing(ctx context.Context, leavingUserID string) (string, error) {
	return s.sharing.DisableMutualSharing(ctx, leavingUserID)
}

// notifyDeparture resolves the peer's push token and fires the side channel
func (s *CoordinationService) notifyDeparture(peerID, leaverName, activity string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer, err := s.profiles.GetProfile(ctx, peerID)
	if err != nil {
		log.Warn().Err(err).Str("peer_id", peerID).Msg("Failed to load peer for departure notification")
		return
	}
	s.notifier.NotifyDeparture(peer.PushToken, leaverName, activity)
}
