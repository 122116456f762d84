package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imfree-backend/internal/docstore"
	"imfree-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

// Reaper retires sessions that outlived their lifetime window and walks the
// owning profiles back toward idle. Expired sessions already read as absent
// everywhere; the reaper is what actually removes them.
type Reaper struct {
	sessions *repository.SessionRepository
	profiles *repository.ProfileRepository
	sharing  *SharingService
	interval time.Duration
}

// NewReaper creates a new expiry reaper
func NewReaper(sessions *repository.SessionRepository, profiles *repository.ProfileRepository, sharing *SharingService, interval time.Duration) *Reaper {
	return &Reaper{
		sessions: sessions,
		profiles: profiles,
		sharing:  sharing,
		interval: interval,
	}
}

// Run sweeps on a timer until the context is canceled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Sweep failed")
				continue
			}
			if count > 0 {
				log.Info().Int("reaped", count).Msg("Expired sessions reaped")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes every expired-but-active session and clears the owning
// profile's availability. Safe to run concurrently with live writes: a
// mutual-sharing transition racing a sweep re-validates the session between
// its two writes and fails cleanly instead of half-succeeding.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.sessions.FindExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	count := 0
	for _, session := range expired {
		if err := r.sessions.DeleteSession(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to delete expired session")
			continue
		}
		count++

		profile, err := r.profiles.GetProfile(ctx, session.OwnerID)
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				log.Error().Err(err).Str("user_id", session.OwnerID).Msg("Failed to load owner of expired session")
			}
			continue
		}
		if profile.ActiveSessionID != session.ID {
			// The owner already moved on to a different session
			continue
		}

		if profile.MutualPeerID != "" {
			if _, err := r.sharing.DisableMutualSharing(ctx, session.OwnerID); err != nil {
				log.Error().Err(err).Str("user_id", session.OwnerID).Msg("Failed to unlink expired pairing")
			}
		}

		if err := r.profiles.MergeProfile(ctx, session.OwnerID, repository.IdleProfileFields()); err != nil {
			log.Error().Err(err).Str("user_id", session.OwnerID).Msg("Failed to idle owner of expired session")
		}
	}
	return count, nil
}
