package models

import "time"

// Coordinates is a latitude/longitude pair
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are a well-formed pair
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!(c.Lat == 0 && c.Lng == 0)
}

// AvailabilitySession is a time-boxed record of a user's stated availability
// for an activity at a location
type AvailabilitySession struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Activity  string      `json:"activity"`
	Location  Coordinates `json:"location"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Active    bool        `json:"active"`
	JoinedBy  string      `json:"joined_by,omitempty"`
}

// Expired reports whether the session has passed its lifetime window.
// Expired-but-undeleted sessions are treated as absent by all readers.
func (s *AvailabilitySession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PresenceProfile holds the per-user fields the coordination engine owns
type PresenceProfile struct {
	UserID             string       `json:"user_id"`
	Name               string       `json:"name"`
	AvatarKey          string       `json:"avatar_key,omitempty"`
	PushToken          string       `json:"push_token,omitempty"`
	Friends            []string     `json:"friends,omitempty"`
	IsAvailable        bool         `json:"is_available"`
	CurrentActivity    string       `json:"current_activity,omitempty"`
	ActiveSessionID    string       `json:"active_session_id,omitempty"`
	LocationShared     bool         `json:"location_shared"`
	SharedLocation     *Coordinates `json:"shared_location,omitempty"`
	MutualPeerID       string       `json:"mutual_peer_id,omitempty"`
	LastLocationUpdate time.Time    `json:"last_location_update,omitempty"`
}

// SharingState is the per-user coordination state derived from the profile
type SharingState int

const (
	StateIdle SharingState = iota
	StateBroadcasting
	StateMutuallySharing
)

// String returns a human-readable state name
func (s SharingState) String() string {
	switch s {
	case StateBroadcasting:
		return "broadcasting"
	case StateMutuallySharing:
		return "mutually_sharing"
	default:
		return "idle"
	}
}

// State derives the sharing state from the profile fields
func (p *PresenceProfile) State() SharingState {
	switch {
	case p.MutualPeerID != "":
		return StateMutuallySharing
	case p.IsAvailable && p.ActiveSessionID != "":
		return StateBroadcasting
	default:
		return StateIdle
	}
}

// FriendAvailability is one entry of the aggregated "available friends" view
type FriendAvailability struct {
	FriendID         string      `json:"friend_id"`
	Name             string      `json:"name"`
	Avatar           string      `json:"avatar,omitempty"`
	Activity         string      `json:"activity"`
	Location         Coordinates `json:"location"`
	MinutesRemaining int         `json:"minutes_remaining"`
}
