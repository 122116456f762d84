package services

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
)

// Notifier sends best-effort departure pings over APNs. Delivery is a side
// channel: failures are logged and never affect the primary operation.
type Notifier struct {
	client *apns2.Client
	topic  string
}

// NewNotifier creates a notifier from a p12 certificate. An empty cert path
// yields a disabled notifier.
func NewNotifier(certPath, certPassword, topic string, production bool) (*Notifier, error) {
	if certPath == "" {
		return nil, nil
	}

	cert, err := certificate.FromP12File(certPath, certPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs certificate: %w", err)
	}

	client := apns2.NewClient(cert).Development()
	if production {
		client = apns2.NewClient(cert).Production()
	}

	return &Notifier{client: client, topic: topic}, nil
}

// NotifyDeparture tells a peer that their activity partner left. Fire and
// forget: callers run this in a goroutine and ignore the outcome.
func (n *Notifier) NotifyDeparture(pushToken, peerName, activity string) {
	if n == nil || pushToken == "" {
		return
	}

	body := peerName + " left"
	if activity != "" {
		body = fmt.Sprintf("%s left %q", peerName, activity)
	}
	payload, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]any{
				"title": "Activity ended",
				"body":  body,
			},
			"sound": "default",
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build departure payload")
		return
	}

	notification := &apns2.Notification{
		DeviceToken: pushToken,
		Topic:       n.topic,
		Payload:     payload,
	}

	res, err := n.client.Push(notification)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send departure notification")
		return
	}
	if !res.Sent() {
		log.Warn().
			Int("status", res.StatusCode).
			Str("reason", res.Reason).
			Msg("Departure notification rejected")
	}
}
