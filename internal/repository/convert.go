package repository

import (
	"encoding/json"
	"fmt"

	"imfree-backend/internal/models"
)

// Collection names in the document store
const (
	CollectionSessions = "sessions"
	CollectionUsers    = "users"
)

// decodeFields normalizes a document's JSON-native field map into a model
// struct. Normalization happens here, at the store boundary, and nowhere else.
func decodeFields(fields map[string]any, out any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	return nil
}

// locationValue converts coordinates to their stored field representation
func locationValue(c models.Coordinates) map[string]any {
	return map[string]any{"lat": c.Lat, "lng": c.Lng}
}
