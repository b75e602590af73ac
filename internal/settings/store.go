// Package settings persists user settings shared by every context.
package settings

import (
	"context"
	"fmt"
)

// Well-known setting keys.
const (
	KeyMiningDestination = "miningDestination"
	KeyAnkiConnectURL    = "ankiConnectUrl"
	KeySubtitleAlignment = "subtitleAlignment"
)

// Mining destinations.
const (
	DestinationVideo  = "video"
	DestinationPlayer = "player"
)

// Defaults applied when a store is empty.
func Defaults() map[string]any {
	return map[string]any{
		KeyMiningDestination: DestinationVideo,
		KeyAnkiConnectURL:    "http://127.0.0.1:8765",
		KeySubtitleAlignment: "bottom",
	}
}

// Store reads and writes settings. Values are JSON-compatible.
type Store interface {
	// Get returns the requested keys, or every key when none are given.
	// Unknown keys are omitted from the result.
	Get(ctx context.Context, keys ...string) (map[string]any, error)
	Set(ctx context.Context, values map[string]any) error
}

// String returns key as a string, or def when missing or not a string.
func String(ctx context.Context, s Store, key, def string) (string, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("settings: get %s: %w", key, err)
	}
	if v, ok := vals[key].(string); ok {
		return v, nil
	}
	return def, nil
}

// Bool returns key as a bool, or def when missing or not a bool.
func Bool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("settings: get %s: %w", key, err)
	}
	if v, ok := vals[key].(bool); ok {
		return v, nil
	}
	return def, nil
}
