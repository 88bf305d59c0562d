// Package store persists the settings document as one opaque JSON blob under
// a fixed key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"focusshield/settings"
)

// Key is the storage key the settings document lives under.
const Key = "studyModeSettingsV1"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a key-value area holding the settings document.
type Store interface {
	// Load returns the stored document, or nil when nothing is stored.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored document.
	Save(ctx context.Context, doc []byte) error
	// Clear removes everything from the storage area.
	Clear(ctx context.Context) error
	Close() error
}

// Watcher is implemented by stores that can report changes made by other
// writers.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// LoadSettings reads the settings, backfills defaults and writes the result
// back when backfilling changed anything.
func LoadSettings(ctx context.Context, st Store) (settings.Settings, error) {
	raw, err := st.Load(ctx)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load %s: %w", Key, err)
	}
	s, changed := settings.MergeDefaults(raw)
	if changed {
		if err := SaveSettings(ctx, st, s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// EnsureDefaults backfills and always writes the merged document.
func EnsureDefaults(ctx context.Context, st Store) (settings.Settings, error) {
	raw, err := st.Load(ctx)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load %s: %w", Key, err)
	}
	s, _ := settings.MergeDefaults(raw)
	return s, SaveSettings(ctx, st, s)
}

// SaveSettings writes s.
func SaveSettings(ctx context.Context, st Store, s settings.Settings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := st.Save(ctx, b); err != nil {
		return fmt.Errorf("save %s: %w", Key, err)
	}
	return nil
}

// Reset clears the storage area and writes fresh defaults.
func Reset(ctx context.Context, st Store) (settings.Settings, error) {
	if err := st.Clear(ctx); err != nil {
		return settings.Settings{}, fmt.Errorf("clear: %w", err)
	}
	s := settings.Defaults()
	return s, SaveSettings(ctx, st, s)
}

// Update loads the settings, applies fn and saves the result.
func Update(ctx context.Context, st Store, fn func(settings.Settings) (settings.Settings, error)) (settings.Settings, error) {
	s, err := LoadSettings(ctx, st)
	if err != nil {
		return s, err
	}
	next, err := fn(s)
	if err != nil {
		return s, err
	}
	return next, SaveSettings(ctx, st, next)
}
