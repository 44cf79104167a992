package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohamedkhairy/trading-rules/internal/models"
)

// SettingsOverrides holds the fields a caller chose to set; nil keeps the default
type SettingsOverrides struct {
	DefaultMode *models.Mode `json:"defaultMode,omitempty"`
	Email       *bool        `json:"email,omitempty"`
	Push        *bool        `json:"push,omitempty"`
}

// Apply merges the overrides onto settings
func (o SettingsOverrides) Apply(settings *models.UserSettings) {
	if o.DefaultMode != nil {
		settings.DefaultMode = *o.DefaultMode
	}
	if o.Email != nil {
		settings.NotificationPreferences.Email = *o.Email
	}
	if o.Push != nil {
		settings.NotificationPreferences.Push = *o.Push
	}
}

// CreateUserSettings stores the default settings merged with overrides
func CreateUserSettings(ctx context.Context, store SettingsStore, userID string, overrides SettingsOverrides) (*models.UserSettings, error) {
	settings := models.DefaultUserSettings(userID)
	overrides.Apply(settings)

	if err := store.SaveSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	return settings, nil
}

// DefaultModeFor returns the mode a new rule of userID gets when none is given
func DefaultModeFor(ctx context.Context, store SettingsStore, userID string) (models.Mode, error) {
	if store == nil {
		return models.ModeSAFU, nil
	}

	settings, err := store.GetSettings(ctx, userID)
	if errors.Is(err, models.ErrSettingsNotFound) {
		return models.ModeSAFU, nil
	}
	if err != nil {
		return "", err
	}
	return settings.DefaultMode, nil
}
