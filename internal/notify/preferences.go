package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/example/campus-transit/internal/models"
)

var ErrInvalidPreference = errors.New("notify: invalid preference")

// PreferenceStore persists per-student notification settings.
type PreferenceStore interface {
	NotificationPreference(ctx context.Context, studentID int64) (models.NotificationPreference, bool, error)
	SaveNotificationPreference(ctx context.Context, p models.NotificationPreference) error
}

// Preferences applies defaults lazily: a student without stored settings
// gets the configured thresholds, which are persisted on first read.
type Preferences struct {
	store         PreferenceStore
	validate      *validator.Validate
	radiusKm      float64
	timeThreshold int
	logger        *slog.Logger
}

func NewPreferences(store PreferenceStore, radiusKm float64, timeThreshold int, logger *slog.Logger) *Preferences {
	if radiusKm <= 0 {
		radiusKm = 2.0
	}
	if timeThreshold <= 0 {
		timeThreshold = 5
	}
	return &Preferences{
		store:         store,
		validate:      validator.New(),
		radiusKm:      radiusKm,
		timeThreshold: timeThreshold,
		logger:        logger,
	}
}

func (p *Preferences) Default(studentID int64) models.NotificationPreference {
	return models.NotificationPreference{
		StudentID:            studentID,
		RadiusKm:             p.radiusKm,
		TimeThresholdMinutes: p.timeThreshold,
		Enabled:              true,
		SoundEnabled:         true,
		VibrationEnabled:     true,
	}
}

func (p *Preferences) Get(ctx context.Context, studentID int64) (models.NotificationPreference, error) {
	pref, ok, err := p.store.NotificationPreference(ctx, studentID)
	if err != nil {
		return models.NotificationPreference{}, fmt.Errorf("load preference %d: %w", studentID, err)
	}
	if ok {
		return pref, nil
	}
	pref = p.Default(studentID)
	if err := p.store.SaveNotificationPreference(ctx, pref); err != nil {
		// defaults still apply; they are written again on the next read
		p.logger.Warn("persist default preference failed", "student_id", studentID, "error", err)
	}
	return pref, nil
}

func (p *Preferences) Update(ctx context.Context, pref models.NotificationPreference) (models.NotificationPreference, error) {
	if err := p.validate.Struct(pref); err != nil {
		return models.NotificationPreference{}, fmt.Errorf("%w: %v", ErrInvalidPreference, err)
	}
	if (pref.QuietHoursStart == "") != (pref.QuietHoursEnd == "") {
		return models.NotificationPreference{}, fmt.Errorf("%w: quiet hours need both start and end", ErrInvalidPreference)
	}
	if err := p.store.SaveNotificationPreference(ctx, pref); err != nil {
		return models.NotificationPreference{}, fmt.Errorf("save preference %d: %w", pref.StudentID, err)
	}
	return pref, nil
}
