package types

import (
	"errors"
	"fmt"
	"time"
)

// Bounds for [VolumeDetectionConfig.DetectionInterval].
const (
	MinDetectionInterval = 10 * time.Millisecond
	MaxDetectionInterval = 10 * time.Second
)

// VolumeDetectionConfig parameterises the volume indicator pipeline. A config
// is immutable once passed to the engine; changing parameters requires a
// disable followed by a re-enable.
type VolumeDetectionConfig struct {
	// DetectionInterval is the tick cadence.
	DetectionInterval time.Duration

	// SpeakingThreshold is the smoothed volume above which a user is speaking.
	// Range: [0.0, 1.0].
	SpeakingThreshold float64

	// SilenceThreshold is the lower edge of the hysteresis band.
	// Range: [0.0, 1.0]. Must be ≤ SpeakingThreshold.
	SilenceThreshold float64

	// IncludeLocalUser keeps the local session's user in the sample set.
	IncludeLocalUser bool

	// SmoothFactor is the exponential-smoothing coefficient applied to new
	// samples. Range: [0.0, 1.0].
	SmoothFactor float64

	// Hysteresis keeps a speaking user classified as speaking until the
	// smoothed volume drops below SilenceThreshold. When false the single
	// SpeakingThreshold decides.
	Hysteresis bool
}

// DefaultVolumeDetectionConfig returns a config tuned for 200 ms ticks.
func DefaultVolumeDetectionConfig() VolumeDetectionConfig {
	return VolumeDetectionConfig{
		DetectionInterval: 200 * time.Millisecond,
		SpeakingThreshold: 0.3,
		SilenceThreshold:  0.1,
		IncludeLocalUser:  true,
		SmoothFactor:      0.5,
	}
}

// Validate checks every field and returns an error wrapping
// [ErrInvalidVolumeConfig] that lists all violations.
func (c VolumeDetectionConfig) Validate() error {
	var errs []error
	if c.DetectionInterval < MinDetectionInterval || c.DetectionInterval > MaxDetectionInterval {
		errs = append(errs, fmt.Errorf("detection interval %v is out of range [%v, %v]",
			c.DetectionInterval, MinDetectionInterval, MaxDetectionInterval))
	}
	if !inUnit(c.SpeakingThreshold) {
		errs = append(errs, fmt.Errorf("speaking threshold %.3f is out of range [0, 1]", c.SpeakingThreshold))
	}
	if !inUnit(c.SilenceThreshold) {
		errs = append(errs, fmt.Errorf("silence threshold %.3f is out of range [0, 1]", c.SilenceThreshold))
	}
	if !inUnit(c.SmoothFactor) {
		errs = append(errs, fmt.Errorf("smooth factor %.3f is out of range [0, 1]", c.SmoothFactor))
	}
	if c.SilenceThreshold > c.SpeakingThreshold {
		errs = append(errs, fmt.Errorf("silence threshold %.3f exceeds speaking threshold %.3f",
			c.SilenceThreshold, c.SpeakingThreshold))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidVolumeConfig, errors.Join(errs...))
}

// inUnit reports whether v lies in [0, 1]. NaN is rejected.
func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
