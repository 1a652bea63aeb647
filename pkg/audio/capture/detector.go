package capture

import (
	"errors"
	"fmt"
	"time"
)

// Default speaking-detector parameters.
const (
	DefaultStartThreshold = 0.25
	DefaultStopThreshold  = 0.03
	DefaultStopDebounce   = 200 * time.Millisecond
)

// DetectorConfig holds the hysteresis parameters of a [SpeakingDetector].
// Thresholds are loudness levels in [0,1] as produced by [audio.Level].
type DetectorConfig struct {
	// StartThreshold is the level above which the user is considered to have
	// started speaking.
	StartThreshold float64

	// StopThreshold is the level below which speech is considered to be
	// fading. Must be lower than StartThreshold.
	StopThreshold float64

	// StopDebounce is how long the level must stay below StopThreshold before
	// the user is considered to have stopped speaking.
	StopDebounce time.Duration
}

// DefaultDetectorConfig returns the recommended detector parameters.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		StartThreshold: DefaultStartThreshold,
		StopThreshold:  DefaultStopThreshold,
		StopDebounce:   DefaultStopDebounce,
	}
}

// Validate reports whether the configuration is usable.
func (c DetectorConfig) Validate() error {
	var errs []error
	if c.StartThreshold <= 0 || c.StartThreshold > 1 {
		errs = append(errs, fmt.Errorf("start threshold %v out of range (0,1]", c.StartThreshold))
	}
	if c.StopThreshold < 0 || c.StopThreshold > 1 {
		errs = append(errs, fmt.Errorf("stop threshold %v out of range [0,1]", c.StopThreshold))
	}
	if c.StopThreshold >= c.StartThreshold {
		errs = append(errs, fmt.Errorf("stop threshold %v must be below start threshold %v", c.StopThreshold, c.StartThreshold))
	}
	if c.StopDebounce < 0 {
		errs = append(errs, fmt.Errorf("stop debounce %v must not be negative", c.StopDebounce))
	}
	return errors.Join(errs...)
}

// SpeakingDetector derives a "user speaking" flag from a stream of loudness
// levels using two thresholds and a debounce on the stop transition.
//
// Time is supplied by the caller (typically the frame timestamp), so the
// detector is deterministic. It is not safe for concurrent use.
type SpeakingDetector struct {
	cfg DetectorConfig

	speaking   bool
	fading     bool
	fadingFrom time.Duration
}

// NewSpeakingDetector validates cfg and returns a detector in the not-speaking
// state.
func NewSpeakingDetector(cfg DetectorConfig) (*SpeakingDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture: speaking detector: %w", err)
	}
	return &SpeakingDetector{cfg: cfg}, nil
}

// Observe feeds one level sample taken at stream position at. It returns the
// current speaking state and whether this sample changed it.
//
// While speaking, any level at or above StopThreshold restarts the debounce.
func (d *SpeakingDetector) Observe(level float64, at time.Duration) (speaking, changed bool) {
	if !d.speaking {
		if level > d.cfg.StartThreshold {
			d.speaking = true
			d.fading = false
			return true, true
		}
		return false, false
	}

	if level >= d.cfg.StopThreshold {
		d.fading = false
		return true, false
	}

	if !d.fading {
		d.fading = true
		d.fadingFrom = at
	}
	if at-d.fadingFrom >= d.cfg.StopDebounce {
		d.speaking = false
		d.fading = false
		return false, true
	}
	return true, false
}

// Speaking returns the current state.
func (d *SpeakingDetector) Speaking() bool { return d.speaking }

// Reset returns the detector to the not-speaking state.
func (d *SpeakingDetector) Reset() {
	d.speaking = false
	d.fading = false
	d.fadingFrom = 0
}
