// Package camera defines the opaque camera capability used by the server
// protocol handler, and validates the camera settings described by the wire
// protocol. It never imports the network coordination packages — same as the
// teacher's pkg/can.Bus interface, which the protocol stack depends on but
// which never depends back on it.
package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AWB modes accepted by the AWB verb.
const (
	AWBOff = "off"
	AWBAuto = "auto"
)

// Exposure modes accepted by the EXPOSURE verb.
const (
	ExposureOff  = "off"
	ExposureAuto = "auto"
)

var (
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidFramerate  = errors.New("invalid framerate")
	ErrInvalidGain       = errors.New("invalid AWB gain")
	ErrInvalidISO        = errors.New("invalid ISO")
	ErrInvalidLevel      = errors.New("invalid level")
	ErrInvalidExposure   = errors.New("invalid exposure")
	ErrInvalidQuality    = errors.New("invalid quality")
)

// Settings holds the full set of configurable camera parameters from
// spec.md §3. Zero value is not a valid configuration; use Default().
type Settings struct {
	Width, Height int

	FramerateNum, FramerateDenom int

	AWBMode        string
	AWBRed, AWBBlue float64 // ignored unless AWBMode == AWBOff

	ExposureMode  string
	ExposureSpeedMs int // milliseconds; ignored unless ExposureMode == ExposureOff

	ISO int // 0 = auto, else 0-1600

	MeteringMode string

	AGCMode string // automatic gain control mode, independent of AWB/exposure

	Brightness          int // 0-100
	Contrast            int // -100-100
	Saturation          int // -100-100
	ExposureCompensation int // -24-24

	HFlip, VFlip bool

	Denoise bool

	Quality int
}

// Default returns the out-of-the-box settings a fresh server starts with.
func Default() Settings {
	return Settings{
		Width: 1920, Height: 1080,
		FramerateNum: 30, FramerateDenom: 1,
		AWBMode:      AWBAuto,
		ExposureMode: ExposureAuto,
		ISO:          0,
		MeteringMode: "average",
		AGCMode:      "auto",
		Quality:      85,
	}
}

// Validate enforces the invariants from spec.md §3. It does not mutate s.
func (s Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, s.Width, s.Height)
	}
	if s.FramerateDenom <= 0 {
		return fmt.Errorf("%w: denominator must be positive", ErrInvalidFramerate)
	}
	fr := float64(s.FramerateNum) / float64(s.FramerateDenom)
	if fr < 1 || fr > 90 {
		return fmt.Errorf("%w: %g not in [1,90]", ErrInvalidFramerate, fr)
	}
	if s.AWBMode == AWBOff {
		if s.AWBRed < 0 || s.AWBRed > 8 || s.AWBBlue < 0 || s.AWBBlue > 8 {
			return fmt.Errorf("%w: red=%g blue=%g", ErrInvalidGain, s.AWBRed, s.AWBBlue)
		}
	}
	if s.ExposureMode == ExposureOff && s.ExposureSpeedMs > 0 {
		maxSpeedMs := 1000.0 / fr
		if float64(s.ExposureSpeedMs) > maxSpeedMs {
			return fmt.Errorf("%w: speed %dms exceeds 1000/framerate=%gms", ErrInvalidExposure, s.ExposureSpeedMs, maxSpeedMs)
		}
	}
	if s.ISO < 0 || s.ISO > 1600 {
		return fmt.Errorf("%w: %d", ErrInvalidISO, s.ISO)
	}
	if s.Brightness < 0 || s.Brightness > 100 {
		return fmt.Errorf("%w: brightness %d not in [0,100]", ErrInvalidLevel, s.Brightness)
	}
	if s.Contrast < -100 || s.Contrast > 100 {
		return fmt.Errorf("%w: contrast %d not in [-100,100]", ErrInvalidLevel, s.Contrast)
	}
	if s.Saturation < -100 || s.Saturation > 100 {
		return fmt.Errorf("%w: saturation %d not in [-100,100]", ErrInvalidLevel, s.Saturation)
	}
	if s.ExposureCompensation < -24 || s.ExposureCompensation > 24 {
		return fmt.Errorf("%w: compensation %d not in [-24,24]", ErrInvalidExposure, s.ExposureCompensation)
	}
	if s.Quality < 1 || s.Quality > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidQuality, s.Quality)
	}
	return nil
}

// Frame is a single captured image: its wall-clock timestamp and payload.
type Frame struct {
	Timestamp time.Time
	Data      []byte
}

// Capability is the opaque camera handle injected into the server. It is
// satisfied by the real camera driver or, in tests, by pkg/camera/fake.Camera.
type Capability interface {
	// Configure applies settings, replacing the camera's current configuration.
	Configure(Settings) error
	// Capture takes count frames. If at is non-nil, capture waits (blocking)
	// until the wall clock reaches that instant before the first frame.
	Capture(ctx context.Context, count int, useVideoPort bool, at *time.Time) ([]Frame, error)
	// Blink pulses the camera's LED for the given duration.
	Blink(d time.Duration) error
	// Close releases the camera. Further calls are undefined.
	Close() error
}
