// Package config validates the external configuration named in spec.md §6:
// network CIDR, UDP port, bind address, timeout, capture_delay,
// capture_count, video_port flag, time_delta, and output directory. Loading
// and validation are the only filesystem/environment-touching operations in
// this module; the core treats a validated Config as immutable for the run.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/compoundpi/compoundpi/pkg/camera"
	"gopkg.in/ini.v1"
)

var (
	ErrInvalidCIDR      = errors.New("config: invalid network CIDR")
	ErrInvalidPort      = errors.New("config: invalid UDP port")
	ErrInvalidBindAddr  = errors.New("config: invalid bind address")
	ErrInvalidTimeout   = errors.New("config: timeout must be positive")
	ErrInvalidCapture   = errors.New("config: capture_count must be positive")
	ErrInvalidTimeDelta = errors.New("config: time_delta must be non-negative")
	ErrInvalidOutputDir = errors.New("config: output directory must be set")
)

// Config is the validated, immutable-for-the-run configuration shared by
// the client and server entry points.
type Config struct {
	NetworkCIDR   string
	UDPPort       int
	BindAddr      string
	Timeout       time.Duration
	CaptureDelay  time.Duration
	CaptureCount  int
	UseVideoPort  bool
	TimeDelta     time.Duration
	OutputDir     string
}

// Default returns sensible defaults matching spec.md §4.2/§4.3.
func Default() Config {
	return Config{
		UDPPort:      5647,
		BindAddr:     "0.0.0.0",
		Timeout:      5 * time.Second,
		CaptureDelay: 0,
		CaptureCount: 1,
		UseVideoPort: false,
		TimeDelta:    250 * time.Millisecond,
		OutputDir:    ".",
	}
}

// Validate enforces the invariants described in spec.md §6. It does not
// mutate c.
func (c Config) Validate() error {
	if c.NetworkCIDR != "" {
		if _, _, err := net.ParseCIDR(c.NetworkCIDR); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCIDR, c.NetworkCIDR, err)
		}
	}
	if c.UDPPort < 1 || c.UDPPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.UDPPort)
	}
	if c.BindAddr != "" && c.BindAddr != "0.0.0.0" && net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("%w: %s", ErrInvalidBindAddr, c.BindAddr)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Timeout)
	}
	if c.CaptureCount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapture, c.CaptureCount)
	}
	if c.TimeDelta < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeDelta, c.TimeDelta)
	}
	if c.OutputDir == "" {
		return ErrInvalidOutputDir
	}
	return nil
}

// LoadCameraDefaults parses an ini-format file of camera defaults (the same
// role an EDS file plays seeding a CANopen node's object dictionary) into a
// camera.Settings, starting from camera.Default() for any key left unset.
func LoadCameraDefaults(path string) (camera.Settings, error) {
	s := camera.Default()
	f, err := ini.Load(path)
	if err != nil {
		return camera.Settings{}, fmt.Errorf("config: load camera defaults %s: %w", path, err)
	}
	sec := f.Section("camera")
	if sec.HasKey("width") {
		s.Width = sec.Key("width").MustInt(s.Width)
	}
	if sec.HasKey("height") {
		s.Height = sec.Key("height").MustInt(s.Height)
	}
	if sec.HasKey("framerate_num") {
		s.FramerateNum = sec.Key("framerate_num").MustInt(s.FramerateNum)
	}
	if sec.HasKey("framerate_denom") {
		s.FramerateDenom = sec.Key("framerate_denom").MustInt(s.FramerateDenom)
	}
	if sec.HasKey("awb_mode") {
		s.AWBMode = sec.Key("awb_mode").String()
	}
	if sec.HasKey("exposure_mode") {
		s.ExposureMode = sec.Key("exposure_mode").String()
	}
	if sec.HasKey("iso") {
		s.ISO = sec.Key("iso").MustInt(s.ISO)
	}
	if sec.HasKey("metering_mode") {
		s.MeteringMode = sec.Key("metering_mode").String()
	}
	if sec.HasKey("quality") {
		s.Quality = sec.Key("quality").MustInt(s.Quality)
	}
	if err := s.Validate(); err != nil {
		return camera.Settings{}, fmt.Errorf("config: camera defaults %s: %w", path, err)
	}
	return s, nil
}
