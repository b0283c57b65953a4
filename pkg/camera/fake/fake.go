// Package fake provides an in-memory camera.Capability for tests, the same
// role the teacher's pkg/can/virtual bus plays as an injectable stand-in for
// real hardware.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/compoundpi/compoundpi/pkg/camera"
	"github.com/compoundpi/compoundpi/pkg/capture"
)

// Camera is a camera.Capability that synthesizes deterministic frames
// without touching real hardware.
type Camera struct {
	mu       sync.Mutex
	settings camera.Settings
	closed   bool

	// FrameSize is the byte size of each synthesized frame. Defaults to 1024.
	FrameSize int
	// Blinks records the duration of every Blink call, for test assertions.
	Blinks []time.Duration
}

// New returns a fake camera pre-configured with camera.Default().
func New() *Camera {
	return &Camera{settings: camera.Default(), FrameSize: 1024}
}

func (c *Camera) Configure(s camera.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
	return nil
}

func (c *Camera) Settings() camera.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Capture synthesizes count frames, one per byte-filled buffer, waiting
// until the scheduled instant (if any) before the first frame the same way
// a real sensor exposure would block the caller.
func (c *Camera) Capture(ctx context.Context, count int, useVideoPort bool, at *time.Time) ([]camera.Frame, error) {
	if err := (capture.Scheduler{}).Wait(ctx, at); err != nil {
		return nil, err
	}
	c.mu.Lock()
	size := c.FrameSize
	c.mu.Unlock()

	frames := make([]camera.Frame, count)
	for i := 0; i < count; i++ {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + j)
		}
		frames[i] = camera.Frame{Timestamp: time.Now().UTC(), Data: data}
	}
	return frames, nil
}

func (c *Camera) Blink(d time.Duration) error {
	c.mu.Lock()
	c.Blinks = append(c.Blinks, d)
	c.mu.Unlock()
	return nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Camera) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
