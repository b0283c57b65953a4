package capture

import (
	"context"
	"errors"
	"time"

	"github.com/compoundpi/compoundpi/pkg/camera"
	"github.com/compoundpi/compoundpi/pkg/store"
)

// ErrSyncInPast is returned when a CAPTURE's sync timestamp is not strictly
// in the future, per spec.md §4.4.
var ErrSyncInPast = errors.New("capture: sync timestamp must be in the future")

// Pipeline wires a camera capability to the server's image store: it
// validates the sync timestamp, triggers the capture, and appends every
// resulting frame to the store in order, per spec.md §4.4/§4.5. OK (the
// caller's concern, not Pipeline's) is only reported once Run returns.
type Pipeline struct {
	Camera camera.Capability
	Store  *store.Store
}

// Run captures count frames (optionally waiting until an absolute instant
// before the first one) and appends them to the store, returning their
// assigned indices in capture order.
func (p Pipeline) Run(ctx context.Context, count int, useVideoPort bool, at *time.Time) ([]int, error) {
	if at != nil && !at.After(time.Now()) {
		return nil, ErrSyncInPast
	}
	frames, err := p.Camera.Capture(ctx, count, useVideoPort, at)
	if err != nil {
		return nil, err
	}
	indices := make([]int, len(frames))
	for i, f := range frames {
		indices[i] = p.Store.Append(store.Image{Timestamp: f.Timestamp, Data: f.Data})
	}
	return indices, nil
}
