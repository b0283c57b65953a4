package capture_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compoundpi/compoundpi/pkg/camera/fake"
	"github.com/compoundpi/compoundpi/pkg/capture"
	"github.com/compoundpi/compoundpi/pkg/store"
)

func TestPipelineAppendsFrames(t *testing.T) {
	cam := fake.New()
	st := store.New()
	p := capture.Pipeline{Camera: cam, Store: st}

	indices, err := p.Run(context.Background(), 3, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices)
	assert.Equal(t, 3, st.Len())
}

func TestPipelineRejectsPastSync(t *testing.T) {
	cam := fake.New()
	st := store.New()
	p := capture.Pipeline{Camera: cam, Store: st}

	past := time.Now().Add(-time.Hour)
	_, err := p.Run(context.Background(), 1, false, &past)
	assert.ErrorIs(t, err, capture.ErrSyncInPast)
	assert.Equal(t, 0, st.Len())
}

func TestPipelineWaitsForSync(t *testing.T) {
	cam := fake.New()
	st := store.New()
	p := capture.Pipeline{Camera: cam, Store: st}

	at := time.Now().Add(100 * time.Millisecond)
	start := time.Now()
	_, err := p.Run(context.Background(), 1, false, &at)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSchedulerWaitRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	at := time.Now().Add(time.Hour)
	err := (capture.Scheduler{}).Wait(ctx, &at)
	assert.ErrorIs(t, err, context.Canceled)
}
