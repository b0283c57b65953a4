package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppendAssignsSequentialIndices(t *testing.T) {
	s := New()
	i0 := s.Append(Image{Timestamp: time.Now(), Data: []byte("a")})
	i1 := s.Append(Image{Timestamp: time.Now(), Data: []byte("bb")})
	assert.Equal(t, 0, i0)
	assert.Equal(t, 1, i1)
	assert.Equal(t, 2, s.Len())
}

func TestGetOutOfBounds(t *testing.T) {
	s := New()
	s.Append(Image{Data: []byte("a")})
	_, ok := s.Get(1)
	assert.False(t, ok)
	_, ok = s.Get(-1)
	assert.False(t, ok)
	img, ok := s.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 1, img.Size())
}

func TestClearRestartsAtZero(t *testing.T) {
	s := New()
	s.Append(Image{Data: []byte("a")})
	s.Append(Image{Data: []byte("b")})
	s.Clear()
	assert.Equal(t, 0, s.Len())
	idx := s.Append(Image{Data: []byte("c")})
	assert.Equal(t, 0, idx)
}

func TestListIsSnapshot(t *testing.T) {
	s := New()
	s.Append(Image{Data: []byte("a")})
	snap := s.List()
	s.Append(Image{Data: []byte("b")})
	assert.Len(t, snap, 1)
	assert.Equal(t, 2, s.Len())
}
