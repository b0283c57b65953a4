package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndContains(t *testing.T) {
	s := NewSet(4)
	assert.False(t, s.Contains(1))
	s.Add(1)
	assert.True(t, s.Contains(1))
}

func TestEvictsOldest(t *testing.T) {
	s := NewSet(2)
	s.Add(1)
	s.Add(2)
	s.Add(3)
	assert.False(t, s.Contains(1))
	assert.True(t, s.Contains(2))
	assert.True(t, s.Contains(3))
}

func TestReset(t *testing.T) {
	s := NewSet(2)
	s.Add(1)
	s.Reset()
	assert.False(t, s.Contains(1))
	assert.Equal(t, 0, s.Len())
}

func TestAddDuplicateIsNoop(t *testing.T) {
	s := NewSet(2)
	s.Add(1)
	s.Add(1)
	assert.Equal(t, 1, s.Len())
}
