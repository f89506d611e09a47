package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompaction_FailedLevelParksWithBackoff(t *testing.T) {
	e := openTestEngine(t, testOptions(t.TempDir()))
	cm := e.compactor

	require.True(t, e.Health().OK())

	cm.recordFailure(2, errors.New("disk full"))
	assert.True(t, cm.isParked(2))
	assert.False(t, cm.isParked(1))
	assert.Equal(t, []int{2}, cm.parkedLevels())
	assert.Equal(t, int64(1), cm.failures.Load())
	assert.False(t, e.Health().OK())

	// Successive failures double the delay.
	cm.parkedMu.Lock()
	first := cm.parked[2]
	cm.parkedMu.Unlock()
	cm.recordFailure(2, errors.New("disk full"))
	cm.parkedMu.Lock()
	second := cm.parked[2]
	cm.parkedMu.Unlock()
	assert.Equal(t, 2, second.failures)
	assert.True(t, second.until.After(first.until))

	// Success clears both the park and the failure count.
	cm.clearParked(2)
	assert.False(t, cm.isParked(2))
	assert.Empty(t, cm.parkedLevels())
}

func TestCompaction_ParkExpires(t *testing.T) {
	e := openTestEngine(t, testOptions(t.TempDir()))
	cm := e.compactor

	cm.parkedMu.Lock()
	cm.parked[3] = parkState{until: time.Now().Add(-time.Second), failures: 1}
	cm.parkedMu.Unlock()

	assert.False(t, cm.isParked(3))
	assert.Empty(t, cm.parkedLevels())
}

func TestCompaction_TriggerDoesNotBlock(t *testing.T) {
	e := openTestEngine(t, testOptions(t.TempDir()))

	// A pending trigger absorbs further ones without blocking the caller.
	for i := 0; i < 10; i++ {
		e.compactor.Trigger()
	}
}
