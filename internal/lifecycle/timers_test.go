package lifecycle

import (
	"testing"
	"time"

	"liveroom/internal/clock"
	"liveroom/internal/testsupport/clocktest"

	"github.com/stretchr/testify/assert"
)

func TestTimerRegistryFiresOnce(t *testing.T) {
	manual := clocktest.New(testStart)
	var counts []int
	registry := NewTimerRegistry(manual, func(n int) { counts = append(counts, n) })

	fired := 0
	registry.Arm("room", time.Minute, func() { fired++ })
	assert.True(t, registry.Armed("room"))

	manual.Advance(time.Minute)
	manual.Advance(time.Minute)
	assert.Equal(t, 1, fired)
	assert.False(t, registry.Armed("room"))
	assert.Equal(t, []int{1, 0}, counts)
}

func TestTimerRegistryArmReplacesExisting(t *testing.T) {
	manual := clocktest.New(testStart)
	registry := NewTimerRegistry(manual, nil)

	var fired []string
	registry.Arm("room", time.Minute, func() { fired = append(fired, "first") })
	registry.Arm("room", 2*time.Minute, func() { fired = append(fired, "second") })
	assert.Equal(t, 1, registry.Len())

	manual.Advance(time.Minute)
	assert.Empty(t, fired)
	manual.Advance(time.Minute)
	assert.Equal(t, []string{"second"}, fired)
}

func TestTimerRegistryDisarm(t *testing.T) {
	manual := clocktest.New(testStart)
	registry := NewTimerRegistry(manual, nil)

	fired := false
	registry.Arm("room", time.Minute, func() { fired = true })
	assert.True(t, registry.Disarm("room"))
	assert.False(t, registry.Disarm("room"))

	manual.Advance(time.Hour)
	assert.False(t, fired)
}

// fakeTimer never stops, modelling a callback that has already started
// when Stop is called.
type fakeTimer struct{}

func (fakeTimer) Stop() bool { return false }

type capturingClock struct {
	callbacks []func()
}

func (c *capturingClock) Now() time.Time { return testStart }

func (c *capturingClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.callbacks = append(c.callbacks, f)
	return fakeTimer{}
}

func TestTimerRegistryIgnoresStaleCallback(t *testing.T) {
	captured := &capturingClock{}
	registry := NewTimerRegistry(captured, nil)

	var fired []string
	registry.Arm("room", time.Minute, func() { fired = append(fired, "stale") })
	registry.Arm("room", time.Minute, func() { fired = append(fired, "current") })

	captured.callbacks[0]()
	assert.Empty(t, fired)
	assert.True(t, registry.Armed("room"))

	registry.Disarm("room")
	captured.callbacks[1]()
	assert.Empty(t, fired)
}

func TestTimerRegistryStop(t *testing.T) {
	manual := clocktest.New(testStart)
	registry := NewTimerRegistry(manual, nil)
	fired := false
	registry.Arm("a", time.Minute, func() { fired = true })
	registry.Stop()
	registry.Arm("b", time.Minute, func() { fired = true })

	manual.Advance(time.Hour)
	assert.False(t, fired)
	assert.Zero(t, registry.Len())
}
