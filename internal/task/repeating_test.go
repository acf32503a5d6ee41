package task

import (
	"github.com/stretchr/testify/assert"
	"sync/atomic"
	"testing"
	"time"
)

func TestRepeatingTask(t *testing.T) {
	var runs atomic.Int32
	repeating := NewRepeating(func() { runs.Add(1) }, 10*time.Millisecond)

	repeating.Start()
	repeating.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	repeating.Stop(false)
	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())

	repeating.Stop(true)
	assert.Equal(t, stopped, runs.Load(), "stopping a stopped task is a no-op")
}

func TestStopForceExec(t *testing.T) {
	var runs atomic.Int32
	repeating := NewRepeating(func() { runs.Add(1) }, time.Hour)

	repeating.Start()
	repeating.Stop(true)
	assert.Equal(t, int32(1), runs.Load())

	repeating.Start()
	repeating.Stop(false)
	assert.Equal(t, int32(1), runs.Load())
}
