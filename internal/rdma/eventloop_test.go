package rdma

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventProcessorRunsTasksInOrder(t *testing.T) {
	p, err := NewEventProcessor("test", 4)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	const n = 100
	got := make([]int, 0, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, p.Post(func() {
			got = append(got, i)
			if i == n-1 {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}
	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestEventProcessorWakesFromSleep(t *testing.T) {
	p, err := NewEventProcessor("sleepy", 1)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.Eventually(t, p.sleeping.Load, 5*time.Second, time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, p.Post(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("posted task did not wake the processor")
	}
}

type countingSource struct {
	polls atomic.Int64
	work  atomic.Int64
}

func (s *countingSource) Poll() bool {
	s.polls.Add(1)
	if s.work.Load() > 0 {
		s.work.Add(-1)
		return true
	}
	return false
}

func TestEventProcessorPollsSources(t *testing.T) {
	p, err := NewEventProcessor("sources", 8)
	require.NoError(t, err)
	src := &countingSource{}
	src.work.Store(5)
	require.NoError(t, p.RegisterSource(-1, src))
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return src.work.Load() == 0 }, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, src.polls.Load(), int64(5))

	p.DeregisterSource(src)
	assert.Empty(t, *p.sources.Load())
}

func TestEventProcessorStop(t *testing.T) {
	p, err := NewEventProcessor("stop", 1)
	require.NoError(t, err)
	p.Start()
	p.Stop()

	assert.ErrorIs(t, p.Post(func() {}), ErrProcessorStopped)
	p.Stop()
}
