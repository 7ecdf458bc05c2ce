package fiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionVariableNotifyOrder(t *testing.T) {
	l := newLoop(t)
	pool := NewPool(l, 4)
	defer pool.Close()
	cv := NewConditionVariable()

	var woke []int
	l.do(t, func() {
		for i := 0; i < 3; i++ {
			i := i
			require.NoError(t, pool.Go(func(f *Fiber) {
				require.NoError(t, cv.Wait(f))
				woke = append(woke, i)
			}))
		}
	})
	assert.Equal(t, 3, cv.Len())
	assert.ErrorIs(t, cv.Close(), ErrWaitersParked)

	l.do(t, func() { assert.True(t, cv.NotifyOne()) })
	l.do(t, func() {})
	assert.Equal(t, []int{0}, woke)

	l.do(t, func() { assert.Equal(t, 2, cv.NotifyAll()) })
	l.do(t, func() {})
	assert.Equal(t, []int{0, 1, 2}, woke)

	assert.False(t, cv.NotifyOne())
	assert.Zero(t, cv.NotifyAll())
	require.NoError(t, cv.Close())
	assert.Zero(t, pool.Active())
}

func TestConditionVariableNotifyFromFiber(t *testing.T) {
	l := newLoop(t)
	pool := NewPool(l, 4)
	defer pool.Close()
	cv := NewConditionVariable()

	var trace []string
	l.do(t, func() {
		require.NoError(t, pool.Go(func(f *Fiber) {
			trace = append(trace, "wait")
			require.NoError(t, cv.Wait(f))
			trace = append(trace, "woken")
		}))
		require.NoError(t, pool.Go(func(f *Fiber) {
			trace = append(trace, "notify")
			cv.NotifyOne()
			trace = append(trace, "notified")
		}))
	})
	l.do(t, func() {})
	assert.Equal(t, []string{"wait", "notify", "notified", "woken"}, trace)
}

func TestConditionVariableWaitConsumesPendingWakeup(t *testing.T) {
	l := newLoop(t)
	f := New(l)
	defer f.Close()
	cv := NewConditionVariable()

	var trace []string
	l.do(t, func() {
		require.NoError(t, f.Execute(func(f *Fiber) {
			require.NoError(t, f.Unblock())
			require.NoError(t, cv.Wait(f))
			trace = append(trace, "cv returned")
			require.NoError(t, f.Wait())
			trace = append(trace, "resumed")
		}))
	})
	assert.Equal(t, []string{"cv returned"}, trace)
	assert.Zero(t, cv.Len())
	assert.Equal(t, StateWaiting, f.State())

	// The fiber now waits for something else; the condition variable must
	// not wake it.
	l.do(t, func() { assert.False(t, cv.NotifyOne()) })
	l.do(t, func() {})
	assert.Equal(t, []string{"cv returned"}, trace)
	assert.Equal(t, StateWaiting, f.State())

	l.do(t, func() { require.NoError(t, f.Resume()) })
	assert.Equal(t, []string{"cv returned", "resumed"}, trace)
	require.NoError(t, cv.Close())
}
