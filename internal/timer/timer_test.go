package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = time.Second

func TestAfter_FiresOnce(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var calls atomic.Int32
	h := s.After(time.Second, func() { calls.Add(1) })

	mock.Add(500 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	mock.Add(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, time.Millisecond)
	assert.True(t, h.Done())
	assert.False(t, h.Cancel(), "cancel after firing is a no-op")
}

func TestAfter_CancelPreventsRun(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var calls atomic.Int32
	h := s.After(time.Second, func() { calls.Add(1) })
	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestEvery_RepeatsUntilCancelled(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var calls atomic.Int32
	h := s.Every(50*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 3; i++ {
		mock.Add(50 * time.Millisecond)
		want := int32(i + 1)
		assert.Eventually(t, func() bool { return calls.Load() >= want }, eventually, time.Millisecond)
	}

	h.Cancel()
	got := calls.Load()
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, got, calls.Load())
}

func TestGroup_CloseCancelsEverything(t *testing.T) {
	mock := clock.NewMock()
	g := NewGroup(New(mock))

	var calls atomic.Int32
	_, err := g.After(time.Second, func() { calls.Add(1) })
	require.NoError(t, err)
	_, err = g.Every(100*time.Millisecond, func() { calls.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 2, g.Pending())

	g.Close()
	g.Close()
	assert.True(t, g.Closed())
	assert.Equal(t, 0, g.Pending())

	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	_, err = g.After(time.Second, func() {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGroup_ForgetsFiredTasks(t *testing.T) {
	mock := clock.NewMock()
	g := NewGroup(New(mock))

	fired := make(chan struct{})
	_, err := g.After(time.Second, func() { close(fired) })
	require.NoError(t, err)

	mock.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(eventually):
		t.Fatal("task did not fire")
	}
	assert.Equal(t, 0, g.Pending())
}
