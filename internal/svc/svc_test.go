package svc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmissionOrder(t *testing.T) {
	e := New("test")
	defer e.Stop()

	var got []int
	for i := range 100 {
		require.True(t, e.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, e.Barrier())

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestSync(t *testing.T) {
	e := New("test")
	defer e.Stop()

	v, err := Sync(e, func() (string, error) { return "done", nil })
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	_, err = Sync(e, func() (int, error) { return 0, errors.New("nope") })
	assert.EqualError(t, err, "nope")
}

func TestSyncRecoversPanic(t *testing.T) {
	e := New("test")
	defer e.Stop()

	_, err := Sync(e, func() (int, error) { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	v, err := Sync(e, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v, "executor survives panics")
}

func TestSubmitPanicHook(t *testing.T) {
	e := New("test")
	defer e.Stop()
	var recovered any
	e.OnPanic(func(r any) { recovered = r })

	e.Submit(func() { panic("task") })
	require.NoError(t, e.Barrier())
	assert.Equal(t, "task", recovered)
}

func TestSubmitAfterStopIsNoop(t *testing.T) {
	e := New("test")
	e.Stop()
	e.Stop()

	ran := false
	assert.False(t, e.Submit(func() { ran = true }))
	_, err := Sync(e, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, ran)
	assert.True(t, e.Stopped())
}

func TestStopDrainsQueue(t *testing.T) {
	e := New("test")
	block := make(chan struct{})
	e.Submit(func() { <-block })

	count := 0
	for range 10 {
		e.Submit(func() { count++ })
	}
	go close(block)
	e.Stop()
	assert.Equal(t, 10, count)
}

func TestConcurrentSubmitters(t *testing.T) {
	e := New("test")
	defer e.Stop()

	total := 0
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				e.Submit(func() { total++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.Barrier())
	assert.Equal(t, 1000, total)
}

func TestSubmitFromTask(t *testing.T) {
	e := New("test")
	defer e.Stop()

	var order []string
	e.Submit(func() {
		order = append(order, "outer")
		e.Submit(func() { order = append(order, "inner") })
	})
	require.NoError(t, e.Barrier())
	require.NoError(t, e.Barrier())
	assert.Equal(t, []string{"outer", "inner"}, order)
}
