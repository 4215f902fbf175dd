package opserve

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediate_RunsInline(t *testing.T) {
	ran := false
	require.NoError(t, Immediate().Invoke(func() { ran = true }))
	assert.True(t, ran)
}

func TestPoolStrategy_RunsEveryTaskOnce(t *testing.T) {
	s, err := NewPoolStrategy(PoolConfig{Size: 4})
	require.NoError(t, err)
	defer func() { _ = s.Release(time.Second) }()

	const n = 100
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.Invoke(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, n, count.Load())
}

func TestPoolStrategy_NonBlockingOverload(t *testing.T) {
	s, err := NewPoolStrategy(PoolConfig{Size: 1, NonBlocking: true})
	require.NoError(t, err)
	defer func() { _ = s.Release(time.Second) }()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Invoke(func() {
		close(started)
		<-release
	}))
	<-started

	ran := false
	err = s.Invoke(func() { ran = true })
	assert.ErrorIs(t, err, ErrScheduleRejected)
	assert.ErrorIs(t, err, ants.ErrPoolOverload)
	close(release)
	assert.False(t, ran)
}

func TestPoolStrategy_RateGate(t *testing.T) {
	s, err := NewPoolStrategy(PoolConfig{Size: 2, Rate: 0.001, Burst: 1})
	require.NoError(t, err)
	defer func() { _ = s.Release(time.Second) }()

	done := make(chan struct{})
	require.NoError(t, s.Invoke(func() { close(done) }))
	<-done

	err = s.Invoke(func() {})
	assert.ErrorIs(t, err, ErrScheduleRejected)
}

func TestPoolStrategy_RejectsAfterRelease(t *testing.T) {
	s, err := NewPoolStrategy(PoolConfig{Size: 1})
	require.NoError(t, err)
	require.NoError(t, s.Release(time.Second))

	err = s.Invoke(func() {})
	assert.ErrorIs(t, err, ErrScheduleRejected)
	assert.ErrorIs(t, err, ants.ErrPoolClosed)
}

func TestNewStrategy(t *testing.T) {
	st, err := NewStrategy(InvocationConfig{Mode: ModeImmediate}, nil)
	require.NoError(t, err)
	assert.IsType(t, immediate{}, st)

	st, err = NewStrategy(InvocationConfig{Mode: ModePool, PoolSize: 2}, nil)
	require.NoError(t, err)
	pool, ok := st.(*PoolStrategy)
	require.True(t, ok)
	assert.NoError(t, pool.Release(time.Second))

	_, err = NewStrategy(InvocationConfig{Mode: "threads"}, nil)
	assert.Error(t, err)
}
