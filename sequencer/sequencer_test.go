package sequencer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequencerOrdering(t *testing.T) {
	var running int32
	var seen []int
	seq := New(nil, func(i int) (int, error) {
		require.Equal(t, int32(1), atomic.AddInt32(&running, 1), "invocations overlapped")
		defer atomic.AddInt32(&running, -1)
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		// state is only touched by one invocation at a time
		seen = append(seen, i)
		return len(seen), nil
	})

	const n = 200
	futures := make([]*Future[int], n)
	for i := 0; i < n; i++ {
		futures[i] = seq.Handle(i)
	}
	for i, f := range futures {
		count, err := f.Result()
		require.NoError(t, err)
		// the i-th invocation observes exactly i earlier invocations
		require.Equal(t, i+1, count)
	}
	for i, v := range seen {
		require.Equal(t, i, v)
	}
	require.False(t, seq.Pending())
	require.Zero(t, seq.Queued())
}

func TestSequencerConcurrentCallers(t *testing.T) {
	var mu sync.Mutex
	var order []int
	seq := New(GoExecutor{}, func(i int) (int, error) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		return i * 2, nil
	})

	// callers hand messages over one at a time from a single reader, but
	// results are awaited from many goroutines
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		f := seq.Handle(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Result()
			require.NoError(t, err)
			require.Equal(t, i*2, v)
		}(i)
	}
	wg.Wait()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSequencerFailuresDoNotBlockQueue(t *testing.T) {
	boom := errors.New("boom")
	seq := New(nil, func(i int) (string, error) {
		switch i {
		case 1:
			return "", boom
		case 2:
			panic("kaboom")
		}
		return "ok", nil
	})
	f0, f1, f2, f3 := seq.Handle(0), seq.Handle(1), seq.Handle(2), seq.Handle(3)

	v, err := f0.Result()
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	_, err = f1.Result()
	require.ErrorIs(t, err, boom)

	_, err = f2.Result()
	require.ErrorIs(t, err, ErrPanic)

	v, err = f3.Result()
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestSequencerPendingInvariant(t *testing.T) {
	release := make(chan struct{})
	seq := New(nil, func(i int) (int, error) {
		<-release
		return i, nil
	})
	require.False(t, seq.Pending())
	require.Zero(t, seq.Queued())

	f1 := seq.Handle(1)
	f2 := seq.Handle(2)
	require.True(t, seq.Pending())
	require.Equal(t, 2, seq.Queued())

	close(release)
	_, err := f1.Result()
	require.NoError(t, err)
	_, err = f2.Result()
	require.NoError(t, err)
	require.False(t, seq.Pending())
	require.Zero(t, seq.Queued())
}

func TestSequencerStreamsAreIndependent(t *testing.T) {
	blockA := make(chan struct{})
	defer close(blockA)
	seqA := New(nil, func(int) (int, error) {
		<-blockA
		return 0, nil
	})
	seqB := New(nil, func(i int) (int, error) {
		return i, nil
	})

	fa := seqA.Handle(1)
	fb := seqB.Handle(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := fb.Wait(ctx)
	require.NoError(t, err, "stream B should not wait for stream A")
	require.Equal(t, 2, v)

	select {
	case <-fa.Done():
		t.Fatalf("stream A should still be blocked")
	default:
	}
}

func TestSequencerPoolExecutor(t *testing.T) {
	pool, err := NewPoolExecutor(4)
	require.NoError(t, err)
	defer pool.Release()
	require.Equal(t, 4, pool.Cap())

	var seqs []*Sequencer[int, int]
	for s := 0; s < 8; s++ {
		var last int32 = -1
		seqs = append(seqs, New(Executor(pool), func(i int) (int, error) {
			// each stream still sees its own invocations in order
			prev := atomic.SwapInt32(&last, int32(i))
			return int(prev), nil
		}))
	}
	var futures [][]*Future[int]
	for _, seq := range seqs {
		var fs []*Future[int]
		for i := 0; i < 20; i++ {
			fs = append(fs, seq.Handle(i))
		}
		futures = append(futures, fs)
	}
	for _, fs := range futures {
		for i, f := range fs {
			prev, err := f.Result()
			require.NoError(t, err)
			require.Equal(t, i-1, prev)
		}
	}
}

type failingExecutor struct{}

func (failingExecutor) Submit(func()) error { return errors.New("pool closed") }

func TestSequencerSubmitFailure(t *testing.T) {
	seq := New(failingExecutor{}, func(i int) (int, error) {
		return i, nil
	})
	_, err := seq.Handle(1).Result()
	require.Error(t, err)
	require.False(t, seq.Pending())
}

func TestFuture(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.True(t, f.Complete("a", nil))
	require.False(t, f.Complete("b", nil))
	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, "a", v)

	v, err = Resolved("c", nil).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "c", v)
}

func TestPoolExecutorSubmitNeverBlocks(t *testing.T) {
	pool, err := NewPoolExecutor(1)
	require.NoError(t, err)
	defer pool.Release()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			i := i
			require.NoError(t, pool.Submit(func() {
				defer wg.Done()
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}))
		}
	}()
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatalf("Submit blocked while the only worker was busy")
	}
	require.Equal(t, 1, pool.Running())

	close(block)
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolExecutorRelease(t *testing.T) {
	pool, err := NewPoolExecutor(1)
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	ran := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(ran) }))

	pool.Release()
	// the backlog still runs after Release
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("task submitted before Release never ran")
	}
	require.Error(t, pool.Submit(func() {}))
	close(block)
}
