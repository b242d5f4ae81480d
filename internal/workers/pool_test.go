package workers

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := New(2, zaptest.NewLogger(t))

	var running, peak int32
	release := make(chan struct{})
	var started sync.WaitGroup

	for i := 0; i < 6; i++ {
		started.Add(1)
		err := pool.Submit(func() {
			defer started.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	started.Wait()
	pool.Close()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestPool_CloseWaitsAndRejects(t *testing.T) {
	pool := New(1, nil)

	var done atomic.Bool
	if err := pool.Submit(func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	pool.Close()
	if !done.Load() {
		t.Error("Close() returned before the task finished")
	}

	if err := pool.Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() after Close = %v, want ErrPoolClosed", err)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := New(1, zaptest.NewLogger(t))

	_ = pool.Submit(func() { panic("boom") })

	ran := make(chan struct{})
	_ = pool.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
	pool.Close()
}

func TestNew_DefaultSize(t *testing.T) {
	if got := New(0, nil).Size(); got != DefaultSize {
		t.Errorf("Size() = %d, want %d", got, DefaultSize)
	}
}
