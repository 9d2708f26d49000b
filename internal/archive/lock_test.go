package archive

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockSerializes(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lock.Acquire(ctx); err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			defer lock.Release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxActive)
	}
}

func TestLockReleasedAfterError(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	// Simulate a failing operation that releases on its error path.
	err := func() (err error) {
		if err := lock.Acquire(ctx); err != nil {
			return err
		}
		defer lock.Release()
		return context.DeadlineExceeded
	}()
	if err == nil {
		t.Fatal("expected simulated failure")
	}

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := lock.Acquire(acquireCtx); err != nil {
		t.Fatalf("lock not released after error: %v", err)
	}
	lock.Release()
}

func TestLockAcquireHonorsContext(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := lock.Acquire(waitCtx); err == nil {
		t.Fatal("expected context error while lock held")
	}

	lock.Release()

	// The abandoned waiter must not have consumed the hand-off.
	okCtx, cancelOK := context.WithTimeout(ctx, time.Second)
	defer cancelOK()
	if err := lock.Acquire(okCtx); err != nil {
		t.Fatalf("Acquire() after abandoned waiter error = %v", err)
	}
	lock.Release()
}

func TestLockFIFO(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	ready := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ready <- struct{}{}
			if err := lock.Acquire(ctx); err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			lock.Release()
		}(i)
		<-ready
		// Give the goroutine time to enqueue before the next one starts.
		time.Sleep(10 * time.Millisecond)
	}

	lock.Release()
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("wake order = %v, want FIFO", order)
		}
	}
}
