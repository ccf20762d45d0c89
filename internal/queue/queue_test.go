package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitRunsImmediately(t *testing.T) {
	q := New[string](Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: time.Second})

	got, err := q.Submit(context.Background(), func(context.Context) (string, error) {
		return "done", nil
	})
	if err != nil || got != "done" {
		t.Fatalf("unexpected result: %q %v", got, err)
	}
	if s := q.Stats(); s.Active != 0 || s.Waiting != 0 {
		t.Fatalf("slot should be released: %#v", s)
	}
}

func TestSubmitPropagatesJobError(t *testing.T) {
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 0, QueueTimeout: time.Second})
	jobErr := errors.New("job failed")

	_, err := q.Submit(context.Background(), func(context.Context) (int, error) {
		return 0, jobErr
	})
	if !errors.Is(err, jobErr) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestQueueFullAndTimeout(t *testing.T) {
	// maxConcurrent=1, maxQueueSize=1, queueTimeout=100ms, job 1 takes 500ms
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	job1Done := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, func(context.Context) (int, error) {
			time.Sleep(500 * time.Millisecond)
			return 1, nil
		})
		job1Done <- err
	}()
	waitFor(t, func() bool { return q.Stats().Active == 1 })

	job2Done := make(chan error, 1)
	var job2Ran atomic.Bool
	go func() {
		_, err := q.Submit(ctx, func(context.Context) (int, error) {
			job2Ran.Store(true)
			return 2, nil
		})
		job2Done <- err
	}()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })

	var job3Ran atomic.Bool
	_, err := q.Submit(ctx, func(context.Context) (int, error) {
		job3Ran.Store(true)
		return 3, nil
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("job 3 should be rejected with ErrQueueFull, got %v", err)
	}
	if job3Ran.Load() {
		t.Fatal("rejected job must not run")
	}

	if err := <-job2Done; !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("job 2 should time out in the queue, got %v", err)
	}
	if job2Ran.Load() {
		t.Fatal("timed-out job must not run")
	}
	if q.Stats().Waiting != 0 {
		t.Fatal("timed-out job should be removed from the line")
	}

	if err := <-job1Done; err != nil {
		t.Fatalf("job 1 failed: %v", err)
	}
	waitFor(t, func() bool { return q.Stats().Active == 0 })
}

func TestActiveNeverExceedsMax(t *testing.T) {
	const maxConcurrent = 3
	q := New[int](Config{MaxConcurrent: maxConcurrent, MaxQueueSize: 50, QueueTimeout: 5 * time.Second})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), func(context.Context) (int, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if s := q.Stats(); s.Active > maxConcurrent {
					t.Errorf("active = %d exceeds max", s.Active)
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return 0, nil
			})
			if err != nil {
				t.Errorf("submit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > maxConcurrent {
		t.Fatalf("peak concurrency %d exceeds %d", peak.Load(), maxConcurrent)
	}
	if s := q.Stats(); s.Active != 0 || s.Waiting != 0 {
		t.Fatalf("queue should be idle: %#v", s)
	}
}

func TestWaitingLineIsFIFO(t *testing.T) {
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 10, QueueTimeout: 5 * time.Second})
	ctx := context.Background()

	release := make(chan struct{})
	go func() {
		_, _ = q.Submit(ctx, func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
	}()
	waitFor(t, func() bool { return q.Stats().Active == 1 })

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = q.Submit(ctx, func(context.Context) (int, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return n, nil
			})
		}(i)
		waitFor(t, func() bool { return q.Stats().Waiting == i })
	}

	close(release)
	wg.Wait()

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("jobs ran out of arrival order: %v", order)
		}
	}
}

func TestCancelWhileWaiting(t *testing.T) {
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})

	release := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
	}()
	waitFor(t, func() bool { return q.Stats().Active == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, func(context.Context) (int, error) { return 0, nil })
		done <- err
	}()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if q.Stats().Waiting != 0 {
		t.Fatal("canceled task should leave the line")
	}

	close(release)
	waitFor(t, func() bool { return q.Stats().Active == 0 })
}

func TestAdmittedTaskIgnoresLateTimer(t *testing.T) {
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: time.Second})

	w := &waiter{state: stateAdmitted, admit: make(chan struct{}), expired: make(chan struct{})}
	q.expire(w)

	select {
	case <-w.expired:
		t.Fatal("admitted task must not be settled as expired")
	default:
	}
	if w.state != stateAdmitted {
		t.Fatalf("state changed to %v", w.state)
	}
}

func TestPanicIsContained(t *testing.T) {
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 0, QueueTimeout: time.Second})

	_, err := q.Submit(context.Background(), func(context.Context) (int, error) {
		panic("worker exploded")
	})
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if q.Stats().Active != 0 {
		t.Fatal("slot should be released after panic")
	}
	if !q.HasCapacity() {
		t.Fatal("queue should have capacity again")
	}
}

func TestSubmitNotifyOnlyWhenQueued(t *testing.T) {
	q := New[int](Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})
	ctx := context.Background()

	var immediate int32
	_, _ = q.SubmitNotify(ctx, func(context.Context) (int, error) { return 0, nil }, func() {
		atomic.AddInt32(&immediate, 1)
	})
	if atomic.LoadInt32(&immediate) != 0 {
		t.Fatal("a job admitted immediately must not be reported as queued")
	}

	release := make(chan struct{})
	go func() {
		_, _ = q.Submit(ctx, func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
	}()
	waitFor(t, func() bool { return q.Stats().Active == 1 })

	var steps []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.SubmitNotify(ctx, func(context.Context) (int, error) {
			steps = append(steps, "run")
			return 0, nil
		}, func() { steps = append(steps, "queued") })
	}()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })
	close(release)
	<-done

	if len(steps) != 2 || steps[0] != "queued" || steps[1] != "run" {
		t.Fatalf("unexpected steps: %v", steps)
	}

	// 満杯で拒否された場合も通知しない
	block := make(chan struct{})
	defer close(block)
	go func() {
		_, _ = q.Submit(ctx, func(context.Context) (int, error) { <-block; return 0, nil })
	}()
	waitFor(t, func() bool { return q.Stats().Active == 1 })
	go func() {
		_, _ = q.Submit(ctx, func(context.Context) (int, error) { return 0, nil })
	}()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })
	var rejected int32
	_, err := q.SubmitNotify(ctx, func(context.Context) (int, error) { return 0, nil }, func() {
		atomic.AddInt32(&rejected, 1)
	})
	if !errors.Is(err, ErrQueueFull) || atomic.LoadInt32(&rejected) != 0 {
		t.Fatalf("full queue: err=%v notified=%d", err, rejected)
	}
}
