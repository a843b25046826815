package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRunner) RunDueSteps(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 1, r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeDrainer struct {
	mu      sync.Mutex
	kick    chan struct{}
	pending []int
	passes  int
}

func (d *fakeDrainer) DrainOnce(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passes++
	if len(d.pending) == 0 {
		return 0, nil
	}
	n := d.pending[0]
	d.pending = d.pending[1:]
	return n, nil
}

func (d *fakeDrainer) Kicks() <-chan struct{} { return d.kick }

func (d *fakeDrainer) queue(batches ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, batches...)
}

func (d *fakeDrainer) drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) == 0
}

func TestSequenceSchedulerRunsOnEveryTick(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}
	s := NewSequenceScheduler(runner, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestWebhookWorkerDrainsOnKick(t *testing.T) {
	d := &fakeDrainer{kick: make(chan struct{}, 1)}
	w := NewWebhookWorker(d, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	d.queue(50, 50, 3)
	d.kick <- struct{}{}

	assert.Eventually(t, d.drained, time.Second, 5*time.Millisecond)
}

func TestDefaultsForZeroIntervals(t *testing.T) {
	assert.Equal(t, time.Minute, NewSequenceScheduler(&fakeRunner{}, 0).Interval)
	assert.Equal(t, 15*time.Second, NewWebhookWorker(&fakeDrainer{}, 0).Interval)
}
