package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTasksRun(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 16}, zap.NewNop())
	defer p.Stop(time.Second)

	var ran atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		ok := p.TrySubmit(Task{Name: "inc", Fn: func() error {
			if ran.Add(1) == 8 {
				close(done)
			}
			return nil
		}})
		require.True(t, ok)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}
	assert.Equal(t, int64(8), ran.Load())
}

func TestTrySubmitRejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1}, zap.NewNop())
	defer p.Stop(time.Second)

	block := make(chan struct{})
	p.TrySubmit(Task{Name: "blocker", Fn: func() error {
		<-block
		return nil
	}})

	// Fill the queue, then overflow it.
	time.Sleep(10 * time.Millisecond)
	p.TrySubmit(Task{Name: "queued", Fn: func() error { return nil }})

	accepted := p.TrySubmit(Task{Name: "overflow", Fn: func() error { return nil }})
	assert.False(t, accepted)

	_, _, rejected := p.Stats()
	assert.Equal(t, uint64(1), rejected)
	close(block)
}

func TestSubmitAfterStopRejected(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 4}, zap.NewNop())
	require.NoError(t, p.Stop(time.Second))

	assert.False(t, p.TrySubmit(Task{Name: "late", Fn: func() error { return nil }}))
}

func TestPanicRecovered(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 4}, zap.NewNop())
	defer p.Stop(time.Second)

	done := make(chan struct{})
	p.TrySubmit(Task{Name: "panics", Fn: func() error { panic("boom") }})
	p.TrySubmit(Task{Name: "after", Fn: func() error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive the panic")
	}

	_, failed, _ := p.Stats()
	assert.Equal(t, uint64(1), failed)
}
