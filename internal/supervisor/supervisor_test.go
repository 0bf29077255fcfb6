package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGoRunsTaskAndShutdownWaitsForCompletion(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	var ran atomic.Bool

	s.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
		ran.Store(true)
	})

	ok := s.Shutdown(time.Second)
	assert.True(t, ok)
	assert.True(t, ran.Load())
}

func TestGoRecoversPanicWithoutHangingShutdown(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())

	s.Go("panics", func(ctx context.Context) {
		panic("boom")
	})

	ok := s.Shutdown(time.Second)
	assert.True(t, ok, "a panicking task must still let Shutdown return promptly")
}

func TestShutdownTimesOutOnSlowTask(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	s.Go("slow", func(ctx context.Context) {
		<-block
	})

	ok := s.Shutdown(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestParentCancellationPropagatesToTasks(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(parent, zerolog.Nop())

	done := make(chan struct{})
	s.Go("child", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled by parent cancellation")
	}
}
