// Package supervisor gives the engine's long-lived tasks a single owner,
// so shutdown is one call instead of N independent stop conditions.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor owns one cancellation context shared by every task it spawns.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New builds a Supervisor whose tasks are cancelled by parent's cancellation
// as well as by Shutdown.
func New(parent context.Context, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log.With().Str("component", "supervisor").Logger()}
}

// Go spawns one named long-lived task. Panics inside fn are recovered,
// logged, and do not bring down the process (fn is still responsible for
// its own inner per-iteration recovery if it wants to keep looping after
// a panic).
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("task", name).Interface("panic", r).Msg("task panicked, not restarted")
			}
		}()
		s.log.Info().Str("task", name).Msg("task starting")
		fn(s.ctx)
		s.log.Info().Str("task", name).Msg("task stopped")
	}()
}

// Shutdown cancels every task's context and waits up to timeout for them
// to return. It reports whether all tasks exited in time.
func (s *Supervisor) Shutdown(timeout time.Duration) bool {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.log.Warn().Dur("timeout", timeout).Msg("shutdown timed out waiting for tasks")
		return false
	}
}

// Context returns the supervisor's shared context, for callers that need
// to derive their own child contexts (e.g. per-request timeouts).
func (s *Supervisor) Context() context.Context {
	return s.ctx
}
