package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// LifecycleRunner drives the companion through its lifecycle states:
// it runs the OnStart hook, waits for the context to end, then drains
// the coordinator within a bounded window before running OnStop. Stop
// can be called from any goroutine and is safe to call more than once.
type LifecycleRunner struct {
	state   atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	hooks   Hooks
	drainer Drainer
	timeout time.Duration

	stopMu  sync.Mutex
	stopped bool
	stopErr error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &LifecycleRunner{
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
	r.state.Store(int32(StateNew))
	return r
}

// Run blocks until ctx is cancelled or Stop is called, then performs
// the shutdown sequence. It may be called once per runner.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("runner already started")
	}
	PrintBanner()
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-r.ctx.Done()
	return r.stop()
}

// Stop requests shutdown and waits for the drain to finish.
func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopped {
		return r.stopErr
	}
	r.stopped = true

	r.state.Store(int32(StateDraining))
	if r.drainer != nil {
		done := make(chan struct{})
		go func() {
			_ = r.drainer.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.timeout):
			r.stopErr = errors.New("drain window elapsed")
		}
	}
	if r.hooks.OnStop != nil {
		r.hooks.OnStop()
	}
	r.state.Store(int32(StateStopped))
	return r.stopErr
}
