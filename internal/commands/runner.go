package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feifeigood/swiftlink/internal/log"
)

const (
	runnerStopTimeout = 30 * time.Second
	runnerBaseBackoff = 1 * time.Second
	runnerMaxBackoff  = 30 * time.Second
)

// RestartableRunner supervises one component goroutine, restarting it
// with exponential backoff when it crashes. A crashing admin API must
// not take the resolver down with it.
type RestartableRunner struct {
	name    string
	runFunc func(ctx context.Context) error

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastError error
}

// NewRestartableRunner creates a runner for the named component.
func NewRestartableRunner(name string, runFunc func(ctx context.Context) error) *RestartableRunner {
	return &RestartableRunner{
		name:    name,
		runFunc: runFunc,
	}
}

// Start launches the supervised goroutine.
func (r *RestartableRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("%s is already running", r.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.runLoop(runCtx)
	return nil
}

// Stop cancels the component and waits for it to exit.
func (r *RestartableRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(runnerStopTimeout):
		return fmt.Errorf("%s: timeout waiting for stop", r.name)
	}
}

// LastError returns the most recent error the component exited with.
func (r *RestartableRunner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *RestartableRunner) runLoop(ctx context.Context) {
	defer close(r.done)

	backoff := runnerBaseBackoff

	for {
		err := r.runWithRecovery(ctx)

		r.mu.Lock()
		r.lastError = err
		r.mu.Unlock()

		if err == nil {
			log.Infof("%s: exited cleanly", r.name)
			return
		}
		if ctx.Err() != nil {
			return
		}

		log.Errorf("%s: crashed: %v. Restarting in %v", r.name, err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > runnerMaxBackoff {
			backoff = runnerMaxBackoff
		}
	}
}

func (r *RestartableRunner) runWithRecovery(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return r.runFunc(ctx)
}
