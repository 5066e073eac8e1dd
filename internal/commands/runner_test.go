package commands

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerCleanExit(t *testing.T) {
	done := make(chan struct{})
	r := NewRestartableRunner("clean", func(ctx context.Context) error {
		close(done)
		return nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner never ran")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := r.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
}

func TestRunnerRestartsOnError(t *testing.T) {
	var runs atomic.Int32
	r := NewRestartableRunner("crashy", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { r.Stop() })

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("runner restarted %d times, want 2", runs.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	var runs atomic.Int32
	r := NewRestartableRunner("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { r.Stop() })

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("runner did not survive the panic")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerDoubleStart(t *testing.T) {
	r := NewRestartableRunner("dup", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { r.Stop() })

	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded, want error")
	}
}

func TestRunnerStopWithoutStart(t *testing.T) {
	r := NewRestartableRunner("idle", func(ctx context.Context) error { return nil })
	if err := r.Stop(); err != nil {
		t.Errorf("Stop() on a never-started runner failed: %v", err)
	}
}
