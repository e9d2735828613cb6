package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", NumWorkers: 4, QueueSize: 8, PanicRecovery: true}, zap.NewNop())
	p.Start(context.Background())

	var n atomic.Int64
	for i := 0; i < 100; i++ {
		if err := p.Submit(context.Background(), TaskFunc(func() error {
			n.Add(1)
			return nil
		})); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Wait()

	if n.Load() != 100 {
		t.Errorf("executed = %d, want 100", n.Load())
	}
	if p.Completed() != 100 || p.Failed() != 0 {
		t.Errorf("completed=%d failed=%d", p.Completed(), p.Failed())
	}
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(DefaultPoolConfig("test"), zap.NewNop())
	p.Start(context.Background())

	p.Submit(context.Background(), TaskFunc(func() error { return errors.New("boom") }))
	p.Submit(context.Background(), TaskFunc(func() error { return nil }))
	p.Wait()

	if p.Failed() != 1 || p.Completed() != 1 {
		t.Errorf("completed=%d failed=%d, want 1/1", p.Completed(), p.Failed())
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", NumWorkers: 2, QueueSize: 4, PanicRecovery: true}, zap.NewNop())
	p.Start(context.Background())

	p.Submit(context.Background(), TaskFunc(func() error { panic("kaboom") }))
	p.Submit(context.Background(), TaskFunc(func() error { return nil }))
	p.Wait()

	if p.Failed() != 1 {
		t.Errorf("failed = %d, want 1 from recovered panic", p.Failed())
	}
	if p.Completed() != 1 {
		t.Errorf("completed = %d, want 1 after panic", p.Completed())
	}
}

func TestSubmitBeforeStartFails(t *testing.T) {
	p := NewPool(DefaultPoolConfig("test"), zap.NewNop())
	if err := p.Submit(context.Background(), TaskFunc(func() error { return nil })); err == nil {
		t.Error("submit before Start must fail")
	}
}
