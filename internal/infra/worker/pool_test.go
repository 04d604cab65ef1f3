//go:build !integration

package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := NewPool(2, testLogger())
	p.Start(context.Background())

	var mu sync.Mutex
	var wg sync.WaitGroup
	ran := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	p.Stop()

	if ran != 5 {
		t.Fatalf("ran = %d, want 5", ran)
	}
}

func TestPool_SurvivesPanicsAndErrors(t *testing.T) {
	p := NewPool(1, testLogger())
	p.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(3)
	_ = p.Submit(func(ctx context.Context) error { defer wg.Done(); panic("boom") })
	_ = p.Submit(func(ctx context.Context) error { defer wg.Done(); return errors.New("failed") })
	done := false
	_ = p.Submit(func(ctx context.Context) error { defer wg.Done(); done = true; return nil })
	wg.Wait()
	p.Stop()

	if !done {
		t.Fatal("pool stopped processing after a panic")
	}
}

func TestPool_SubmitWhenFull(t *testing.T) {
	p := NewPool(1, testLogger()) // not started: buffer holds 4
	for i := 0; i < 4; i++ {
		if err := p.Submit(func(context.Context) error { return nil }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := p.Submit(nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}
