package farmagent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestGroupGoSafeRestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, groupCtx := newSupervisedGroup(ctx)

	var attempts atomic.Int32
	GroupGoSafe(groupCtx, group, "panicky", func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned %v after recovered panic", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("group did not finish after panic restart")
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("fn ran %d times, want 2", got)
	}
}

func TestGroupGoSafePropagatesErrors(t *testing.T) {
	group, groupCtx := newSupervisedGroup(context.Background())
	boom := errors.New("loop failed")
	GroupGoSafe(groupCtx, group, "failing", func(ctx context.Context) error { return boom })
	GroupGoSafe(groupCtx, group, "waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err := group.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want the loop error", err)
	}
}
