package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunTicksImmediatelyThenRepeats(t *testing.T) {
	ticks := make(chan time.Time, 8)
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.Run(ctx, func(ctx context.Context) error {
			ticks <- time.Now()
			return nil
		})
	}()

	start := time.Now()
	select {
	case first := <-ticks:
		if first.Sub(start) > 50*time.Millisecond {
			t.Fatal("首次 tick 应立即执行")
		}
	case <-time.After(time.Second):
		t.Fatal("首次 tick 未发生")
	}

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("第二次 tick 未发生")
	}
	cancel()
}

func TestRunUsesFailureCooldown(t *testing.T) {
	ticks := make(chan struct{}, 8)
	s := New(Options{Interval: time.Hour, FailureCooldown: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Run(ctx, func(ctx context.Context) error {
			ticks <- struct{}{}
			return errors.New("boom")
		})
	}()

	// with a 1h interval, a second tick can only come via the cooldown path
	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("失败后应在冷却时间后重试, 而不是等待完整间隔")
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消后 Run 应及时返回")
	}
}
