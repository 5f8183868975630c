package sysstat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestCollectReportsOwnProcess(t *testing.T) {
	c := NewCollector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := c.Collect()

	if s.Goroutines <= 0 {
		t.Fatalf("expected goroutine count, got %d", s.Goroutines)
	}
	if s.ProcessRSSMB <= 0 {
		t.Fatalf("expected non-zero RSS, got %v", s.ProcessRSSMB)
	}
	if s.RAMTotalMB > 0 && s.RAMUsedMB > s.RAMTotalMB {
		t.Fatalf("used RAM %v exceeds total %v", s.RAMUsedMB, s.RAMTotalMB)
	}
}

func TestRunCallsSinkUntilCancelled(t *testing.T) {
	c := NewCollector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan Stats, 8)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond, func(s Stats) {
			select {
			case got <- s:
			default:
			}
		})
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("sink not called")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
