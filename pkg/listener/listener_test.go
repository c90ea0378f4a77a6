package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestHandlesInOrderAndDrains(t *testing.T) {
	in := make(chan int, 10)
	var got []int
	stopped := false

	l := New(in, func(_ context.Context, v int) error {
		got = append(got, v)
		return nil
	}, WithStopHandler[int](func() { stopped = true }))
	l.Start(context.Background())

	for i := 0; i < 5; i++ {
		in <- i
	}
	close(in)
	l.Wait()

	if len(got) != 5 {
		t.Fatalf("handled %d values, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("values out of order: %v", got)
		}
	}
	if !stopped {
		t.Error("stop handler not called")
	}
}

func TestErrorsDoNotStopListener(t *testing.T) {
	in := make(chan int)
	var errs, handled atomic.Int32

	l := New(in, func(_ context.Context, v int) error {
		handled.Add(1)
		if v%2 == 0 {
			return errors.New("even")
		}
		return nil
	}, WithErrorHandler(func(int, error) { errs.Add(1) }))
	l.Start(context.Background())

	for i := 0; i < 4; i++ {
		in <- i
	}
	close(in)
	l.Wait()

	if handled.Load() != 4 || errs.Load() != 2 {
		t.Fatalf("handled %d, errors %d", handled.Load(), errs.Load())
	}
}

func TestStopCancelsHandler(t *testing.T) {
	in := make(chan int, 1)
	started := make(chan struct{})

	l := New(in, func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	l.Start(context.Background())
	in <- 1
	<-started

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}
