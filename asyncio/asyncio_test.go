package asyncio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestQueueDeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	vals := []int{1, 2, 3}
	i := 0
	q := NewQueue(context.Background(), 4, func() (int, error) {
		if i >= len(vals) {
			return 0, io.EOF
		}
		v := vals[i]
		i++
		return v, nil
	})
	defer q.Close()

	for _, want := range vals {
		got, err := q.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("got %d want %d", got, want)
		}
	}

	if _, err := q.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exhaustion, got %v", err)
	}
}

func TestQueueNextRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	q := NewQueue(context.Background(), 1, func() (int, error) {
		<-block
		return 0, io.EOF
	})
	defer func() {
		close(block)
		q.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueSurfacesDecodeError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	q := NewQueue(context.Background(), 1, func() (int, error) {
		return 0, boom
	})
	defer q.Close()

	_, err := q.Next(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
