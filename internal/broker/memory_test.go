package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskmill/internal/task"
)

func enqueueN(t *testing.T, b Broker, n int, priority int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		d := task.Descriptor{
			ID:       fmt.Sprintf("p%d-%d", priority, i),
			Kind:     "echo",
			Priority: priority,
		}
		if err := b.Enqueue(ctx, d); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestMemoryFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	enqueueN(t, b, 3, 0)
	for i := 0; i < 3; i++ {
		del, err := b.Dequeue(ctx, time.Minute)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		want := fmt.Sprintf("p0-%d", i)
		if del.Task.ID != want {
			t.Fatalf("dequeue order: got %s, want %s", del.Task.ID, want)
		}
		if err := b.Ack(ctx, del.Task.ID, del.Lease); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func TestMemoryPriorityOrdering(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	enqueueN(t, b, 2, 0)
	enqueueN(t, b, 2, 5)

	want := []string{"p5-0", "p5-1", "p0-0", "p0-1"}
	for _, id := range want {
		del, err := b.Dequeue(ctx, time.Minute)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if del.Task.ID != id {
			t.Fatalf("got %s, want %s", del.Task.ID, id)
		}
		if err := b.Ack(ctx, del.Task.ID, del.Lease); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func TestMemoryVisibilityRedelivery(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, task.Descriptor{ID: "t1", Kind: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := b.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.Deliveries != 1 {
		t.Fatalf("deliveries = %d, want 1", first.Deliveries)
	}

	// Don't ack; the lease lapses and the message comes back.
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := b.Dequeue(dctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if second.Task.ID != "t1" {
		t.Fatalf("redelivered id = %s", second.Task.ID)
	}
	if second.Deliveries != 2 {
		t.Fatalf("deliveries = %d, want 2", second.Deliveries)
	}
	if second.Lease == first.Lease {
		t.Fatal("lease was not rotated on redelivery")
	}

	// The first worker's lease is now stale.
	if err := b.Ack(ctx, "t1", first.Lease); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("stale ack error = %v, want ErrLeaseExpired", err)
	}
	if err := b.Ack(ctx, "t1", second.Lease); err != nil {
		t.Fatalf("current ack: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("queue not empty after ack: %d", b.Len())
	}
}

func TestMemoryNackRequeueDelay(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, task.Descriptor{ID: "t1", Kind: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	del, err := b.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := b.Nack(ctx, del.Task.ID, del.Lease, true, 40*time.Millisecond); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Not visible yet.
	qctx, cancel := context.WithTimeout(ctx, 15*time.Millisecond)
	if _, err := b.Dequeue(qctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		cancel()
		t.Fatalf("early dequeue error = %v, want deadline exceeded", err)
	}
	cancel()

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	again, err := b.Dequeue(dctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if again.Task.ID != "t1" || again.Deliveries != 2 {
		t.Fatalf("got %s deliveries=%d", again.Task.ID, again.Deliveries)
	}
}

func TestMemoryNackDropRemoves(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, task.Descriptor{ID: "t1", Kind: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	del, err := b.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := b.Nack(ctx, del.Task.ID, del.Lease, false, 0); err != nil {
		t.Fatalf("nack drop: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("queue not empty after drop: %d", b.Len())
	}
}

func TestMemoryDequeueUnblocksOnEnqueue(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	got := make(chan *Delivery, 1)
	go func() {
		del, err := b.Dequeue(ctx, time.Minute)
		if err == nil {
			got <- del
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Enqueue(ctx, task.Descriptor{ID: "t1", Kind: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case del := <-got:
		if del.Task.ID != "t1" {
			t.Fatalf("got %s", del.Task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not unblock on enqueue")
	}
}

func TestMemoryCloseUnblocksDequeue(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), time.Minute)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
}

func TestMemoryDuplicateID(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()
	if err := b.Enqueue(ctx, task.Descriptor{ID: "dup", Kind: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, task.Descriptor{ID: "dup", Kind: "echo"}); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}
