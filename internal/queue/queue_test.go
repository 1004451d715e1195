package queue

import (
	"context"
	"testing"
	"time"
)

func item(n uint64) AddressBlockExtrinsics {
	return AddressBlockExtrinsics{ChainID: 1, Address: "addr", BlockNumber: n}
}

func TestPopBatchWaitsForNMin(t *testing.T) {
	q := New(Config{NMin: 3, NMax: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := q.Push(ctx, item(1)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := q.Push(ctx, item(2)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	popped := make(chan error, 1)
	go func() {
		_, err := q.PopBatch(ctx)
		popped <- err
	}()

	select {
	case err := <-popped:
		t.Fatalf("PopBatch() returned early with err=%v before NMin reached", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Push(ctx, item(3)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case err := <-popped:
		if err != nil {
			t.Fatalf("PopBatch() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PopBatch() did not return after NMin reached")
	}
}

func TestPopBatchCapsAtNMax(t *testing.T) {
	q := New(Config{NMin: 1, NMax: 2})
	ctx := context.Background()

	for i := uint64(0); i < 5; i++ {
		if err := q.Push(ctx, item(i)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	batch, err := q.PopBatch(ctx)
	if err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}
	if len(batch) != 2 {
		t.Errorf("PopBatch() returned %d items, want 2", len(batch))
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3 remaining", q.Len())
	}
}

func TestPushBlocksAtCapacity(t *testing.T) {
	q := New(Config{NMin: 1, NMax: 1, Capacity: 1})
	ctx := context.Background()

	if err := q.Push(ctx, item(1)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Push(ctx, item(2))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("Push() returned early (err=%v) while queue at capacity", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.PopBatch(ctx); err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push() did not unblock after capacity freed")
	}
}

func TestPushCancelledByContext(t *testing.T) {
	q := New(Config{NMin: 1, NMax: 1, Capacity: 1})
	ctx := context.Background()
	if err := q.Push(ctx, item(1)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := q.Push(cancelCtx, item(2)); err == nil {
		t.Error("Push() error = nil, want context error on cancelled context")
	}
}

func TestRequeuePreservesOrder(t *testing.T) {
	q := New(Config{NMin: 1, NMax: 10})
	ctx := context.Background()

	if err := q.Push(ctx, item(5)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	batch, err := q.PopBatch(ctx)
	if err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}

	if err := q.Push(ctx, item(6)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	q.Requeue(batch)

	got, err := q.PopBatch(ctx)
	if err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}
	if len(got) != 2 || got[0].BlockNumber != 5 || got[1].BlockNumber != 6 {
		t.Errorf("PopBatch() after Requeue = %+v, want [5, 6] in order", got)
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	q := New(Config{NMin: 5, NMax: 5})

	popped := make(chan error, 1)
	go func() {
		_, err := q.PopBatch(context.Background())
		popped <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-popped:
		if err != ErrClosed {
			t.Errorf("PopBatch() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PopBatch() did not unblock on Close")
	}
}
