package run

import (
	"context"
	"testing"
	"time"
)

type countingStore struct {
	Store
	batches     []int
	deleteCalls int
}

func (c *countingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	c.deleteCalls++
	if len(c.batches) == 0 {
		return 0, nil
	}
	n := c.batches[0]
	c.batches = c.batches[1:]
	return n, nil
}

func TestGCNoopWhenDisabled(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(), batches: []int{1000}}
	if err := GC(context.Background(), store, GCConfig{Enable: false}); err != nil {
		t.Fatalf("GC disabled should return nil, got: %v", err)
	}
	if store.deleteCalls != 0 {
		t.Fatalf("expected no delete calls, got %d", store.deleteCalls)
	}
}

func TestGCDrainsFullBatches(t *testing.T) {
	// 两个满批 + 一个收尾批
	store := &countingStore{Store: NewMemoryStore(), batches: []int{1000, 1000, 4}}
	cfg := GCConfig{Enable: true, TTLDays: 90, BatchSize: 1000}
	if err := GC(context.Background(), store, cfg); err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if store.deleteCalls != 3 {
		t.Fatalf("delete calls = %d, want 3", store.deleteCalls)
	}
}

func TestGCStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := &countingStore{Store: NewMemoryStore(), batches: []int{1000, 1000}}
	err := GC(ctx, store, GCConfig{Enable: true, BatchSize: 1000})
	if err == nil {
		t.Fatal("expected context error")
	}
}
