package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestStoreChecker(t *testing.T) {
	ok := NewStoreChecker(fakePinger{})
	if ok.Name() != "database" {
		t.Errorf("Name() = %q, want database", ok.Name())
	}
	if err := ok.HealthCheck(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	down := errors.New("connection refused")
	if err := NewStoreChecker(fakePinger{err: down}).HealthCheck(context.Background()); !errors.Is(err, down) {
		t.Errorf("expected %v, got %v", down, err)
	}
}

func TestQueueChecker(t *testing.T) {
	depth := 0
	c := NewQueueChecker("ingest_queue", func() int { return depth }, 10)

	tests := []struct {
		depth   int
		wantErr bool
	}{
		{0, false},
		{10, false},
		{11, true},
	}
	for _, tt := range tests {
		depth = tt.depth
		err := c.HealthCheck(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("depth %d: err = %v, wantErr %v", tt.depth, err, tt.wantErr)
		}
	}
}

func TestQueueChecker_NoLimit(t *testing.T) {
	c := NewQueueChecker("replay_queue", func() int { return 1 << 20 }, 0)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected no error without a limit, got %v", err)
	}
}
