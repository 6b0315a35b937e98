package health

import (
	"context"
)

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker checks the metrics store.
type StoreChecker struct {
	store Pinger
}

// NewStoreChecker creates a store health checker.
func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{store: store}
}

// Name returns the readiness check key.
func (s *StoreChecker) Name() string { return "database" }

// HealthCheck pings the store.
func (s *StoreChecker) HealthCheck(ctx context.Context) error {
	return s.store.Ping(ctx)
}
