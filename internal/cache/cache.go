package cache

import (
	"context"
	"time"

	"tokobase/backend/internal/domain"
)

// ReplayCache front-runs the database on idempotent replays: completed
// responses are mirrored here keyed by (tenant, endpoint, method, key,
// fingerprint). A miss always falls through to the guard table, so the
// cache is purely an optimization and may drop entries at will.
type ReplayCache interface {
	Get(ctx context.Context, key string) (*domain.StoredResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.StoredResponse, ttl time.Duration) error
}

type NoopReplayCache struct{}

func (NoopReplayCache) Get(_ context.Context, _ string) (*domain.StoredResponse, bool, error) {
	return nil, false, nil
}

func (NoopReplayCache) Set(_ context.Context, _ string, _ *domain.StoredResponse, _ time.Duration) error {
	return nil
}
