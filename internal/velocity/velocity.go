// Package velocity tracks per-provider submission counts over a sliding
// hour, backed by the shared cache so every node sees the same totals.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
)

// ProviderSubmissions1h is the snapshot key read by the burst rule.
const ProviderSubmissions1h = "provider_submissions_1h"

// Service counts claim submissions per provider.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service over cache.
func NewService(cache domain.Cache) *Service {
	return &Service{
		cache:  cache,
		window: time.Hour,
	}
}

// Observe counts ev against its provider and returns the counters to feed
// into the history snapshot. A claim already counted is not counted again.
func (s *Service) Observe(ctx context.Context, ev *domain.ClaimEvent) (map[string]int64, error) {
	if ev.ClaimID == "" || ev.ProviderID == "" {
		return nil, fmt.Errorf("%w: claim and provider ids are required", domain.ErrInvalidInput)
	}

	first, err := s.cache.SetIfAbsent(ctx, seenKey(ev.ClaimID), []byte{1}, s.window)
	if err != nil {
		return nil, fmt.Errorf("failed to mark claim: %w", err)
	}

	var count int64
	if first {
		count, err = s.cache.IncrementCounter(ctx, providerKey(ev.ProviderID), s.window)
	} else {
		count, err = s.cache.GetCounter(ctx, providerKey(ev.ProviderID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to count submissions: %w", err)
	}

	return map[string]int64{ProviderSubmissions1h: count}, nil
}

// ProviderCount returns the current hourly count for a provider.
func (s *Service) ProviderCount(ctx context.Context, providerID string) (int64, error) {
	if providerID == "" {
		return 0, fmt.Errorf("%w: provider id is required", domain.ErrInvalidInput)
	}
	return s.cache.GetCounter(ctx, providerKey(providerID))
}

func providerKey(id string) string { return "velocity:provider:" + id }

func seenKey(claimID string) string { return "velocity:seen:" + claimID }
