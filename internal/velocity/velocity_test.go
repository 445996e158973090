package velocity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-finance/axm/internal/cache"
	"github.com/opensource-finance/axm/internal/domain"
)

func TestVelocityService(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(lruCache)
	ctx := context.Background()

	t.Run("NoSubmissions", func(t *testing.T) {
		count, err := svc.ProviderCount(ctx, "PRV-EMPTY")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0, got %d", count)
		}
	})

	t.Run("CountsPerProvider", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			ev := &domain.ClaimEvent{ClaimID: fmt.Sprintf("CLM-A-%d", i), ProviderID: "PRV-A"}
			got, err := svc.Observe(ctx, ev)
			if err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			if got[ProviderSubmissions1h] != int64(i+1) {
				t.Errorf("submission %d: expected %d, got %d", i, i+1, got[ProviderSubmissions1h])
			}
		}

		_, _ = svc.Observe(ctx, &domain.ClaimEvent{ClaimID: "CLM-B-0", ProviderID: "PRV-B"})

		if count, _ := svc.ProviderCount(ctx, "PRV-A"); count != 5 {
			t.Errorf("expected PRV-A count 5, got %d", count)
		}
		if count, _ := svc.ProviderCount(ctx, "PRV-B"); count != 1 {
			t.Errorf("expected PRV-B count 1, got %d", count)
		}
	})

	t.Run("RescoreDoesNotRecount", func(t *testing.T) {
		ev := &domain.ClaimEvent{ClaimID: "CLM-A-0", ProviderID: "PRV-A"}
		got, err := svc.Observe(ctx, ev)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if got[ProviderSubmissions1h] != 5 {
			t.Errorf("expected unchanged count 5, got %d", got[ProviderSubmissions1h])
		}
	})

	t.Run("RequiresIDs", func(t *testing.T) {
		_, err := svc.Observe(ctx, &domain.ClaimEvent{ClaimID: "CLM-X"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := svc.ProviderCount(ctx, ""); err == nil {
			t.Error("expected error for empty provider")
		}
	})
}
