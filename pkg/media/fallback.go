package media

import (
	"context"

	"github.com/dmrduck/coordinator/internal/resilience"
)

// FallbackPlatform wraps a primary [Platform] and zero or more fallback
// platforms (e.g. a secondary SFU region) behind a [resilience.FallbackGroup].
// Connect tries the primary first; if its circuit breaker is open or the
// call fails, the next registered fallback is tried in order.
//
// FallbackPlatform implements [Platform], so the Session Controller drives it
// exactly like any single platform and never observes the failover directly.
type FallbackPlatform struct {
	group *resilience.FallbackGroup[Platform]
}

// NewFallbackPlatform creates a FallbackPlatform with primary as the first
// entry, named primaryName for logging and circuit-breaker identification.
func NewFallbackPlatform(primary Platform, primaryName string, cfg resilience.FallbackConfig) *FallbackPlatform {
	return &FallbackPlatform{group: resilience.NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional platform to try, in order, after the
// primary and any previously added fallbacks.
func (f *FallbackPlatform) AddFallback(name string, p Platform) {
	f.group.AddFallback(name, p)
}

// Connect tries each registered platform in order until one connects
// successfully.
func (f *FallbackPlatform) Connect(ctx context.Context, channelID string) (Connection, error) {
	return resilience.ExecuteWithResult(f.group, func(p Platform) (Connection, error) {
		return p.Connect(ctx, channelID)
	})
}

var _ Platform = (*FallbackPlatform)(nil)
