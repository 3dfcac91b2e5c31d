package repository

import (
	"time"

	"github.com/okian/benchrank/pkg/logger"
)

// MemoryOption applies a configuration option to the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used to stamp recorded inputs.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// ProjectionOption applies a configuration option to Projections.
type ProjectionOption func(*Projections)

// WithRefreshInterval sets how often Start reloads the published views.
func WithRefreshInterval(interval time.Duration) ProjectionOption {
	return func(p *Projections) {
		if interval > 0 {
			p.refreshInterval = interval
		}
	}
}

// WithProjectionLogger sets the projections logger.
func WithProjectionLogger(l logger.Logger) ProjectionOption {
	return func(p *Projections) {
		if l != nil {
			p.logger = l
		}
	}
}
