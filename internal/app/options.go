package service

import (
	"time"

	"github.com/okian/benchrank/internal/adapters/mq/events"
	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/domain/elo"
	"github.com/okian/benchrank/internal/domain/trust"
	"github.com/okian/benchrank/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithEngine sets the ELO engine.
func WithEngine(e *elo.Engine) Option {
	return func(s *Service) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithAggregator sets the trust aggregator.
func WithAggregator(a *trust.Aggregator) Option {
	return func(s *Service) {
		if a != nil {
			s.aggregator = a
		}
	}
}

// WithProjections sets the read-side projections.
func WithProjections(p *repository.Projections) Option {
	return func(s *Service) {
		if p != nil {
			s.projections = p
		}
	}
}

// WithPublisher sets where epoch.published events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithHolder sets the identity written into the run lock.
func WithHolder(holder string) Option {
	return func(s *Service) {
		if holder != "" {
			s.holder = holder
		}
	}
}

// WithMaxSkipRatio sets the largest tolerated share of malformed signals.
func WithMaxSkipRatio(r float64) Option {
	return func(s *Service) {
		if r >= 0 && r <= 1 {
			s.maxSkipRatio = r
		}
	}
}

// WithHeartbeatInterval sets how often a running computation refreshes its lease.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.heartbeatEvery = d
		}
	}
}

// WithRetention sets how many SUCCEEDED epochs keep their rows and how long
// FAILED epochs are kept before pruning.
func WithRetention(succeeded int, failed time.Duration) Option {
	return func(s *Service) {
		if succeeded > 0 {
			s.retainSucceeded = succeeded
		}
		if failed >= 0 {
			s.failedRetention = failed
		}
	}
}

// WithGC sets the garbage collector's worker count and queue size.
func WithGC(workers, queueSize int) Option {
	return func(s *Service) {
		if workers > 0 {
			s.gcWorkers = workers
		}
		if queueSize > 0 {
			s.gcQueueSize = queueSize
		}
	}
}

// WithClock sets the clock used for read horizons and epoch timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
