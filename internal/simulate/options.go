package simulate

import "github.com/okian/benchrank/pkg/logger"

// Option configures Load, RunLocal and SaveDataset.
type Option func(*options)

type options struct {
	logger logger.Logger
}

// WithLogger sets the logger progress is reported to. Without it nothing is logged.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
