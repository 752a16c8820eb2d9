package job

import "time"

// DefaultFaultTolerance is the attempt budget used when none is given
const DefaultFaultTolerance = 3

// Options configures per-job priority, retry budget and initial delay
type Options struct {
	// Priority is the ordinal level, mapped onto the broker range at publish time.
	Priority Priority `json:"priority"`

	// FaultTolerance is the maximum number of handler invocations before the
	// job is dead-lettered.
	FaultTolerance int `json:"fault_tolerance"`

	// Delay postpones visibility of the first publish only.
	Delay time.Duration `json:"delay,omitempty"`
}

// DefaultOptions returns Options with the default fault tolerance and Normal priority
func DefaultOptions() Options {
	return Options{
		Priority:       Normal,
		FaultTolerance: DefaultFaultTolerance,
	}
}

// Option is a functional option for building Options
type Option func(*Options)

// NewOptions builds Options from DefaultOptions and the given overrides
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPriority sets the priority level
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithFaultTolerance sets the maximum number of attempts
func WithFaultTolerance(n int) Option {
	return func(o *Options) { o.FaultTolerance = n }
}

// WithDelay sets the initial visibility delay
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// Normalize fills zero or invalid fields with defaults. A non-positive
// fault tolerance becomes defaultFaultTolerance.
func (o Options) Normalize(defaultFaultTolerance int) Options {
	if defaultFaultTolerance <= 0 {
		defaultFaultTolerance = DefaultFaultTolerance
	}
	if o.FaultTolerance <= 0 {
		o.FaultTolerance = defaultFaultTolerance
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}
