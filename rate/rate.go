package rate

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Config struct {
	// Minimum gap between two admitted calls.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// Length of the rolling window MaxCalls applies to.
	Window time.Duration `yaml:"window" json:"window"`

	// Maximum admitted calls within any rolling Window.
	MaxCalls int `yaml:"max_calls" json:"max_calls"`
}

func DefaultConfig() Config {
	return Config{
		Cooldown: 2 * time.Second,
		Window:   time.Minute,
		MaxCalls: 10,
	}
}

func (c Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative: %v", c.Cooldown)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive: %v", c.Window)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("max calls must be at least 1: %d", c.MaxCalls)
	}
	return nil
}

type Reason string

const (
	ReasonCooldown Reason = "cooldown"
	ReasonQuota    Reason = "quota"
)

type Decision struct {
	Allowed bool

	// Why the call was denied. Empty when allowed.
	Reason Reason

	// How long until a call would be admitted. Zero when allowed.
	Wait time.Duration
}

type Status struct {
	Config        Config
	CallsInWindow int
	LastCall      time.Time
}

// Limiter is a process-wide sliding window limiter with a cooldown between
// calls. It never sleeps; callers decide whether to wait or give up.
type Limiter struct {
	mu sync.Mutex

	config Config

	// Admitted call times, oldest first.
	calls    []time.Time
	lastCall time.Time

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewLimiter(config Config, logger *zap.SugaredLogger) (*Limiter, error) {
	return newLimiterWithClock(config, clock.New(), logger)
}

func newLimiterWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %v", err)
	}
	return &Limiter{
		config: config,
		clock:  clk,
		logger: logger,
	}, nil
}

// CanProceed reports whether a call made now would be admitted. It does not
// record anything.
func (l *Limiter) CanProceed() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.check(l.clock.Now())
}

// RecordCall marks a call as made now.
func (l *Limiter) RecordCall() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record(l.clock.Now())
}

// Acquire checks and records under one lock, so two callers can never both
// take the last slot.
func (l *Limiter) Acquire() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	decision := l.check(now)
	if decision.Allowed {
		l.record(now)
	}
	return decision
}

// Reconfigure swaps the limits at runtime. Recorded calls are kept and count
// against the new limits.
func (l *Limiter) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = config
	l.purge(l.clock.Now())
	l.logger.Infow("Rate limit reconfigured",
		"cooldown", config.Cooldown, "window", config.Window, "max_calls", config.MaxCalls)
	return nil
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purge(l.clock.Now())
	return Status{
		Config:        l.config,
		CallsInWindow: len(l.calls),
		LastCall:      l.lastCall,
	}
}

// Must hold l.mu.
func (l *Limiter) check(now time.Time) Decision {
	l.purge(now)

	var cooldownWait time.Duration
	if !l.lastCall.IsZero() {
		if since := now.Sub(l.lastCall); since < l.config.Cooldown {
			cooldownWait = l.config.Cooldown - since
		}
	}

	if len(l.calls) >= l.config.MaxCalls {
		// The slot frees up when enough of the oldest calls leave the window.
		blocking := l.calls[len(l.calls)-l.config.MaxCalls]
		quotaWait := blocking.Add(l.config.Window).Sub(now)
		return Decision{Reason: ReasonQuota, Wait: max(quotaWait, cooldownWait)}
	}
	if cooldownWait > 0 {
		return Decision{Reason: ReasonCooldown, Wait: cooldownWait}
	}
	return Decision{Allowed: true}
}

// Must hold l.mu.
func (l *Limiter) record(now time.Time) {
	l.calls = append(l.calls, now)
	l.lastCall = now
}

// Drops calls that have left the window. Must hold l.mu.
func (l *Limiter) purge(now time.Time) {
	threshold := now.Add(-l.config.Window)
	expired := 0
	for expired < len(l.calls) && !l.calls[expired].After(threshold) {
		expired++
	}
	if expired > 0 {
		l.calls = append(l.calls[:0], l.calls[expired:]...)
	}
}
