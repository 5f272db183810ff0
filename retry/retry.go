package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/provider"
)

const (
	minFactor = 1.5
	maxFactor = 2.0
)

type Policy struct {
	// Total attempts including the first one.
	MaxAttempts int `yaml:"max_attempts"`

	// Base delay after a quota failure. Quota exhaustion needs a longer cool
	// off than a timeout.
	QuotaDelay time.Duration `yaml:"quota_delay"`

	// Base delay after a timeout.
	TimeoutDelay time.Duration `yaml:"timeout_delay"`

	// Multiplier applied per attempt.
	Factor float64 `yaml:"factor"`

	// Cap for computed delays. A server asking for more than this is not
	// waited for.
	MaxDelay time.Duration `yaml:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		QuotaDelay:   4 * time.Second,
		TimeoutDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     time.Minute,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1: %d", p.MaxAttempts)
	}
	if p.QuotaDelay < 0 || p.TimeoutDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.QuotaDelay <= p.TimeoutDelay {
		return fmt.Errorf("quota delay must be longer than timeout delay: %v <= %v", p.QuotaDelay, p.TimeoutDelay)
	}
	if p.Factor < minFactor || p.Factor > maxFactor {
		return fmt.Errorf("factor must be between %v and %v: %v", minFactor, maxFactor, p.Factor)
	}
	if p.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be positive: %v", p.MaxDelay)
	}
	return nil
}

// Delay is the computed backoff after the given failed attempt, starting at
// 1. Fatal errors have no delay.
func (p Policy) Delay(kind provider.Kind, attempt int) time.Duration {
	var base time.Duration
	switch kind {
	case provider.KindQuota:
		base = p.QuotaDelay
	case provider.KindTimeout:
		base = p.TimeoutDelay
	default:
		return 0
	}

	delay := float64(base) * math.Pow(p.Factor, float64(max(attempt, 1)-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Error is returned once the controller gives up.
type Error struct {
	// Attempts made before giving up.
	Attempts int

	// Last classified failure.
	Cause *provider.Error

	// Explanation suitable for end users.
	Message string

	// Suggested wait before trying again.
	Wait time.Duration
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

type Operation func(ctx context.Context, attempt int) (*outfit.Image, error)

type Option func(*Controller)

// WithTimer replaces the timer used to wait between attempts. newTimer is
// called once per Execute.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *Controller) {
		c.newTimer = newTimer
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

type Controller struct {
	policy   Policy
	clock    clock.Clock
	newTimer func() backoff.Timer
	logger   *zap.SugaredLogger
}

func NewController(policy Policy, logger *zap.SugaredLogger, opts ...Option) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %v", err)
	}

	c := &Controller{
		policy: policy,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newTimer == nil {
		c.newTimer = func() backoff.Timer { return &clockTimer{clock: c.clock} }
	}
	return c, nil
}

func (c *Controller) Policy() Policy {
	return c.policy
}

// Execute runs operation until it succeeds, fails fatally, or runs out of
// attempts. Failures come back as *Error; cancellation of ctx comes back as
// ctx.Err() and is never retried.
func (c *Controller) Execute(ctx context.Context, providerName string, operation Operation) (*outfit.Image, error) {
	policyBackOff := &kindBackOff{policy: c.policy}
	retries := backoff.WithMaxRetries(policyBackOff, uint64(c.policy.MaxAttempts-1))

	var image *outfit.Image
	attempt := 0
	attemptOnce := func() error {
		attempt++
		result, err := operation(ctx, attempt)
		if err == nil {
			image = result
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}

		cause := provider.Classify(providerName, err)
		policyBackOff.attempt, policyBackOff.last = attempt, cause
		if !cause.Retryable() || cause.RetryAfter > c.policy.MaxDelay {
			return backoff.Permanent(cause)
		}
		return cause
	}

	notify := func(err error, delay time.Duration) {
		c.logger.Warnw("Provider call failed, retrying",
			"provider", providerName, "attempt", attempt, "kind", policyBackOff.last.Kind, "delay", delay, "error", err)
	}

	// Waiting holds no locks: the limiter slot was reserved up front and
	// the cache is untouched until the call succeeds.
	err := backoff.RetryNotifyWithTimer(attemptOnce, backoff.WithContext(retries, ctx), notify, c.newTimer())
	if err == nil {
		if attempt > 1 {
			c.logger.Infow("Provider call succeeded after retry", "provider", providerName, "attempt", attempt)
		}
		return image, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	cause := policyBackOff.last
	if cause == nil {
		cause = provider.Classify(providerName, err)
	}
	c.logger.Warnw("Giving up on provider call",
		"provider", providerName, "attempt", attempt, "kind", cause.Kind, "error", cause.Message)
	wait := c.suggestedWait(cause, attempt)
	return nil, &Error{
		Attempts: attempt,
		Cause:    cause,
		Message:  UserMessage(cause, wait),
		Wait:     wait,
	}
}

func (c *Controller) suggestedWait(cause *provider.Error, attempt int) time.Duration {
	if cause.RetryAfter > 0 {
		return cause.RetryAfter
	}
	return c.policy.Delay(cause.Kind, attempt)
}

// kindBackOff derives the next wait from the last classified failure: the
// server's retry-after when it sent one, else the policy base for the kind.
type kindBackOff struct {
	policy  Policy
	attempt int
	last    *provider.Error
}

func (b *kindBackOff) NextBackOff() time.Duration {
	if b.last == nil {
		return backoff.Stop
	}
	if b.last.RetryAfter > 0 {
		return b.last.RetryAfter
	}
	return b.policy.Delay(b.last.Kind, b.attempt)
}

func (b *kindBackOff) Reset() {
	b.attempt = 0
	b.last = nil
}

// clockTimer is a backoff.Timer on top of a clock.Clock so waits follow mock
// clocks in tests.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(duration time.Duration) {
	t.Stop()
	t.timer = t.clock.Timer(duration)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}

// UserMessage explains a final failure to an end user.
func UserMessage(cause *provider.Error, wait time.Duration) string {
	switch cause.Kind {
	case provider.KindQuota:
		seconds := int(math.Ceil(wait.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		return fmt.Sprintf("The image service is over its usage quota. Please wait %d seconds and try again.", seconds)
	case provider.KindTimeout:
		return "The image service took too long to respond. Try smaller images or retry in a moment."
	}
	if cause.Message != "" {
		return cause.Message
	}
	return "Image generation failed."
}

// IsExhausted reports whether err is a give-up after retryable failures,
// as opposed to a fatal one.
func IsExhausted(err error) bool {
	var retryErr *Error
	return errors.As(err, &retryErr) && retryErr.Cause.Retryable()
}
