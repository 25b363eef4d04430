package core

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker protects a suspension point (persistence, an agent
// runtime call, a socket write) from cascading failure. Implementations
// must be safe for concurrent use.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open it returns ErrCircuitBreakerOpen without calling fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout is Execute plus a deadline on fn itself.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns "closed", "open" or "half-open".
	GetState() string

	GetMetrics() map[string]interface{}

	// Reset forces the circuit back to closed and clears counters.
	Reset()

	// CanExecute reports whether Execute would currently run fn.
	CanExecute() bool
}

// CircuitBreakerConfig configures the threshold-based breaker below.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit
	OpenTimeout      time.Duration // how long the circuit stays open before probing
	HalfOpenRequests int           // successes required in half-open to close again
}

// DefaultCircuitBreakerConfig returns sane production defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 3,
	}
}

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// threshold is a consecutive-failure-counting circuit breaker: it opens
// after FailureThreshold consecutive failures, waits OpenTimeout, then
// admits HalfOpenRequests probes before closing again.
type threshold struct {
	cfg    CircuitBreakerConfig
	logger Logger
	clock  Clock

	mu              sync.Mutex
	state           cbState
	consecutiveFail int
	openedAt        time.Time
	halfOpenOK      int
	halfOpenBad     int

	totalExecutions int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker builds the module's reference CircuitBreaker
// implementation. logger may be nil.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger Logger) CircuitBreaker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 3
	}
	return &threshold{cfg: cfg, logger: logger, clock: SystemClock{}, state: cbClosed}
}

func (c *threshold) Execute(ctx context.Context, fn func() error) error {
	if !c.CanExecute() {
		c.mu.Lock()
		c.totalRejections++
		c.mu.Unlock()
		return ErrCircuitBreakerOpen
	}
	c.mu.Lock()
	c.totalExecutions++
	c.mu.Unlock()

	err := fn()
	c.record(err)
	return err
}

func (c *threshold) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !c.CanExecute() {
		c.mu.Lock()
		c.totalRejections++
		c.mu.Unlock()
		return ErrCircuitBreakerOpen
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		c.mu.Lock()
		c.totalExecutions++
		c.mu.Unlock()
		c.record(err)
		return err
	case <-time.After(timeout):
		c.mu.Lock()
		c.totalExecutions++
		c.mu.Unlock()
		c.record(ErrTimeout)
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *threshold) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.totalFailures++
	}

	switch c.state {
	case cbClosed:
		if err != nil {
			c.consecutiveFail++
			if c.consecutiveFail >= c.cfg.FailureThreshold {
				c.trip()
			}
		} else {
			c.consecutiveFail = 0
		}
	case cbHalfOpen:
		if err != nil {
			c.halfOpenBad++
			c.trip()
			return
		}
		c.halfOpenOK++
		if c.halfOpenOK >= c.cfg.HalfOpenRequests {
			c.closeLocked()
		}
	}
}

func (c *threshold) trip() {
	prev := c.state
	c.state = cbOpen
	c.openedAt = c.clock.Now()
	c.halfOpenOK = 0
	c.halfOpenBad = 0
	if prev != cbOpen {
		c.logger.Warn("circuit breaker opened", map[string]interface{}{"name": c.cfg.Name, "consecutive_failures": c.consecutiveFail})
	}
}

func (c *threshold) closeLocked() {
	c.state = cbClosed
	c.consecutiveFail = 0
	c.halfOpenOK = 0
	c.halfOpenBad = 0
	c.logger.Info("circuit breaker closed", map[string]interface{}{"name": c.cfg.Name})
}

func (c *threshold) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case cbClosed:
		return true
	case cbOpen:
		if c.clock.Now().Sub(c.openedAt) >= c.cfg.OpenTimeout {
			c.state = cbHalfOpen
			c.halfOpenOK = 0
			c.halfOpenBad = 0
			return true
		}
		return false
	case cbHalfOpen:
		return true
	default:
		return false
	}
}

func (c *threshold) GetState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (c *threshold) GetMetrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "closed"
	switch c.state {
	case cbOpen:
		state = "open"
	case cbHalfOpen:
		state = "half-open"
	}
	return map[string]interface{}{
		"name":                 c.cfg.Name,
		"state":                state,
		"total_executions":     c.totalExecutions,
		"total_failures":       c.totalFailures,
		"total_rejections":     c.totalRejections,
		"consecutive_failures": c.consecutiveFail,
	}
}

func (c *threshold) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = cbClosed
	c.consecutiveFail = 0
	c.halfOpenOK = 0
	c.halfOpenBad = 0
}
