// Package circuitbreaker guards calls to remote collaborators so a dead
// dependency fails fast instead of holding request threads until timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name        string
	MaxFailures int           // consecutive failures before opening
	Timeout     time.Duration // open duration before probing
	MaxRequests int           // probes allowed while half-open
}

type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	maxRequests int

	mutex    sync.Mutex
	state    State
	failures int
	requests int
	lastFail time.Time

	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	return &Breaker{
		name:        config.Name,
		maxFailures: config.MaxFailures,
		timeout:     config.Timeout,
		maxRequests: config.MaxRequests,
		logger:      logger,
	}
}

func (b *Breaker) Execute(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFail) < b.timeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.requests = 0
		fallthrough
	case StateHalfOpen:
		if b.requests >= b.maxRequests {
			return ErrOpen
		}
		b.requests++
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err != nil {
		b.failures++
		b.lastFail = time.Now()
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.setState(StateOpen)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"circuit_breaker": b.name,
		"from":            b.state.String(),
		"to":              next.String(),
	}).Warn("Circuit breaker state change")
	b.state = next
}

func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}
