// Package ticketid allocates store-wide-unique ticket identifiers.
//
// A candidate is a timestamp plus a random suffix; the allocator probes
// the ticket store before handing it out. The probe narrows the race
// window, it does not close it: the store's uniqueness constraint at
// insert time is the real arbiter, and callers retry allocation when an
// insert reports a duplicate.
package ticketid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAllocationExhausted reports that every attempt collided. Repeated
// collisions mean a broken entropy source or a stuck clock, not
// contention, so this is a hard stop.
var ErrAllocationExhausted = errors.New("ticketid: allocation attempts exhausted")

// DefaultMaxAttempts bounds the probe-and-retry loop.
const DefaultMaxAttempts = 8

// Prober answers whether a candidate id is already in use.
type Prober interface {
	TicketIDExists(ctx context.Context, ticketID string) (bool, error)
}

// Allocator produces ticket identifiers of the form
// TKT-20060102150405-8HEXCHAR.
type Allocator struct {
	prober      Prober
	logger      *log.Logger
	now         func() time.Time
	suffix      func() string
	maxAttempts int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithLogger overrides the allocator's logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMaxAttempts bounds the retry loop.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay; later delays grow linearly.
func WithBackoffBase(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.backoffBase = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func withSuffix(suffix func() string) Option {
	return func(a *Allocator) { a.suffix = suffix }
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Allocator) { a.sleep = sleep }
}

// New returns an allocator probing candidates against the given store.
func New(prober Prober, opts ...Option) *Allocator {
	a := &Allocator{
		prober:      prober,
		logger:      log.Default(),
		now:         time.Now,
		suffix:      randomSuffix,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: 25 * time.Millisecond,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a ticket id not currently present in the store. It
// never blocks indefinitely: after the attempt bound it fails with
// ErrAllocationExhausted.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		candidate := a.candidate()
		exists, err := a.prober.TicketIDExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("ticketid: probing %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		a.logger.Printf("ticketid: candidate %s occupied, attempt %d/%d", candidate, attempt, a.maxAttempts)
		if attempt == a.maxAttempts {
			break
		}
		if err := a.sleep(ctx, time.Duration(attempt)*a.backoffBase); err != nil {
			return "", err
		}
	}
	return "", ErrAllocationExhausted
}

func (a *Allocator) candidate() string {
	return fmt.Sprintf("TKT-%s-%s", a.now().UTC().Format("20060102150405"), a.suffix())
}

func randomSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
