// Package retry holds the backoff policy shared by every retrying loop.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded, jittered exponential backoff.
type Policy struct {
	InitialInterval     time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval         time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier          float64       `yaml:"multiplier" validate:"gte=1"`
	RandomizationFactor float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// NewBackOff returns a fresh backoff following p. It never gives up on its
// own; stop it through a context.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
