package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

// ErrAllFailed is returned by [Failover.Connect] when no backend could be
// dialled.
var ErrAllFailed = errors.New("resilience: all live providers failed")

type backend struct {
	name     string
	provider live.Provider
	breaker  *Breaker
}

// Failover dials live backends in registration order. A backend whose
// breaker is open is skipped until its cooldown elapses. Cancellation of the
// dial context is never counted against a backend.
type Failover struct {
	cfg      BreakerConfig
	backends []backend
}

var _ live.Provider = (*Failover)(nil)

// NewFailover returns a Failover with primary as its first backend. cfg is
// the template for every backend's breaker; its Name is replaced.
func NewFailover(name string, primary live.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a fallback backend. It must not be called concurrently with
// Connect.
func (f *Failover) Add(name string, p live.Provider) {
	bc := f.cfg
	bc.Name = name
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewBreaker(bc)})
}

// Names returns the backend names in dial order.
func (f *Failover) Names() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// Breaker returns the breaker guarding the named backend, or nil.
func (f *Failover) Breaker(name string) *Breaker {
	for _, b := range f.backends {
		if b.name == name {
			return b.breaker
		}
	}
	return nil
}

// Connect implements [live.Provider].
func (f *Failover) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	var errs []error
	for _, b := range f.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sess live.Session
		err := b.breaker.Do(func() error {
			var err error
			sess, err = b.provider.Connect(ctx, cfg)
			return err
		}, isCancel)
		if err == nil {
			return sess, nil
		}
		if isCancel(err) {
			return nil, err
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping live provider", "provider", b.name)
		} else {
			slog.Warn("resilience: live provider failed, trying next", "provider", b.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
