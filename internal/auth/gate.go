// Package auth decides, before any paid or rate-limited work, whether a
// channel's credentials are usable right now.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

// ErrAuthUnavailable marks every reason a channel cannot be used.
var ErrAuthUnavailable = errors.New("auth unavailable")

// Prober validates one channel's credentials with a live request.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Gate holds no cache: every check probes again.
type Gate struct {
	mu      sync.RWMutex
	probers map[string]Prober
	timeout time.Duration
	log     logx.Logger
}

func NewGate(timeout time.Duration, log logx.Logger) *Gate {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gate{
		probers: map[string]Prober{},
		timeout: timeout,
		log:     log.With(logx.String("comp", "auth")),
	}
}

func (g *Gate) Register(channelID string, p Prober) {
	g.mu.Lock()
	g.probers[channelID] = p
	g.mu.Unlock()
}

// Check reports whether channelID can be used. It never panics or errors.
func (g *Gate) Check(ctx context.Context, channelID string) bool {
	err := g.Verify(ctx, channelID)
	if err != nil {
		g.log.Info("auth check failed", logx.String("channel", channelID), logx.Err(err))
		return false
	}
	return true
}

// Verify is Check with the reason. Any non-nil result is marked ErrAuthUnavailable.
func (g *Gate) Verify(ctx context.Context, channelID string) (err error) {
	g.mu.RLock()
	p := g.probers[channelID]
	g.mu.RUnlock()
	if p == nil {
		return errors.Mark(errors.Newf("no credentials for channel %q", channelID), ErrAuthUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("probe panic: %v", r), ErrAuthUnavailable)
		}
	}()

	if perr := p.Probe(ctx); perr != nil {
		return errors.Mark(errors.Wrapf(perr, "probe %s", channelID), ErrAuthUnavailable)
	}
	return nil
}
