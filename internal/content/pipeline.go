// Package content produces the post text for a job: topic and style
// selection plus a bounded-retry call to the text generation backend.
package content

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

// ErrGenerationExhausted is returned once every attempt failed or came back empty.
var ErrGenerationExhausted = errors.New("generation exhausted")

var errEmpty = errors.New("empty completion")

// TextGenerator is the text generation backend.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%
	// CallTimeout bounds each backend call.
	CallTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 60 * time.Second
	}
	return p
}

type Pipeline struct {
	gen    TextGenerator
	policy RetryPolicy
	log    logx.Logger

	rmu sync.Mutex
	rng *rand.Rand
}

func NewPipeline(gen TextGenerator, policy RetryPolicy, log logx.Logger) *Pipeline {
	return &Pipeline{
		gen:    gen,
		policy: policy.withDefaults(),
		log:    log.With(logx.String("comp", "content")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate returns post text for channel kind. It calls the backend at most
// policy.Attempts times and fails with ErrGenerationExhausted after that.
func (p *Pipeline) Generate(ctx context.Context, topic, style, kind string) (string, error) {
	prompt := BuildPrompt(kind, topic, style)

	var last error
	for attempt := 1; attempt <= p.policy.Attempts; attempt++ {
		text, err := p.once(ctx, prompt)
		if err == nil {
			p.log.Debug("generated", logx.String("kind", kind), logx.Int("attempt", attempt), logx.Int("chars", len(text)))
			return text, nil
		}
		last = err
		p.log.Warn("generation attempt failed", logx.String("kind", kind), logx.Int("attempt", attempt), logx.Err(err))

		if attempt == p.policy.Attempts {
			break
		}
		if err := sleepCtx(ctx, p.delay(attempt)); err != nil {
			last = err
			break
		}
	}
	return "", errors.Mark(errors.Wrapf(last, "after %d attempts", p.policy.Attempts), ErrGenerationExhausted)
}

func (p *Pipeline) once(ctx context.Context, prompt string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("generator panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, p.policy.CallTimeout)
	defer cancel()
	raw, err := p.gen.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	text = Clean(raw)
	if text == "" {
		return "", errEmpty
	}
	return text, nil
}

// delay is exponential from Base, capped at MaxDelay, with symmetric jitter.
func (p *Pipeline) delay(attempt int) time.Duration {
	d := p.policy.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.policy.MaxDelay {
			d = p.policy.MaxDelay
			break
		}
	}
	p.rmu.Lock()
	r := (p.rng.Float64()*2 - 1) * p.policy.Jitter
	p.rmu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), p.policy.MaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
