package content

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

const (
	PolicyRandom    = "random"
	PolicyAlternate = "alternate"

	// MarkerLastStyle is the marker key the alternate policy reads and writes.
	MarkerLastStyle = "style.last"
)

var DefaultStyles = []string{"funny", "serious", "update"}

// MarkerStore is a tiny persisted key/value store.
type MarkerStore interface {
	GetMarker(ctx context.Context, key string) (string, bool, error)
	PutMarker(ctx context.Context, key, value string) error
}

// StylePicker chooses a style per job, either uniformly at random or by
// strict rotation through the style list.
type StylePicker struct {
	policy  string
	styles  []string
	markers MarkerStore
	log     logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewStylePicker(policy string, styles []string, markers MarkerStore, log logx.Logger) (*StylePicker, error) {
	if len(styles) == 0 {
		styles = DefaultStyles
	}
	switch policy {
	case "":
		policy = PolicyRandom
	case PolicyRandom:
	case PolicyAlternate:
		if markers == nil {
			return nil, errors.New("alternate style policy needs a marker store")
		}
	default:
		return nil, errors.Newf("unknown style policy %q", policy)
	}
	return &StylePicker{
		policy:  policy,
		styles:  slices.Clone(styles),
		markers: markers,
		log:     log.With(logx.String("comp", "style")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Pick never fails. Marker read or write errors are logged and the rotation
// restarts from the first style.
func (p *StylePicker) Pick(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.policy == PolicyRandom {
		return p.styles[p.rng.Intn(len(p.styles))]
	}

	last, ok, err := p.markers.GetMarker(ctx, MarkerLastStyle)
	if err != nil {
		p.log.Warn("read style marker", logx.Err(err))
	}
	next := p.styles[0]
	if ok {
		if i := slices.Index(p.styles, last); i >= 0 {
			next = p.styles[(i+1)%len(p.styles)]
		}
	}
	if err := p.markers.PutMarker(ctx, MarkerLastStyle, next); err != nil {
		p.log.Warn("write style marker", logx.Err(err))
	}
	return next
}
