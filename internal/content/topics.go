package content

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

const DefaultTopic = "our product"

// TopicSource lists candidate topics. An empty list is valid.
type TopicSource interface {
	ListTopics(ctx context.Context) ([]string, error)
}

// FileTopics reads one topic per line on every call; blank lines and lines
// starting with '#' are ignored.
type FileTopics struct {
	Path string
}

func (f FileTopics) ListTopics(context.Context) ([]string, error) {
	if strings.TrimSpace(f.Path) == "" {
		return nil, nil
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open topics")
	}
	defer fh.Close()

	var out []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, errors.Wrap(sc.Err(), "read topics")
}

// StaticTopics is a fixed in-config list.
type StaticTopics []string

func (s StaticTopics) ListTopics(context.Context) ([]string, error) { return s, nil }

type TopicPicker struct {
	src      TopicSource
	fallback string
	log      logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTopicPicker(src TopicSource, fallback string, log logx.Logger) *TopicPicker {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultTopic
	}
	return &TopicPicker{
		src:      src,
		fallback: fallback,
		log:      log.With(logx.String("comp", "topics")),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns a uniformly random topic, or the fallback when none are available.
func (p *TopicPicker) Pick(ctx context.Context) string {
	if p.src == nil {
		return p.fallback
	}
	topics, err := p.src.ListTopics(ctx)
	if err != nil {
		p.log.Warn("topics unavailable; using fallback", logx.Err(err))
		return p.fallback
	}
	if len(topics) == 0 {
		return p.fallback
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return topics[p.rng.Intn(len(topics))]
}
