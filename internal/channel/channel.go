// Package channel publishes generated artifacts to external networks. Each
// network is one Publisher; Dispatch is the failure boundary around it.
package channel

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrDispatchFailure marks every publish failure, including panics.
var ErrDispatchFailure = errors.New("dispatch failure")

// ImagePreference tells the job which form of image a channel can use.
type ImagePreference int

const (
	ImageNone ImagePreference = iota
	ImageLocalFile
	ImageRemoteURL
)

// Artifact is what a job hands to a channel. ImageRef is a local path, a URL,
// or empty for text-only.
type Artifact struct {
	Text     string
	ImageRef string
}

func (a Artifact) HasImage() bool { return a.ImageRef != "" }

func (a Artifact) ImageIsURL() bool {
	return strings.HasPrefix(a.ImageRef, "http://") || strings.HasPrefix(a.ImageRef, "https://")
}

type Publisher interface {
	ID() string
	// Kind selects the prompt shape: shortform, page, photo or video.
	Kind() string
	Image() ImagePreference
	// Probe validates credentials with a live request.
	Probe(ctx context.Context) error
	// Publish makes exactly one attempt and returns a human-readable detail.
	Publish(ctx context.Context, a Artifact) (detail string, err error)
}

type Outcome struct {
	Posted bool
	Detail string
	Err    error
}

// Dispatch publishes a through p and converts every error or panic into a
// failed Outcome marked ErrDispatchFailure.
func Dispatch(ctx context.Context, p Publisher, a Artifact) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Mark(errors.Newf("%s: publish panic: %v", p.ID(), r), ErrDispatchFailure)
			out = Outcome{Detail: err.Error(), Err: err}
		}
	}()

	detail, err := p.Publish(ctx, a)
	if err != nil {
		err = errors.Mark(errors.Wrap(err, p.ID()), ErrDispatchFailure)
		return Outcome{Detail: err.Error(), Err: err}
	}
	return Outcome{Posted: true, Detail: detail}
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
