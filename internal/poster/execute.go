package poster

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cockroachdb/errors"

	"autoposter/internal/channel"
	"autoposter/internal/media"
	logx "autoposter/pkg/logx"
)

// Execute runs one job through auth, generation, media and dispatch. It is
// the failure boundary of the job: whatever happens inside, the outcome is
// recorded and returned, and nothing is raised.
func (s *Service) Execute(ctx context.Context, job Job) (res Result) {
	res = Result{Job: job, State: StatePlanned, Stage: StatePlanned}
	log := s.log.With(logx.String("job", job.ID), logx.String("channel", job.Channel))

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.State = StateFailed
			res.Detail = fmt.Sprintf("panic: %v", r)
		}
		if res.State == StateFailed {
			s.alert(ctx, res)
		}
		s.finish(ctx, res)
		log.Info("job finished", logx.String("state", string(res.State)), logx.String("stage", string(res.Stage)))
	}()

	b, ok := s.deps.Channels[job.Channel]
	if !ok || b.Publisher == nil {
		res.State = StateFailed
		res.Detail = "channel not bound"
		return res
	}

	res.Stage = StateAuthChecking
	if s.deps.Auth == nil || !s.deps.Auth.Check(ctx, job.Channel) {
		res.State = StateSkipped
		res.Detail = "auth unavailable"
		return res
	}

	res.Stage = StateGenerating
	text, err := s.deps.Content.Generate(ctx, job.Topic, job.Style, b.Publisher.Kind())
	if err != nil {
		res.State = StateFailed
		res.Detail = errors.Wrap(err, "generate").Error()
		return res
	}

	art := channel.Artifact{Text: text}
	if pref := b.Publisher.Image(); pref != channel.ImageNone && b.ImageMode != media.ModeNone && b.ImageMode != "" && s.deps.Media != nil {
		asset := s.deps.Media.Prepare(ctx, b.ImageMode, text, pref == channel.ImageLocalFile)
		defer asset.Cleanup()
		if pref == channel.ImageLocalFile {
			art.ImageRef = asset.LocalPath
		} else {
			art.ImageRef = asset.URL
		}
		res.Image = art.HasImage()
	}

	res.Stage = StateDispatching
	out := channel.Dispatch(ctx, b.Publisher, art)
	res.Detail = out.Detail
	if !out.Posted {
		res.State = StateFailed
		return res
	}
	res.State = StatePosted
	return res
}

// PostNow plans nothing: it builds one job for channelID firing now and runs
// it inline under the job timeout.
func (s *Service) PostNow(ctx context.Context, channelID string) (Result, error) {
	if _, ok := s.deps.Channels[channelID]; !ok {
		return Result{}, errors.Newf("channel %q is not enabled", channelID)
	}
	job := Job{
		ID:      s.newID(),
		Channel: channelID,
		FireAt:  s.deps.Clock.Now(),
		Style:   s.pick(ctx, s.deps.Styles),
		Topic:   s.pick(ctx, s.deps.Topics),
	}
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}
	return s.Execute(ctx, job), nil
}
