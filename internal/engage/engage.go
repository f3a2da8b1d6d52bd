// Package engage runs the periodic engagement pass on the short-form network:
// follow accounts that mentioned or replied to us, like the latest post of
// recent followers, and unfollow accounts that did not follow back in time.
package engage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

// Network is a logged-in session on the short-form network.
type Network interface {
	Self() string
	Engagers(ctx context.Context, limit int) ([]string, error)
	Followers(ctx context.Context, limit int) (dids []string, complete bool, err error)
	Follow(ctx context.Context, did string) (uri string, err error)
	Unfollow(ctx context.Context, uri string) error
	LikeLatest(ctx context.Context, did string) (bool, error)
}

// Opener starts a fresh session for one pass.
type Opener func(ctx context.Context) (Network, error)

type MarkerStore interface {
	GetMarker(ctx context.Context, key string) (string, bool, error)
	PutMarker(ctx context.Context, key, value string) error
}

// Config defaults: 20 engagers, 20 liked followers, 1000 followers listed,
// unfollow after 7 days.
type Config struct {
	Engagers      int
	LikeFollowers int
	MaxFollowers  int
	UnfollowAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Engagers <= 0 {
		c.Engagers = 20
	}
	if c.LikeFollowers <= 0 {
		c.LikeFollowers = 20
	}
	if c.MaxFollowers <= 0 {
		c.MaxFollowers = 1000
	}
	if c.UnfollowAfter <= 0 {
		c.UnfollowAfter = 7 * 24 * time.Hour
	}
	return c
}

// Report counts what one pass did. Errors counts per-account failures that
// were skipped.
type Report struct {
	Followed   int
	Liked      int
	Unfollowed int
	Errors     int
}

// followed is persisted as a marker: did -> follow record.
type followed map[string]follow

type follow struct {
	At  time.Time `json:"at"`
	URI string    `json:"uri"`
}

type Service struct {
	cfg    Config
	open   Opener
	store  MarkerStore
	marker string
	now    func() time.Time
	log    logx.Logger
}

// New builds the pass for channelID. Followed accounts are kept under the
// marker "engage.<channelID>.followed".
func New(cfg Config, channelID string, open Opener, store MarkerStore, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		open:   open,
		store:  store,
		marker: "engage." + channelID + ".followed",
		now:    time.Now,
		log:    log.With(logx.String("comp", "engage"), logx.String("channel", channelID)),
	}
}

// Run performs one pass. Failures on single accounts are logged and counted;
// an error is returned only when the pass could not run or its state could
// not be saved. Nobody is unfollowed unless the follower listing was complete.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var rep Report
	net, err := s.open(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "open session")
	}
	state, err := s.load(ctx)
	if err != nil {
		return rep, err
	}

	if err := s.followEngagers(ctx, net, state, &rep); err != nil {
		return rep, err
	}

	followers, complete, err := net.Followers(ctx, s.cfg.MaxFollowers)
	if err != nil {
		return rep, errors.Wrap(err, "list followers")
	}
	s.likeFollowers(ctx, net, followers, &rep)

	if !complete {
		s.log.Warn("follower list truncated; skipping unfollow", logx.Int("listed", len(followers)))
	} else if err := s.unfollowStale(ctx, net, state, followers, &rep); err != nil {
		return rep, err
	}

	s.log.Info("engagement pass done",
		logx.Int("followed", rep.Followed),
		logx.Int("liked", rep.Liked),
		logx.Int("unfollowed", rep.Unfollowed),
		logx.Int("errors", rep.Errors),
	)
	return rep, nil
}

func (s *Service) followEngagers(ctx context.Context, net Network, state followed, rep *Report) error {
	dids, err := net.Engagers(ctx, s.cfg.Engagers)
	if err != nil {
		return errors.Wrap(err, "list engagers")
	}
	changed := false
	for _, did := range dids {
		if _, ok := state[did]; ok || did == net.Self() {
			continue
		}
		uri, err := net.Follow(ctx, did)
		if err != nil {
			rep.Errors++
			s.log.Warn("follow failed", logx.String("did", did), logx.Err(err))
			continue
		}
		state[did] = follow{At: s.now().UTC(), URI: uri}
		rep.Followed++
		changed = true
	}
	if changed {
		return s.save(ctx, state)
	}
	return nil
}

func (s *Service) likeFollowers(ctx context.Context, net Network, followers []string, rep *Report) {
	for i, did := range followers {
		if i >= s.cfg.LikeFollowers {
			return
		}
		liked, err := net.LikeLatest(ctx, did)
		if err != nil {
			rep.Errors++
			s.log.Debug("like failed", logx.String("did", did), logx.Err(err))
			continue
		}
		if liked {
			rep.Liked++
		}
	}
}

func (s *Service) unfollowStale(ctx context.Context, net Network, state followed, followers []string, rep *Report) error {
	back := make(map[string]bool, len(followers))
	for _, did := range followers {
		back[did] = true
	}
	cutoff := s.now().Add(-s.cfg.UnfollowAfter)
	changed := false
	for did, f := range state {
		if back[did] || !f.At.Before(cutoff) {
			continue
		}
		if err := net.Unfollow(ctx, f.URI); err != nil {
			rep.Errors++
			s.log.Warn("unfollow failed", logx.String("did", did), logx.Err(err))
			continue
		}
		delete(state, did)
		rep.Unfollowed++
		changed = true
	}
	if changed {
		return s.save(ctx, state)
	}
	return nil
}

func (s *Service) load(ctx context.Context) (followed, error) {
	raw, ok, err := s.store.GetMarker(ctx, s.marker)
	if err != nil {
		return nil, errors.Wrap(err, "load followed")
	}
	state := followed{}
	if !ok || raw == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, errors.Wrap(err, "decode followed")
	}
	return state, nil
}

func (s *Service) save(ctx context.Context, state followed) error {
	b, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode followed")
	}
	return errors.Wrap(s.store.PutMarker(ctx, s.marker, string(b)), "save followed")
}
