package engage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

type fakeNetwork struct {
	engagers   []string
	followers  []string
	complete   bool
	failFollow map[string]bool
	noPosts    map[string]bool

	followed   []string
	liked      []string
	unfollowed []string
}

func (f *fakeNetwork) Self() string { return "did:plc:me" }

func (f *fakeNetwork) Engagers(context.Context, int) ([]string, error) { return f.engagers, nil }

func (f *fakeNetwork) Followers(_ context.Context, limit int) ([]string, bool, error) {
	if len(f.followers) > limit {
		return f.followers[:limit], false, nil
	}
	return f.followers, f.complete, nil
}

func (f *fakeNetwork) Follow(_ context.Context, did string) (string, error) {
	if f.failFollow[did] {
		return "", errors.New("rate limited")
	}
	f.followed = append(f.followed, did)
	return "at://did:plc:me/app.bsky.graph.follow/" + did[len(did)-1:], nil
}

func (f *fakeNetwork) Unfollow(_ context.Context, uri string) error {
	f.unfollowed = append(f.unfollowed, uri)
	return nil
}

func (f *fakeNetwork) LikeLatest(_ context.Context, did string) (bool, error) {
	if f.noPosts[did] {
		return false, nil
	}
	f.liked = append(f.liked, did)
	return true, nil
}

var day0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, cfg Config, net *fakeNetwork, store *storage.Memory, now time.Time) *Service {
	t.Helper()
	s := New(cfg, "shortform", func(context.Context) (Network, error) { return net, nil }, store, logx.Nop())
	s.now = func() time.Time { return now }
	return s
}

func loadState(t *testing.T, store *storage.Memory) followed {
	t.Helper()
	raw, ok, err := store.GetMarker(context.Background(), "engage.shortform.followed")
	require.NoError(t, err)
	require.True(t, ok)
	var st followed
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	return st
}

func TestFollowsNewEngagersOnce(t *testing.T) {
	store := storage.NewMemory()
	net := &fakeNetwork{engagers: []string{"did:plc:a", "did:plc:b", "did:plc:me"}, complete: true}

	rep, err := newService(t, Config{}, net, store, day0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Followed)
	assert.Equal(t, []string{"did:plc:a", "did:plc:b"}, net.followed)

	st := loadState(t, store)
	assert.Len(t, st, 2)
	assert.Equal(t, day0, st["did:plc:a"].At)
	assert.Equal(t, "at://did:plc:me/app.bsky.graph.follow/a", st["did:plc:a"].URI)

	// Second pass: nobody new.
	net.followed = nil
	rep, err = newService(t, Config{}, net, store, day0.Add(time.Hour)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Followed)
	assert.Empty(t, net.followed)
}

func TestFollowFailureIsSkipped(t *testing.T) {
	store := storage.NewMemory()
	net := &fakeNetwork{
		engagers:   []string{"did:plc:a", "did:plc:b"},
		failFollow: map[string]bool{"did:plc:a": true},
		complete:   true,
	}
	rep, err := newService(t, Config{}, net, store, day0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Followed: 1, Errors: 1}, rep)
	assert.NotContains(t, loadState(t, store), "did:plc:a")
}

func TestLikesUpToLimit(t *testing.T) {
	net := &fakeNetwork{
		followers: []string{"did:plc:1", "did:plc:2", "did:plc:3"},
		noPosts:   map[string]bool{"did:plc:1": true},
		complete:  true,
	}
	rep, err := newService(t, Config{LikeFollowers: 2}, net, storage.NewMemory(), day0).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Liked)
	assert.Equal(t, []string{"did:plc:2"}, net.liked)
}

func TestUnfollowsOnlyStaleNonFollowers(t *testing.T) {
	store := storage.NewMemory()
	net := &fakeNetwork{engagers: []string{"did:plc:a", "did:plc:b", "did:plc:c"}, complete: true}
	_, err := newService(t, Config{}, net, store, day0).Run(context.Background())
	require.NoError(t, err)

	// b followed back; c is still inside the grace period because it was
	// followed later.
	st := loadState(t, store)
	st["did:plc:c"] = follow{At: day0.Add(5 * 24 * time.Hour), URI: st["did:plc:c"].URI}
	b, _ := json.Marshal(st)
	require.NoError(t, store.PutMarker(context.Background(), "engage.shortform.followed", string(b)))

	net.engagers = nil
	net.followers = []string{"did:plc:b"}
	rep, err := newService(t, Config{UnfollowAfter: 7 * 24 * time.Hour}, net, store, day0.Add(8*24*time.Hour)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unfollowed)
	assert.Equal(t, []string{"at://did:plc:me/app.bsky.graph.follow/a"}, net.unfollowed)

	st = loadState(t, store)
	assert.NotContains(t, st, "did:plc:a")
	assert.Contains(t, st, "did:plc:b")
	assert.Contains(t, st, "did:plc:c")
}

func TestTruncatedFollowerListNeverUnfollows(t *testing.T) {
	store := storage.NewMemory()
	net := &fakeNetwork{engagers: []string{"did:plc:a"}, complete: true}
	_, err := newService(t, Config{}, net, store, day0).Run(context.Background())
	require.NoError(t, err)

	net.engagers = nil
	net.followers = []string{"did:plc:x", "did:plc:y"}
	rep, err := newService(t, Config{MaxFollowers: 1}, net, store, day0.Add(30*24*time.Hour)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Unfollowed)
	assert.Empty(t, net.unfollowed)
	assert.Contains(t, loadState(t, store), "did:plc:a")
}

func TestOpenFailureFailsPass(t *testing.T) {
	s := New(Config{}, "shortform", func(context.Context) (Network, error) {
		return nil, errors.New("bad password")
	}, storage.NewMemory(), logx.Nop())
	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad password")
}
