package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "autoposter/pkg/logx"
)

// fakeGraph answers the engagement calls: two follower pages, a mention
// from the account itself and a like target.
type fakeGraph struct {
	mu      sync.Mutex
	created []map[string]any
	deleted []map[string]any
	reasons []string
}

func (g *fakeGraph) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			_, _ = io.WriteString(w, `{"accessJwt":"acc","refreshJwt":"ref","handle":"me.test","did":"did:plc:me"}`)
		case "/xrpc/app.bsky.notification.listNotifications":
			g.mu.Lock()
			g.reasons = r.URL.Query()["reasons"]
			g.mu.Unlock()
			_, _ = io.WriteString(w, `{"notifications":[
				{"uri":"at://did:plc:a/app.bsky.feed.post/1","cid":"c1","author":{"did":"did:plc:a","handle":"a.test"},"reason":"mention","isRead":false,"indexedAt":"2024-05-01T00:00:00Z"},
				{"uri":"at://did:plc:a/app.bsky.feed.post/2","cid":"c2","author":{"did":"did:plc:a","handle":"a.test"},"reason":"reply","isRead":false,"indexedAt":"2024-05-01T00:00:00Z"},
				{"uri":"at://did:plc:me/app.bsky.feed.post/3","cid":"c3","author":{"did":"did:plc:me","handle":"me.test"},"reason":"reply","isRead":false,"indexedAt":"2024-05-01T00:00:00Z"},
				{"uri":"at://did:plc:b/app.bsky.feed.post/4","cid":"c4","author":{"did":"did:plc:b","handle":"b.test"},"reason":"mention","isRead":false,"indexedAt":"2024-05-01T00:00:00Z"}]}`)
		case "/xrpc/app.bsky.graph.getFollowers":
			if r.URL.Query().Get("cursor") == "" {
				_, _ = io.WriteString(w, `{"cursor":"p2","followers":[{"did":"did:plc:f1","handle":"f1.test"},{"did":"did:plc:f2","handle":"f2.test"}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"followers":[{"did":"did:plc:f3","handle":"f3.test"}]}`)
		case "/xrpc/app.bsky.feed.getAuthorFeed":
			if r.URL.Query().Get("actor") == "did:plc:quiet" {
				_, _ = io.WriteString(w, `{"feed":[]}`)
				return
			}
			_, _ = io.WriteString(w, `{"feed":[{"post":{"uri":"at://did:plc:f1/app.bsky.feed.post/9","cid":"cid9","author":{"did":"did:plc:f1","handle":"f1.test"},"indexedAt":"2024-05-01T00:00:00Z"}}]}`)
		case "/xrpc/com.atproto.repo.createRecord":
			var in map[string]any
			_ = json.NewDecoder(r.Body).Decode(&in)
			g.mu.Lock()
			g.created = append(g.created, in)
			g.mu.Unlock()
			_, _ = io.WriteString(w, `{"uri":"at://did:plc:me/app.bsky.graph.follow/3kf","cid":"cidf"}`)
		case "/xrpc/com.atproto.repo.deleteRecord":
			var in map[string]any
			_ = json.NewDecoder(r.Body).Decode(&in)
			g.mu.Lock()
			g.deleted = append(g.deleted, in)
			g.mu.Unlock()
			_, _ = io.WriteString(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSocial(t *testing.T, g *fakeGraph) *Social {
	t.Helper()
	srv := g.server(t)
	sf, err := NewShortForm(ShortFormConfig{Host: srv.URL, Handle: "me.test", AppPassword: "app-pass"}, srv.Client(), logx.Nop())
	require.NoError(t, err)
	soc, err := sf.Social(context.Background())
	require.NoError(t, err)
	return soc
}

func TestSocialEngagersAreDistinctOthers(t *testing.T) {
	g := &fakeGraph{}
	soc := newSocial(t, g)
	assert.Equal(t, "did:plc:me", soc.Self())

	dids, err := soc.Engagers(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:a", "did:plc:b"}, dids)
	assert.ElementsMatch(t, []string{"mention", "reply"}, g.reasons)
}

func TestSocialFollowersPages(t *testing.T) {
	soc := newSocial(t, &fakeGraph{})

	dids, complete, err := soc.Followers(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, []string{"did:plc:f1", "did:plc:f2", "did:plc:f3"}, dids)

	dids, complete, err = soc.Followers(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Len(t, dids, 2)
}

func TestSocialFollowAndUnfollow(t *testing.T) {
	g := &fakeGraph{}
	soc := newSocial(t, g)

	uri, err := soc.Follow(context.Background(), "did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:me/app.bsky.graph.follow/3kf", uri)
	require.Len(t, g.created, 1)
	assert.Equal(t, "app.bsky.graph.follow", g.created[0]["collection"])
	record := g.created[0]["record"].(map[string]any)
	assert.Equal(t, "did:plc:a", record["subject"])
	assert.Equal(t, "app.bsky.graph.follow", record["$type"])

	require.NoError(t, soc.Unfollow(context.Background(), uri))
	require.Len(t, g.deleted, 1)
	assert.Equal(t, "3kf", g.deleted[0]["rkey"])
	assert.Equal(t, "did:plc:me", g.deleted[0]["repo"])

	assert.Error(t, soc.Unfollow(context.Background(), "not-a-uri"))
}

func TestSocialLikeLatest(t *testing.T) {
	g := &fakeGraph{}
	soc := newSocial(t, g)

	liked, err := soc.LikeLatest(context.Background(), "did:plc:f1")
	require.NoError(t, err)
	assert.True(t, liked)
	require.Len(t, g.created, 1)
	assert.Equal(t, "app.bsky.feed.like", g.created[0]["collection"])
	subject := g.created[0]["record"].(map[string]any)["subject"].(map[string]any)
	assert.Equal(t, "at://did:plc:f1/app.bsky.feed.post/9", subject["uri"])
	assert.Equal(t, "cid9", subject["cid"])

	liked, err = soc.LikeLatest(context.Background(), "did:plc:quiet")
	require.NoError(t, err)
	assert.False(t, liked)
	assert.Len(t, g.created, 1)
}
