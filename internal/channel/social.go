package channel

import (
	"context"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/cockroachdb/errors"
)

const (
	followCollection = "app.bsky.graph.follow"
	likeCollection   = "app.bsky.feed.like"
	followersPage    = 100
)

// Social is one logged-in short-form session used for the engagement pass.
type Social struct {
	client *xrpc.Client
}

// Social logs in and returns a session bound to the account.
func (s *ShortForm) Social(ctx context.Context) (*Social, error) {
	client, err := s.login(ctx)
	if err != nil {
		return nil, err
	}
	return &Social{client: client}, nil
}

// Self is the account DID.
func (s *Social) Self() string { return s.client.Auth.Did }

// Engagers returns the distinct authors of the latest mentions and replies,
// newest first, excluding the account itself.
func (s *Social) Engagers(ctx context.Context, limit int) ([]string, error) {
	out, err := appbsky.NotificationListNotifications(ctx, s.client, "", int64(limit), false, []string{"mention", "reply"}, "")
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	seen := map[string]bool{s.Self(): true}
	var dids []string
	for _, n := range out.Notifications {
		if n == nil || n.Author == nil || seen[n.Author.Did] {
			continue
		}
		seen[n.Author.Did] = true
		dids = append(dids, n.Author.Did)
	}
	return dids, nil
}

// Followers pages through the account's followers up to limit. complete is
// false when the listing stopped at limit.
func (s *Social) Followers(ctx context.Context, limit int) ([]string, bool, error) {
	var dids []string
	cursor := ""
	for len(dids) < limit {
		page := min(followersPage, limit-len(dids))
		out, err := appbsky.GraphGetFollowers(ctx, s.client, s.Self(), cursor, int64(page))
		if err != nil {
			return nil, false, errors.Wrap(err, "get followers")
		}
		for _, f := range out.Followers {
			if f != nil {
				dids = append(dids, f.Did)
			}
		}
		if out.Cursor == nil || *out.Cursor == "" || len(out.Followers) == 0 {
			return dids, true, nil
		}
		cursor = *out.Cursor
	}
	return dids, false, nil
}

// Follow creates a follow record and returns its URI.
func (s *Social) Follow(ctx context.Context, did string) (string, error) {
	out, err := comatproto.RepoCreateRecord(ctx, s.client, &comatproto.RepoCreateRecord_Input{
		Collection: followCollection,
		Repo:       s.Self(),
		Record: &util.LexiconTypeDecoder{Val: &appbsky.GraphFollow{
			Subject:   did,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return "", errors.Wrapf(err, "follow %s", did)
	}
	return out.Uri, nil
}

// Unfollow deletes the follow record at uri.
func (s *Social) Unfollow(ctx context.Context, uri string) error {
	at, err := syntax.ParseATURI(uri)
	if err != nil {
		return errors.Wrapf(err, "follow uri %q", uri)
	}
	rkey := at.RecordKey().String()
	if rkey == "" {
		return errors.Newf("follow uri %q has no record key", uri)
	}
	_, err = comatproto.RepoDeleteRecord(ctx, s.client, &comatproto.RepoDeleteRecord_Input{
		Collection: followCollection,
		Repo:       s.Self(),
		Rkey:       rkey,
	})
	return errors.Wrapf(err, "unfollow %s", uri)
}

// LikeLatest likes the newest top-level post of did. It reports false when
// the author has no posts.
func (s *Social) LikeLatest(ctx context.Context, did string) (bool, error) {
	feed, err := appbsky.FeedGetAuthorFeed(ctx, s.client, did, "", "posts_no_replies", false, 1)
	if err != nil {
		return false, errors.Wrapf(err, "author feed %s", did)
	}
	if len(feed.Feed) == 0 || feed.Feed[0] == nil || feed.Feed[0].Post == nil {
		return false, nil
	}
	post := feed.Feed[0].Post
	_, err = comatproto.RepoCreateRecord(ctx, s.client, &comatproto.RepoCreateRecord_Input{
		Collection: likeCollection,
		Repo:       s.Self(),
		Record: &util.LexiconTypeDecoder{Val: &appbsky.FeedLike{
			Subject:   &comatproto.RepoStrongRef{Uri: post.Uri, Cid: post.Cid},
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return false, errors.Wrapf(err, "like %s", post.Uri)
	}
	return true, nil
}
