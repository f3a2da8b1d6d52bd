package channel

import (
	"context"
	"net/http"
	"os"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

const (
	DefaultShortFormHost = "https://bsky.social"
	shortFormMaxRunes    = 300
)

type ShortFormConfig struct {
	ID          string
	Host        string
	Handle      string
	AppPassword string
}

// ShortForm posts to an AT Protocol network. A fresh session is created for
// every probe and publish.
type ShortForm struct {
	cfg  ShortFormConfig
	http *http.Client
	log  logx.Logger
}

func NewShortForm(cfg ShortFormConfig, hc *http.Client, log logx.Logger) (*ShortForm, error) {
	if cfg.Handle == "" || cfg.AppPassword == "" {
		return nil, errors.New("shortform channel needs handle and app_password")
	}
	if cfg.ID == "" {
		cfg.ID = "shortform"
	}
	if cfg.Host == "" {
		cfg.Host = DefaultShortFormHost
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ShortForm{cfg: cfg, http: hc, log: log.With(logx.String("channel", cfg.ID))}, nil
}

func (s *ShortForm) ID() string             { return s.cfg.ID }
func (s *ShortForm) Kind() string           { return "shortform" }
func (s *ShortForm) Image() ImagePreference { return ImageLocalFile }

func (s *ShortForm) Probe(ctx context.Context) error {
	_, err := s.login(ctx)
	return err
}

func (s *ShortForm) login(ctx context.Context) (*xrpc.Client, error) {
	client := &xrpc.Client{Client: s.http, Host: s.cfg.Host}
	out, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: s.cfg.Handle,
		Password:   s.cfg.AppPassword,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	return client, nil
}

func (s *ShortForm) Publish(ctx context.Context, a Artifact) (string, error) {
	client, err := s.login(ctx)
	if err != nil {
		return "", err
	}

	post := &appbsky.FeedPost{
		Text:      truncateRunes(a.Text, shortFormMaxRunes),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if a.HasImage() && !a.ImageIsURL() {
		if embed, err := s.uploadImage(ctx, client, a.ImageRef); err != nil {
			s.log.Warn("image upload failed; posting text-only", logx.Err(err))
		} else {
			post.Embed = embed
		}
	}

	out, err := comatproto.RepoCreateRecord(ctx, client, &comatproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       client.Auth.Did,
		Record:     &util.LexiconTypeDecoder{Val: post},
	})
	if err != nil {
		return "", errors.Wrap(err, "create record")
	}
	return detailf("uri=%s image=%t", out.Uri, post.Embed != nil), nil
}

func (s *ShortForm) uploadImage(ctx context.Context, client *xrpc.Client, path string) (*appbsky.FeedPost_Embed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	out, err := comatproto.RepoUploadBlob(ctx, client, f)
	if err != nil {
		return nil, errors.Wrap(err, "upload blob")
	}
	return &appbsky.FeedPost_Embed{
		EmbedImages: &appbsky.EmbedImages{
			Images: []*appbsky.EmbedImages_Image{{Alt: "", Image: out.Blob}},
		},
	}, nil
}
