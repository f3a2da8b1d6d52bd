package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

const (
	DefaultVideoBaseURL = "https://open.tiktokapis.com/v2"
	videoTitleMaxRunes  = 150
)

// VideoRenderer turns a script and an optional background image into a video
// file on disk. The caller removes the file.
type VideoRenderer interface {
	Render(ctx context.Context, script, imageRef string) (path string, err error)
}

type VideoConfig struct {
	ID          string
	AccessToken string
	BaseURL     string
	Privacy     string
}

// Video publishes a rendered clip through the direct-post upload flow:
// init, a single-chunk PUT, then one status fetch.
type Video struct {
	cfg      VideoConfig
	renderer VideoRenderer
	http     *http.Client
	log      logx.Logger
}

func NewVideo(cfg VideoConfig, renderer VideoRenderer, hc *http.Client, log logx.Logger) (*Video, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("video channel needs access_token")
	}
	if cfg.ID == "" {
		cfg.ID = "video"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultVideoBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Privacy == "" {
		cfg.Privacy = "SELF_ONLY"
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Video{cfg: cfg, renderer: renderer, http: hc, log: log.With(logx.String("channel", cfg.ID))}, nil
}

func (v *Video) ID() string             { return v.cfg.ID }
func (v *Video) Kind() string           { return "video" }
func (v *Video) Image() ImagePreference { return ImageLocalFile }

type videoEnvelope struct {
	Data struct {
		PublishID string `json:"publish_id"`
		UploadURL string `json:"upload_url"`
		Status    string `json:"status"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (v *Video) Probe(ctx context.Context) error {
	_, err := v.call(ctx, "/post/publish/creator_info/query/", nil)
	return err
}

func (v *Video) Publish(ctx context.Context, a Artifact) (string, error) {
	if v.renderer == nil {
		return "", errors.New("video rendering not configured")
	}
	path, err := v.renderer.Render(ctx, a.Text, a.ImageRef)
	if err != nil {
		return "", errors.Wrap(err, "render")
	}
	defer func() { _ = os.Remove(path) }()

	st, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, "stat video")
	}
	size := st.Size()
	if size == 0 {
		return "", errors.New("rendered video is empty")
	}

	started, err := v.call(ctx, "/post/publish/video/init/", map[string]any{
		"post_info": map[string]any{
			"title":                    truncateRunes(a.Text, videoTitleMaxRunes),
			"privacy_level":            v.cfg.Privacy,
			"disable_duet":             false,
			"disable_comment":          false,
			"disable_stitch":           false,
			"video_cover_timestamp_ms": 1000,
		},
		"source_info": map[string]any{
			"source":            "FILE_UPLOAD",
			"video_size":        size,
			"chunk_size":        size,
			"total_chunk_count": 1,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "init upload")
	}
	if started.Data.UploadURL == "" || started.Data.PublishID == "" {
		return "", errors.New("init upload: missing upload_url or publish_id")
	}

	if err := v.upload(ctx, started.Data.UploadURL, path, size); err != nil {
		return "", err
	}

	status, err := v.call(ctx, "/post/publish/status/fetch/", map[string]any{"publish_id": started.Data.PublishID})
	if err != nil {
		// The clip is uploaded; a failed status lookup is reported, not fatal.
		v.log.Warn("status fetch failed", logx.String("publish_id", started.Data.PublishID), logx.Err(err))
		return detailf("publish_id=%s status=unknown", started.Data.PublishID), nil
	}
	return detailf("publish_id=%s status=%s", started.Data.PublishID, status.Data.Status), nil
}

func (v *Video) upload(ctx context.Context, uploadURL, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open video")
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return errors.WithStack(err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", size-1, size))

	resp, err := v.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload video")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode/100 != 2 {
		return errors.Newf("upload video: status %d", resp.StatusCode)
	}
	return nil
}

func (v *Video) call(ctx context.Context, endpoint string, body any) (videoEnvelope, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return videoEnvelope{}, errors.WithStack(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+endpoint, rd)
	if err != nil {
		return videoEnvelope{}, errors.WithStack(err)
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := v.http.Do(req)
	if err != nil {
		return videoEnvelope{}, errors.Wrap(err, endpoint)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out videoEnvelope
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode/100 != 2 {
		msg := out.Error.Message
		if msg == "" {
			msg = truncateRunes(strings.TrimSpace(string(raw)), 200)
		}
		return out, errors.Newf("%s: status %d: %s", endpoint, resp.StatusCode, msg)
	}
	if out.Error.Code != "" && out.Error.Code != "ok" {
		return out, errors.Newf("%s: %s: %s", endpoint, out.Error.Code, out.Error.Message)
	}
	return out, nil
}
