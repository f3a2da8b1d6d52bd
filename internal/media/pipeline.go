// Package media turns seed images and generated image URLs into assets a
// channel can publish. Every failure degrades to "no image".
package media

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	logx "autoposter/pkg/logx"
)

// ErrMediaUnavailable marks every reason an image could not be produced.
// It is logged, never returned to the job.
var ErrMediaUnavailable = errors.New("media unavailable")

type Mode string

const (
	ModeNone     Mode = "none"
	ModeVariant  Mode = "variant"
	ModeGenerate Mode = "generate"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeVariant:
		return ModeVariant, nil
	case ModeGenerate:
		return ModeGenerate, nil
	}
	return "", errors.Newf("unknown image mode %q", s)
}

// ImageGenerator is the image generation backend.
type ImageGenerator interface {
	VariantFrom(ctx context.Context, seedPath string) (url string, err error)
	CreateFrom(ctx context.Context, postText string) (url string, err error)
}

type Config struct {
	SeedDir  string
	WorkDir  string
	MaxBytes int64
	Timeout  time.Duration // per backend call and per download
}

// Asset is the image prepared for one job. The zero value means text-only.
type Asset struct {
	URL       string
	LocalPath string
}

func (a Asset) Empty() bool { return a.URL == "" && a.LocalPath == "" }

// Cleanup removes the downloaded file, if any. Safe to call on every exit path.
func (a Asset) Cleanup() {
	if a.LocalPath != "" {
		_ = os.Remove(a.LocalPath)
	}
}

type Pipeline struct {
	cfg    Config
	images ImageGenerator
	http   *http.Client
	log    logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPipeline(cfg Config, images ImageGenerator, client *http.Client, log logx.Logger) *Pipeline {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Pipeline{
		cfg:    cfg,
		images: images,
		http:   client,
		log:    log.With(logx.String("comp", "media")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Prepare produces the image for one job. When local is set the image is
// downloaded and the caller must call Cleanup on the result.
func (p *Pipeline) Prepare(ctx context.Context, mode Mode, postText string, local bool) Asset {
	url := p.MaybeGenerateImage(ctx, mode, postText)
	if url == "" {
		return Asset{}
	}
	if !local {
		return Asset{URL: url}
	}
	lp := p.Download(ctx, url)
	if lp == "" {
		return Asset{}
	}
	return Asset{URL: url, LocalPath: lp}
}

// MaybeGenerateImage returns an image URL or "" when the mode is none or anything failed.
func (p *Pipeline) MaybeGenerateImage(ctx context.Context, mode Mode, postText string) string {
	if mode == ModeNone || mode == "" {
		return ""
	}
	url, err := p.generate(ctx, mode, postText)
	if err != nil {
		p.log.Warn("image unavailable; continuing text-only", logx.String("mode", string(mode)), logx.Err(err))
		return ""
	}
	return url
}

func (p *Pipeline) generate(ctx context.Context, mode Mode, postText string) (url string, err error) {
	if p.images == nil {
		return "", errors.Mark(errors.New("no image backend configured"), ErrMediaUnavailable)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("image backend panic: %v", r), ErrMediaUnavailable)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	switch mode {
	case ModeVariant:
		seed := p.PickSeed()
		if seed == "" {
			return "", errors.Mark(errors.Newf("no seed images in %q", p.cfg.SeedDir), ErrMediaUnavailable)
		}
		p.log.Debug("seed image", logx.String("path", seed))
		url, err = p.images.VariantFrom(ctx, seed)
	case ModeGenerate:
		url, err = p.images.CreateFrom(ctx, postText)
	default:
		return "", errors.Mark(errors.Newf("unknown mode %q", mode), ErrMediaUnavailable)
	}
	if err != nil {
		return "", errors.Mark(err, ErrMediaUnavailable)
	}
	if url == "" {
		return "", errors.Mark(errors.New("empty image url"), ErrMediaUnavailable)
	}
	return url, nil
}

// PickSeed returns a random .png/.jpg/.jpeg from SeedDir, or "".
func (p *Pipeline) PickSeed() string {
	if p.cfg.SeedDir == "" {
		return ""
	}
	entries, err := os.ReadDir(p.cfg.SeedDir)
	if err != nil {
		p.log.Debug("seed dir unreadable", logx.String("dir", p.cfg.SeedDir), logx.Err(err))
		return ""
	}
	var seeds []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			seeds = append(seeds, filepath.Join(p.cfg.SeedDir, e.Name()))
		}
	}
	if len(seeds) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return seeds[p.rng.Intn(len(seeds))]
}

// Download fetches url into WorkDir under a unique name and returns the path,
// or "" on any failure. Partial files are removed.
func (p *Pipeline) Download(ctx context.Context, url string) string {
	lp, err := p.download(ctx, url)
	if err != nil {
		p.log.Warn("image download failed; continuing text-only", logx.String("url", url), logx.Err(err))
		return ""
	}
	return lp
}

func (p *Pipeline) download(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "build request"), ErrMediaUnavailable)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "fetch"), ErrMediaUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Mark(errors.Newf("status %d", resp.StatusCode), ErrMediaUnavailable)
	}
	if resp.ContentLength > p.cfg.MaxBytes {
		return "", errors.Mark(errors.Newf("too large: %s", humanize.Bytes(uint64(resp.ContentLength))), ErrMediaUnavailable)
	}

	if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
		return "", errors.Mark(errors.Wrap(err, "work dir"), ErrMediaUnavailable)
	}
	dst := filepath.Join(p.cfg.WorkDir, "img-"+uuid.NewString()+extOf(url))
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "create file"), ErrMediaUnavailable)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		err = errors.Wrap(err, "write file")
	case n == 0:
		err = errors.New("empty body")
	case n > p.cfg.MaxBytes:
		err = errors.Newf("body exceeds %s", humanize.Bytes(uint64(p.cfg.MaxBytes)))
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", errors.Mark(err, ErrMediaUnavailable)
	}

	p.log.Debug("image downloaded", logx.String("path", dst), logx.String("size", humanize.Bytes(uint64(n))))
	return dst, nil
}

func extOf(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch ext := strings.ToLower(path.Ext(u)); ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return ext
	}
	return ".png"
}
