package channel

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"
)

type PhotoConfig struct {
	ID               string
	UserID           string
	AccessToken      string
	BaseURL          string
	FallbackImageURL string
}

// Photo publishes through the two-step container flow: create a media
// container from a public image URL, then publish it.
type Photo struct {
	id       string
	userID   string
	fallback string
	graph    graphClient
}

func NewPhoto(cfg PhotoConfig, hc *http.Client) (*Photo, error) {
	if cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("photo channel needs user_id and access_token")
	}
	id := cfg.ID
	if id == "" {
		id = "photo"
	}
	return &Photo{id: id, userID: cfg.UserID, fallback: cfg.FallbackImageURL, graph: newGraphClient(cfg.BaseURL, cfg.AccessToken, hc)}, nil
}

func (p *Photo) ID() string             { return p.id }
func (p *Photo) Kind() string           { return "photo" }
func (p *Photo) Image() ImagePreference { return ImageRemoteURL }

func (p *Photo) Probe(ctx context.Context) error {
	_, err := p.graph.get(ctx, p.userID)
	return err
}

func (p *Photo) Publish(ctx context.Context, a Artifact) (string, error) {
	imageURL := ""
	if a.HasImage() && a.ImageIsURL() {
		imageURL = a.ImageRef
	}
	if imageURL == "" {
		imageURL = p.fallback
	}
	if imageURL == "" {
		return "", errors.New("image required")
	}

	container, err := p.graph.postForm(ctx, p.userID+"/media", url.Values{"image_url": {imageURL}, "caption": {a.Text}})
	if err != nil {
		return "", errors.Wrap(err, "create container")
	}
	if container.ID == "" {
		return "", errors.New("create container: no id returned")
	}
	published, err := p.graph.postForm(ctx, p.userID+"/media_publish", url.Values{"creation_id": {container.ID}})
	if err != nil {
		return "", errors.Wrap(err, "publish container")
	}
	return detailf("media_id=%s fallback_image=%t", idOf(published), imageURL == p.fallback && imageURL != a.ImageRef), nil
}
