package channel

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"
)

type PageConfig struct {
	ID          string
	PageID      string
	AccessToken string
	BaseURL     string
}

// Page posts to a page feed, or to its photos edge when an image is attached.
type Page struct {
	id     string
	pageID string
	graph  graphClient
}

func NewPage(cfg PageConfig, hc *http.Client) (*Page, error) {
	if cfg.PageID == "" || cfg.AccessToken == "" {
		return nil, errors.New("page channel needs page_id and access_token")
	}
	id := cfg.ID
	if id == "" {
		id = "page"
	}
	return &Page{id: id, pageID: cfg.PageID, graph: newGraphClient(cfg.BaseURL, cfg.AccessToken, hc)}, nil
}

func (p *Page) ID() string             { return p.id }
func (p *Page) Kind() string           { return "page" }
func (p *Page) Image() ImagePreference { return ImageLocalFile }

func (p *Page) Probe(ctx context.Context) error {
	_, err := p.graph.get(ctx, p.pageID)
	return err
}

func (p *Page) Publish(ctx context.Context, a Artifact) (string, error) {
	var (
		r   graphResponse
		err error
	)
	switch {
	case !a.HasImage():
		r, err = p.graph.postForm(ctx, p.pageID+"/feed", url.Values{"message": {a.Text}})
	case a.ImageIsURL():
		r, err = p.graph.postForm(ctx, p.pageID+"/photos", url.Values{"caption": {a.Text}, "url": {a.ImageRef}})
	default:
		r, err = p.graph.postFile(ctx, p.pageID+"/photos", map[string]string{"caption": a.Text}, "source", a.ImageRef)
	}
	if err != nil {
		return "", err
	}
	return detailf("post_id=%s image=%t", idOf(r), a.HasImage()), nil
}
