package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const DefaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// graphClient speaks the small subset of the Graph API the page and photo
// channels need: form posts, multipart uploads and node lookups.
type graphClient struct {
	base  string
	token string
	http  *http.Client
}

func newGraphClient(base, token string, hc *http.Client) graphClient {
	if base == "" {
		base = DefaultGraphBaseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return graphClient{base: strings.TrimRight(base, "/"), token: token, http: hc}
}

type graphResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
	Error  *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g graphClient) get(ctx context.Context, node string) (graphResponse, error) {
	q := url.Values{"access_token": {g.token}, "fields": {"id"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/"+node+"?"+q.Encode(), nil)
	if err != nil {
		return graphResponse{}, errors.WithStack(err)
	}
	return g.do(req)
}

func (g graphClient) postForm(ctx context.Context, edge string, form url.Values) (graphResponse, error) {
	form.Set("access_token", g.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/"+edge, strings.NewReader(form.Encode()))
	if err != nil {
		return graphResponse{}, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return g.do(req)
}

func (g graphClient) postFile(ctx context.Context, edge string, fields map[string]string, fileField, path string) (graphResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return graphResponse{}, errors.Wrap(err, "open image")
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.WriteField("access_token", g.token)
	part, err := mw.CreateFormFile(fileField, filepath.Base(path))
	if err != nil {
		return graphResponse{}, errors.WithStack(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return graphResponse{}, errors.Wrap(err, "read image")
	}
	if err := mw.Close(); err != nil {
		return graphResponse{}, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/"+edge, &body)
	if err != nil {
		return graphResponse{}, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return g.do(req)
}

func (g graphClient) do(req *http.Request) (graphResponse, error) {
	resp, err := g.http.Do(req)
	if err != nil {
		return graphResponse{}, errors.Wrap(err, "graph request")
	}
	defer resp.Body.Close()

	var out graphResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(b, &out)
	if resp.StatusCode/100 != 2 || out.Error != nil {
		return out, graphError(resp.StatusCode, out, b)
	}
	return out, nil
}

func graphError(status int, r graphResponse, raw []byte) error {
	if r.Error != nil && r.Error.Message != "" {
		return errors.Newf("graph %d: %s", status, r.Error.Message)
	}
	return errors.Newf("graph %d: %s", status, truncateRunes(strings.TrimSpace(string(raw)), 200))
}

func idOf(r graphResponse) string {
	if r.PostID != "" {
		return r.PostID
	}
	return r.ID
}

func detailf(format string, args ...any) string { return fmt.Sprintf(format, args...) }
