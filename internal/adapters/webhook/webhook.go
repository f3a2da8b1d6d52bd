// Package webhook posts operator alerts as a Slack-compatible JSON payload.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type Sink struct {
	url  string
	http *http.Client
}

func New(url string, client *http.Client) (*Sink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Sink{url: url, http: client}, nil
}

func (s *Sink) Name() string { return "webhook" }

func (s *Sink) Send(ctx context.Context, subject, body string) error {
	text := subject
	if body != "" {
		text += "\n" + body
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode/100 != 2 {
		return errors.Newf("webhook status %d", resp.StatusCode)
	}
	return nil
}
