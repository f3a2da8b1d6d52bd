// Package email delivers operator alerts by email through SendGrid.
package email

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Config struct {
	APIKey   string
	From     string
	FromName string
	To       string
	// Host overrides https://api.sendgrid.com.
	Host string
}

type Sink struct {
	cfg Config
}

func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is empty")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, errors.New("email from and to are required")
	}
	if cfg.FromName == "" {
		cfg.FromName = "autoposter"
	}
	return &Sink{cfg: cfg}, nil
}

func (s *Sink) Name() string { return "email" }

func (s *Sink) Send(ctx context.Context, subject, body string) error {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.From)
	to := mail.NewEmail("", s.cfg.To)
	msg := mail.NewSingleEmail(from, subject, to, body, "")

	req := sendgrid.GetRequest(s.cfg.APIKey, "/v3/mail/send", s.cfg.Host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return errors.Wrap(err, "sendgrid")
	}
	if resp.StatusCode >= 400 {
		return errors.Newf("sendgrid status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	return nil
}
