// Package telegram delivers operator alerts to a Telegram chat or forum topic.
package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL string
}

// Sink sends alerts through the Bot API. The bot never polls.
type Sink struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config, client *http.Client) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &Sink{cfg: cfg, bot: b}, nil
}

func (s *Sink) Name() string { return "telegram" }

func (s *Sink) Send(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, Format(subject, body), &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

// Format renders an alert as one plain-text message.
func Format(subject, body string) string {
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	switch {
	case body == "":
		return "🚨 " + subject
	case subject == "":
		return body
	}
	return "🚨 " + subject + "\n\n" + body
}
