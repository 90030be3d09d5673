package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatIDs  []int64
	ThreadID int
	Timeout  time.Duration
}

// botAPI is the subset of *tele.Bot used here.
type botAPI interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Telegram posts the PDF as a document to the configured chats. It also
// backs the log service's Telegram sink.
type Telegram struct {
	bot      botAPI
	chats    []int64
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Offline: no getMe round-trip and no poller; this bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chats: cfg.ChatIDs, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, a Artifact) error {
	if len(t.chats) == 0 {
		return skipped(t.Name())
	}
	var errs []error
	for _, id := range t.chats {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		doc := &tele.Document{
			File:     tele.FromDisk(a.Path),
			FileName: filepath.Base(a.Path),
			Caption:  fmt.Sprintf("Scheduled Report: %s", a.Name),
		}
		if _, err := t.bot.Send(&tele.Chat{ID: id}, doc, &tele.SendOptions{ThreadID: t.threadID}); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// SendText implements logx.Sender.
func (t *Telegram) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return err
}
