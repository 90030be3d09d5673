package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"
)

type SlackConfig struct {
	Token    string
	Channels []string
}

// slackAPI is the subset of *slack.Client used here.
type slackAPI interface {
	UploadFileContext(ctx context.Context, params slack.FileUploadParameters) (*slack.File, error)
}

// Slack uploads the PDF to the configured channels.
type Slack struct {
	api      slackAPI
	channels []string
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	return &Slack{api: slack.New(cfg.Token), channels: cfg.Channels}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Deliver(ctx context.Context, a Artifact) error {
	if len(s.channels) == 0 {
		return skipped(s.Name())
	}
	_, err := s.api.UploadFileContext(ctx, slack.FileUploadParameters{
		File:           a.Path,
		Filename:       filepath.Base(a.Path),
		Filetype:       "pdf",
		Title:          "Scheduled Report: " + a.Name,
		InitialComment: fmt.Sprintf("Generated at %s", a.GeneratedAt.Format("2006-01-02 15:04 MST")),
		Channels:       s.channels,
	})
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}
