package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"strings"

	"gopkg.in/gomail.v2"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// SkipVerify disables TLS certificate checks (self-signed relays).
	SkipVerify bool
}

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email sends the PDF as an attachment to the report's recipients.
type Email struct {
	from   string
	sender mailSender
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is empty")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	d := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	if cfg.SkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	return &Email{from: cfg.From, sender: d}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Deliver(ctx context.Context, a Artifact) error {
	if len(a.Recipients) == 0 {
		return skipped(e.Name())
	}
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", a.Recipients...)
	m.SetHeader("Subject", "Scheduled Report: "+a.Name)
	m.SetBody("text/html", emailBody(a))
	m.Attach(a.Path, gomail.Rename(filepath.Base(a.Path)))

	// gomail has no context support; abandon the wait when ctx ends.
	done := make(chan error, 1)
	go func() { done <- e.sender.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	}
}

func emailBody(a Artifact) string {
	return fmt.Sprintf(
		"<p>Please find attached the scheduled report <b>%s</b>.</p><p>Generated at %s.</p>",
		html.EscapeString(a.Name),
		a.GeneratedAt.Format("2006-01-02 15:04 MST"),
	)
}
