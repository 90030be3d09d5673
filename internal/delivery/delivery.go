// Package delivery hands finished report artifacts to outbound channels.
package delivery

import (
	"context"
	"time"
)

// Artifact is a rendered report ready to send.
type Artifact struct {
	ReportID    string
	Name        string
	Path        string
	Recipients  []string
	GeneratedAt time.Time
}

// Deliverer sends an artifact through one channel.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, a Artifact) error
}

// Result is the per-channel outcome of one delivery.
type Result struct {
	Channel string        `json:"channel"`
	Err     string        `json:"error,omitempty"`
	Took    time.Duration `json:"took"`
	Skipped bool          `json:"skipped,omitempty"`
}

// noRecipientsError marks a delivery that had nobody to send to. Fanout
// records it as skipped rather than failed.
type noRecipientsError struct{ channel string }

func (e noRecipientsError) Error() string { return e.channel + ": no recipients" }

func skipped(channel string) error { return noRecipientsError{channel: channel} }
