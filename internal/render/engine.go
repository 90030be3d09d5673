package render

import "context"

// Engine launches isolated browser sessions.
type Engine interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one headless browser tab. Every method honours ctx deadlines.
type Session interface {
	// Navigate loads url and returns once network activity has settled.
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// Evaluate runs a JS expression and decodes its result into out (may be nil).
	Evaluate(ctx context.Context, expr string, out any) error
	// Poll waits until expr is truthy.
	Poll(ctx context.Context, expr string) error
	Close() error
}
