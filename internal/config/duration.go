package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations parses a batch of fields and keeps the first error, so callers
// can map a whole section and check once.
type Durations struct {
	err error
}

// Or parses raw and falls back to def when it is empty or zero.
func (d *Durations) Or(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return def
	}
	return v
}

// Field parses raw; empty means zero.
func (d *Durations) Field(path, raw string) time.Duration {
	return d.Or(path, raw, 0)
}

func (d *Durations) Err() error { return d.err }
