package render

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	spaceRun  = regexp.MustCompile(`\s+`)
	unsafeRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// SafeName turns a report label into a file-name stem: whitespace becomes "_"
// and anything outside [A-Za-z0-9._-] is dropped.
func SafeName(label string) string {
	s := spaceRun.ReplaceAllString(strings.TrimSpace(label), "_")
	s = unsafeRun.ReplaceAllString(s, "")
	s = strings.Trim(s, ".")
	if s == "" {
		return "report"
	}
	return s
}

// ArtifactWriter persists rendered PDFs as <dir>/<safe_label>_<unixms>.pdf.
type ArtifactWriter struct {
	dir string
	now func() time.Time
}

func NewArtifactWriter(dir string, now func() time.Time) ArtifactWriter {
	if now == nil {
		now = time.Now
	}
	return ArtifactWriter{dir: dir, now: now}
}

func (w ArtifactWriter) Write(label string, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", ErrEmptyPayload
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s_%d.pdf", SafeName(label), w.now().UnixMilli())
	path := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".render-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(pdf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return path, nil
}
