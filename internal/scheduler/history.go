package scheduler

import "sync"

// history keeps the most recent run records.
type history struct {
	mu    sync.Mutex
	size  int
	items []RunRecord
}

func newHistory(size int) *history {
	return &history{size: size}
}

func (h *history) add(r RunRecord) {
	h.mu.Lock()
	h.items = append(h.items, r)
	if h.size > 0 && len(h.items) > h.size {
		h.items = append([]RunRecord(nil), h.items[len(h.items)-h.size:]...)
	}
	h.mu.Unlock()
}

func (h *history) resize(size int) {
	h.mu.Lock()
	h.size = size
	if size > 0 && len(h.items) > size {
		h.items = append([]RunRecord(nil), h.items[len(h.items)-size:]...)
	}
	h.mu.Unlock()
}

// list returns records oldest first, optionally filtered by report id.
func (h *history) list(reportID string) []RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RunRecord, 0, len(h.items))
	for _, r := range h.items {
		if reportID == "" || r.ReportID == reportID {
			out = append(out, r)
		}
	}
	return out
}
