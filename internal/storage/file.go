package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

// fileStore keeps definitions in memory and persists every mutation.
//
// Files:
//   - <prefix>.reports.snapshot.json.gz (periodic gzip snapshot)
//   - <prefix>.reports.journal.jsonl    (append-only journal)
//
// The journal is folded into the snapshot every CompactEvery writes and on Close.
type fileStore struct {
	*MemoryStore

	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string             `json:"op"` // "put" | "del"
	ID  string             `json:"id,omitempty"`
	Def *report.Definition `json:"def,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (report.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".reports.snapshot.json.gz"
	journalPath := prefix + ".reports.journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = 500
	}
	st := &fileStore{
		MemoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}
	if replayed > 0 {
		log.Debug("file store journal replayed", logx.Int("records", replayed), logx.String("path", journalPath))
	}
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	_ = s.MemoryStore.Close()
	return err
}

func (s *fileStore) Create(ctx context.Context, def report.Definition) (report.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return report.Definition{}, report.WrapStore("create", def.ID, ErrClosed)
	}
	out, err := s.MemoryStore.Create(ctx, def)
	if err != nil {
		return out, err
	}
	if err := s.appendLocked(journalRecord{Op: "put", Def: &out}); err != nil {
		s.MemoryStore.forget(out.ID)
		return report.Definition{}, report.WrapStore("create", out.ID, err)
	}
	return out, nil
}

func (s *fileStore) FindByIDAndUpdate(ctx context.Context, id string, patch report.Patch) (report.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return report.Definition{}, report.WrapStore("update", id, ErrClosed)
	}
	prev, err := s.MemoryStore.FindByID(ctx, id)
	if err != nil {
		return report.Definition{}, report.WrapStore("update", id, report.ErrNotFound)
	}
	out, err := s.MemoryStore.FindByIDAndUpdate(ctx, id, patch)
	if err != nil {
		return out, err
	}
	if err := s.appendLocked(journalRecord{Op: "put", Def: &out}); err != nil {
		s.MemoryStore.restore(prev)
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	return out, nil
}

func (s *fileStore) FindByIDAndDelete(ctx context.Context, id string) (report.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return report.Definition{}, report.WrapStore("delete", id, ErrClosed)
	}
	out, err := s.MemoryStore.FindByIDAndDelete(ctx, id)
	if err != nil {
		return out, err
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		s.MemoryStore.restore(out)
		return report.Definition{}, report.WrapStore("delete", id, err)
	}
	return out, nil
}

func (s *fileStore) DeleteMany(ctx context.Context, f report.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, report.WrapStore("delete_many", "", ErrClosed)
	}
	victims, err := s.MemoryStore.Find(ctx, f)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range victims {
		if _, err := s.MemoryStore.FindByIDAndDelete(ctx, d.ID); err != nil {
			continue
		}
		if err := s.appendLocked(journalRecord{Op: "del", ID: d.ID}); err != nil {
			s.MemoryStore.restore(d)
			return n, report.WrapStore("delete_many", d.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("file store compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a fresh snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(s.MemoryStore.snapshot()); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *MemoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	var defs []report.Definition
	if err := json.NewDecoder(zr).Decode(&defs); err != nil {
		return err
	}
	for _, d := range defs {
		into.restore(d)
	}
	return nil
}

func replayJournal(path string, into *MemoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write; everything before it is still good
			continue
		}
		switch r.Op {
		case "put":
			if r.Def != nil && r.Def.ID != "" {
				into.restore(*r.Def)
				n++
			}
		case "del":
			if r.ID != "" {
				into.forget(r.ID)
				n++
			}
		}
	}
	return n, sc.Err()
}
