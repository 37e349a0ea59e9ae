package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "remindbot/pkg/logx"
)

// fileStore keeps every record in one JSON document. Each mutation rewrites
// the document to <path>.tmp, fsyncs it and renames it over <path>.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	recs   map[string]Record
	closed bool
}

type fileDoc struct {
	Version int      `json:"version"`
	Jobs    []Record `json:"jobs"`
}

const fileDocVersion = 1

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// A leftover tmp file means a crash between write and rename; the
	// previous document is still intact.
	_ = os.Remove(path + ".tmp")

	recs, err := loadFileDoc(path)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("jobs", len(recs)))
	return &fileStore{log: log, path: path, recs: recs}, nil
}

func loadFileDoc(path string) (map[string]Record, error) {
	recs := map[string]Record{}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return recs, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return recs, nil
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Version > fileDocVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", path, doc.Version)
	}
	for _, r := range doc.Jobs {
		recs[r.ID] = r
	}
	return recs, nil
}

// commitLocked persists next and swaps it in only after the write succeeded.
func (s *fileStore) commitLocked(next map[string]Record) error {
	if s.closed {
		return errors.New("store closed")
	}
	doc := fileDoc{Version: fileDocVersion, Jobs: make([]Record, 0, len(next))}
	for _, r := range next {
		doc.Jobs = append(doc.Jobs, r)
	}
	sortRecords(doc.Jobs)

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if d, err := os.Open(filepath.Dir(s.path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	s.recs = next
	return nil
}

func (s *fileStore) cloneLocked() map[string]Record {
	cp := make(map[string]Record, len(s.recs)+1)
	for k, v := range s.recs {
		cp[k] = v
	}
	return cp
}

func (s *fileStore) Put(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next[r.ID] = r
	if err := s.commitLocked(next); err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	return r, ok, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	next := s.cloneLocked()
	delete(next, id)
	if err := s.commitLocked(next); err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (s *fileStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[id]
	if !ok {
		return Record{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	rec, err := applyUpdate(cur, fn)
	if err != nil {
		return Record{}, err
	}
	next := s.cloneLocked()
	next[id] = rec
	if err := s.commitLocked(next); err != nil {
		return Record{}, &StoreError{Op: "update", ID: id, Err: err}
	}
	return rec, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
