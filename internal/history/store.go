package history

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/backup"
)

const (
	seqSuffix     = ".seq"
	corruptSuffix = ".corrupt"
)

var errInterrupted = errors.New("interrupted before completion")

// Store is the durable, ordered list of backup records. The whole document is
// rewritten on every mutation. Its RWMutex is the exclusive section shared by
// id allocation and every history mutation.
type Store struct {
	fs   afero.Fs
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	records []backup.Record
	seq     int64
}

// Open loads the history document at path. A missing document yields an empty
// history; a corrupt one is set aside and replaced by an empty history.
func Open(fs afero.Fs, path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		fs:   fs,
		path: path,
		log:  log.With().Str("component", "history").Logger(),
	}
	dir := filepath.Dir(path)
	if ok, _ := afero.DirExists(fs, dir); !ok {
		if err := fs.MkdirAll(dir, 0o750); err != nil {
			return nil, backup.WrapIO("create history directory", dir, err)
		}
	}

	records, err := s.load()
	if err != nil {
		if !errors.Is(err, backup.ErrCorruptState) {
			return nil, err
		}
		s.log.Warn().Err(err).Str("path", path).Msg("starting with empty history")
		if rerr := fs.Rename(path, path+corruptSuffix); rerr != nil {
			s.log.Warn().Err(rerr).Msg("could not set aside corrupt history document")
		}
		records = nil
	}
	s.records = records
	s.seq = s.loadSeq()
	for _, r := range records {
		if r.ID > s.seq {
			s.seq = r.ID
		}
	}
	return s, nil
}

// Path returns the location of the history document.
func (s *Store) Path() string { return s.path }

func (s *Store) load() ([]backup.Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, backup.WrapIO("read history", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", backup.ErrCorruptState, err)
	}

	records := make([]backup.Record, 0, len(entries))
	seen := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if e.ID <= 0 {
			return nil, fmt.Errorf("%w: invalid id %d", backup.ErrCorruptState, e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", backup.ErrCorruptState, e.ID)
		}
		seen[e.ID] = struct{}{}

		rec := fromEntry(e)
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("%w: record %d has status %q", backup.ErrCorruptState, e.ID, e.Status)
		}
		if rec.Status == backup.StatusInProgress {
			_ = rec.Fail(errInterrupted)
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *Store) seqPath() string { return s.path + seqSuffix }

func (s *Store) loadSeq() int64 {
	data, err := afero.ReadFile(s.fs, s.seqPath())
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring unreadable id sequence")
		return 0
	}
	return n
}

// NextID allocates a new record id. Ids are never reused, including after the
// newest record is deleted and the process restarts.
func (s *Store) NextID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	if err := writeAtomic(s.fs, s.seqPath(), []byte(strconv.FormatInt(next, 10)+"\n")); err != nil {
		return 0, err
	}
	s.seq = next
	return next, nil
}

// List returns a copy of the full history in id order.
func (s *Store) List() []backup.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.records)
}

// Get returns a copy of the record with id.
func (s *Store) Get(id int64) (backup.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.records, id); i >= 0 {
		return s.records[i].Clone(), nil
	}
	return backup.Record{}, backup.NotFound(id)
}

// View runs fn inside the shared section. Mutations are rejected.
func (s *Store) View(fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{records: s.records})
}

// Update runs fn inside the exclusive section. When fn changes the history the
// document is rewritten once; if fn or the write fails nothing is applied.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		records:  append([]backup.Record(nil), s.records...),
		writable: true,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	if err := s.persist(tx.records); err != nil {
		return err
	}
	s.records = tx.records
	return nil
}

func (s *Store) persist(records []backup.Record) error {
	entries := make([]entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, toEntry(r))
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return writeAtomic(s.fs, s.path, data)
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(fs afero.Fs, path string, data []byte) (err error) {
	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return backup.WrapIO("create", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return backup.WrapIO("write", tmp, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return backup.WrapIO("sync", tmp, err)
	}
	if err = f.Close(); err != nil {
		return backup.WrapIO("close", tmp, err)
	}
	if err = fs.Rename(tmp, path); err != nil {
		return backup.WrapIO("rename", path, err)
	}
	return nil
}

func indexOf(records []backup.Record, id int64) int {
	i := sort.Search(len(records), func(i int) bool { return records[i].ID >= id })
	if i < len(records) && records[i].ID == id {
		return i
	}
	return -1
}

func cloneAll(records []backup.Record) []backup.Record {
	out := make([]backup.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
