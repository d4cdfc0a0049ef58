package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// SnapshotStore reads and writes one JSON snapshot per chat under a directory.
type SnapshotStore struct {
	dir string
	now func() time.Time
}

// NewSnapshotStore returns a store rooted at dir.
func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{dir: dir, now: time.Now}
}

// Dir returns the backup directory.
func (s *SnapshotStore) Dir() string { return s.dir }

// Path returns the snapshot file for chatID. Every character outside
// [A-Za-z0-9] is replaced with '_'.
func (s *SnapshotStore) Path(chatID string) string {
	return filepath.Join(s.dir, sanitize(chatID)+".json")
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, id)
}

// Load returns the snapshot for chatID, (nil, nil) when none exists, or
// ErrCorruptSnapshot when the file cannot be decoded.
func (s *SnapshotStore) Load(chatID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path(chatID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, chatID, err)
	}
	if snap.Messages == nil {
		snap.Messages = []Message{}
	}
	if snap.People == nil {
		snap.People = []Person{}
	}
	return &snap, nil
}

// Read returns the snapshot for chatID, or fallback when it is missing or
// cannot be read.
func (s *SnapshotStore) Read(chatID string, fallback *Snapshot) *Snapshot {
	snap, err := s.Load(chatID)
	if err != nil || snap == nil {
		return fallback
	}
	return snap
}

// Save normalizes snap and writes it atomically. Messages are deduplicated
// by ID (first occurrence wins), stably sorted by timestamp, and the message
// count and update time are recomputed.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	snap.Version = SchemaVersion
	snap.Messages = normalizeMessages(snap.Messages)
	snap.MessageCount = len(snap.Messages)
	snap.LastUpdated = s.now()
	if snap.People == nil {
		snap.People = []Person{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeFileAtomic(s.Path(snap.ChatID), data)
}

// Merge appends msgs to the stored snapshot of base.ChatID, replaces its
// people list and saves it. A missing or corrupt file is replaced by base.
func (s *SnapshotStore) Merge(base *Snapshot, msgs []Message, people []Person) (*Snapshot, error) {
	snap := s.Read(base.ChatID, base)
	snap.Messages = append(slices.Clone(snap.Messages), msgs...)
	snap.People = people
	if err := s.Save(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func normalizeMessages(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
