package quota

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SavedObject describes a persisted submission archive.
type SavedObject struct {
	// Name is the stored filename, unique by construction.
	Name string
	// Size is the number of bytes persisted.
	Size int64
}

// SubmissionStore persists accepted submission archives. Destination names
// are collision-resistant by construction, so concurrent saves need no
// external serialization.
type SubmissionStore interface {
	Save(competitionID, identity, filename string, r io.Reader) (*SavedObject, error)
}

// FSStore stores submissions on the local filesystem under one directory per
// competition.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Save writes the archive under <root>/<competition>/ with a name built from
// the timestamp, a short identity digest, and the original filename. The
// identity is hashed so the stored name never leaks the raw credential.
func (s *FSStore) Save(competitionID, identity, filename string, r io.Reader) (*SavedObject, error) {
	dir := filepath.Join(s.root, sanitizeComponent(competitionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating competition directory: %w", err)
	}

	// O_EXCL guarantees uniqueness even if the clock is coarse enough for
	// two saves to share a timestamp; on collision a numeric suffix is
	// appended and creation retried.
	name := storedName(identity, filename, time.Now())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	for seq := 1; errors.Is(err, os.ErrExist); seq++ {
		name = fmt.Sprintf("%d.%s", seq, storedName(identity, filename, time.Now()))
		f, err = os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("creating submission file: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing submission file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("closing submission file: %w", err)
	}

	return &SavedObject{Name: name, Size: size}, nil
}

func storedName(identity, filename string, now time.Time) string {
	digest := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("%d_%s_%s",
		now.UnixNano(),
		hex.EncodeToString(digest[:4]),
		sanitizeComponent(filepath.Base(filename)))
}

// sanitizeComponent keeps a name usable as a single path component.
func sanitizeComponent(name string) string {
	if name == "" || name == "." || name == ".." {
		return "unnamed"
	}
	out := []rune(name)
	for i, r := range out {
		switch r {
		case '/', '\\', 0:
			out[i] = '_'
		}
	}
	return string(out)
}

// MemStore keeps submissions in memory. It exists for tests and for running
// the service without touching disk.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	counter int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Save buffers the archive in memory.
func (s *MemStore) Save(competitionID, identity, filename string, r io.Reader) (*SavedObject, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	name := fmt.Sprintf("%d_%s", s.counter, sanitizeComponent(filepath.Base(filename)))
	s.objects[competitionID+"/"+name] = buf.Bytes()
	return &SavedObject{Name: name, Size: int64(buf.Len())}, nil
}

// Len returns the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
