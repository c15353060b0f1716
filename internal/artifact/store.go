package artifact

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes stage outputs beneath a root directory laid out as
// <root>/<job>/<stage>/<name>.
type Store struct {
	root string
	now  func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for file modification stamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	store := &Store{root: dir, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

// Write persists body and returns a hashed reference to it.
func (s *Store) Write(jobID, stageID, name string, kind Kind, body []byte) (Ref, error) {
	if strings.TrimSpace(jobID) == "" || strings.TrimSpace(stageID) == "" {
		return Ref{}, fmt.Errorf("artifact: job and stage ids are required")
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return Ref{}, fmt.Errorf("artifact: name is required for %s/%s", jobID, stageID)
	}
	path := filepath.Join(s.root, jobID, stageID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, err
	}
	if body == nil {
		body = []byte{}
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return Ref{}, fmt.Errorf("artifact: write %s: %w", path, err)
	}
	stamp := s.now()
	_ = os.Chtimes(path, stamp, stamp)
	return FileRef(path, name, kind, body)
}

// FileRef builds a reference for a file already on disk. When body is nil the
// file is read to compute the hash.
func FileRef(path, name string, kind Kind, body []byte) (Ref, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Ref{}, err
	}
	var hash string
	if body != nil {
		hash = HashBytes(body)
	} else {
		hash, err = HashFile(abs)
		if err != nil {
			return Ref{}, err
		}
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	return Ref{
		Name: name,
		URI:  (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Hash: hash,
		Kind: kind,
	}, nil
}

// LocalPath returns the filesystem path for file:// references.
func LocalPath(ref Ref) (string, bool) {
	u, err := url.Parse(ref.URI)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}
