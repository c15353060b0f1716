package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	manifestFile = "manifest.json"
	versionsDir  = "versions"
)

// FileBackend stores manifests under <root>/<job>/manifest.json and keeps
// every version in <root>/<job>/versions/<n>.json.
type FileBackend struct {
	root string
}

// NewFileBackend returns a backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{root: dir}
}

// Root returns the backing directory.
func (b *FileBackend) Root() string {
	return b.root
}

// JobDir returns the directory holding a job's files.
func (b *FileBackend) JobDir(jobID string) string {
	return filepath.Join(b.root, jobID)
}

func (b *FileBackend) Load(_ context.Context, jobID string) (Manifest, error) {
	return b.read(filepath.Join(b.JobDir(jobID), manifestFile), jobID)
}

func (b *FileBackend) Save(_ context.Context, m Manifest) error {
	if strings.ContainsAny(m.Job.ID, `/\`) || m.Job.ID == "" || m.Job.ID == "." || m.Job.ID == ".." {
		return fmt.Errorf("manifest: invalid job id %q", m.Job.ID)
	}
	dir := b.JobDir(m.Job.ID)
	if err := os.MkdirAll(filepath.Join(dir, versionsDir), 0o755); err != nil {
		return storageError("create job dir", err)
	}
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode job %s: %w", m.Job.ID, err)
	}
	encoded = append(encoded, '\n')
	versionPath := filepath.Join(dir, versionsDir, versionFileName(m.Version))
	if err := writeFileAtomic(versionPath, encoded); err != nil {
		return storageError("write version", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestFile), encoded); err != nil {
		return storageError("write manifest", err)
	}
	return nil
}

func (b *FileBackend) LoadVersion(_ context.Context, jobID string, version int64) (Manifest, error) {
	return b.read(filepath.Join(b.JobDir(jobID), versionsDir, versionFileName(version)), fmt.Sprintf("%s version %d", jobID, version))
}

func (b *FileBackend) ListVersions(_ context.Context, jobID string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(b.JobDir(jobID), versionsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, storageError("list versions", err)
	}
	var versions []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (b *FileBackend) ListJobs(context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageError("list jobs", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.root, entry.Name(), manifestFile)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) read(path, label string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: job %s", ErrNotFound, label)
		}
		return Manifest{}, storageError("read "+label, err)
	}
	return decodeManifest(data)
}

func versionFileName(version int64) string {
	return fmt.Sprintf("%08d.json", version)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
