package artifact

import (
	"os"
	"strings"
	"testing"
)

func TestStoreWriteReturnsHashedRef(t *testing.T) {
	store := NewStore(t.TempDir())
	ref, err := store.Write("job-1", "script", "script.md", KindScript, []byte("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ref.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ref.Hash != HashBytes([]byte("hello")) {
		t.Fatalf("unexpected hash %s", ref.Hash)
	}
	if !strings.HasPrefix(ref.URI, "file://") {
		t.Fatalf("expected file uri, got %s", ref.URI)
	}
	path, ok := LocalPath(ref)
	if !ok {
		t.Fatalf("expected local path for %s", ref.URI)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected body %q", data)
	}
	fileHash, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if fileHash != ref.Hash {
		t.Fatalf("file hash %s != ref hash %s", fileHash, ref.Hash)
	}
}

func TestStoreWriteRequiresIdentifiers(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Write("", "script", "a.md", KindScript, nil); err == nil {
		t.Fatalf("expected error for missing job id")
	}
	if _, err := store.Write("job", "script", "", KindScript, nil); err == nil {
		t.Fatalf("expected error for missing name")
	}
}

func TestHashJSONStableAcrossMapOrder(t *testing.T) {
	a, err := HashJSON(map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := HashJSON(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal hashes, got %s vs %s", a, b)
	}
}
