package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/weft-ai/weft/pkg/registry"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStore(t *testing.T, reg *registry.Registry) *Store {
	t.Helper()
	s, err := New(testLogger(), t.TempDir(), reg)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return s
}

func writeModel(t *testing.T, s *Store, name, content string) string {
	t.Helper()
	path := filepath.Join(s.Dir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing model fixture %s: %v", name, err)
	}
	return path
}

func TestListFiltersAndSorts(t *testing.T) {
	s := newTestStore(t, registry.Default())
	writeModel(t, s, "b.gguf", "bb")
	writeModel(t, s, "a.gguf", "a")
	writeModel(t, s, "notes.txt", "not a model")
	writeModel(t, s, "c.gguf.incomplete", "partial")

	files, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 models, got %d", len(files))
	}
	if files[0].Name != "a.gguf" || files[1].Name != "b.gguf" {
		t.Errorf("unexpected order: %s, %s", files[0].Name, files[1].Name)
	}
	if files[0].Size != 1 || files[1].Size != 2 {
		t.Errorf("unexpected sizes: %d, %d", files[0].Size, files[1].Size)
	}
}

func TestResolveOrder(t *testing.T) {
	s := newTestStore(t, registry.Default())
	path := writeModel(t, s, "llama2-7b.Q4_K_M.gguf", "weights")
	writeModel(t, s, "foo.gguf", "weights")

	cases := map[string]string{
		"llama2-7b.Q4_K_M.gguf": path,                               // exact file name
		"foo":                   filepath.Join(s.Dir(), "foo.gguf"), // name + .gguf
		"llama2-7b":             path,                               // registry file name
		"Q4_K_M":                path,                               // substring
	}
	for name, want := range cases {
		got, err := s.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("Resolve(%q) = %s, want %s", name, got, want)
		}
	}

	if _, err := s.Resolve("missing-model"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrModelNotFound", err)
	}
	if _, err := s.Resolve(""); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Resolve(\"\") = %v, want ErrModelNotFound", err)
	}
}

func TestModelPathRejectsTraversal(t *testing.T) {
	s := newTestStore(t, nil)
	for _, name := range []string{"../evil.gguf", "..", "a/../../b.gguf"} {
		if _, err := s.ModelPath(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ModelPath(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	if _, err := s.ModelPath("good.gguf"); err != nil {
		t.Errorf("ModelPath(good.gguf): %v", err)
	}
}

func TestDeleteRespectsInUse(t *testing.T) {
	s := newTestStore(t, registry.Default())
	path := writeModel(t, s, "llama2-7b.Q4_K_M.gguf", "weights")

	busy := true
	s.SetInUse(func(name string) bool { return busy })

	err := s.Delete("llama2-7b")
	if !errors.Is(err, ErrModelInUse) {
		t.Fatalf("Delete while in use = %v, want ErrModelInUse", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("model file should survive refused delete: %v", err)
	}

	busy = false
	if err := s.Delete("llama2-7b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("model file should be gone, stat err = %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Delete("nothing-here"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrModelNotFound", err)
	}
}

func TestVerify(t *testing.T) {
	content := []byte("model bytes")
	reg := registry.New(registry.Descriptor{
		Name:     "tiny",
		Filename: "tiny.gguf",
		Checksum: digest.FromBytes(content),
	})
	s := newTestStore(t, reg)
	path := writeModel(t, s, "tiny.gguf", string(content))

	if err := s.Verify("tiny"); err != nil {
		t.Fatalf("Verify(intact) = %v", err)
	}

	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tampering with fixture: %v", err)
	}
	if err := s.Verify("tiny"); !errors.Is(err, ErrCorruptModel) {
		t.Errorf("Verify(tampered) = %v, want ErrCorruptModel", err)
	}

	// Files the registry knows nothing about verify trivially.
	writeModel(t, s, "unknown.gguf", "whatever")
	if err := s.Verify("unknown.gguf"); err != nil {
		t.Errorf("Verify(unknown) = %v, want nil", err)
	}
}

func TestDiskUsage(t *testing.T) {
	s := newTestStore(t, nil)
	writeModel(t, s, "a.gguf", "abc")
	writeModel(t, s, "b.gguf", "defgh")

	count, total, err := s.DiskUsage()
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if count != 2 || total != 8 {
		t.Errorf("DiskUsage = (%d, %d), want (2, 8)", count, total)
	}
}

func TestCleanIncomplete(t *testing.T) {
	s := newTestStore(t, nil)
	writeModel(t, s, "keep.gguf", "keep")
	stale := writeModel(t, s, "partial.gguf.incomplete", "stale")

	if removed := s.CleanIncomplete(); removed != 1 {
		t.Fatalf("CleanIncomplete = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale download should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "keep.gguf")); err != nil {
		t.Errorf("regular model should survive: %v", err)
	}
}

func TestInfoWithoutParsableHeader(t *testing.T) {
	s := newTestStore(t, nil)
	writeModel(t, s, "plain.gguf", "not really gguf")

	file, md, err := s.Info("plain")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if file.Name != "plain.gguf" || file.Size != int64(len("not really gguf")) {
		t.Errorf("unexpected file info: %+v", file)
	}
	if md != (Metadata{}) {
		t.Errorf("expected empty metadata for unparsable file, got %+v", md)
	}
}
