// Package store manages the on-disk model directory. It is the single
// owner of the `models/` layout: flat GGUF files named by the registry
// filename, with in-flight downloads parked at "<name>.incomplete".
package store

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	parser "github.com/gpustack/gguf-parser-go"
	"github.com/opencontainers/go-digest"

	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/registry"
)

// incompleteSuffix marks files still being downloaded. They are never
// listed and are swept on startup.
const incompleteSuffix = ".incomplete"

// ModelFile describes one model file in the store.
type ModelFile struct {
	// Name is the file name within the models directory.
	Name string
	// Path is the absolute location of the file.
	Path string
	// Size is the file size in bytes.
	Size int64
	// ModTime is the file's last modification time.
	ModTime time.Time
}

// Metadata holds fields read from a GGUF header. All fields are
// best-effort: a file that fails to parse yields the zero value.
type Metadata struct {
	Architecture  string
	Parameters    string
	Quantization  string
	ContextLength int
}

// Store provides access to the models directory.
type Store struct {
	log logging.Logger
	dir string
	reg *registry.Registry
	// inUse reports whether a model is currently loaded and
	// referenced. Deletion is refused while it returns true.
	inUse func(name string) bool
}

// New creates a store rooted at dir, creating the directory if needed.
func New(log logging.Logger, dir string, reg *registry.Registry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating models directory %s: %w", dir, err)
	}
	return &Store{log: log, dir: dir, reg: reg}, nil
}

// SetInUse installs the hook consulted before deletions. It must be
// called during wiring, before the store serves requests.
func (s *Store) SetInUse(hook func(name string) bool) {
	s.inUse = hook
}

// Dir returns the models directory.
func (s *Store) Dir() string {
	return s.dir
}

// ModelPath returns the absolute path for a file name inside the
// models directory, rejecting names that escape it.
func (s *Store) ModelPath(filename string) (string, error) {
	joined := filepath.Join(s.dir, filename)
	rel, err := filepath.Rel(s.dir, joined)
	if err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return "", fmt.Errorf("model file name %q: %w", filename, ErrInvalidName)
	}
	return joined, nil
}

// List returns the model files in the store, sorted by name.
// In-flight downloads are excluded.
func (s *Store) List() ([]ModelFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}
	files := make([]ModelFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".gguf") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ModelFile{
			Name:    entry.Name(),
			Path:    filepath.Join(s.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Resolve maps a model name to the path of an existing file. It tries,
// in order: the name as an exact file name, the name with ".gguf"
// appended, the registry's file name for the model, and finally a
// substring match over the directory contents.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty model name: %w", ErrModelNotFound)
	}

	candidates := []string{name, name + ".gguf"}
	if s.reg != nil {
		if desc, err := s.reg.Lookup(name); err == nil {
			candidates = append(candidates, desc.Filename)
		}
	}
	for _, candidate := range candidates {
		path, err := s.ModelPath(candidate)
		if err != nil {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	files, err := s.List()
	if err != nil {
		return "", err
	}
	lowered := strings.ToLower(name)
	for _, file := range files {
		if strings.Contains(strings.ToLower(file.Name), lowered) {
			return file.Path, nil
		}
	}
	return "", fmt.Errorf("model %q: %w", name, ErrModelNotFound)
}

// Info returns file details for a model, including GGUF metadata when
// the header parses.
func (s *Store) Info(name string) (ModelFile, Metadata, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return ModelFile{}, Metadata{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return ModelFile{}, Metadata{}, fmt.Errorf("stat %s: %w", path, err)
	}
	file := ModelFile{
		Name:    filepath.Base(path),
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	return file, s.metadata(path), nil
}

// metadata parses the GGUF header. Parse failures are logged and
// produce empty metadata rather than an error.
func (s *Store) metadata(path string) Metadata {
	gguf, err := parser.ParseGGUFFile(path, parser.SkipLargeMetadata(), parser.UseMMap())
	if err != nil {
		s.log.Debugf("Unable to parse GGUF header of %s: %v", filepath.Base(path), err)
		return Metadata{}
	}
	md := gguf.Metadata()
	arch := gguf.Architecture()
	return Metadata{
		Architecture:  strings.TrimSpace(md.Architecture),
		Parameters:    strings.TrimSpace(md.Parameters.String()),
		Quantization:  strings.TrimSpace(md.FileType.String()),
		ContextLength: int(arch.MaximumContextLength),
	}
}

// Delete removes a model file. It refuses while the model is loaded
// and referenced.
func (s *Store) Delete(name string) error {
	path, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if s.busy(name, filepath.Base(path)) {
		return fmt.Errorf("model %q: %w", name, ErrModelInUse)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	s.log.Infof("Deleted model file %s", filepath.Base(path))
	return nil
}

// busy checks the in-use hook under every key the cache might hold the
// model under.
func (s *Store) busy(name, filename string) bool {
	if s.inUse == nil {
		return false
	}
	keys := []string{name, filename, strings.TrimSuffix(filename, ".gguf")}
	for _, key := range keys {
		if s.inUse(key) {
			return true
		}
	}
	return false
}

// Verify re-hashes the model file and compares it against the registry
// checksum. Models without a registry checksum verify trivially.
func (s *Store) Verify(name string) error {
	if s.reg == nil {
		return nil
	}
	desc, err := s.reg.Lookup(name)
	if err != nil || !desc.Verifiable() {
		return nil
	}
	path, err := s.Resolve(name)
	if err != nil {
		return err
	}
	actual, err := HashFile(path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	if actual != desc.Checksum {
		return fmt.Errorf("model %q: expected %s, got %s: %w", name, desc.Checksum, actual, ErrCorruptModel)
	}
	return nil
}

// HashFile computes the sha256 digest of a file using a 1 MiB copy
// buffer, since model files run to multiple gigabytes.
func HashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, 1<<20)); err != nil {
		return "", err
	}
	return digest.NewDigest(digest.SHA256, h), nil
}

// DiskUsage reports the number of model files and their total size.
func (s *Store) DiskUsage() (int, int64, error) {
	files, err := s.List()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, file := range files {
		total += file.Size
	}
	return len(files), total, nil
}

// CleanIncomplete removes leftover partial downloads. It runs at
// startup, before any new downloads begin.
func (s *Store) CleanIncomplete() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), incompleteSuffix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warnf("Unable to remove stale partial download %s: %v", entry.Name(), err)
			continue
		}
		s.log.Infof("Removed stale partial download %s", entry.Name())
		removed++
	}
	return removed
}

// IncompletePath returns the temporary path used while downloading the
// given model file.
func (s *Store) IncompletePath(filename string) (string, error) {
	path, err := s.ModelPath(filename)
	if err != nil {
		return "", err
	}
	return path + incompleteSuffix, nil
}
