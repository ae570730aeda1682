// Package registry maps model names to download descriptors. It knows
// a small builtin catalog of curated GGUF builds and can synthesize
// descriptors for direct download URLs.
package registry

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Descriptor describes where a model can be fetched from and how the
// result is verified.
type Descriptor struct {
	// Name is the canonical model name, used as the cache and store key.
	Name string
	// Filename is the name of the model file inside the models directory.
	Filename string
	// URL is the HTTP(S) location of the model file.
	URL string
	// Checksum is the expected digest of the file. Empty means the
	// source publishes no digest and verification is skipped.
	Checksum digest.Digest
	// Size is the expected file size in bytes, 0 when unknown.
	Size int64
	// Description is a human-readable summary for listings.
	Description string
}

// Verifiable reports whether the descriptor carries a checksum.
func (d Descriptor) Verifiable() bool {
	return d.Checksum != ""
}

// Registry resolves model names to descriptors.
type Registry struct {
	byName map[string]Descriptor
	names  []string
}

// New creates a registry from the given descriptors. Later duplicates
// replace earlier ones.
func New(descriptors ...Descriptor) *Registry {
	r := &Registry{byName: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, ok := r.byName[d.Name]; !ok {
			r.names = append(r.names, d.Name)
		}
		r.byName[d.Name] = d
	}
	return r
}

// Default returns a registry preloaded with the builtin catalog.
func Default() *Registry {
	return New(builtin...)
}

// Lookup returns the descriptor registered under the exact name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("looking up %q: %w", name, ErrModelNotFound)
	}
	return d, nil
}

// List returns all registered descriptors, sorted by name.
func (r *Registry) List() []Descriptor {
	descriptors := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		descriptors = append(descriptors, r.byName[name])
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// Resolve maps a model identifier to a descriptor. The identifier may
// be a registered name, a direct download URL, or a loose name that
// matches a registered one by substring.
func (r *Registry) Resolve(identifier string) (Descriptor, error) {
	if strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://") {
		return fromURL(identifier)
	}
	if d, ok := r.byName[identifier]; ok {
		return d, nil
	}
	if d, ok := r.fuzzyMatch(identifier); ok {
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("resolving %q: %w", identifier, ErrModelNotFound)
}

// fuzzyMatch maps loose identifiers like "llama" or "chat" onto
// registered entries. Registration order breaks ties.
func (r *Registry) fuzzyMatch(identifier string) (Descriptor, bool) {
	lowered := strings.ToLower(identifier)
	for _, name := range r.names {
		d := r.byName[name]
		if strings.Contains(lowered, strings.ToLower(name)) || strings.Contains(strings.ToLower(name), lowered) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// fromURL synthesizes a descriptor for a direct download URL. The file
// name is the last path segment and no checksum is available, so the
// download will not be verified.
func fromURL(rawURL string) (Descriptor, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parsing model URL: %w", err)
	}
	filename := sanitizeFilename(path.Base(parsed.Path))
	if filename == "" || filename == "." || filename == "/" {
		return Descriptor{}, fmt.Errorf("model URL %q has no file name: %w", rawURL, ErrModelNotFound)
	}
	return Descriptor{
		Name:     filename,
		Filename: filename,
		URL:      rawURL,
	}, nil
}

// sanitizeFilename strips characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func mustDigest(encoded string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, encoded)
}

// builtin is the curated catalog of known-good quantized builds.
var builtin = []Descriptor{
	{
		Name:        "llama2-7b",
		Filename:    "llama2-7b.Q4_K_M.gguf",
		URL:         "https://huggingface.co/TheBloke/Llama-2-7B-GGUF/resolve/main/llama-2-7b.Q4_K_M.gguf",
		Checksum:    mustDigest("6d8bbd42948f56e7b2d68e92b976deaae03d2f7e8a8da8432f8487b8237dafcc"),
		Size:        4_000_000_000,
		Description: "Llama 2 7B quantized to 4-bit",
	},
	{
		Name:        "mistral-7b",
		Filename:    "mistral-7b.Q4_K_M.gguf",
		URL:         "https://huggingface.co/TheBloke/Mistral-7B-v0.1-GGUF/resolve/main/mistral-7b-v0.1.Q4_K_M.gguf",
		Checksum:    mustDigest("121e7a20a0a5e4db86f57d5ffabb534d6e1efa8c11ed0692a74987787580a6c5"),
		Size:        4_200_000_000,
		Description: "Mistral 7B quantized to 4-bit",
	},
	{
		Name:        "phi-2",
		Filename:    "phi-2.Q4_K_M.gguf",
		URL:         "https://huggingface.co/TheBloke/phi-2-GGUF/resolve/main/phi-2.Q4_K_M.gguf",
		Checksum:    mustDigest("324356668fa5ba9f4135de348447bb2bbe2467eaa1b8fcfb53719de62fbd2499"),
		Size:        1_800_000_000,
		Description: "Phi-2 2.7B quantized to 4-bit",
	},
	{
		Name:        "neural-chat-7b",
		Filename:    "neural-chat-7b.Q4_K_M.gguf",
		URL:         "https://huggingface.co/TheBloke/neural-chat-7B-v3-1-GGUF/resolve/main/neural-chat-7b-v3-1.Q4_K_M.gguf",
		Checksum:    mustDigest("e7eb44a9c9a3ccbc92fc0bdcf5a9575d4c6e2f98f5e160e4283c0c3d627a9e50"),
		Size:        4_300_000_000,
		Description: "Neural Chat 7B v3.1 quantized to 4-bit",
	},
}
