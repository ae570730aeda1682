package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/weft-ai/weft/pkg/api"
)

func TestModelTable(t *testing.T) {
	out := modelTable([]api.ModelInfo{
		{
			Name:         "llama-2-7b.Q4_K_M.gguf",
			SizeBytes:    4_080_000_000,
			LastModified: time.Now().Add(-2 * time.Hour),
			Architecture: "llama",
			Parameters:   "7B",
			Quantization: "Q4_K_M",
		},
	})

	for _, want := range []string{"MODEL", "llama-2-7b.Q4_K_M.gguf", "7B", "Q4_K_M", "llama", "ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestAvailableTable(t *testing.T) {
	out := availableTable([]api.AvailableModel{
		{Name: "tinyllama", Description: "1.1B chat model", SizeBytes: 669_000_000, Downloaded: true},
		{Name: "mistral-7b", Description: "7.3B base model", Downloaded: false},
	})

	for _, want := range []string{"NAME", "DOWNLOADED", "tinyllama", "yes", "mistral-7b", "no"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestPsTable(t *testing.T) {
	out := psTable([]api.LoadedModel{
		{Model: "tiny.gguf", SizeBytes: 669_000_000, References: 1, LastUsed: time.Now()},
	})

	for _, want := range []string{"MODEL", "REFS", "tiny.gguf", "1"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}
