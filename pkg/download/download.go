// Package download fetches model files over HTTP into the store.
// Downloads land in a temporary "<file>.incomplete" path and are
// renamed into place only after checksum and size verification, so the
// final path never holds a partial file.
package download

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/metrics"
	"github.com/weft-ai/weft/pkg/registry"
	"github.com/weft-ai/weft/pkg/store"
)

// Options control a single download.
type Options struct {
	// Force re-downloads even when a verified copy already exists.
	Force bool
	// Progress receives JSON-lines progress messages. nil discards
	// them. When concurrent pulls of the same model coalesce, only the
	// initiating caller's writer receives messages.
	Progress io.Writer
}

// Manager downloads model files. Concurrent requests for the same
// model name share a single transfer.
type Manager struct {
	log        logging.Logger
	httpClient *http.Client
	store      *store.Store
	group      singleflight.Group
}

// NewManager creates a download manager writing into the given store.
func NewManager(log logging.Logger, httpClient *http.Client, st *store.Store) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{log: log, httpClient: httpClient, store: st}
}

// Download ensures the descriptor's file exists in the store and
// returns its details. An existing file with matching size and
// checksum short-circuits without touching the network unless Force is
// set. Progress, success and error messages are emitted to
// opts.Progress as the transfer proceeds.
func (m *Manager) Download(ctx context.Context, desc registry.Descriptor, opts Options) (store.ModelFile, error) {
	result, err, _ := m.group.Do(desc.Name, func() (any, error) {
		return m.download(ctx, desc, opts)
	})
	if err != nil {
		return store.ModelFile{}, err
	}
	return result.(store.ModelFile), nil
}

func (m *Manager) download(ctx context.Context, desc registry.Descriptor, opts Options) (store.ModelFile, error) {
	dest, err := m.store.ModelPath(desc.Filename)
	if err != nil {
		return store.ModelFile{}, err
	}

	reporter := NewReporter(opts.Progress, desc.Name, uint64(desc.Size))

	if !opts.Force {
		if file, ok := m.existing(dest, desc); ok {
			m.log.Infof("Model %s already present, skipping download", desc.Name)
			reporter.Success(fmt.Sprintf("Model %s already exists", desc.Name))
			return file, nil
		}
	}

	m.log.Infof("Pulling model %s from %s", desc.Name, desc.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return store.ModelFile{}, &TransferError{Model: desc.Name, URL: desc.URL, Err: err}
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return m.fail(reporter, &TransferError{Model: desc.Name, URL: desc.URL, Err: err}, "transfer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return m.fail(reporter, &TransferError{Model: desc.Name, URL: desc.URL, Status: resp.StatusCode}, "transfer")
	}
	if desc.Size == 0 && resp.ContentLength > 0 {
		reporter.SetTotal(uint64(resp.ContentLength))
	}

	incomplete, err := m.store.IncompletePath(desc.Filename)
	if err != nil {
		return store.ModelFile{}, err
	}
	f, err := os.Create(incomplete)
	if err != nil {
		return store.ModelFile{}, fmt.Errorf("creating %s: %w", incomplete, err)
	}
	defer func() {
		_ = f.Close()
		// No-op once the file has been renamed into place.
		_ = os.Remove(incomplete)
	}()

	hasher := sha256.New()
	written, err := copyWithProgress(ctx, io.MultiWriter(f, hasher), resp.Body, reporter)
	metrics.DownloadBytesTotal.Add(float64(written))
	if err != nil {
		return m.fail(reporter, &TransferError{Model: desc.Name, URL: desc.URL, Err: err}, "transfer")
	}

	if desc.Verifiable() {
		actual := digest.NewDigest(digest.SHA256, hasher)
		if actual != desc.Checksum {
			return m.fail(reporter, &ChecksumError{Model: desc.Name, Expected: desc.Checksum, Actual: actual}, "checksum_mismatch")
		}
	}
	if desc.Size > 0 && written != desc.Size {
		return m.fail(reporter, &SizeError{Model: desc.Name, Expected: desc.Size, Actual: written}, "size_mismatch")
	}

	// Rename will fail on Windows if the file is still open.
	if err := f.Close(); err != nil {
		return store.ModelFile{}, fmt.Errorf("closing %s: %w", incomplete, err)
	}
	if err := os.Rename(incomplete, dest); err != nil {
		return store.ModelFile{}, fmt.Errorf("moving download into place: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return store.ModelFile{}, fmt.Errorf("stat %s: %w", dest, err)
	}
	metrics.DownloadsTotal.WithLabelValues("success").Inc()
	m.log.Infof("Model %s downloaded (%d bytes)", desc.Name, info.Size())
	reporter.Success(fmt.Sprintf("Model %s downloaded successfully", desc.Name))
	return store.ModelFile{
		Name:    desc.Filename,
		Path:    dest,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// fail records a failed download in the metrics and progress stream
// and returns the error.
func (m *Manager) fail(reporter *Reporter, err error, result string) (store.ModelFile, error) {
	metrics.DownloadsTotal.WithLabelValues(result).Inc()
	reporter.Error(err.Error())
	m.log.Warnf("Download failed: %v", err)
	return store.ModelFile{}, err
}

// existing reports whether dest already holds a verified copy of the
// descriptor's file.
func (m *Manager) existing(dest string, desc registry.Descriptor) (store.ModelFile, bool) {
	info, err := os.Stat(dest)
	if err != nil || info.IsDir() {
		return store.ModelFile{}, false
	}
	if desc.Size > 0 && info.Size() != desc.Size {
		m.log.Warnf("Existing file for %s has wrong size, re-downloading", desc.Name)
		return store.ModelFile{}, false
	}
	if desc.Verifiable() {
		actual, err := store.HashFile(dest)
		if err != nil || actual != desc.Checksum {
			m.log.Warnf("Existing file for %s failed verification, re-downloading", desc.Name)
			return store.ModelFile{}, false
		}
	}
	return store.ModelFile{
		Name:    desc.Filename,
		Path:    dest,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, true
}

// copyWithProgress copies src to dst, reporting transferred bytes and
// honoring context cancellation between chunks.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, reporter *Reporter) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			reporter.Update(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
