package download

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrChecksumMismatch indicates that downloaded data did not hash
	// to the registry checksum. The partial file is discarded.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSizeMismatch indicates that the downloaded size differs from
	// the registry descriptor. The partial file is discarded.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrTransferFailed indicates a network or HTTP failure while
	// fetching a model. It is typically paired with a 502 response.
	ErrTransferFailed = errors.New("transfer failed")
)

// ChecksumError reports a digest mismatch for a downloaded model.
type ChecksumError struct {
	Model    string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("model %q failed verification: expected %s, got %s", e.Model, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// SizeError reports a size mismatch for a downloaded model.
type SizeError struct {
	Model    string
	Expected int64
	Actual   int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("model %q has wrong size: expected %d bytes, got %d", e.Model, e.Expected, e.Actual)
}

func (e *SizeError) Is(target error) bool {
	return target == ErrSizeMismatch
}

// TransferError wraps a network-level failure while fetching a model.
type TransferError struct {
	Model  string
	URL    string
	Status int
	Err    error
}

func (e *TransferError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching model %q from %s: unexpected status %d", e.Model, e.URL, e.Status)
	}
	return fmt.Sprintf("fetching model %q from %s: %v", e.Model, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}
