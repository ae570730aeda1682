package download

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"

	"github.com/weft-ai/weft/pkg/api"
)

const (
	// updateInterval is the minimum time between progress messages.
	updateInterval = 100 * time.Millisecond
	// minBytesForUpdate is the minimum number of new bytes between
	// progress messages.
	minBytesForUpdate = 1024 * 1024
)

// Reporter throttles download progress into a JSON-lines stream of
// api.ProgressMessage. A nil destination discards all messages.
type Reporter struct {
	w           io.Writer
	model       string
	total       uint64
	transferred uint64
	lastUpdate  time.Time
	lastBytes   uint64
}

// NewReporter creates a reporter for one download. total may be 0 when
// the source does not announce a length.
func NewReporter(w io.Writer, model string, total uint64) *Reporter {
	return &Reporter{w: w, model: model, total: total}
}

// SetTotal updates the expected size once it is learned from response
// headers.
func (r *Reporter) SetTotal(total uint64) {
	r.total = total
}

// Update records n newly transferred bytes, emitting a progress line
// when enough data or time has passed since the last one.
func (r *Reporter) Update(n int) {
	r.transferred += uint64(n)
	if r.w == nil {
		return
	}
	if time.Since(r.lastUpdate) < updateInterval && r.transferred-r.lastBytes < minBytesForUpdate {
		return
	}
	r.emit(api.ProgressMessage{
		Type:       api.ProgressTypeProgress,
		Message:    fmt.Sprintf("Downloaded %s of %s", units.BytesSize(float64(r.transferred)), r.totalLabel()),
		Total:      r.total,
		Downloaded: r.transferred,
	})
	r.lastUpdate = time.Now()
	r.lastBytes = r.transferred
}

// Success emits a final success line.
func (r *Reporter) Success(message string) {
	r.emit(api.ProgressMessage{
		Type:       api.ProgressTypeSuccess,
		Message:    message,
		Total:      r.total,
		Downloaded: r.transferred,
	})
}

// Error emits a final error line.
func (r *Reporter) Error(message string) {
	r.emit(api.ProgressMessage{
		Type:    api.ProgressTypeError,
		Message: message,
	})
}

func (r *Reporter) emit(msg api.ProgressMessage) {
	if r.w == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_, _ = r.w.Write(append(payload, '\n'))
	if f, ok := r.w.(flusher); ok {
		f.Flush()
	}
}

func (r *Reporter) totalLabel() string {
	if r.total == 0 {
		return "unknown size"
	}
	return units.BytesSize(float64(r.total))
}

// flusher matches http.Flusher without importing net/http here.
type flusher interface {
	Flush()
}
