package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weft-ai/weft/pkg/inference"
	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/metrics"
	"github.com/weft-ai/weft/pkg/prompt"
)

// Finish reasons reported in generation results.
const (
	finishStop   = "stop"
	finishLength = "length"
)

// errStopMatched halts the engine at a token boundary once a stop
// sequence has been assembled. It never escapes the dispatcher.
var errStopMatched = errors.New("stop sequence matched")

// Dispatcher executes generations against cache handles. Calls against
// the same handle are strictly serialized; calls against distinct
// handles run in parallel.
type Dispatcher struct {
	// log is the associated logger.
	log logging.Logger
	// est prices prompts for usage reporting, with the same heuristic
	// the prompt builder budgets with.
	est prompt.Estimator
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(log logging.Logger) *Dispatcher {
	return &Dispatcher{log: log, est: prompt.HeuristicEstimator{}}
}

// Generate runs one generation to completion and returns the result.
func (d *Dispatcher) Generate(ctx context.Context, handle *Handle, promptText string, params inference.GenerationParams) (inference.GenerationResult, error) {
	return d.generate(ctx, handle, promptText, params, nil)
}

// GenerateStream runs one generation, delivering text to onToken as it
// becomes emittable. Text held back for stop sequence matching is
// delivered once the match is resolved. An onToken error cancels the
// generation.
func (d *Dispatcher) GenerateStream(ctx context.Context, handle *Handle, promptText string, params inference.GenerationParams, onToken inference.TokenFunc) (inference.GenerationResult, error) {
	return d.generate(ctx, handle, promptText, params, onToken)
}

func (d *Dispatcher) generate(ctx context.Context, handle *Handle, promptText string, params inference.GenerationParams, sink inference.TokenFunc) (inference.GenerationResult, error) {
	// One generation per model instance. The engine is not reentrant,
	// so queued callers wait here, and only here, where their context
	// still applies.
	if err := handle.genLock.Acquire(ctx, 1); err != nil {
		return inference.GenerationResult{}, fmt.Errorf("model %s: %w", handle.name, ErrGenerationCancelled)
	}
	defer handle.genLock.Release(1)

	col := &collector{stops: params.Stop, sink: sink}
	start := time.Now()
	_, err := handle.model.Generate(ctx, promptText, params, col.push)
	duration := time.Since(start)

	if err != nil && !errors.Is(err, errStopMatched) {
		if col.sinkErr != nil || ctx.Err() != nil {
			d.log.Debugf("Generation with model %s cancelled after %d tokens", handle.name, col.seen)
			metrics.GenerationsTotal.WithLabelValues(handle.name, "cancelled").Inc()
			return inference.GenerationResult{}, fmt.Errorf("model %s: %w", handle.name, ErrGenerationCancelled)
		}
		metrics.GenerationsTotal.WithLabelValues(handle.name, "error").Inc()
		return inference.GenerationResult{}, &GenerationError{Model: handle.name, Err: err}
	}

	// Generation ended without the held-back text completing a stop
	// sequence, so it is part of the output.
	if err == nil {
		if flushErr := col.flush(); flushErr != nil {
			metrics.GenerationsTotal.WithLabelValues(handle.name, "cancelled").Inc()
			return inference.GenerationResult{}, fmt.Errorf("model %s: %w", handle.name, ErrGenerationCancelled)
		}
	}

	reason := finishStop
	if !col.stopped && params.MaxTokens > 0 && col.seen >= params.MaxTokens {
		reason = finishLength
	}
	if col.stopped {
		d.log.Debugf("Generation with model %s matched a stop sequence", handle.name)
	}

	result := inference.GenerationResult{
		Text:             col.text.String(),
		PromptTokens:     d.est.Estimate(promptText),
		CompletionTokens: col.emitted,
		FinishReason:     reason,
	}
	metrics.GenerationsTotal.WithLabelValues(handle.name, reason).Inc()
	metrics.GenerationSeconds.Observe(duration.Seconds())
	metrics.CompletionTokensTotal.Add(float64(col.emitted))
	return result, nil
}

// collector assembles generated pieces into output text, matching stop
// sequences across token boundaries. Pieces that could be the start of
// a stop sequence are held back until the match resolves either way.
type collector struct {
	stops []string
	// sink receives emittable text as it is produced, nil when the
	// caller does not stream.
	sink inference.TokenFunc
	// pending holds pieces withheld from the output while a stop
	// sequence prefix is forming.
	pending []string
	// text accumulates the emitted output.
	text strings.Builder
	// seen counts every piece the engine produced.
	seen int
	// emitted counts pieces that made it into text, excluding pieces
	// swallowed by stop sequence truncation.
	emitted int
	// stopped records that a stop sequence matched.
	stopped bool
	// sinkErr records a sink failure, which cancels the generation.
	sinkErr error
}

// push receives one piece from the engine. It returns errStopMatched
// to halt generation when a stop sequence completes, or the sink's
// error when delivery fails.
func (c *collector) push(piece string) error {
	c.seen++
	c.pending = append(c.pending, piece)
	sequence := strings.Join(c.pending, "")

	if stop, found := findStop(sequence, c.stops); found {
		text, kept := truncateStop(c.pending, stop)
		c.pending = nil
		c.stopped = true
		if text != "" {
			if err := c.emit(text, kept); err != nil {
				return err
			}
		}
		return errStopMatched
	}

	// Hold the output while it could still become a stop sequence.
	if containsStopSuffix(sequence, c.stops) {
		return nil
	}
	return c.flush()
}

// flush emits all pending pieces.
func (c *collector) flush() error {
	if len(c.pending) == 0 {
		return nil
	}
	text := strings.Join(c.pending, "")
	count := len(c.pending)
	c.pending = nil
	return c.emit(text, count)
}

func (c *collector) emit(text string, pieces int) error {
	c.text.WriteString(text)
	c.emitted += pieces
	if c.sink != nil {
		if err := c.sink(text); err != nil {
			c.sinkErr = err
			return err
		}
	}
	return nil
}

// findStop returns the stop sequence with the earliest match in
// sequence.
func findStop(sequence string, stops []string) (string, bool) {
	matched, matchedAt := "", -1
	for _, stop := range stops {
		if idx := strings.Index(sequence, stop); idx >= 0 {
			if matchedAt < 0 || idx < matchedAt {
				matched, matchedAt = stop, idx
			}
		}
	}
	return matched, matchedAt >= 0
}

// truncateStop cuts the matched stop sequence and everything after it
// from the pending pieces. It returns the surviving text and the
// number of pieces that contributed to it; a piece cut mid-way still
// counts as one.
func truncateStop(pending []string, stop string) (string, int) {
	joined := strings.Join(pending, "")
	idx := strings.Index(joined, stop)
	if idx < 0 {
		return joined, len(pending)
	}
	kept := joined[:idx]
	pieces := 0
	consumed := 0
	for _, piece := range pending {
		if consumed >= idx {
			break
		}
		pieces++
		consumed += len(piece)
	}
	return kept, pieces
}

// containsStopSuffix reports whether sequence ends in a proper prefix
// of any stop sequence, meaning the next pieces could complete it.
func containsStopSuffix(sequence string, stops []string) bool {
	for _, stop := range stops {
		for i := min(len(stop), len(sequence)); i > 0; i-- {
			if strings.HasSuffix(sequence, stop[:i]) {
				return true
			}
		}
	}
	return false
}
