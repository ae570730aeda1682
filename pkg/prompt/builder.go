// Package prompt assembles model prompts from chat conversations. The
// builder applies the model's template, keeps history within the
// context window by dropping the oldest turns, and never drops the
// system prompt or the latest user message.
package prompt

import (
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content string
}

// DefaultSystemPrompt is used when a conversation carries no system
// message.
const DefaultSystemPrompt = "You are a helpful, respectful and honest assistant. Always answer as helpfully as possible."

// DefaultHistoryLimit caps the number of turns considered, before any
// token budgeting.
const DefaultHistoryLimit = 20

// messageOverhead approximates the template scaffolding around one
// message, in tokens.
const messageOverhead = 8

// Estimator approximates token counts for budget arithmetic. The
// default implementation uses the conventional four-characters-per-
// token heuristic; exact tokenization would require the loaded model.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator estimates one token per four characters.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	return len(text) / 4
}

// BuildOptions configure one prompt build.
type BuildOptions struct {
	// System overrides the default system prompt. A system message in
	// the conversation overrides both.
	System string
	// Template selects the prompt format, defaulting to ChatML.
	Template Template
	// ContextSize is the model's context window in tokens. Values <= 0
	// fall back to 4096.
	ContextSize int
	// ResponseBudget reserves tokens for the completion, typically the
	// request's max_tokens.
	ResponseBudget int
	// HistoryLimit caps the number of turns before budgeting. 0 uses
	// DefaultHistoryLimit, negative disables the cap.
	HistoryLimit int
}

// Context is a rendered prompt ready for the engine.
type Context struct {
	// Text is the rendered prompt.
	Text string
	// Tokens is the estimated token count of Text.
	Tokens int
	// Template is the format that was applied.
	Template Template
	// System is the effective system prompt.
	System string
	// Retained and Dropped count conversation turns kept and discarded.
	Retained int
	Dropped  int
}

// Builder renders conversations into prompts.
type Builder struct {
	est Estimator
}

// NewBuilder returns a builder using the heuristic token estimator.
func NewBuilder() *Builder {
	return &Builder{est: HeuristicEstimator{}}
}

// Build renders the conversation. System-role messages override the
// system prompt and are not counted as turns; the last one wins. The
// oldest turns are dropped until the estimated prompt fits within
// ContextSize minus ResponseBudget. If even the system prompt plus the
// latest message exceeds the budget, Build fails with
// ErrContextTooLarge rather than silently truncating the latest turn.
func (b *Builder) Build(messages []Message, opts BuildOptions) (Context, error) {
	system := opts.System
	if system == "" {
		system = DefaultSystemPrompt
	}

	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = m.Content
		case RoleUser, RoleAssistant:
			turns = append(turns, m)
		default:
			return Context{}, fmt.Errorf("role %q: %w", m.Role, ErrInvalidRole)
		}
	}

	dropped := 0
	limit := opts.HistoryLimit
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit > 0 && len(turns) > limit {
		dropped = len(turns) - limit
		turns = turns[dropped:]
	}

	contextSize := opts.ContextSize
	if contextSize <= 0 {
		contextSize = 4096
	}
	budget := contextSize - opts.ResponseBudget
	if budget <= 0 {
		return Context{}, fmt.Errorf("response budget %d consumes the %d token window: %w",
			opts.ResponseBudget, contextSize, ErrContextTooLarge)
	}

	// The empty render prices the scaffolding and system prompt.
	base := b.est.Estimate(opts.Template.Render(system, nil))
	if len(turns) > 0 {
		latest := b.cost(turns[len(turns)-1])
		if base+latest > budget {
			return Context{}, fmt.Errorf("system prompt and latest message need %d tokens, budget is %d: %w",
				base+latest, budget, ErrContextTooLarge)
		}
	}

	// Walk backwards from the newest turn, keeping whole turns while
	// they fit.
	start := len(turns)
	total := base
	for i := len(turns) - 1; i >= 0; i-- {
		total += b.cost(turns[i])
		if total > budget {
			break
		}
		start = i
	}
	dropped += start
	retained := turns[start:]

	// Per-message estimates can undershoot the rendered whole; drop
	// further turns until the final estimate fits.
	text := opts.Template.Render(system, retained)
	tokens := b.est.Estimate(text)
	for tokens > budget && len(retained) > 1 {
		retained = retained[1:]
		dropped++
		text = opts.Template.Render(system, retained)
		tokens = b.est.Estimate(text)
	}
	if tokens > budget {
		return Context{}, fmt.Errorf("prompt needs %d tokens, budget is %d: %w", tokens, budget, ErrContextTooLarge)
	}

	return Context{
		Text:     text,
		Tokens:   tokens,
		Template: opts.Template,
		System:   system,
		Retained: len(retained),
		Dropped:  dropped,
	}, nil
}

func (b *Builder) cost(m Message) int {
	return b.est.Estimate(m.Content) + messageOverhead
}
