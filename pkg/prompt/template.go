package prompt

import (
	"fmt"
	"strings"
)

// Template selects the prompt format a model family was trained on.
type Template uint8

const (
	// TemplateChatML is the ChatML format (OpenAI style). It is the
	// default for models with no recognized family in their name.
	TemplateChatML Template = iota
	// TemplateAlpaca is the Alpaca instruction format. It carries only
	// the final user message.
	TemplateAlpaca
	// TemplateLlama2 is the Llama 2 chat format.
	TemplateLlama2
)

// String implements Stringer.String for Template.
func (t Template) String() string {
	switch t {
	case TemplateChatML:
		return "chatml"
	case TemplateAlpaca:
		return "alpaca"
	case TemplateLlama2:
		return "llama2"
	default:
		return "unknown"
	}
}

// ParseTemplate maps a template name from a request to a Template.
func ParseTemplate(name string) (Template, error) {
	switch strings.ToLower(name) {
	case "chatml":
		return TemplateChatML, nil
	case "alpaca":
		return TemplateAlpaca, nil
	case "llama2":
		return TemplateLlama2, nil
	default:
		return TemplateChatML, fmt.Errorf("template %q: %w", name, ErrUnknownTemplate)
	}
}

// ForModel infers the template from a model name. Llama 2 and Alpaca
// family names select their native formats, everything else uses
// ChatML.
func ForModel(name string) Template {
	lowered := strings.ToLower(name)
	switch {
	case strings.Contains(lowered, "llama-2"), strings.Contains(lowered, "llama2"):
		return TemplateLlama2
	case strings.Contains(lowered, "alpaca"):
		return TemplateAlpaca
	default:
		return TemplateChatML
	}
}

// Render formats the system prompt and conversation turns in this
// template. Turns must contain only user and assistant messages.
func (t Template) Render(system string, turns []Message) string {
	switch t {
	case TemplateAlpaca:
		return renderAlpaca(system, turns)
	case TemplateLlama2:
		return renderLlama2(system, turns)
	default:
		return renderChatML(system, turns)
	}
}

func renderChatML(system string, turns []Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<|im_start|>system\n%s<|im_end|>\n", system)
	for _, m := range turns {
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func renderAlpaca(system string, turns []Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Below is an instruction that describes a task. Write a response that appropriately completes the request.\n\n### Instruction:\n%s\n\n", system)
	if len(turns) > 0 {
		if last := turns[len(turns)-1]; last.Role == RoleUser {
			fmt.Fprintf(&b, "### Input:\n%s\n\n", last.Content)
		}
	}
	b.WriteString("### Response:\n")
	return b.String()
}

func renderLlama2(system string, turns []Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[INST] <<SYS>>\n%s\n<</SYS>>\n\n", system)
	for _, m := range turns {
		if m.Role == RoleUser {
			fmt.Fprintf(&b, "%s [/INST]", m.Content)
		} else {
			fmt.Fprintf(&b, " %s [INST] ", m.Content)
		}
	}
	out := b.String()
	if !strings.HasSuffix(out, "[/INST]") {
		out += " [/INST]"
	}
	return out
}
