package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderChatML(t *testing.T) {
	turns := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "bye"},
	}
	want := "<|im_start|>system\nsys<|im_end|>\n" +
		"<|im_start|>user\nhi<|im_end|>\n" +
		"<|im_start|>assistant\nhello<|im_end|>\n" +
		"<|im_start|>user\nbye<|im_end|>\n" +
		"<|im_start|>assistant\n"
	require.Equal(t, want, TemplateChatML.Render("sys", turns))
}

func TestRenderAlpaca(t *testing.T) {
	turns := []Message{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
		{Role: RoleUser, Content: "input here"},
	}
	want := "Below is an instruction that describes a task. Write a response that appropriately completes the request.\n\n" +
		"### Instruction:\ndo things\n\n" +
		"### Input:\ninput here\n\n" +
		"### Response:\n"
	require.Equal(t, want, TemplateAlpaca.Render("do things", turns))

	// Without a trailing user message there is no input section.
	wantBare := "Below is an instruction that describes a task. Write a response that appropriately completes the request.\n\n" +
		"### Instruction:\ndo things\n\n" +
		"### Response:\n"
	require.Equal(t, wantBare, TemplateAlpaca.Render("do things", turns[:2]))
}

func TestRenderLlama2(t *testing.T) {
	turns := []Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	}
	want := "[INST] <<SYS>>\ns\n<</SYS>>\n\nq1 [/INST] a1 [INST] q2 [/INST]"
	require.Equal(t, want, TemplateLlama2.Render("s", turns))

	// An assistant-final conversation gets the closing tag appended.
	wantClosed := "[INST] <<SYS>>\ns\n<</SYS>>\n\nq1 [/INST] a1 [INST]  [/INST]"
	require.Equal(t, wantClosed, TemplateLlama2.Render("s", turns[:2]))
}

func TestParseTemplate(t *testing.T) {
	for name, want := range map[string]Template{
		"chatml": TemplateChatML,
		"ChatML": TemplateChatML,
		"alpaca": TemplateAlpaca,
		"llama2": TemplateLlama2,
	} {
		got, err := ParseTemplate(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseTemplate("vicuna")
	require.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestForModel(t *testing.T) {
	require.Equal(t, TemplateLlama2, ForModel("llama2-7b"))
	require.Equal(t, TemplateLlama2, ForModel("Llama-2-13B-chat"))
	require.Equal(t, TemplateAlpaca, ForModel("alpaca-native.Q4_K_M.gguf"))
	require.Equal(t, TemplateChatML, ForModel("mistral-7b"))
	require.Equal(t, TemplateChatML, ForModel("phi-2"))
}

func TestEstimator(t *testing.T) {
	est := HeuristicEstimator{}
	require.Equal(t, 0, est.Estimate(""))
	require.Equal(t, 0, est.Estimate("abc"))
	require.Equal(t, 1, est.Estimate("abcd"))
	require.Equal(t, 2, est.Estimate("0123456789"))
}

func TestBuildDefaults(t *testing.T) {
	b := NewBuilder()
	ctx, err := b.Build([]Message{{Role: RoleUser, Content: "hello"}}, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultSystemPrompt, ctx.System)
	require.Equal(t, TemplateChatML, ctx.Template)
	require.True(t, strings.HasPrefix(ctx.Text, "<|im_start|>system\nYou are a helpful"))
	require.True(t, strings.HasSuffix(ctx.Text, "<|im_start|>assistant\n"))
	require.Equal(t, 1, ctx.Retained)
	require.Zero(t, ctx.Dropped)
}

func TestBuildSystemMessageOverrides(t *testing.T) {
	b := NewBuilder()
	ctx, err := b.Build([]Message{
		{Role: RoleSystem, Content: "first system"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "last system wins"},
	}, BuildOptions{System: "option system"})
	require.NoError(t, err)
	require.Equal(t, "last system wins", ctx.System)
	require.Equal(t, 1, ctx.Retained, "system messages are not turns")
	require.Contains(t, ctx.Text, "<|im_start|>system\nlast system wins<|im_end|>\n")
}

func TestBuildInvalidRole(t *testing.T) {
	b := NewBuilder()
	_, err := b.Build([]Message{{Role: "tool", Content: "x"}}, BuildOptions{})
	require.ErrorIs(t, err, ErrInvalidRole)
}

func TestBuildHistoryLimit(t *testing.T) {
	b := NewBuilder()
	var messages []Message
	for i := 0; i < 25; i++ {
		messages = append(messages, Message{Role: RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}
	ctx, err := b.Build(messages, BuildOptions{ContextSize: 100000})
	require.NoError(t, err)
	require.Equal(t, DefaultHistoryLimit, ctx.Retained)
	require.Equal(t, 5, ctx.Dropped)
	require.NotContains(t, ctx.Text, "turn 4")
	require.Contains(t, ctx.Text, "turn 5")
	require.Contains(t, ctx.Text, "turn 24")
}

func TestBuildDropsOldestToFit(t *testing.T) {
	b := NewBuilder()
	// Six 40-character turns cost 10+8 tokens each; the scaffolding
	// plus one-character system prompt costs 13. A budget of 80 fits
	// exactly the three newest turns.
	var messages []Message
	for i := 0; i < 6; i++ {
		messages = append(messages, Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("%02d%s", i, strings.Repeat("x", 38)),
		})
	}
	ctx, err := b.Build(messages, BuildOptions{System: "S", ContextSize: 80})
	require.NoError(t, err)
	require.Equal(t, 3, ctx.Retained)
	require.Equal(t, 3, ctx.Dropped)
	require.Contains(t, ctx.Text, "03xxx")
	require.NotContains(t, ctx.Text, "02xxx")
	require.LessOrEqual(t, ctx.Tokens, 80)
}

func TestBuildNeverDropsLatest(t *testing.T) {
	b := NewBuilder()
	messages := []Message{
		{Role: RoleUser, Content: strings.Repeat("a", 40)},
		{Role: RoleUser, Content: strings.Repeat("b", 200)},
	}
	// Budget 75 fits the 58-token latest turn but not both turns.
	ctx, err := b.Build(messages, BuildOptions{System: "S", ContextSize: 75})
	require.NoError(t, err)
	require.Equal(t, 1, ctx.Retained)
	require.Equal(t, 1, ctx.Dropped)
	require.Contains(t, ctx.Text, strings.Repeat("b", 200))
	require.NotContains(t, ctx.Text, strings.Repeat("a", 40))
}

func TestBuildLatestTooLarge(t *testing.T) {
	b := NewBuilder()
	messages := []Message{{Role: RoleUser, Content: strings.Repeat("z", 4096)}}
	_, err := b.Build(messages, BuildOptions{ContextSize: 100})
	require.ErrorIs(t, err, ErrContextTooLarge)
}

func TestBuildResponseBudgetConsumesWindow(t *testing.T) {
	b := NewBuilder()
	messages := []Message{{Role: RoleUser, Content: "hi"}}
	_, err := b.Build(messages, BuildOptions{ContextSize: 512, ResponseBudget: 512})
	require.ErrorIs(t, err, ErrContextTooLarge)
}

func TestBuildEmptyConversation(t *testing.T) {
	b := NewBuilder()
	ctx, err := b.Build(nil, BuildOptions{})
	require.NoError(t, err)
	require.Zero(t, ctx.Retained)
	require.Equal(t, TemplateChatML.Render(DefaultSystemPrompt, nil), ctx.Text)
}

func TestBuildRespectsResponseBudget(t *testing.T) {
	b := NewBuilder()
	var messages []Message
	for i := 0; i < 10; i++ {
		messages = append(messages, Message{Role: RoleUser, Content: strings.Repeat("x", 40)})
	}
	full, err := b.Build(messages, BuildOptions{System: "S", ContextSize: 300})
	require.NoError(t, err)
	reserved, err := b.Build(messages, BuildOptions{System: "S", ContextSize: 300, ResponseBudget: 200})
	require.NoError(t, err)
	require.Less(t, reserved.Retained, full.Retained)
	require.LessOrEqual(t, reserved.Tokens, 100)
}
