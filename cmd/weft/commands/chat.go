package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/client"
)

func newChatCmd() *cobra.Command {
	var (
		model       string
		system      string
		template    string
		temperature float32
		topP        float32
		maxTokens   int
		seed        int
		noStream    bool
	)
	c := &cobra.Command{
		Use:   "chat [MODEL] [PROMPT...]",
		Short: "Chat with a model",
		Long: "Chat with a model. With a prompt argument a single response is\n" +
			"generated; without one an interactive session starts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				if len(args) == 0 {
					return fmt.Errorf(
						"'weft chat' requires a model.\n\nUsage:  weft chat MODEL [PROMPT]\n\nSee 'weft chat --help' for more information",
					)
				}
				model = args[0]
				args = args[1:]
			}
			session := &chatSession{
				client:   apiClient(),
				model:    model,
				system:   system,
				template: template,
			}
			if cmd.Flags().Changed("temperature") {
				session.temperature = &temperature
			}
			if cmd.Flags().Changed("top-p") {
				session.topP = &topP
			}
			if cmd.Flags().Changed("max-tokens") {
				session.maxTokens = &maxTokens
			}
			if cmd.Flags().Changed("seed") {
				session.seed = &seed
			}
			if len(args) > 0 {
				return session.once(cmd, strings.Join(args, " "), noStream)
			}
			return session.interactive(cmd)
		},
	}
	c.Flags().StringVarP(&model, "model", "m", "", "model to chat with")
	c.Flags().StringVar(&system, "system", "", "system prompt")
	c.Flags().StringVar(&template, "template", "", "prompt template (chatml, alpaca or llama2)")
	c.Flags().Float32VarP(&temperature, "temperature", "t", 0, "sampling temperature")
	c.Flags().Float32Var(&topP, "top-p", 0, "nucleus sampling cutoff")
	c.Flags().IntVar(&maxTokens, "max-tokens", 0, "response token limit")
	c.Flags().IntVar(&seed, "seed", 0, "sampling seed")
	c.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full response instead of streaming")
	return c
}

// chatSession holds the conversation state for one chat invocation.
// Pointer parameter fields distinguish "unset, use the daemon default"
// from explicit zero values.
type chatSession struct {
	client   *client.Client
	model    string
	system   string
	template string

	temperature *float32
	topP        *float32
	maxTokens   *int
	seed        *int
	stop        []string

	history []api.ChatMessage
}

// once sends a single prompt and prints the response.
func (s *chatSession) once(cmd *cobra.Command, input string, noStream bool) error {
	ctx, stopSignals := cancelOnInterrupt(cmd.Context())
	defer stopSignals()

	s.history = append(s.history, api.ChatMessage{Role: "user", Content: input})
	if noStream {
		chat, err := s.client.Chat(ctx, s.request())
		if err != nil {
			return handleClientError(err, "Failed to generate a response")
		}
		cmd.Println(chat.Message.Content)
		return nil
	}
	_, err := s.client.ChatStream(ctx, s.request(), func(token string) error {
		cmd.Print(token)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			cmd.Println()
			return nil
		}
		return handleClientError(err, "Failed to generate a response")
	}
	cmd.Println()
	return nil
}

// interactive runs the chat prompt loop until /bye or EOF.
func (s *chatSession) interactive(cmd *cobra.Command) error {
	cmd.Printf("Chatting with %s. Type /? for help, /bye to exit.\n", s.model)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		cmd.Print("> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			// Ctrl+D
			cmd.Println()
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(cmd, line)
			if err != nil {
				cmd.PrintErrln(err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.ask(cmd, line); err != nil {
			cmd.PrintErrln(handleClientError(err, "Failed to generate a response"))
		}
	}
}

// ask sends one conversation turn, streaming the response to the
// terminal. Ctrl+C cancels the turn without ending the session.
func (s *chatSession) ask(cmd *cobra.Command, input string) error {
	ctx, stopSignals := cancelOnInterrupt(cmd.Context())
	defer stopSignals()

	s.history = append(s.history, api.ChatMessage{Role: "user", Content: input})
	var text strings.Builder
	result, err := s.client.ChatStream(ctx, s.request(), func(token string) error {
		text.WriteString(token)
		cmd.Print(token)
		return nil
	})
	if err != nil {
		// Drop the failed turn so a retry does not replay it.
		s.history = s.history[:len(s.history)-1]
		if errors.Is(err, context.Canceled) {
			cmd.Println()
			return nil
		}
		return err
	}
	cmd.Println()
	s.history = append(s.history, api.ChatMessage{Role: "assistant", Content: text.String()})
	if result.FinishReason == "length" {
		cmd.PrintErrln("(response truncated at the token limit)")
	}
	return nil
}

// request assembles the wire request from the session state.
func (s *chatSession) request() api.ChatRequest {
	messages := make([]api.ChatMessage, 0, len(s.history)+1)
	if s.system != "" {
		messages = append(messages, api.ChatMessage{Role: "system", Content: s.system})
	}
	messages = append(messages, s.history...)
	return api.ChatRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: s.temperature,
		TopP:        s.topP,
		MaxTokens:   s.maxTokens,
		Seed:        s.seed,
		Stop:        s.stop,
		Template:    s.template,
	}
}

// command executes one slash command. Arguments are split with shell
// quoting rules so stop sequences and prompts can contain spaces.
func (s *chatSession) command(cmd *cobra.Command, line string) (bool, error) {
	args, err := shellwords.Parse(strings.TrimPrefix(line, "/"))
	if err != nil {
		return false, fmt.Errorf("parsing command: %w", err)
	}
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "bye", "exit", "quit":
		return true, nil
	case "clear":
		s.history = nil
		cmd.Println("Cleared conversation history")
	case "system":
		if len(args) < 2 {
			cmd.Printf("System prompt: %q\n", s.system)
			break
		}
		s.system = strings.Join(args[1:], " ")
		cmd.Println("Set system prompt")
	case "temp", "temperature":
		value, err := parseFloatArg(args)
		if err != nil {
			return false, err
		}
		s.temperature = &value
	case "top_p":
		value, err := parseFloatArg(args)
		if err != nil {
			return false, err
		}
		s.topP = &value
	case "max_tokens":
		value, err := parseIntArg(args)
		if err != nil {
			return false, err
		}
		s.maxTokens = &value
	case "seed":
		value, err := parseIntArg(args)
		if err != nil {
			return false, err
		}
		s.seed = &value
	case "stop":
		s.stop = args[1:]
		if len(s.stop) == 0 {
			cmd.Println("Cleared stop sequences")
		}
	case "params":
		s.printParams(cmd)
	case "help", "?":
		printChatUsage(cmd)
	default:
		return false, fmt.Errorf("unknown command /%s, type /? for help", args[0])
	}
	return false, nil
}

func (s *chatSession) printParams(cmd *cobra.Command) {
	cmd.Printf("Model:       %s\n", s.model)
	if s.template != "" {
		cmd.Printf("Template:    %s\n", s.template)
	}
	if s.system != "" {
		cmd.Printf("System:      %s\n", s.system)
	}
	cmd.Printf("Temperature: %s\n", formatFloatParam(s.temperature))
	cmd.Printf("Top-p:       %s\n", formatFloatParam(s.topP))
	cmd.Printf("Max tokens:  %s\n", formatIntParam(s.maxTokens))
	cmd.Printf("Seed:        %s\n", formatIntParam(s.seed))
	if len(s.stop) > 0 {
		cmd.Printf("Stop:        %q\n", s.stop)
	}
	cmd.Printf("History:     %d messages\n", len(s.history))
}

func printChatUsage(cmd *cobra.Command) {
	cmd.PrintErrln("Available commands:")
	cmd.PrintErrln("  /bye, /exit, /quit  Exit the chat")
	cmd.PrintErrln("  /clear              Clear the conversation history")
	cmd.PrintErrln("  /system TEXT        Set the system prompt")
	cmd.PrintErrln("  /temp VALUE         Set the sampling temperature")
	cmd.PrintErrln("  /top_p VALUE        Set the nucleus sampling cutoff")
	cmd.PrintErrln("  /max_tokens N       Bound the response length")
	cmd.PrintErrln("  /seed N             Fix the sampling seed")
	cmd.PrintErrln("  /stop SEQ...        Set stop sequences, no arguments clears them")
	cmd.PrintErrln("  /params             Show the current session parameters")
	cmd.PrintErrln("")
}

// cancelOnInterrupt cancels the returned context on Ctrl+C so an
// in-flight request stops without exiting the process.
func cancelOnInterrupt(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func parseFloatArg(args []string) (float32, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("usage: /%s VALUE", args[0])
	}
	value, err := strconv.ParseFloat(args[1], 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for /%s", args[1], args[0])
	}
	return float32(value), nil
}

func parseIntArg(args []string) (int, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("usage: /%s N", args[0])
	}
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for /%s", args[1], args[0])
	}
	return value, nil
}

func formatFloatParam(v *float32) string {
	if v == nil {
		return "(default)"
	}
	return strconv.FormatFloat(float64(*v), 'g', -1, 32)
}

func formatIntParam(v *int) string {
	if v == nil {
		return "(default)"
	}
	return strconv.Itoa(*v)
}
