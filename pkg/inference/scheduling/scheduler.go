package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/inference"
	"github.com/weft-ai/weft/pkg/logging"
	"github.com/weft-ai/weft/pkg/prompt"
	"github.com/weft-ai/weft/pkg/registry"
	"github.com/weft-ai/weft/pkg/store"
)

// maximumRequestSize is the maximum chat request size that Scheduler
// will allow. This should be large enough to encompass any real-world
// request but also small enough to avoid DoS attacks.
const maximumRequestSize = 10 * 1024 * 1024

// Scheduler serves the chat API: it resolves model names, checks
// handles out of the cache, builds prompts within the model's context
// window and dispatches generation.
type Scheduler struct {
	// log is the associated logger.
	log logging.Logger
	// registry canonicalizes model names.
	registry *registry.Registry
	// cache holds the resident models.
	cache *Cache
	// dispatcher executes generations.
	dispatcher *Dispatcher
	// builder renders conversations into prompts.
	builder *prompt.Builder
	// defaults are the generation parameters applied when a request
	// leaves them unset.
	defaults inference.GenerationParams
	// router is the HTTP request router.
	router *http.ServeMux
}

// NewScheduler creates a scheduler over the given cache and
// dispatcher.
func NewScheduler(
	log logging.Logger,
	reg *registry.Registry,
	cache *Cache,
	dispatcher *Dispatcher,
	defaults inference.GenerationParams,
) *Scheduler {
	s := &Scheduler{
		log:        log,
		registry:   reg,
		cache:      cache,
		dispatcher: dispatcher,
		builder:    prompt.NewBuilder(),
		defaults:   defaults,
		router:     http.NewServeMux(),
	}
	s.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteError(w, http.StatusNotFound, "not found")
	})
	for route, handler := range s.routeHandlers() {
		s.router.HandleFunc(route, handler)
	}
	return s
}

func (s *Scheduler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /api/chat":        s.handleChat,
		"POST /api/chat/stream": s.handleChatStream,
		"GET /api/ps":           s.handlePs,
		"POST /api/unload":      s.handleUnload,
	}
}

// GetRoutes returns the routes the scheduler serves.
func (s *Scheduler) GetRoutes() []string {
	routeHandlers := s.routeHandlers()
	routes := make([]string, 0, len(routeHandlers))
	for route := range routeHandlers {
		routes = append(routes, route)
	}
	return routes
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (s *Scheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run drives the cache's idle eviction and shutdown draining.
func (s *Scheduler) Run(ctx context.Context) {
	s.cache.Run(ctx)
}

// canonical maps aliases and URLs onto registered model names. Names
// the registry does not know pass through unchanged: the store may
// still resolve them to a file pulled by URL.
func (s *Scheduler) canonical(name string) string {
	if s.registry == nil {
		return name
	}
	if desc, err := s.registry.Resolve(name); err == nil {
		return desc.Name
	}
	return name
}

// readBody reads a size-capped request body, writing the error
// envelope on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestSize))
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			api.WriteError(w, http.StatusBadRequest, "request too large")
		} else {
			api.WriteError(w, http.StatusInternalServerError, "unknown error")
		}
		return nil, false
	}
	return body, true
}

// decodeChatRequest decodes and validates a chat request body, writing
// the error envelope on failure.
func (s *Scheduler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (api.ChatRequest, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return api.ChatRequest{}, false
	}
	var request api.ChatRequest
	if err := json.Unmarshal(body, &request); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid request")
		return api.ChatRequest{}, false
	}
	if request.Model == "" {
		api.WriteError(w, http.StatusBadRequest, "model is required")
		return api.ChatRequest{}, false
	}
	if len(request.Messages) == 0 {
		api.WriteError(w, http.StatusBadRequest, "messages are required")
		return api.ChatRequest{}, false
	}
	return request, true
}

// params merges request fields over the configured defaults.
func (s *Scheduler) params(request api.ChatRequest) inference.GenerationParams {
	params := s.defaults
	if request.Temperature != nil {
		params.Temperature = *request.Temperature
	}
	if request.TopP != nil {
		params.TopP = *request.TopP
	}
	if request.MaxTokens != nil {
		params.MaxTokens = *request.MaxTokens
	}
	if request.Seed != nil {
		params.Seed = *request.Seed
	}
	if len(request.Stop) > 0 {
		params.Stop = request.Stop
	}
	return params
}

// buildPrompt renders the request's conversation for the loaded model,
// reserving responseBudget tokens for the completion.
func (s *Scheduler) buildPrompt(request api.ChatRequest, handle *Handle, responseBudget int) (prompt.Context, error) {
	template := prompt.ForModel(handle.Name())
	if request.Template != "" {
		parsed, err := prompt.ParseTemplate(request.Template)
		if err != nil {
			return prompt.Context{}, err
		}
		template = parsed
	}
	messages := make([]prompt.Message, 0, len(request.Messages))
	for _, m := range request.Messages {
		messages = append(messages, prompt.Message{Role: prompt.Role(m.Role), Content: m.Content})
	}
	return s.builder.Build(messages, prompt.BuildOptions{
		Template:       template,
		ContextSize:    handle.ContextSize(),
		ResponseBudget: responseBudget,
	})
}

// handleChat handles POST /api/chat requests.
func (s *Scheduler) handleChat(w http.ResponseWriter, r *http.Request) {
	request, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	handle, err := s.cache.Acquire(r.Context(), s.canonical(request.Model))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.cache.Release(handle)

	params := s.params(request)
	promptCtx, err := s.buildPrompt(request, handle, params.MaxTokens)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.dispatcher.Generate(r.Context(), handle, promptCtx.Text, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, api.ChatResponse{
		Message: api.ChatMessage{Role: "assistant", Content: result.Text},
		Usage: api.Usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
		FinishReason: result.FinishReason,
	})
}

// handleChatStream handles POST /api/chat/stream requests. Tokens are
// written as NDJSON lines and flushed as they are produced, followed
// by a done line carrying usage. Failures after streaming has begun
// are reported as an error line, since the status is already written.
func (s *Scheduler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	request, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	handle, err := s.cache.Acquire(r.Context(), s.canonical(request.Model))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.cache.Release(handle)

	params := s.params(request)
	promptCtx, err := s.buildPrompt(request, handle, params.MaxTokens)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	onToken := func(piece string) error {
		if err := encoder.Encode(api.StreamChunk{Type: api.ChunkTypeToken, Content: piece}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := s.dispatcher.GenerateStream(r.Context(), handle, promptCtx.Text, params, onToken)
	if err != nil {
		if errors.Is(err, ErrGenerationCancelled) {
			return
		}
		_ = encoder.Encode(api.StreamChunk{Type: api.ChunkTypeError, Error: err.Error()})
		flusher.Flush()
		return
	}

	usage := api.Usage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.PromptTokens + result.CompletionTokens,
	}
	_ = encoder.Encode(api.StreamChunk{Type: api.ChunkTypeDone, Usage: &usage, FinishReason: result.FinishReason})
	flusher.Flush()
}

// handlePs handles GET /api/ps requests.
func (s *Scheduler) handlePs(w http.ResponseWriter, _ *http.Request) {
	api.WriteData(w, http.StatusOK, s.cache.Status())
}

// handleUnload handles POST /api/unload requests.
func (s *Scheduler) handleUnload(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var request api.UnloadRequest
	if err := json.Unmarshal(body, &request); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if request.All {
		api.WriteData(w, http.StatusOK, api.UnloadResponse{Unloaded: s.cache.UnloadAll()})
		return
	}
	if request.Model == "" {
		api.WriteError(w, http.StatusBadRequest, "model or all is required")
		return
	}
	unloaded, err := s.cache.Unload(s.canonical(request.Model))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, api.UnloadResponse{Unloaded: unloaded})
}

// writeError maps an error onto the API envelope and status. Abandoned
// requests get no response, there is nobody left to read it.
func (s *Scheduler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrGenerationCancelled), errors.Is(err, context.Canceled):
		s.log.Debugf("Request for %s abandoned: %v", r.URL.Path, err)
	case errors.Is(err, ErrModelNotDownloaded), errors.Is(err, store.ErrModelNotFound):
		api.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrCacheExhausted):
		api.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrModelInUse):
		api.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, prompt.ErrContextTooLarge),
		errors.Is(err, prompt.ErrInvalidRole),
		errors.Is(err, prompt.ErrUnknownTemplate):
		api.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Warnf("Request for %s failed: %v", r.URL.Path, err)
		api.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
