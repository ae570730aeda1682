// Package client provides a typed HTTP client for the weft daemon API.
// It is the only way the CLI talks to the daemon; it never touches the
// model store or the inference engine directly.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/weft-ai/weft/pkg/api"
)

var (
	// ErrNotFound matches any 404 response from the daemon.
	ErrNotFound = errors.New("not found")

	// ErrServiceUnavailable indicates that no daemon answered at all.
	// A 503 response never matches it; that comes from a running
	// daemon and carries its own message.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// statusError carries the daemon's error message verbatim while still
// matching the sentinel for its HTTP status via errors.Is.
type statusError struct {
	sentinel error
	message  string
}

func (e *statusError) Error() string { return e.message }

func (e *statusError) Is(target error) bool { return target == e.sentinel }

// Client talks to a weft daemon over TCP or a Unix socket.
type Client struct {
	// base is the URL prefix for every request.
	base string
	// addr is the daemon address as the user supplied it, for error
	// messages.
	addr string
	http *http.Client
}

// New returns a client for a daemon listening on host, a "host:port"
// address.
func New(host string) *Client {
	return &Client{
		base: "http://" + host,
		addr: host,
		http: &http.Client{},
	}
}

// NewUnix returns a client for a daemon listening on a Unix socket.
// The host in request URLs is a placeholder; the transport dials the
// socket regardless.
func NewUnix(socket string) *Client {
	return &Client{
		base: "http://weft",
		addr: socket,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", socket)
				},
			},
		},
	}
}

// do issues a request with an optional JSON body. Connection failures
// are mapped to ErrServiceUnavailable so callers can tell "daemon not
// running" apart from request errors.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, fs.ErrNotExist) {
			return nil, &statusError{
				sentinel: ErrServiceUnavailable,
				message:  fmt.Sprintf("weft daemon not reachable at %s", c.addr),
			}
		}
		return nil, err
	}
	return resp, nil
}

// call issues a request and decodes the response envelope into out,
// which may be nil when the payload does not matter.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return parse(resp, out)
}

// parse decodes a response envelope. Failure envelopes become errors
// carrying the daemon's message; 404 additionally matches ErrNotFound.
func parse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var envelope api.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unexpected response (status %s): %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if !envelope.Success {
		message := envelope.Error
		if message == "" {
			message = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return &statusError{sentinel: ErrNotFound, message: message}
		}
		return errors.New(message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health reports whether the daemon answers requests.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Status returns the daemon's status report.
func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var status api.Status
	err := c.call(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

// List returns the downloaded models and the registry catalog.
func (c *Client) List(ctx context.Context) (api.ModelList, error) {
	var list api.ModelList
	err := c.call(ctx, http.MethodGet, "/api/models", nil, &list)
	return list, err
}

// GetModel returns details for a single downloaded model.
func (c *Client) GetModel(ctx context.Context, name string) (api.ModelInfo, error) {
	var info api.ModelInfo
	err := c.call(ctx, http.MethodGet, "/api/models/"+url.PathEscape(name), nil, &info)
	return info, err
}

// Pull downloads a model, invoking progress for every progress line
// the daemon emits, and returns the daemon's success message. progress
// may be nil.
func (c *Client) Pull(ctx context.Context, name string, force bool, progress func(api.ProgressMessage)) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/models/"+url.PathEscape(name), api.PullRequest{Force: force})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", parse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var message api.ProgressMessage
		if err := json.Unmarshal([]byte(line), &message); err != nil {
			return "", fmt.Errorf("parsing progress message: %w", err)
		}
		switch message.Type {
		case api.ProgressTypeProgress:
			if progress != nil {
				progress(message)
			}
		case api.ProgressTypeError:
			return "", fmt.Errorf("pulling %s: %s", name, message.Message)
		case api.ProgressTypeSuccess:
			return message.Message, nil
		default:
			return "", fmt.Errorf("unknown progress message type %q", message.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading pull stream: %w", err)
	}
	return "", fmt.Errorf("unexpected end of stream while pulling %s", name)
}

// Delete removes a model file from the daemon's store.
func (c *Client) Delete(ctx context.Context, name string) (string, error) {
	var message string
	err := c.call(ctx, http.MethodDelete, "/api/models/"+url.PathEscape(name), nil, &message)
	return message, err
}

// Chat runs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req api.ChatRequest) (api.ChatResponse, error) {
	var chat api.ChatResponse
	err := c.call(ctx, http.MethodPost, "/api/chat", req, &chat)
	return chat, err
}

// StreamResult reports the terminal chunk of a streaming chat.
type StreamResult struct {
	Usage        api.Usage
	FinishReason string
}

// ChatStream runs a streaming chat completion, invoking onToken for
// every token as it arrives. If onToken returns an error the stream is
// abandoned and the daemon cancels the generation.
func (c *Client) ChatStream(ctx context.Context, req api.ChatRequest, onToken func(string) error) (StreamResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/stream", req)
	if err != nil {
		return StreamResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StreamResult{}, parse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var chunk api.StreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return StreamResult{}, fmt.Errorf("parsing stream chunk: %w", err)
		}
		switch chunk.Type {
		case api.ChunkTypeToken:
			if err := onToken(chunk.Content); err != nil {
				return StreamResult{}, err
			}
		case api.ChunkTypeError:
			return StreamResult{}, errors.New(chunk.Error)
		case api.ChunkTypeDone:
			result := StreamResult{FinishReason: chunk.FinishReason}
			if chunk.Usage != nil {
				result.Usage = *chunk.Usage
			}
			return result, nil
		default:
			return StreamResult{}, fmt.Errorf("unknown stream chunk type %q", chunk.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return StreamResult{}, fmt.Errorf("reading chat stream: %w", err)
	}
	return StreamResult{}, errors.New("unexpected end of chat stream")
}

// Ps returns the models currently resident in the daemon's cache.
func (c *Client) Ps(ctx context.Context) ([]api.LoadedModel, error) {
	var loaded []api.LoadedModel
	err := c.call(ctx, http.MethodGet, "/api/ps", nil, &loaded)
	return loaded, err
}

// Unload evicts a model, or every idle model when all is set, and
// returns the number of evicted cache entries.
func (c *Client) Unload(ctx context.Context, model string, all bool) (int, error) {
	var unloaded api.UnloadResponse
	err := c.call(ctx, http.MethodPost, "/api/unload", api.UnloadRequest{Model: model, All: all}, &unloaded)
	return unloaded.Unloaded, err
}

// DiskUsage reports the daemon's model storage consumption.
func (c *Client) DiskUsage(ctx context.Context) (api.DiskUsage, error) {
	var usage api.DiskUsage
	err := c.call(ctx, http.MethodGet, "/api/df", nil, &usage)
	return usage, err
}

// Logs returns the tail of the daemon's log buffer as plain text.
func (c *Client) Logs(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/logs", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", parse(resp, nil)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading logs: %w", err)
	}
	return string(raw), nil
}
