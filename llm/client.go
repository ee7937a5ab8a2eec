// Package llm is the single entry point to the streaming text generation
// endpoint. Callers pass a prompt key, positional arguments and a fallback
// value; the fallback's type decides whether JSON output is coerced. Errors
// never propagate to simulation code, the fallback is returned instead.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aitown/townsim/internal/httpclient"
)

// ============================================================================
// SERVICE INTERFACE
// ============================================================================

// Service is the call surface the simulation depends on. Tests substitute a
// stub implementation.
type Service interface {
	// Call renders the keyed template with args, queries the model and
	// returns the sanitized output, or fallback on any failure.
	Call(ctx context.Context, key string, args []string, instruction string, fallback interface{}) interface{}

	// Log exposes the bounded call log.
	Log() *RingLog
}

// traditionalChineseSuffix is appended to every special instruction.
const traditionalChineseSuffix = "請務必使用繁體中文（Traditional Chinese）回答。"

// DefaultTimeout bounds a single streaming call. Long prompts stream slowly.
const DefaultTimeout = 5 * time.Minute

// ============================================================================
// CLIENT
// ============================================================================

// Client talks to an Ollama-style /api/generate endpoint.
type Client struct {
	http    *httpclient.Client
	model   string
	timeout time.Duration
	log     *RingLog
}

// NewClient creates a client for the given host (e.g.
// "http://127.0.0.1:11434") and model name.
func NewClient(host, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    httpclient.New(host, timeout+30*time.Second),
		model:   model,
		timeout: timeout,
		log:     NewRingLog(),
	}
}

// Log returns the bounded call log.
func (c *Client) Log() *RingLog {
	return c.log
}

// Call implements Service.
func (c *Client) Call(ctx context.Context, key string, args []string, instruction string, fallback interface{}) interface{} {
	prompt, err := RenderTemplate(key, args)
	if err != nil {
		slog.Warn("prompt template missing", "key", key, "error", err)
		c.logCall(key, "", err.Error(), fallback)
		return fallback
	}

	finalInstruction := fmt.Sprintf("%s %s", instruction, traditionalChineseSuffix)
	_, wantString := fallback.(string)
	wrapped := wrapPrompt(prompt, finalInstruction, !wantString, fallback)

	raw, err := c.stream(ctx, wrapped)
	result := fallback
	if err != nil {
		slog.Warn("llm call failed", "key", key, "error", err)
		c.logCall(key, wrapped, err.Error(), fallback)
		return fallback
	}

	if wantString {
		result = raw
	} else {
		result = ParseOutput(raw, fallback)
	}
	result = SanitizeValue(result)

	c.logCall(key, wrapped, raw, result)
	return result
}

// wrapPrompt adds the JSON-coercion suffix when structured output is
// expected.
func wrapPrompt(prompt, instruction string, expectJSON bool, example interface{}) string {
	if !expectJSON {
		return fmt.Sprintf("%s\n%s", prompt, instruction)
	}
	exampleJSON, err := json.Marshal(map[string]interface{}{"output": example})
	if err != nil {
		exampleJSON = []byte(`{"output": null}`)
	}
	return fmt.Sprintf("\"\"\"\n%s\n\"\"\"\nOutput the response to the prompt above in json. %s\nExample output json\n```json\n%s\n```",
		prompt, instruction, exampleJSON)
}

// stream issues the generation request and concatenates the newline-delimited
// partial responses until the done flag.
func (c *Client) stream(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]interface{}{
		"model":  c.model,
		"prompt": prompt,
		"stream": true,
	}
	resp, err := c.http.PostJSONStreaming(ctx, "/api/generate", payload)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	var full string
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk struct {
			Response string `json:"response"`
			Done     bool   `json:"done"`
		}
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("failed to decode streaming response: %w", err)
		}
		full += chunk.Response
		if chunk.Done {
			break
		}
	}
	return full, nil
}

func (c *Client) logCall(key, prompt, raw string, parsed interface{}) {
	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		parsedJSON = []byte(fmt.Sprintf("%v", parsed))
	}
	c.log.Append(CallRecord{
		PromptKey: key,
		Prompt:    prompt,
		Raw:       raw,
		Parsed:    string(parsedJSON),
		Timestamp: time.Now(),
	})
}
