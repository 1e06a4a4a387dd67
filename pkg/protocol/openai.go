package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OpenAIAdapter speaks the chat-completions dialect.
type OpenAIAdapter struct{}

func (OpenAIAdapter) Protocol() string { return "openai" }

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []oaiToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaiRequest struct {
	Model               string          `json:"model"`
	Messages            []oaiMessage    `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream"`
	Tools               []oaiTool       `json:"tools,omitempty"`
	ResponseFormat      *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

func (OpenAIAdapter) Decode(body []byte) (*Request, error) {
	var in oaiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse chat completions request: %w", err)
	}
	if strings.TrimSpace(in.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	out := &Request{Model: in.Model, Stream: in.Stream}
	var system []string
	for _, msg := range in.Messages {
		switch msg.Role {
		case "system", "developer":
			system = append(system, rawContentText(msg.Content))
		case "user":
			parts, err := decodeOAIContent(msg.Content)
			if err != nil {
				return nil, err
			}
			out.Turns = append(out.Turns, Turn{Role: RoleUser, Parts: parts})
		case "assistant":
			var parts []Part
			if text := rawContentText(msg.Content); text != "" {
				parts = append(parts, Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, fmt.Errorf("parse tool call arguments: %w", err)
					}
				}
				parts = append(parts, Part{FunctionCall: &FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args}})
			}
			if len(parts) == 0 {
				continue
			}
			out.Turns = append(out.Turns, Turn{Role: RoleModel, Parts: parts})
		case "tool":
			name := msg.Name
			if name == "" {
				name = msg.ToolCallID
			}
			resp := map[string]any{}
			text := rawContentText(msg.Content)
			if err := json.Unmarshal([]byte(text), &resp); err != nil {
				resp = map[string]any{"result": text}
			}
			out.Turns = append(out.Turns, Turn{Role: RoleUser, Parts: []Part{
				{FunctionResponse: &FunctionResponse{Name: name, Response: resp}},
			}})
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	out.System = strings.Join(system, "\n\n")
	if len(out.Turns) == 0 {
		return nil, fmt.Errorf("no user or assistant messages")
	}

	out.Params.MaxOutputTokens = in.MaxCompletionTokens
	if out.Params.MaxOutputTokens == 0 {
		out.Params.MaxOutputTokens = in.MaxTokens
	}
	out.Params.Temperature = in.Temperature
	out.Params.TopP = in.TopP
	out.Params.StopSequences = decodeStop(in.Stop)
	if in.ResponseFormat != nil && in.ResponseFormat.Type == "json_object" {
		out.Params.ResponseMimeType = "application/json"
	}
	for _, t := range in.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out, nil
}

// rawContentText flattens string-or-parts content to plain text.
func rawContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []oaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func decodeOAIContent(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("message content must not be empty")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}, nil
	}
	var in []oaiContentPart
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse message content: %w", err)
	}
	var out []Part
	for _, p := range in {
		switch p.Type {
		case "text":
			out = append(out, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return nil, fmt.Errorf("image_url part without url")
			}
			blob, err := decodeDataURI(p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, Part{InlineData: blob})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return out, nil
}

// decodeDataURI splits data:<mime>;base64,<payload>.
func decodeDataURI(uri string) (*Blob, error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, fmt.Errorf("only data: image urls are supported")
	}
	rest := strings.TrimPrefix(uri, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return nil, fmt.Errorf("image url must be base64 encoded")
	}
	return &Blob{MimeType: rest[:idx], Data: rest[idx+len(";base64,"):]}, nil
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func openAIFinishReason(upstream string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch upstream {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

func (OpenAIAdapter) EncodeResponse(model string, chunks []Chunk) ([]byte, error) {
	var text strings.Builder
	var toolCalls []map[string]any
	for _, c := range chunks {
		text.WriteString(c.TextDelta)
		for _, fc := range c.FunctionCalls {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   "call_" + randomHex(8),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Name,
					"arguments": string(args),
				},
			})
		}
	}
	message := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	usage := CollectUsage(chunks)
	out := map[string]any{
		"id":      "chatcmpl-" + randomHex(12),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": openAIFinishReason(FinishReason(chunks), len(toolCalls) > 0),
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	return json.Marshal(out)
}

type openAIStreamEncoder struct {
	id      string
	model   string
	created int64
	started bool
}

func (OpenAIAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &openAIStreamEncoder{
		id:      "chatcmpl-" + randomHex(12),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (e *openAIStreamEncoder) frame(delta map[string]any, finish any) []byte {
	chunk := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	b, _ := json.Marshal(chunk)
	return []byte("data: " + string(b) + "\n\n")
}

func (e *openAIStreamEncoder) Frames(c Chunk) [][]byte {
	var out [][]byte
	if !e.started {
		e.started = true
		out = append(out, e.frame(map[string]any{"role": "assistant", "content": ""}, nil))
	}
	if c.TextDelta != "" {
		out = append(out, e.frame(map[string]any{"content": c.TextDelta}, nil))
	}
	for _, fc := range c.FunctionCalls {
		args, _ := json.Marshal(fc.Args)
		out = append(out, e.frame(map[string]any{
			"tool_calls": []map[string]any{{
				"index": 0,
				"id":    "call_" + randomHex(8),
				"type":  "function",
				"function": map[string]any{
					"name":      fc.Name,
					"arguments": string(args),
				},
			}},
		}, nil))
	}
	if c.FinishReason != "" {
		out = append(out, e.frame(map[string]any{}, openAIFinishReason(c.FinishReason, len(c.FunctionCalls) > 0)))
	}
	return out
}

func (e *openAIStreamEncoder) Done() [][]byte {
	return [][]byte{[]byte("data: [DONE]\n\n")}
}

func (OpenAIAdapter) EncodeError(kind ErrorKind, msg string) (int, []byte) {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    string(kind),
			"code":    string(kind),
		},
	})
	return kind.HTTPStatus(), b
}
