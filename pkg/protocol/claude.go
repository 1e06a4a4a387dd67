package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaudeAdapter speaks the messages dialect, including its multi-event
// streaming envelope.
type ClaudeAdapter struct{}

func (ClaudeAdapter) Protocol() string { return "claude" }

const defaultThinkingBudget = 10000

type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    map[string]any  `json:"input,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Source   *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeTool struct {
	Type        string         `json:"type,omitempty"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	Thinking      *struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens"`
	} `json:"thinking,omitempty"`
}

func (ClaudeAdapter) Decode(body []byte) (*Request, error) {
	var in claudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse messages request: %w", err)
	}
	if strings.TrimSpace(in.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	out := &Request{Model: in.Model, Stream: in.Stream}
	out.System = claudeSystemText(in.System)
	for _, msg := range in.Messages {
		role := RoleUser
		if msg.Role == "assistant" {
			role = RoleModel
		} else if msg.Role != "user" {
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
		parts, err := decodeClaudeContent(msg.Content)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		out.Turns = append(out.Turns, Turn{Role: role, Parts: parts})
	}
	if len(out.Turns) == 0 {
		return nil, fmt.Errorf("no non-empty messages")
	}

	out.Params.MaxOutputTokens = in.MaxTokens
	out.Params.Temperature = in.Temperature
	out.Params.TopP = in.TopP
	out.Params.TopK = in.TopK
	out.Params.StopSequences = in.StopSequences
	if in.Thinking != nil && in.Thinking.Type == "enabled" {
		budget := in.Thinking.BudgetTokens
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		out.Params.ThinkingBudget = &budget
	}
	for _, t := range in.Tools {
		if strings.HasPrefix(t.Type, "web_search") {
			out.Tools = append(out.Tools, Tool{GoogleSearch: true})
			continue
		}
		if t.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out, nil
}

func claudeSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			sb = append(sb, b.Text)
		}
	}
	return strings.Join(sb, "\n\n")
}

func decodeClaudeContent(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []Part{{Text: s}}, nil
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("parse message content: %w", err)
	}
	var out []Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, Part{Text: b.Text})
		case "thinking":
			out = append(out, Part{Text: b.Thinking, Thought: true})
		case "image":
			if b.Source == nil || b.Source.Type != "base64" {
				return nil, fmt.Errorf("only base64 image sources are supported")
			}
			out = append(out, Part{InlineData: &Blob{MimeType: b.Source.MediaType, Data: b.Source.Data}})
		case "tool_use":
			out = append(out, Part{FunctionCall: &FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input}})
		case "tool_result":
			resp := map[string]any{}
			text := rawContentText(b.Content)
			if err := json.Unmarshal([]byte(text), &resp); err != nil {
				resp = map[string]any{"result": text}
			}
			out = append(out, Part{FunctionResponse: &FunctionResponse{Name: "tool", Response: resp}})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	return out, nil
}

func claudeStopReason(upstream string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch upstream {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func (ClaudeAdapter) EncodeResponse(model string, chunks []Chunk) ([]byte, error) {
	var blocks []map[string]any
	var thinking, text strings.Builder
	var toolCalls []FunctionCall
	for _, c := range chunks {
		thinking.WriteString(c.ThoughtDelta)
		text.WriteString(c.TextDelta)
		toolCalls = append(toolCalls, c.FunctionCalls...)
	}
	if thinking.Len() > 0 {
		blocks = append(blocks, map[string]any{"type": "thinking", "thinking": thinking.String()})
	}
	if text.Len() > 0 || len(toolCalls) == 0 {
		blocks = append(blocks, map[string]any{"type": "text", "text": text.String()})
	}
	for _, fc := range toolCalls {
		input := fc.Args
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + randomHex(12),
			"name":  fc.Name,
			"input": input,
		})
	}
	usage := CollectUsage(chunks)
	out := map[string]any{
		"id":            "msg_" + randomHex(12),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       blocks,
		"stop_reason":   claudeStopReason(FinishReason(chunks), len(toolCalls) > 0),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

// claudeStreamEncoder emits the messages event envelope: message_start,
// then content blocks as the upstream interleaves them. Thought deltas
// become a thinking block, text a text block, and each function call a
// self-contained tool_use block carrying its input as one
// input_json_delta.
type claudeStreamEncoder struct {
	id          string
	model       string
	started     bool
	blockType   string
	blockIndex  int
	nextIndex   int
	stopReason  string
	outputToks  int
	sawToolCall bool
}

func (ClaudeAdapter) NewStreamEncoder(model string) StreamEncoder {
	return &claudeStreamEncoder{id: "msg_" + randomHex(12), model: model}
}

func claudeEvent(event string, payload map[string]any) []byte {
	b, _ := json.Marshal(payload)
	return []byte("event: " + event + "\ndata: " + string(b) + "\n\n")
}

func (e *claudeStreamEncoder) startMessage() []byte {
	e.started = true
	return claudeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (e *claudeStreamEncoder) openBlock(typ string, block map[string]any) []byte {
	e.blockType = typ
	e.blockIndex = e.nextIndex
	e.nextIndex++
	return claudeEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.blockIndex,
		"content_block": block,
	})
}

func (e *claudeStreamEncoder) closeBlock() []byte {
	e.blockType = ""
	return claudeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	})
}

func (e *claudeStreamEncoder) delta(delta map[string]any) []byte {
	return claudeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": delta,
	})
}

func (e *claudeStreamEncoder) Frames(c Chunk) [][]byte {
	var out [][]byte
	if !e.started {
		out = append(out, e.startMessage())
	}
	if c.ThoughtDelta != "" {
		if e.blockType != "thinking" {
			if e.blockType != "" {
				out = append(out, e.closeBlock())
			}
			out = append(out, e.openBlock("thinking", map[string]any{"type": "thinking", "thinking": ""}))
		}
		out = append(out, e.delta(map[string]any{"type": "thinking_delta", "thinking": c.ThoughtDelta}))
	}
	if c.TextDelta != "" {
		if e.blockType != "text" {
			if e.blockType != "" {
				out = append(out, e.closeBlock())
			}
			out = append(out, e.openBlock("text", map[string]any{"type": "text", "text": ""}))
		}
		out = append(out, e.delta(map[string]any{"type": "text_delta", "text": c.TextDelta}))
	}
	for _, fc := range c.FunctionCalls {
		e.sawToolCall = true
		if e.blockType != "" {
			out = append(out, e.closeBlock())
		}
		out = append(out, e.openBlock("tool_use", map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + randomHex(12),
			"name":  fc.Name,
			"input": map[string]any{},
		}))
		args := []byte("{}")
		if fc.Args != nil {
			if b, err := json.Marshal(fc.Args); err == nil {
				args = b
			}
		}
		out = append(out, e.delta(map[string]any{"type": "input_json_delta", "partial_json": string(args)}))
		out = append(out, e.closeBlock())
	}
	if c.FinishReason != "" {
		e.stopReason = c.FinishReason
	}
	if c.Usage != nil {
		e.outputToks = c.Usage.OutputTokens
	}
	return out
}

func (e *claudeStreamEncoder) Done() [][]byte {
	var out [][]byte
	if !e.started {
		out = append(out, e.startMessage())
	}
	if e.blockType == "" && e.nextIndex == 0 {
		// No content arrived; keep the envelope well formed for SDKs
		// that expect at least one block.
		out = append(out, e.openBlock("text", map[string]any{"type": "text", "text": ""}))
	}
	if e.blockType != "" {
		out = append(out, e.closeBlock())
	}
	out = append(out, claudeEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   claudeStopReason(e.stopReason, e.sawToolCall),
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": e.outputToks},
	}))
	out = append(out, claudeEvent("message_stop", map[string]any{"type": "message_stop"}))
	return out
}

func (ClaudeAdapter) EncodeError(kind ErrorKind, msg string) (int, []byte) {
	claudeType := "api_error"
	switch kind {
	case ErrKindInvalidRequest:
		claudeType = "invalid_request_error"
	case ErrKindQuota:
		claudeType = "rate_limit_error"
	case ErrKindNoAccounts, ErrKindTimeout:
		claudeType = "overloaded_error"
	}
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    claudeType,
			"message": msg,
		},
	})
	return kind.HTTPStatus(), b
}
