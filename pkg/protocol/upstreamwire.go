package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire shapes of the generate-content backend. Kept internal; adapters
// and the orchestrator only see canonical types.

type wireBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type wireFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type wirePart struct {
	Text             string                `json:"text,omitempty"`
	Thought          bool                  `json:"thought,omitempty"`
	InlineData       *wireBlob             `json:"inlineData,omitempty"`
	FunctionCall     *wireFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResponse `json:"functionResponse,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

type wireGenerationConfig struct {
	MaxOutputTokens  int                 `json:"maxOutputTokens,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"topP,omitempty"`
	TopK             *int                `json:"topK,omitempty"`
	StopSequences    []string            `json:"stopSequences,omitempty"`
	ResponseMimeType string              `json:"responseMimeType,omitempty"`
	ThinkingConfig   *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type wireFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}          `json:"googleSearch,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []wireSafetySetting   `json:"safetySettings,omitempty"`
	Tools             []wireTool            `json:"tools,omitempty"`
}

const defaultMaxOutputTokens = 64000

var defaultSafetySettings = []wireSafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "OFF"},
}

// EncodeUpstream builds the inner generate-content request for a
// canonical request. Generation defaults match what the IDE sends.
func EncodeUpstream(req *Request) (json.RawMessage, error) {
	if len(req.Turns) == 0 {
		return nil, fmt.Errorf("request has no turns")
	}
	out := wireRequest{SafetySettings: defaultSafetySettings}
	for _, turn := range req.Turns {
		out.Contents = append(out.Contents, wireContent{
			Role:  string(turn.Role),
			Parts: wirePartsFromCanonical(turn.Parts),
		})
	}
	if req.System != "" {
		out.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.System}}}
	}
	gc := &wireGenerationConfig{
		MaxOutputTokens:  req.Params.MaxOutputTokens,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		TopK:             req.Params.TopK,
		StopSequences:    req.Params.StopSequences,
		ResponseMimeType: req.Params.ResponseMimeType,
	}
	if gc.MaxOutputTokens <= 0 {
		gc.MaxOutputTokens = defaultMaxOutputTokens
	}
	one := 1.0
	if gc.Temperature == nil {
		gc.Temperature = &one
	}
	if gc.TopP == nil {
		gc.TopP = &one
	}
	if req.Params.ThinkingBudget != nil {
		gc.ThinkingConfig = &wireThinkingConfig{IncludeThoughts: true, ThinkingBudget: *req.Params.ThinkingBudget}
	}
	out.GenerationConfig = gc
	for _, t := range req.Tools {
		if t.GoogleSearch {
			out.Tools = append(out.Tools, wireTool{GoogleSearch: &struct{}{}})
			continue
		}
		out.Tools = append(out.Tools, wireTool{FunctionDeclarations: []wireFunctionDecl{{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  CleanSchema(t.Parameters),
		}}})
	}
	return json.Marshal(out)
}

func wirePartsFromCanonical(parts []Part) []wirePart {
	out := make([]wirePart, 0, len(parts))
	for _, p := range parts {
		wp := wirePart{Text: p.Text, Thought: p.Thought}
		if p.InlineData != nil {
			wp.InlineData = &wireBlob{MimeType: p.InlineData.MimeType, Data: p.InlineData.Data}
		}
		if p.FunctionCall != nil {
			wp.FunctionCall = &wireFunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}
		}
		if p.FunctionResponse != nil {
			wp.FunctionResponse = &wireFunctionResponse{Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response}
		}
		out = append(out, wp)
	}
	return out
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
	Index        int         `json:"index"`
}

type wireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates,omitempty"`
	UsageMetadata *wireUsage      `json:"usageMetadata,omitempty"`
}

// DecodeUpstreamChunk parses one backend response payload into a
// canonical chunk. Works for both streaming frames and full responses.
func DecodeUpstreamChunk(raw json.RawMessage) (Chunk, error) {
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Chunk{}, fmt.Errorf("decode upstream chunk: %w", err)
	}
	var c Chunk
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				c.FunctionCalls = append(c.FunctionCalls, FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args})
			case p.Thought:
				c.ThoughtDelta += p.Text
			default:
				c.TextDelta += p.Text
			}
		}
		c.FinishReason = cand.FinishReason
	}
	if resp.UsageMetadata != nil {
		c.Usage = &Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return c, nil
}

// encodeNativeChunk renders a canonical chunk back into the native wire
// shape, used by the native adapter's responses and stream frames.
func encodeNativeChunk(c Chunk) wireResponse {
	var parts []wirePart
	if c.ThoughtDelta != "" {
		parts = append(parts, wirePart{Text: c.ThoughtDelta, Thought: true})
	}
	if c.TextDelta != "" {
		parts = append(parts, wirePart{Text: c.TextDelta})
	}
	for _, fc := range c.FunctionCalls {
		fc := fc
		parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{Name: fc.Name, Args: fc.Args}})
	}
	resp := wireResponse{
		Candidates: []wireCandidate{{
			Content:      wireContent{Role: "model", Parts: parts},
			FinishReason: c.FinishReason,
		}},
	}
	if c.Usage != nil {
		resp.UsageMetadata = &wireUsage{
			PromptTokenCount:     c.Usage.InputTokens,
			CandidatesTokenCount: c.Usage.OutputTokens,
			TotalTokenCount:      c.Usage.TotalTokens,
		}
	}
	return resp
}

// schemaKeys is what the backend's schema validator accepts; everything
// else (additionalProperties, $schema, defaults...) gets stripped.
var schemaKeys = map[string]struct{}{
	"type": {}, "description": {}, "properties": {}, "required": {},
	"items": {}, "enum": {}, "format": {}, "nullable": {},
}

// CleanSchema reduces a JSON schema to the subset the backend accepts
// and uppercases type names the way its proto expects.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if _, ok := schemaKeys[k]; !ok {
			continue
		}
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				out[k] = strings.ToUpper(s)
			}
		case "properties":
			if props, ok := v.(map[string]any); ok {
				cleaned := make(map[string]any, len(props))
				for name, sub := range props {
					if m, ok := sub.(map[string]any); ok {
						cleaned[name] = CleanSchema(m)
					}
				}
				out[k] = cleaned
			}
		case "items":
			if m, ok := v.(map[string]any); ok {
				out[k] = CleanSchema(m)
			}
		default:
			out[k] = v
		}
	}
	return out
}
