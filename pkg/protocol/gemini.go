package protocol

import (
	"encoding/json"
	"fmt"
)

// GeminiAdapter speaks the native generate-content dialect. The model
// name lives in the URL, so Decode leaves Request.Model empty and the
// handler fills it in.
type GeminiAdapter struct{}

func (GeminiAdapter) Protocol() string { return "gemini" }

func (GeminiAdapter) Decode(body []byte) (*Request, error) {
	var in wireRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse generate content request: %w", err)
	}
	if len(in.Contents) == 0 {
		return nil, fmt.Errorf("contents must not be empty")
	}
	out := &Request{}
	for _, content := range in.Contents {
		role := RoleUser
		if content.Role == "model" {
			role = RoleModel
		}
		out.Turns = append(out.Turns, Turn{Role: role, Parts: canonicalPartsFromWire(content.Parts)})
	}
	if in.SystemInstruction != nil {
		for _, p := range in.SystemInstruction.Parts {
			if p.Text != "" {
				if out.System != "" {
					out.System += "\n\n"
				}
				out.System += p.Text
			}
		}
	}
	if gc := in.GenerationConfig; gc != nil {
		out.Params.MaxOutputTokens = gc.MaxOutputTokens
		out.Params.Temperature = gc.Temperature
		out.Params.TopP = gc.TopP
		out.Params.TopK = gc.TopK
		out.Params.StopSequences = gc.StopSequences
		out.Params.ResponseMimeType = gc.ResponseMimeType
		if gc.ThinkingConfig != nil && gc.ThinkingConfig.ThinkingBudget > 0 {
			budget := gc.ThinkingConfig.ThinkingBudget
			out.Params.ThinkingBudget = &budget
		}
	}
	for _, t := range in.Tools {
		if t.GoogleSearch != nil {
			out.Tools = append(out.Tools, Tool{GoogleSearch: true})
		}
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	return out, nil
}

func canonicalPartsFromWire(parts []wirePart) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		cp := Part{Text: p.Text, Thought: p.Thought}
		if p.InlineData != nil {
			cp.InlineData = &Blob{MimeType: p.InlineData.MimeType, Data: p.InlineData.Data}
		}
		if p.FunctionCall != nil {
			cp.FunctionCall = &FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}
		}
		if p.FunctionResponse != nil {
			cp.FunctionResponse = &FunctionResponse{Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response}
		}
		out = append(out, cp)
	}
	return out
}

func (GeminiAdapter) EncodeResponse(model string, chunks []Chunk) ([]byte, error) {
	merged := Chunk{FinishReason: FinishReason(chunks)}
	for _, c := range chunks {
		merged.TextDelta += c.TextDelta
		merged.ThoughtDelta += c.ThoughtDelta
		merged.FunctionCalls = append(merged.FunctionCalls, c.FunctionCalls...)
	}
	if merged.FinishReason == "" {
		merged.FinishReason = "STOP"
	}
	if u := CollectUsage(chunks); u != (Usage{}) {
		merged.Usage = &u
	}
	return json.Marshal(encodeNativeChunk(merged))
}

type geminiStreamEncoder struct{}

func (GeminiAdapter) NewStreamEncoder(model string) StreamEncoder {
	return geminiStreamEncoder{}
}

func (geminiStreamEncoder) Frames(c Chunk) [][]byte {
	b, _ := json.Marshal(encodeNativeChunk(c))
	return [][]byte{[]byte("data: " + string(b) + "\n\n")}
}

func (geminiStreamEncoder) Done() [][]byte {
	return [][]byte{[]byte("data: [DONE]\n\n")}
}

func (GeminiAdapter) EncodeError(kind ErrorKind, msg string) (int, []byte) {
	status := kind.HTTPStatus()
	googleStatus := "INTERNAL"
	switch kind {
	case ErrKindInvalidRequest:
		googleStatus = "INVALID_ARGUMENT"
	case ErrKindQuota:
		googleStatus = "RESOURCE_EXHAUSTED"
	case ErrKindNoAccounts:
		googleStatus = "UNAVAILABLE"
	case ErrKindTimeout:
		googleStatus = "DEADLINE_EXCEEDED"
	}
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  googleStatus,
		},
	})
	return status, b
}
