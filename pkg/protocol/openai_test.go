package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
)

func TestOpenAIDecodeBasic(t *testing.T) {
	body, err := json.Marshal(goopenai.ChatCompletionRequest{
		Model: "gpt-4",
		Messages: []goopenai.ChatCompletionMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
			{Role: "user", Content: "again"},
		},
		MaxTokens:   128,
		Temperature: 0.5,
		Stream:      true,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := OpenAIAdapter{}.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Model != "gpt-4" || !req.Stream {
		t.Fatalf("req = %+v", req)
	}
	if req.System != "be terse" {
		t.Fatalf("system = %q", req.System)
	}
	if len(req.Turns) != 3 {
		t.Fatalf("turns = %d", len(req.Turns))
	}
	if req.Turns[1].Role != RoleModel || req.Turns[1].Parts[0].Text != "hi" {
		t.Fatalf("assistant turn = %+v", req.Turns[1])
	}
	if req.Params.MaxOutputTokens != 128 {
		t.Fatalf("max tokens = %d", req.Params.MaxOutputTokens)
	}
	if req.Params.Temperature == nil || *req.Params.Temperature != 0.5 {
		t.Fatalf("temperature = %v", req.Params.Temperature)
	}
}

func TestOpenAIDecodeImageDataURI(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]}]}`)
	req, err := OpenAIAdapter{}.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	parts := req.Turns[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/png" || parts[1].InlineData.Data != "aGVsbG8=" {
		t.Fatalf("inline data = %+v", parts[1].InlineData)
	}
}

func TestOpenAIDecodeToolFlow(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[
		{"role":"user","content":"weather in oslo"},
		{"role":"assistant","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"oslo\"}"}}]},
		{"role":"tool","tool_call_id":"call_1","name":"get_weather","content":"{\"temp\":12}"}
	],"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object","properties":{"city":{"type":"string"}},"additionalProperties":false}}}]}`)
	req, err := OpenAIAdapter{}.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(req.Turns) != 3 {
		t.Fatalf("turns = %d", len(req.Turns))
	}
	fc := req.Turns[1].Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_weather" || fc.Args["city"] != "oslo" {
		t.Fatalf("function call = %+v", fc)
	}
	fr := req.Turns[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" || fr.Response["temp"] != float64(12) {
		t.Fatalf("function response = %+v", fr)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", req.Tools)
	}
}

func TestOpenAIDecodeRejectsEmpty(t *testing.T) {
	if _, err := (OpenAIAdapter{}).Decode([]byte(`{"model":"gpt-4","messages":[]}`)); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := (OpenAIAdapter{}).Decode([]byte(`{"messages":[{"role":"user","content":"x"}]}`)); err == nil {
		t.Fatal("expected error for missing model")
	}
	if _, err := (OpenAIAdapter{}).Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}

func TestOpenAIEncodeResponse(t *testing.T) {
	chunks := []Chunk{
		{TextDelta: "Hello "},
		{TextDelta: "world", FinishReason: "STOP", Usage: &Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}},
	}
	b, err := OpenAIAdapter{}.EncodeResponse("gpt-4", chunks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp goopenai.ChatCompletionResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") || resp.Object != "chat.completion" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Choices[0].Message.Content != "Hello world" {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIEncodeResponseLengthAndToolCalls(t *testing.T) {
	b, err := OpenAIAdapter{}.EncodeResponse("gpt-4", []Chunk{{FinishReason: "MAX_TOKENS"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(b), `"finish_reason":"length"`) {
		t.Fatalf("body = %s", b)
	}
	b, err = OpenAIAdapter{}.EncodeResponse("gpt-4", []Chunk{{
		FunctionCalls: []FunctionCall{{Name: "f", Args: map[string]any{"a": 1}}},
		FinishReason:  "STOP",
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(b), `"finish_reason":"tool_calls"`) || !strings.Contains(string(b), `"call_`) {
		t.Fatalf("body = %s", b)
	}
}

func TestOpenAIStreamEncoder(t *testing.T) {
	enc := OpenAIAdapter{}.NewStreamEncoder("gpt-4")
	var frames [][]byte
	frames = append(frames, enc.Frames(Chunk{TextDelta: "Hel"})...)
	frames = append(frames, enc.Frames(Chunk{TextDelta: "lo", FinishReason: "STOP"})...)
	frames = append(frames, enc.Done()...)

	// role preamble, two deltas, finish frame, [DONE]
	if len(frames) != 5 {
		t.Fatalf("got %d frames", len(frames))
	}
	for _, f := range frames[:4] {
		s := string(f)
		if !strings.HasPrefix(s, "data: ") || !strings.HasSuffix(s, "\n\n") {
			t.Fatalf("bad frame %q", s)
		}
		if !strings.Contains(s, `"chat.completion.chunk"`) {
			t.Fatalf("frame missing object: %q", s)
		}
	}
	if string(frames[4]) != "data: [DONE]\n\n" {
		t.Fatalf("terminator = %q", frames[4])
	}
	if !strings.Contains(string(frames[3]), `"finish_reason":"stop"`) {
		t.Fatalf("finish frame = %q", frames[3])
	}
}

func TestOpenAIEncodeError(t *testing.T) {
	status, body := OpenAIAdapter{}.EncodeError(ErrKindNoAccounts, "pool exhausted")
	if status != 503 {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(body), `"no_available_accounts"`) {
		t.Fatalf("body = %s", body)
	}
}
