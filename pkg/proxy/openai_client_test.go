package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
)

// The gateway should be usable as a drop-in base URL for stock OpenAI
// client libraries, so these tests go through one instead of raw HTTP.

func newOpenAIClient(gwURL, key string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = gwURL + "/v1"
	return goopenai.NewClientWithConfig(cfg)
}

func TestOpenAIClientCompletion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, wrappedTextResponse("gateway says hi", "STOP", 8, 4))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal", "test-key")
	addTestAccount(t, s, "acc-a", 0.9)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	client := newOpenAIClient(gw.URL, "test-key")
	resp, err := client.CreateChatCompletion(context.Background(), goopenai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "gateway says hi" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", resp.Usage.TotalTokens)
	}
}

func TestOpenAIClientStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"str"}]}}]}}`+"\n\n")
		fmt.Fprint(w, `data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"eam"}]},"finishReason":"STOP"}]}}`+"\n\n")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.9)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	client := newOpenAIClient(gw.URL, "unused")
	stream, err := client.CreateChatCompletionStream(context.Background(), goopenai.ChatCompletionRequest{
		Model:  "gpt-4o",
		Stream: true,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	finish := ""
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		text.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != "" {
			finish = string(chunk.Choices[0].FinishReason)
		}
	}
	if text.String() != "stream" {
		t.Errorf("streamed text = %q, want stream", text.String())
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
}

func TestOpenAIClientModelList(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1internal")
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	client := newOpenAIClient(gw.URL, "unused")
	list, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	found := false
	for _, m := range list.Models {
		if m.ID == "gemini-3-flash" {
			found = true
		}
	}
	if !found {
		t.Errorf("model list %v missing gemini-3-flash", list.Models)
	}
}
