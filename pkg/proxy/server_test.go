package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lkarlslund/gravitygate/pkg/account"
	"github.com/lkarlslund/gravitygate/pkg/config"
	"github.com/lkarlslund/gravitygate/pkg/router"
)

func wrappedTextResponse(text, finish string, in, out int) string {
	return fmt.Sprintf(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]},"finishReason":%q}],"usageMetadata":{"promptTokenCount":%d,"candidatesTokenCount":%d,"totalTokenCount":%d}}}`,
		text, finish, in, out, in+out)
}

func testServerConfig(t *testing.T, dir, upstreamURL string, keys ...string) *config.ServerConfig {
	t.Helper()
	cfg := config.NewDefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.IncomingKeys = keys
	cfg.MappingsPath = filepath.Join(dir, "mappings.toml")
	cfg.StatsPath = filepath.Join(dir, "stats.json")
	cfg.Pool.CredentialsPath = filepath.Join(dir, "credentials.toml")
	cfg.Pool.QuotaCachePath = filepath.Join(dir, "quota-cache.json")
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.TokenURL = upstreamURL + "/token"
	return cfg
}

func newTestServer(t *testing.T, upstreamURL string, keys ...string) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := testServerConfig(t, dir, upstreamURL, keys...)
	cfg.Normalize()
	s, err := NewServer(filepath.Join(dir, "config.toml"), cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func addTestAccount(t *testing.T, s *Server, id string, fraction float64) {
	t.Helper()
	err := s.Pool().Add(account.Credential{
		ID:           id,
		Email:        id + "@example.com",
		AccessToken:  "tok-" + id,
		RefreshToken: "ref-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		ProjectID:    "proj-" + id,
		Health:       account.HealthGood,
	})
	if err != nil {
		t.Fatalf("add account %s: %v", id, err)
	}
	for _, g := range router.Groups() {
		s.Pool().UpdateQuota(id, g, fraction, time.Time{})
	}
}

func TestChatCompletionProxiesUpstream(t *testing.T) {
	var gotEnvelope struct {
		Model   string          `json:"model"`
		Project string          `json:"project"`
		Request json.RawMessage `json:"request"`
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotEnvelope); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, wrappedTextResponse("Hello there", "STOP", 10, 5))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.9)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Model != "gpt-4o" {
		t.Errorf("model = %q, want the client's requested name", out.Model)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "Hello there" {
		t.Fatalf("unexpected choices: %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", out.Usage.TotalTokens)
	}
	if gotEnvelope.Model != "gemini-3-flash" {
		t.Errorf("upstream model = %q, want the gpt-4o alias target gemini-3-flash", gotEnvelope.Model)
	}
	if gotEnvelope.Project != "proj-acc-a" {
		t.Errorf("upstream project = %q, want proj-acc-a", gotEnvelope.Project)
	}
}

func TestQuotaExhaustedRotatesAccounts(t *testing.T) {
	var mu sync.Mutex
	var tokensSeen []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		mu.Lock()
		tokensSeen = append(tokensSeen, tok)
		mu.Unlock()
		if tok == "tok-acc-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota exceeded"}}`)
			return
		}
		fmt.Fprint(w, wrappedTextResponse("from b", "STOP", 3, 2))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.9)
	addTestAccount(t, s, "acc-b", 0.5)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after rotating to the second account", resp.StatusCode)
	}

	mu.Lock()
	seen := append([]string(nil), tokensSeen...)
	mu.Unlock()
	if len(seen) != 2 || seen[0] != "tok-acc-a" || seen[1] != "tok-acc-b" {
		t.Fatalf("upstream tokens = %v, want acc-a then acc-b", seen)
	}

	cred, ok := s.Pool().Get("acc-a")
	if !ok {
		t.Fatal("acc-a missing from pool")
	}
	if q := cred.Quota[router.GroupGeminiFlash]; q.Fraction != 0 {
		t.Errorf("acc-a gemini-flash fraction = %v, want 0 after exhaustion", q.Fraction)
	}
}

func TestNoAccountsAvailable(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1internal")
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if out.Error.Message == "" {
		t.Error("expected an error message")
	}
}

func TestUpstreamTimeoutRotatesAccounts(t *testing.T) {
	var mu sync.Mutex
	var tokensSeen []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		mu.Lock()
		tokensSeen = append(tokensSeen, tok)
		mu.Unlock()
		if tok == "tok-acc-a" {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		fmt.Fprint(w, wrappedTextResponse("from b", "STOP", 3, 2))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	cfg := testServerConfig(t, dir, upstream.URL+"/v1internal")
	cfg.Upstream.TimeoutSeconds = 1
	cfg.Normalize()
	s, err := NewServer(filepath.Join(dir, "config.toml"), cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	addTestAccount(t, s, "acc-a", 0.9)
	addTestAccount(t, s, "acc-b", 0.5)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after rotating off the stalled account", resp.StatusCode)
	}

	mu.Lock()
	seen := append([]string(nil), tokensSeen...)
	mu.Unlock()
	if len(seen) != 2 || seen[0] != "tok-acc-a" || seen[1] != "tok-acc-b" {
		t.Fatalf("upstream tokens = %v, want acc-a then acc-b", seen)
	}
}

func TestClaudeStreamingEventOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}}`+"\n\n")
		fmt.Fprint(w, `data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}}`+"\n\n")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.8)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"claude-3-5-sonnet","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(gw.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	var events []string
	var text strings.Builder
	scannerBody := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		scannerBody.Write(buf[:n])
		if err != nil {
			break
		}
	}
	for _, block := range strings.Split(scannerBody.String(), "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				events = append(events, name)
			}
			if payload, ok := strings.CutPrefix(line, "data: "); ok {
				var evt struct {
					Type  string `json:"type"`
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if json.Unmarshal([]byte(payload), &evt) == nil && evt.Delta.Type == "text_delta" {
					text.WriteString(evt.Delta.Text)
				}
			}
		}
	}

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full: %v)", i, events[i], want[i], events)
		}
	}
	if text.String() != "Hello" {
		t.Errorf("accumulated text = %q, want Hello", text.String())
	}
}

func TestStreamingClientDisconnectCancelsUpstream(t *testing.T) {
	var chunksSent atomic.Int32
	sawCancel := make(chan struct{})
	chunk := `data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"chunk"}]}}]}}` + "\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i := 0; i < 2; i++ {
			fmt.Fprint(w, chunk)
			fl.Flush()
			chunksSent.Add(1)
		}
		select {
		case <-r.Context().Done():
			close(sawCancel)
			return
		case <-time.After(3 * time.Second):
			// keep producing so a regression fails the count below
			// instead of hanging the test
		}
		for i := 0; i < 3; i++ {
			fmt.Fprint(w, chunk)
			fl.Flush()
			chunksSent.Add(1)
		}
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.8)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	br := bufio.NewReader(resp.Body)
	seen := 0
	for seen < 2 {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream after %d chunks: %v", seen, err)
		}
		if strings.HasPrefix(line, "data: ") && !strings.Contains(line, "[DONE]") {
			seen++
		}
	}
	resp.Body.Close()

	select {
	case <-sawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not cancelled after the client went away")
	}
	if n := chunksSent.Load(); n != 2 {
		t.Fatalf("upstream produced %d chunks after disconnect, want 2", n)
	}
}

func TestGeminiNativePath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, wrappedTextResponse("native reply", "STOP", 2, 3))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.7)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	for _, path := range []string{
		"/v1beta/models/gemini-3-flash:generateContent",
		"/v1beta/v1beta/models/gemini-3-flash:generateContent",
	} {
		resp, err := http.Post(gw.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, resp.StatusCode)
		}
		var out struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		resp.Body.Close()
		if len(out.Candidates) != 1 || len(out.Candidates[0].Content.Parts) == 0 || out.Candidates[0].Content.Parts[0].Text != "native reply" {
			t.Fatalf("%s: unexpected response %+v", path, out)
		}
	}
}

func TestGeminiCountTokensSlashForm(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1internal")
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"contents":[{"role":"user","parts":[{"text":"The quick brown fox jumps over the lazy dog"}]}]}`
	for _, path := range []string{
		"/v1beta/models/gemini-3-flash:countTokens",
		"/v1beta/models/gemini-3-flash/countTokens",
	} {
		resp, err := http.Post(gw.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, resp.StatusCode)
		}
		var out struct {
			TotalTokens int `json:"totalTokens"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		resp.Body.Close()
		if out.TotalTokens < 5 {
			t.Errorf("%s: totalTokens = %d, want a rough estimate of at least 5", path, out.TotalTokens)
		}
	}
}

func TestAuthAcceptsAllKeyLocations(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1internal", "sekret")
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	get := func(mutate func(*http.Request)) int {
		req, _ := http.NewRequest(http.MethodGet, gw.URL+"/v1/models", nil)
		mutate(req)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get(func(*http.Request) {}); code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", code)
	}
	if code := get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") }); code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", code)
	}
	if code := get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekret") }); code != http.StatusOK {
		t.Errorf("bearer: status = %d, want 200", code)
	}
	if code := get(func(r *http.Request) { r.Header.Set("x-api-key", "sekret") }); code != http.StatusOK {
		t.Errorf("x-api-key: status = %d, want 200", code)
	}
	if code := get(func(r *http.Request) { r.Header.Set("x-goog-api-key", "sekret") }); code != http.StatusOK {
		t.Errorf("x-goog-api-key: status = %d, want 200", code)
	}
	if code := get(func(r *http.Request) { r.URL.RawQuery = "key=sekret" }); code != http.StatusOK {
		t.Errorf("query key: status = %d, want 200", code)
	}
}

func TestClaudeCountTokens(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1internal")
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"claude-3-5-sonnet","max_tokens":10,"messages":[{"role":"user","content":"The quick brown fox jumps over the lazy dog"}]}`
	resp, err := http.Post(gw.URL+"/v1/messages/count_tokens", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.InputTokens < 5 {
		t.Errorf("input_tokens = %d, want a rough estimate of at least 5", out.InputTokens)
	}
}

func TestModelMappingRoutesRequests(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&env)
		gotModel = env.Model
		fmt.Fprint(w, wrappedTextResponse("mapped", "STOP", 1, 1))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.6)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	mapping := `{"source_model":"my-house-model","target_model":"gemini-3-pro-high"}`
	resp, err := http.Post(gw.URL+"/api/mappings", "application/json", strings.NewReader(mapping))
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create mapping: status = %d, want 200", resp.StatusCode)
	}

	body := `{"model":"my-house-model","messages":[{"role":"user","content":"hi"}]}`
	resp, err = http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotModel != "gemini-3-pro-high" {
		t.Errorf("upstream model = %q, want the mapped target gemini-3-pro-high", gotModel)
	}
}

func TestStatsSummaryCountsRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, wrappedTextResponse("ok", "STOP", 5, 7))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1internal")
	addTestAccount(t, s, "acc-a", 0.6)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(gw.URL + "/api/stats/summary?period=1h")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	defer resp.Body.Close()
	var sum StatsSummary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Requests != 2 {
		t.Errorf("requests = %d, want 2", sum.Requests)
	}
	if sum.Errors != 0 {
		t.Errorf("errors = %d, want 0", sum.Errors)
	}
	if sum.CompletionTokens != 14 {
		t.Errorf("completion tokens = %d, want 14", sum.CompletionTokens)
	}
	if sum.RequestsPerProtocol["openai"] != 2 {
		t.Errorf("per-protocol = %v, want openai:2", sum.RequestsPerProtocol)
	}
}

func TestPoolSnapshotAndReload(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1internal")
	addTestAccount(t, s, "acc-a", 0.4)
	gw := httptest.NewServer(s.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/quota/pool")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	var out struct {
		Accounts []poolAccountView `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode pool: %v", err)
	}
	resp.Body.Close()
	if len(out.Accounts) != 1 || out.Accounts[0].ID != "acc-a" {
		t.Fatalf("unexpected pool view: %+v", out.Accounts)
	}
	if out.Accounts[0].Health != string(account.HealthGood) {
		t.Errorf("health = %q, want healthy", out.Accounts[0].Health)
	}

	resp, err = http.Post(gw.URL+"/api/quota/pool/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer resp.Body.Close()
	var reload struct {
		Accounts int `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reload); err != nil {
		t.Fatalf("decode reload: %v", err)
	}
	if reload.Accounts != 1 {
		t.Errorf("reloaded accounts = %d, want 1", reload.Accounts)
	}
}
