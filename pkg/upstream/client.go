package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultProject is used when an account has no companion project of its
// own; the backend accepts it for personal-tier accounts.
const DefaultProject = "bamboo-precept-lgxtn"

const userAgent = "antigravity"

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

func IsAuthError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized
}

func IsQuotaExhausted(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if httpErr.StatusCode != http.StatusForbidden {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsRetryable reports whether another account is worth trying. Server-side
// failures and timeouts qualify; client-shaped 4xx responses do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsQuotaExhausted(err) || IsAuthError(err) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Caller identifies the account a request runs under.
type Caller struct {
	AccessToken string
	ProjectID   string
}

func (c Caller) project() string {
	if strings.TrimSpace(c.ProjectID) != "" {
		return c.ProjectID
	}
	return DefaultProject
}

type Client struct {
	baseURL string
	hc      *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// envelope is the wire wrapper the backend expects around every
// generate-content request.
type envelope struct {
	Model       string          `json:"model"`
	Project     string          `json:"project"`
	Request     json.RawMessage `json:"request"`
	RequestID   string          `json:"requestId"`
	UserAgent   string          `json:"userAgent"`
	RequestType string          `json:"requestType"`
}

func newEnvelope(caller Caller, model string, inner json.RawMessage) envelope {
	return envelope{
		Model:       model,
		Project:     caller.project(),
		Request:     inner,
		RequestID:   "agm-" + uuid.NewString(),
		UserAgent:   userAgent,
		RequestType: "generate_content",
	}
}

func (c *Client) post(ctx context.Context, caller Caller, method string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+caller.AccessToken)
	req.Header.Set("User-Agent", userAgent)
	return c.hc.Do(req)
}

func readHTTPError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// unwrapResponse strips the backend's {"response": ...} wrapper when
// present; some endpoints return the payload bare.
func unwrapResponse(raw json.RawMessage) json.RawMessage {
	var wrapper struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Response) > 0 {
		return wrapper.Response
	}
	return raw
}

// GenerateContent runs a single non-streaming generation and returns the
// inner response payload.
func (c *Client) GenerateContent(ctx context.Context, caller Caller, model string, inner json.RawMessage) (json.RawMessage, error) {
	resp, err := c.post(ctx, caller, ":generateContent", newEnvelope(caller, model, inner))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readHTTPError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return unwrapResponse(raw), nil
}

// Stream yields inner response chunks from a streaming generation. Next
// returns io.EOF after the terminator or when the body ends.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *Stream) Next() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil, io.EOF
		}
		return unwrapResponse(json.RawMessage(data)), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// StreamGenerateContent starts a streaming generation. The caller owns the
// returned stream and must Close it; cancelling ctx aborts the transfer.
func (c *Client) StreamGenerateContent(ctx context.Context, caller Caller, model string, inner json.RawMessage) (*Stream, error) {
	resp, err := c.post(ctx, caller, ":streamGenerateContent?alt=sse", newEnvelope(caller, model, inner))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Stream{body: resp.Body, scanner: sc}, nil
}

// ModelQuota is the remaining-quota view for one upstream model.
type ModelQuota struct {
	RemainingFraction float64
	ResetTime         time.Time
}

// FetchAvailableModels returns per-model quota info for the account.
func (c *Client) FetchAvailableModels(ctx context.Context, caller Caller) (map[string]ModelQuota, error) {
	body := map[string]string{"project": caller.project()}
	resp, err := c.post(ctx, caller, ":fetchAvailableModels", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readHTTPError(resp)
	}
	var out struct {
		Models map[string]struct {
			QuotaInfo struct {
				RemainingFraction *float64 `json:"remainingFraction"`
				ResetTime         string   `json:"resetTime"`
			} `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	quotas := make(map[string]ModelQuota, len(out.Models))
	for name, m := range out.Models {
		q := ModelQuota{}
		if m.QuotaInfo.RemainingFraction != nil {
			q.RemainingFraction = *m.QuotaInfo.RemainingFraction
		}
		if ts := strings.TrimSpace(m.QuotaInfo.ResetTime); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				q.ResetTime = t
			}
		}
		quotas[name] = q
	}
	return quotas, nil
}

// AccountInfo is what loadCodeAssist reveals about an account.
type AccountInfo struct {
	ProjectID string
	Tier      string
}

// LoadAccountInfo resolves the companion project and subscription tier.
func (c *Client) LoadAccountInfo(ctx context.Context, caller Caller) (AccountInfo, error) {
	body := map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	resp, err := c.post(ctx, caller, ":loadCodeAssist", body)
	if err != nil {
		return AccountInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AccountInfo{}, readHTTPError(resp)
	}
	var out struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
		CurrentTier             struct {
			ID string `json:"id"`
		} `json:"currentTier"`
		PaidTier struct {
			ID string `json:"id"`
		} `json:"paidTier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AccountInfo{}, fmt.Errorf("decode account info: %w", err)
	}
	info := AccountInfo{ProjectID: strings.TrimSpace(out.CloudAICompanionProject)}
	tierID := out.PaidTier.ID
	if tierID == "" {
		tierID = out.CurrentTier.ID
	}
	info.Tier = normalizeTier(tierID)
	return info, nil
}

func normalizeTier(id string) string {
	id = strings.ToLower(id)
	switch {
	case strings.Contains(id, "ultra"):
		return "ultra"
	case strings.Contains(id, "pro") || strings.Contains(id, "paid"):
		return "pro"
	default:
		return "free"
	}
}
