package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// Canonical request/response model. Every inbound protocol decodes into
// these types, the upstream codec turns them into the wire shape, and
// the adapters encode results back out.

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Blob struct {
	MimeType string
	Data     string // base64
}

type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

type FunctionResponse struct {
	Name     string
	Response map[string]any
}

type Part struct {
	Text             string
	Thought          bool
	InlineData       *Blob
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

type Turn struct {
	Role  Role
	Parts []Part
}

type GenerationParams struct {
	MaxOutputTokens  int
	Temperature      *float64
	TopP             *float64
	TopK             *int
	StopSequences    []string
	ResponseMimeType string
	ThinkingBudget   *int
}

type Tool struct {
	Name         string
	Description  string
	Parameters   map[string]any
	GoogleSearch bool
}

type Request struct {
	Model  string
	System string
	Turns  []Turn
	Params GenerationParams
	Tools  []Tool
	Stream bool
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Chunk is one unit of model output. Non-streaming responses are a
// collected slice of chunks; streaming emits them one by one.
type Chunk struct {
	TextDelta     string
	ThoughtDelta  string
	FunctionCalls []FunctionCall
	FinishReason  string // upstream value: STOP, MAX_TOKENS, ...
	Usage         *Usage
}

// ErrorKind classifies terminal failures for telemetry and for the
// protocol-native error envelopes.
type ErrorKind string

const (
	ErrKindInvalidRequest ErrorKind = "invalid_request"
	ErrKindNoAccounts     ErrorKind = "no_available_accounts"
	ErrKindRefresh        ErrorKind = "refresh_failed"
	ErrKindQuota          ErrorKind = "quota_exhausted"
	ErrKindUpstream       ErrorKind = "upstream_error"
	ErrKindTimeout        ErrorKind = "timeout"
)

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrKindInvalidRequest:
		return http.StatusBadRequest
	case ErrKindNoAccounts:
		return http.StatusServiceUnavailable
	case ErrKindQuota:
		return http.StatusTooManyRequests
	case ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// StreamEncoder turns chunks into protocol-native SSE frames. Encoders
// may be stateful (the messages protocol opens and closes envelope
// events around the deltas), so one is created per response.
type StreamEncoder interface {
	Frames(c Chunk) [][]byte
	Done() [][]byte
}

// Adapter is one inbound protocol dialect.
type Adapter interface {
	Protocol() string
	Decode(body []byte) (*Request, error)
	EncodeResponse(model string, chunks []Chunk) ([]byte, error)
	NewStreamEncoder(model string) StreamEncoder
	EncodeError(kind ErrorKind, msg string) (int, []byte)
}

// CollectUsage returns the last usage seen across chunks.
func CollectUsage(chunks []Chunk) Usage {
	var u Usage
	for _, c := range chunks {
		if c.Usage != nil {
			u = *c.Usage
		}
	}
	return u
}

// FinishReason returns the last finish reason seen across chunks.
func FinishReason(chunks []Chunk) string {
	reason := ""
	for _, c := range chunks {
		if c.FinishReason != "" {
			reason = c.FinishReason
		}
	}
	return reason
}

func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
