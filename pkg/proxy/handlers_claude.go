package proxy

import (
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/lkarlslund/gravitygate/pkg/protocol"
)

func (s *Server) handleClaudeMessages(w http.ResponseWriter, r *http.Request) {
	adapter := protocol.ClaudeAdapter{}
	body, err := readRequestBody(w, r)
	if err != nil {
		s.fail(w, adapter, &protocol.Request{}, "", "", time.Now(), protocol.ErrKindInvalidRequest, "read request body: "+err.Error())
		return
	}
	req, err := adapter.Decode(body)
	if err != nil {
		s.fail(w, adapter, &protocol.Request{}, "", "", time.Now(), protocol.ErrKindInvalidRequest, err.Error())
		return
	}
	s.execute(w, r, adapter, req)
}

func (s *Server) handleClaudeCountTokens(w http.ResponseWriter, r *http.Request) {
	adapter := protocol.ClaudeAdapter{}
	body, err := readRequestBody(w, r)
	if err != nil {
		status, msg := adapter.EncodeError(protocol.ErrKindInvalidRequest, "read request body: "+err.Error())
		writeRaw(w, status, msg)
		return
	}
	req, err := adapter.Decode(body)
	if err != nil {
		status, msg := adapter.EncodeError(protocol.ErrKindInvalidRequest, err.Error())
		writeRaw(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"input_tokens": estimateTokens(req)})
}

// estimateTokens is a character-based approximation, good enough for
// clients that only use it for budget checks before sending.
func estimateTokens(req *protocol.Request) int {
	chars := utf8.RuneCountInString(req.System)
	for _, turn := range req.Turns {
		for _, part := range turn.Parts {
			chars += utf8.RuneCountInString(part.Text)
			if part.FunctionCall != nil {
				chars += utf8.RuneCountInString(part.FunctionCall.Name) + len(part.FunctionCall.Args)*8
			}
		}
	}
	n := chars / 4
	if n < 1 {
		n = 1
	}
	return n
}
