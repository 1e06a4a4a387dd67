package proxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/gravitygate/pkg/protocol"
)

func (s *Server) handleGeminiModelAction(w http.ResponseWriter, r *http.Request) {
	adapter := protocol.GeminiAdapter{}
	model, action, ok := strings.Cut(chi.URLParam(r, "modelAction"), ":")
	if !ok || model == "" || action == "" {
		status, msg := adapter.EncodeError(protocol.ErrKindInvalidRequest, "expected path of the form /v1beta/models/{model}:{action}")
		writeRaw(w, status, msg)
		return
	}

	body, err := readRequestBody(w, r)
	if err != nil {
		s.fail(w, adapter, &protocol.Request{Model: model}, "", "", time.Now(), protocol.ErrKindInvalidRequest, "read request body: "+err.Error())
		return
	}
	req, err := adapter.Decode(body)
	if err != nil {
		s.fail(w, adapter, &protocol.Request{Model: model}, "", "", time.Now(), protocol.ErrKindInvalidRequest, err.Error())
		return
	}
	req.Model = model

	switch action {
	case "generateContent":
		req.Stream = false
	case "streamGenerateContent":
		req.Stream = true
	case "countTokens":
		writeJSON(w, http.StatusOK, map[string]any{"totalTokens": estimateTokens(req)})
		return
	default:
		status, msg := adapter.EncodeError(protocol.ErrKindInvalidRequest, "unsupported action "+action)
		writeRaw(w, status, msg)
		return
	}
	s.execute(w, r, adapter, req)
}

// Some Gemini SDKs issue /models/{model}/countTokens instead of the
// colon form.
func (s *Server) handleGeminiCountTokens(w http.ResponseWriter, r *http.Request) {
	adapter := protocol.GeminiAdapter{}
	model := chi.URLParam(r, "model")

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
	req.Model = model
	writeJSON(w, http.StatusOK, map[string]any{"totalTokens": estimateTokens(req)})
}

type geminiModelEntry struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	models := s.router.KnownModels()
	entries := make([]geminiModelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, geminiModelEntry{
			Name:                       "models/" + m,
			DisplayName:                m,
			SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent", "countTokens"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": entries})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
