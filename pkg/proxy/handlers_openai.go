package proxy

import (
	"net/http"
	"time"

	"github.com/lkarlslund/gravitygate/pkg/protocol"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	adapter := protocol.OpenAIAdapter{}
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

type openAIModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	models := s.router.KnownModels()
	data := make([]openAIModelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, openAIModelEntry{ID: m, Object: "model", Created: created, OwnedBy: "gravitygate"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
