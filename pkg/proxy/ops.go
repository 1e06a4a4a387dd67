package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/gravitygate/pkg/router"
	"github.com/lkarlslund/gravitygate/pkg/store"
)

type poolAccountView struct {
	ID        string             `json:"id"`
	Email     string             `json:"email,omitempty"`
	Name      string             `json:"name,omitempty"`
	ProjectID string             `json:"project_id,omitempty"`
	Tier      string             `json:"tier,omitempty"`
	Health    string             `json:"health"`
	TokenTTL  string             `json:"token_ttl,omitempty"`
	Quota     map[string]float64 `json:"quota,omitempty"`
}

func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	creds := s.pool.All()
	out := make([]poolAccountView, 0, len(creds))
	for i := range creds {
		c := &creds[i]
		v := poolAccountView{
			ID:        c.ID,
			Email:     c.Email,
			Name:      c.Name,
			ProjectID: c.ProjectID,
			Tier:      c.Tier,
			Health:    string(c.Health),
		}
		if !c.ExpiresAt.IsZero() {
			v.TokenTTL = time.Until(c.ExpiresAt).Round(time.Second).String()
		}
		if len(c.Quota) > 0 {
			v.Quota = make(map[string]float64, len(c.Quota))
			for g, q := range c.Quota {
				v.Quota[string(g)] = q.Fraction
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handlePoolReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.pool.Reload()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.tokens.Trigger()
	s.tracker.Trigger()
	writeJSON(w, http.StatusOK, map[string]any{"accounts": n})
}

func (s *Server) handleQuotaMatrix(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"groups":   router.Groups(),
		"accounts": s.tracker.Matrix(ctx),
	})
}

func (s *Server) handleBestAccount(w http.ResponseWriter, r *http.Request) {
	best, ok := s.tracker.Best()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no healthy accounts with known quota"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               best.ID,
		"email":            best.Email,
		"tier":             best.Tier,
		"average_fraction": best.AverageFraction(),
	})
}

func (s *Server) handleMappingsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.mappings.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []store.ModelMapping{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": list})
}

func (s *Server) handleMappingsPut(w http.ResponseWriter, r *http.Request) {
	var m store.ModelMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	m.SourceModel = strings.TrimSpace(m.SourceModel)
	m.TargetModel = strings.TrimSpace(m.TargetModel)
	if m.SourceModel == "" || m.TargetModel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source_model and target_model are required"})
		return
	}
	saved, err := s.mappings.Put(m)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleMappingsDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mappings.Delete(id); err != nil {
		if errors.Is(err, store.ErrMappingNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no mapping with id " + id})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid period, expected a duration like 1h or 24h"})
			return
		}
		period = d
	}
	writeJSON(w, http.StatusOK, s.stats.Summary(period))
}
