package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/gravitygate/pkg/account"
	"github.com/lkarlslund/gravitygate/pkg/protocol"
	"github.com/lkarlslund/gravitygate/pkg/upstream"
)

// classifyUpstreamError maps a failed attempt to an error kind and
// whether rotating to another account is worth trying.
func classifyUpstreamError(err error) (protocol.ErrorKind, bool) {
	var he *upstream.HTTPError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// A slow account is worth rotating away from; the ctx.Err()
		// check in execute stops retries once the client itself is gone.
		return protocol.ErrKindTimeout, true
	case upstream.IsQuotaExhausted(err):
		return protocol.ErrKindQuota, true
	case upstream.IsAuthError(err):
		return protocol.ErrKindUpstream, true
	case errors.As(err, &he) && he.StatusCode == http.StatusBadRequest:
		return protocol.ErrKindInvalidRequest, false
	case upstream.IsRetryable(err):
		return protocol.ErrKindUpstream, true
	default:
		return protocol.ErrKindUpstream, false
	}
}

// execute runs one inbound request through account selection, the
// upstream call, and response translation. Accounts that fail with a
// rotatable error are excluded and the next candidate tried, up to the
// configured retry limit. Once any response bytes have been written the
// attempt is final.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, adapter protocol.Adapter, req *protocol.Request) {
	start := time.Now()
	target, group := s.router.Resolve(req.Model)

	inner, err := protocol.EncodeUpstream(req)
	if err != nil {
		s.fail(w, adapter, req, target, "", start, protocol.ErrKindInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	exclude := make(map[string]struct{})
	lastKind := protocol.ErrKindNoAccounts
	lastMsg := "no accounts with remaining quota for model group " + string(group)
	lastAccount := ""

	for attempt := 0; attempt <= s.retryLimit; attempt++ {
		cred, err := s.pool.Select(group, exclude)
		if err != nil {
			break
		}

		fresh, err := s.tokens.EnsureFresh(ctx, cred.ID)
		if err != nil {
			log.Warn("token refresh failed", "account", cred.Label(), "err", err)
			exclude[cred.ID] = struct{}{}
			lastKind, lastMsg, lastAccount = protocol.ErrKindRefresh, err.Error(), cred.Label()
			continue
		}
		caller := upstream.Caller{AccessToken: fresh.AccessToken, ProjectID: fresh.ProjectID}

		var handled bool
		if req.Stream {
			handled, err = s.streamOnce(ctx, w, adapter, req, target, fresh, caller, inner, start)
		} else {
			handled, err = s.generateOnce(ctx, w, adapter, req, target, fresh, caller, inner, start)
		}
		if handled {
			return
		}

		kind, rotatable := classifyUpstreamError(err)
		if kind == protocol.ErrKindQuota {
			s.tracker.MarkExhausted(fresh.ID, group)
		}
		lastKind, lastMsg, lastAccount = kind, err.Error(), fresh.Label()
		if !rotatable || ctx.Err() != nil {
			break
		}
		log.Warn("upstream attempt failed, rotating account",
			"account", fresh.Label(), "kind", string(kind), "err", err)
		exclude[fresh.ID] = struct{}{}
	}

	s.fail(w, adapter, req, target, lastAccount, start, lastKind, lastMsg)
}

func (s *Server) generateOnce(ctx context.Context, w http.ResponseWriter, adapter protocol.Adapter, req *protocol.Request, target string, cred account.Credential, caller upstream.Caller, inner json.RawMessage, start time.Time) (bool, error) {
	raw, err := s.backend.GenerateContent(ctx, caller, target, inner)
	if err != nil {
		return false, err
	}
	chunk, err := protocol.DecodeUpstreamChunk(raw)
	if err != nil {
		return false, err
	}
	chunks := []protocol.Chunk{chunk}

	body, err := adapter.EncodeResponse(req.Model, chunks)
	if err != nil {
		return false, err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	s.record(adapter, req, target, cred.Label(), "ok", http.StatusOK, protocol.CollectUsage(chunks), start)
	return true, nil
}

// streamOnce reports handled=false only when the stream could not be
// opened; once the SSE headers are out it always finishes the response
// itself, recording whatever outcome it reached.
func (s *Server) streamOnce(ctx context.Context, w http.ResponseWriter, adapter protocol.Adapter, req *protocol.Request, target string, cred account.Credential, caller upstream.Caller, inner json.RawMessage, start time.Time) (bool, error) {
	stream, err := s.backend.StreamGenerateContent(ctx, caller, target, inner)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := adapter.NewStreamEncoder(req.Model)
	var chunks []protocol.Chunk
	outcome := "ok"

pump:
	for {
		raw, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("upstream stream aborted", "account", cred.Label(), "err", err)
			outcome = string(protocol.ErrKindUpstream)
			break
		}
		chunk, err := protocol.DecodeUpstreamChunk(raw)
		if err != nil {
			log.Warn("skipping malformed upstream chunk", "err", err)
			continue
		}
		chunks = append(chunks, chunk)
		for _, frame := range enc.Frames(chunk) {
			if _, werr := w.Write(frame); werr != nil {
				outcome = "client_disconnected"
				break pump
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if outcome == "ok" {
		for _, frame := range enc.Done() {
			_, _ = w.Write(frame)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	s.record(adapter, req, target, cred.Label(), outcome, http.StatusOK, protocol.CollectUsage(chunks), start)
	return true, nil
}

func (s *Server) fail(w http.ResponseWriter, adapter protocol.Adapter, req *protocol.Request, target, acct string, start time.Time, kind protocol.ErrorKind, msg string) {
	status, body := adapter.EncodeError(kind, msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.record(adapter, req, target, acct, string(kind), status, protocol.Usage{}, start)
}

func (s *Server) record(adapter protocol.Adapter, req *protocol.Request, target, acct, outcome string, status int, usage protocol.Usage, start time.Time) {
	s.stats.Add(UsageEvent{
		Timestamp:        time.Now(),
		Protocol:         adapter.Protocol(),
		Model:            req.Model,
		UpstreamModel:    target,
		Account:          acct,
		Outcome:          outcome,
		StatusCode:       status,
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      usage.TotalTokens,
		LatencyMS:        time.Since(start).Milliseconds(),
	})
}
