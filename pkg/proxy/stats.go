package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const usageBucketSize = 5 * time.Minute
const usagePersistInterval = 5 * time.Second
const usageRetention = 30 * 24 * time.Hour

// UsageEvent is one terminal request outcome. Exactly one is recorded
// per request, success or failure.
type UsageEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	Protocol         string    `json:"protocol"`
	Model            string    `json:"model"`
	UpstreamModel    string    `json:"upstream_model,omitempty"`
	Account          string    `json:"account,omitempty"`
	Outcome          string    `json:"outcome"`
	StatusCode       int       `json:"status_code,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

type UsageBucket struct {
	StartAt          time.Time `json:"start_at"`
	Protocol         string    `json:"protocol"`
	Model            string    `json:"model"`
	UpstreamModel    string    `json:"upstream_model,omitempty"`
	Account          string    `json:"account,omitempty"`
	Outcome          string    `json:"outcome"`
	Requests         int       `json:"requests"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMSSum     int64     `json:"latency_ms_sum"`
}

type StatsSummary struct {
	PeriodSeconds       int64          `json:"period_seconds"`
	Requests            int            `json:"requests"`
	Errors              int            `json:"errors"`
	PromptTokens        int            `json:"prompt_tokens"`
	CompletionTokens    int            `json:"completion_tokens"`
	TotalTokens         int            `json:"total_tokens"`
	AvgLatencyMS        float64        `json:"avg_latency_ms"`
	RequestsPerProtocol map[string]int `json:"requests_per_protocol"`
	RequestsPerModel    map[string]int `json:"requests_per_model"`
	RequestsPerAccount  map[string]int `json:"requests_per_account"`
	RequestsPerOutcome  map[string]int `json:"requests_per_outcome"`
	Buckets             []UsageBucket  `json:"buckets,omitempty"`
}

type usageStatsFile struct {
	Version int           `json:"version"`
	Buckets []UsageBucket `json:"buckets"`
}

// StatsStore aggregates usage events into five-minute buckets and
// fans live events out to websocket subscribers.
type StatsStore struct {
	mu       sync.RWMutex
	buckets  map[string]*UsageBucket
	maxKeep  int
	path     string
	dirty    bool
	lastSave time.Time

	subMu sync.Mutex
	subs  map[chan UsageEvent]struct{}
}

func NewStatsStore(maxKeep int) *StatsStore {
	return newStatsStore(maxKeep, "")
}

func NewPersistentStatsStore(maxKeep int, path string) *StatsStore {
	return newStatsStore(maxKeep, path)
}

func newStatsStore(maxKeep int, path string) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	s := &StatsStore{
		buckets: map[string]*UsageBucket{},
		maxKeep: maxKeep,
		path:    strings.TrimSpace(path),
		subs:    map[chan UsageEvent]struct{}{},
	}
	if s.path != "" {
		s.load()
	}
	return s
}

func (s *StatsStore) Add(evt UsageEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	s.mu.Lock()
	start := evt.Timestamp.UTC().Truncate(usageBucketSize)
	key := bucketKey(start, evt.Protocol, evt.Model, evt.UpstreamModel, evt.Account, evt.Outcome)
	b, ok := s.buckets[key]
	if !ok {
		b = &UsageBucket{
			StartAt:       start,
			Protocol:      evt.Protocol,
			Model:         evt.Model,
			UpstreamModel: evt.UpstreamModel,
			Account:       evt.Account,
			Outcome:       evt.Outcome,
		}
		s.buckets[key] = b
	}
	b.Requests++
	b.PromptTokens += evt.PromptTokens
	b.CompletionTokens += evt.CompletionTokens
	b.TotalTokens += evt.TotalTokens
	b.LatencyMSSum += evt.LatencyMS
	s.pruneLocked()
	s.dirty = true
	if s.path != "" && time.Since(s.lastSave) >= usagePersistInterval {
		s.saveLocked()
	}
	s.mu.Unlock()

	s.publish(evt)
}

// Subscribe registers a live event channel. Slow consumers drop events
// rather than block request handling.
func (s *StatsStore) Subscribe() chan UsageEvent {
	ch := make(chan UsageEvent, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *StatsStore) Unsubscribe(ch chan UsageEvent) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *StatsStore) publish(evt UsageEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *StatsStore) Summary(period time.Duration) StatsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-period)
	summary := StatsSummary{
		PeriodSeconds:       int64(period.Seconds()),
		RequestsPerProtocol: map[string]int{},
		RequestsPerModel:    map[string]int{},
		RequestsPerAccount:  map[string]int{},
		RequestsPerOutcome:  map[string]int{},
	}
	var latencySum int64
	for _, b := range s.buckets {
		if b.StartAt.Add(usageBucketSize).Before(cutoff) {
			continue
		}
		summary.Requests += b.Requests
		if b.Outcome != "ok" {
			summary.Errors += b.Requests
		}
		summary.PromptTokens += b.PromptTokens
		summary.CompletionTokens += b.CompletionTokens
		summary.TotalTokens += b.TotalTokens
		latencySum += b.LatencyMSSum
		summary.RequestsPerProtocol[b.Protocol] += b.Requests
		summary.RequestsPerModel[b.Model] += b.Requests
		if b.Account != "" {
			summary.RequestsPerAccount[b.Account] += b.Requests
		}
		summary.RequestsPerOutcome[b.Outcome] += b.Requests
		summary.Buckets = append(summary.Buckets, *b)
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		a, b := summary.Buckets[i], summary.Buckets[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return a.Outcome < b.Outcome
	})
	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.Requests)
	}
	return summary
}

func bucketKey(start time.Time, protocol, model, upstreamModel, account, outcome string) string {
	return start.Format(time.RFC3339) + "|" + protocol + "|" + model + "|" + upstreamModel + "|" + account + "|" + outcome
}

func (s *StatsStore) pruneLocked() {
	if len(s.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-usageRetention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	type kv struct {
		key string
		at  time.Time
	}
	items := make([]kv, 0, len(s.buckets))
	for k, b := range s.buckets {
		items = append(items, kv{key: k, at: b.StartAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	drop := len(items) - s.maxKeep
	for i := 0; i < drop; i++ {
		delete(s.buckets, items[i].key)
	}
}

func (s *StatsStore) load() {
	b, err := os.ReadFile(s.path)
	if err != nil || len(b) == 0 {
		return
	}
	var payload usageStatsFile
	if err := json.Unmarshal(b, &payload); err != nil {
		return
	}
	if payload.Version != 1 {
		return
	}
	for i := range payload.Buckets {
		bk := payload.Buckets[i]
		k := bucketKey(bk.StartAt, bk.Protocol, bk.Model, bk.UpstreamModel, bk.Account, bk.Outcome)
		c := bk
		s.buckets[k] = &c
	}
	s.pruneLocked()
}

func (s *StatsStore) saveLocked() {
	if s.path == "" || !s.dirty {
		return
	}
	out := usageStatsFile{Version: 1, Buckets: make([]UsageBucket, 0, len(s.buckets))}
	for _, b := range s.buckets {
		out.Buckets = append(out.Buckets, *b)
	}
	sort.Slice(out.Buckets, func(i, j int) bool {
		if out.Buckets[i].StartAt.Equal(out.Buckets[j].StartAt) {
			if out.Buckets[i].Protocol == out.Buckets[j].Protocol {
				return out.Buckets[i].Model < out.Buckets[j].Model
			}
			return out.Buckets[i].Protocol < out.Buckets[j].Protocol
		}
		return out.Buckets[i].StartAt.Before(out.Buckets[j].StartAt)
	})
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return
	}
	s.lastSave = time.Now()
	s.dirty = false
}

// Flush forces a save of pending buckets, used at shutdown.
func (s *StatsStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSave = time.Time{}
	s.saveLocked()
}
