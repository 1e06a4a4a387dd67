package router

import (
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/gravitygate/pkg/store"
)

// Group buckets upstream models that share a quota pool. Quota is probed
// once per group against its representative model.
type Group string

const (
	GroupClaudeGPT   Group = "claude-gpt"
	GroupGeminiPro   Group = "gemini-pro"
	GroupGeminiFlash Group = "gemini-flash"
)

var groupRepresentative = map[Group]string{
	GroupClaudeGPT:   "claude-sonnet-4-5-thinking",
	GroupGeminiPro:   "gemini-3-pro-high",
	GroupGeminiFlash: "gemini-3-flash",
}

func Groups() []Group {
	return []Group{GroupClaudeGPT, GroupGeminiPro, GroupGeminiFlash}
}

func (g Group) Representative() string {
	if m, ok := groupRepresentative[g]; ok {
		return m
	}
	return groupRepresentative[GroupGeminiFlash]
}

// builtinAliases maps well-known client model names to upstream models.
// Consulted before user mappings so clients get stable behavior even when
// someone defines a conflicting mapping.
var builtinAliases = map[string]string{
	"gpt-4":             "gemini-3-pro-high",
	"gpt-4-turbo":       "gemini-3-pro-high",
	"gpt-4.1":           "gemini-3-pro-high",
	"gpt-4o":            "gemini-3-flash",
	"gpt-4o-mini":       "gemini-3-flash",
	"gpt-3.5-turbo":     "gemini-3-flash",
	"claude-3-opus":     "claude-sonnet-4-5-thinking",
	"claude-3-5-sonnet": "claude-sonnet-4-5-thinking",
	"claude-3-7-sonnet": "claude-sonnet-4-5-thinking",
	"gemini-pro":        "gemini-3-pro-high",
	"gemini-flash":      "gemini-3-flash",
}

const defaultModel = "gemini-3-flash"

type Router struct {
	mappings store.MappingStore
}

func New(mappings store.MappingStore) *Router {
	return &Router{mappings: mappings}
}

// Resolve turns a client-facing model name into the upstream model and its
// quota group. Order: built-in aliases, user mappings, pass-through for
// names that already look like upstream models, then the default.
func (r *Router) Resolve(model string) (string, Group) {
	name := strings.ToLower(strings.TrimSpace(model))
	if target, ok := builtinAliases[name]; ok {
		return target, Classify(target)
	}
	if r.mappings != nil {
		if all, err := r.mappings.List(); err != nil {
			log.Warn("model mappings unavailable", "error", err)
		} else {
			for _, m := range all {
				if strings.EqualFold(m.SourceModel, name) {
					return m.TargetModel, Classify(m.TargetModel)
				}
			}
		}
	}
	if strings.Contains(name, "gemini") || strings.Contains(name, "claude") || strings.Contains(name, "gpt") {
		return name, Classify(name)
	}
	return defaultModel, Classify(defaultModel)
}

// Classify picks the quota group for an upstream model name.
func Classify(model string) Group {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "claude") || strings.Contains(name, "gpt"):
		return GroupClaudeGPT
	case strings.Contains(name, "pro"):
		return GroupGeminiPro
	default:
		return GroupGeminiFlash
	}
}

// KnownModels lists everything a client may name: alias sources, mapped
// sources and the upstream models themselves. Used by the model listing
// endpoints.
func (r *Router) KnownModels() []string {
	seen := map[string]struct{}{}
	for src := range builtinAliases {
		seen[src] = struct{}{}
	}
	for _, m := range groupRepresentative {
		seen[m] = struct{}{}
	}
	if r.mappings != nil {
		if all, err := r.mappings.List(); err == nil {
			for _, m := range all {
				seen[strings.ToLower(m.SourceModel)] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
