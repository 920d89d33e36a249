// Package models maintains the upstream model registry: per-model metadata
// (supported endpoints, token limits) and the sibling-search used for model
// fallback when an endpoint rejects the requested model.
package models

import (
	"regexp"
	"strconv"
	"strings"
)

// Model is the registry's view of one upstream model.
type Model struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	Vendor             string   `json:"vendor,omitempty"`
	Preview            bool     `json:"preview,omitempty"`
	SupportedEndpoints []string `json:"supported_endpoints,omitempty"`
	MaxPromptTokens    int      `json:"max_prompt_tokens,omitempty"`
	MaxContextWindow   int      `json:"max_context_window_tokens,omitempty"`
	MaxOutputTokens    int      `json:"max_output_tokens,omitempty"`
}

// SupportsEndpoint reports whether the model accepts the given endpoint
// path. An empty endpoint list means chat completions only.
func (m Model) SupportsEndpoint(endpoint string) bool {
	if len(m.SupportedEndpoints) == 0 {
		return endpoint == "/chat/completions"
	}
	for _, e := range m.SupportedEndpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// RequiresResponses reports whether the model only speaks the responses
// dialect.
func (m Model) RequiresResponses() bool {
	return m.SupportsEndpoint("/responses") && !m.SupportsEndpoint("/chat/completions")
}

// identity is the parsed shape of a model id used by fallback scoring.
type identity struct {
	vendor  string
	family  string
	tier    float64
	codex   bool
	preview bool
}

var datedSuffix = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2}|\d{8}|\d{4})$`)

// parseIdentity splits a model id like gpt-5.1-codex-preview into its
// vendor, family (vendor + major version), numeric tier, and flags.
func parseIdentity(id string) identity {
	ident := identity{
		codex:   strings.Contains(id, "codex"),
		preview: strings.Contains(id, "preview"),
	}
	trimmed := datedSuffix.ReplaceAllString(id, "")
	tokens := strings.Split(trimmed, "-")
	ident.vendor = tokens[0]
	ident.family = tokens[0]
	for _, tok := range tokens[1:] {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			ident.tier = v
			ident.family = ident.vendor + "-" + strconv.Itoa(int(v))
			break
		}
	}
	return ident
}

// score ranks candidate against the requested model: same vendor +50, same
// family +80, matching codex flavor +15, up to +40 for shared id prefix,
// +5 for non-preview.
func score(want identity, wantID string, candidate Model) int {
	cand := parseIdentity(candidate.ID)
	s := 0
	if cand.vendor == want.vendor {
		s += 50
	}
	if cand.family == want.family && want.family != "" {
		s += 80
	}
	if cand.codex == want.codex {
		s += 15
	}
	s += min(40, 2*commonPrefixLen(wantID, candidate.ID))
	if !cand.preview {
		s += 5
	}
	return s
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// strippedVariants generates progressively generalized forms of a model id:
// dated suffixes removed, -codex-<suffix> condensed to -codex, minor
// versions condensed to the major version.
func strippedVariants(id string) []string {
	var out []string
	add := func(v string) {
		if v == "" || v == id {
			return
		}
		for _, seen := range out {
			if seen == v {
				return
			}
		}
		out = append(out, v)
	}

	undated := datedSuffix.ReplaceAllString(id, "")
	add(undated)

	if i := strings.Index(undated, "-codex-"); i >= 0 {
		add(undated[:i+len("-codex")])
		add(undated[:i])
	}

	// gpt-5.1 -> gpt-5
	if m := regexp.MustCompile(`^(.*-\d+)\.\d+(.*)$`).FindStringSubmatch(undated); m != nil {
		add(m[1] + m[2])
	}
	return out
}
