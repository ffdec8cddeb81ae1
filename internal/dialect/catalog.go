package dialect

import "fmt"

// ModelInfo is one row of the static model catalog (spec §6): a stable id,
// its display name, a sort rank, and the triple it resolves to on the
// upstream's own model_config (base/planning/coding).
type ModelInfo struct {
	ID     string
	Name   string
	Rank   int
	Base   string
	Coding string
}

// catalog is populated by init from the base families plus their
// reasoning-effort variants, matching spec §6's "Model catalog" table.
var catalog []ModelInfo
var catalogByID map[string]ModelInfo

func init() {
	type family struct {
		prefix string
		levels []string // -low/-medium/-high/-xhigh suffixes to expand, "" for no suffix
	}

	base := []struct {
		id, name, coding string
	}{
		{"auto", "Auto", "auto"},
		{"claude-4-sonnet", "Claude 4 Sonnet", "claude-4-sonnet"},
		{"claude-4.1-opus", "Claude 4.1 Opus", "claude-4.1-opus"},
		{"claude-4.5-sonnet", "Claude 4.5 Sonnet", "claude-4.5-sonnet"},
		{"claude-4.5-haiku", "Claude 4.5 Haiku", "claude-4.5-haiku"},
		{"claude-4.6-sonnet", "Claude 4.6 Sonnet", "claude-4.6-sonnet"},
		{"gemini-2.5-pro", "Gemini 2.5 Pro", "gemini-2.5-pro"},
		{"gemini-3-pro", "Gemini 3 Pro", "gemini-3-pro"},
		{"glm-4.7-us-hosted", "GLM 4.7 (US-hosted)", "glm-4.7-us-hosted"},
	}
	rank := 0
	for _, b := range base {
		catalog = append(catalog, ModelInfo{ID: b.id, Name: b.name, Rank: rank, Base: b.id, Coding: b.coding})
		rank++
	}

	expandedFamilies := []family{
		{"gpt-5", []string{"low", "medium", "high"}},
		{"gpt-5.1", []string{"low", "medium", "high"}},
		{"gpt-5.1-codex", []string{"low", "medium", "high"}},
		{"gpt-5.1-codex-max", []string{"low", "medium", "high", "xhigh"}},
		{"gpt-5.2", []string{"low", "medium", "high", "xhigh"}},
		{"gpt-5.2-codex", []string{"low", "medium", "high", "xhigh"}},
		{"gpt-5.3-codex", []string{"low", "medium", "high", "xhigh"}},
	}
	for _, f := range expandedFamilies {
		for _, level := range f.levels {
			id := fmt.Sprintf("%s-%s", f.prefix, level)
			name := fmt.Sprintf("%s (%s reasoning)", f.prefix, level)
			catalog = append(catalog, ModelInfo{ID: id, Name: name, Rank: rank, Base: f.prefix, Coding: id})
			rank++
		}
	}

	catalogByID = make(map[string]ModelInfo, len(catalog))
	for _, m := range catalog {
		catalogByID[m.ID] = m
	}
}

// ErrUnknownModel is returned by Resolve for any id outside the catalog
// (spec §6: "Unknown models ⇒ 400").
type ErrUnknownModel struct{ ID string }

func (e *ErrUnknownModel) Error() string { return fmt.Sprintf("unknown model %q", e.ID) }

// Triple is the resolved (base, planning, coding) model_config the upstream
// expects (spec §4.7's "model triple").
type Triple struct {
	Base     string
	Planning string
	Coding   string
}

// Resolve maps a caller-supplied model id to its upstream triple. Planning
// is pinned to a fixed high-reasoning GPT-5 tag, matching
// original_source's packet_template default — the catalog has no separate
// planning-model axis of its own.
func Resolve(id string) (Triple, error) {
	m, ok := catalogByID[id]
	if !ok {
		return Triple{}, &ErrUnknownModel{ID: id}
	}
	return Triple{Base: m.Base, Planning: "gpt-5 (high reasoning)", Coding: m.Coding}, nil
}

// List returns the catalog in rank order, for GET /v1/models.
func List() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}
