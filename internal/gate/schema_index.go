package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// EntityIndex is the schema-index collaborator: the vocabulary of entity
// types (and the actions each supports) that scope requests are validated
// against. Resource names are lowercase with no underscores or hyphens.
//
// An index with no resources is permissive: it validates actions only.
// That keeps scope requests working when the backing API does not expose
// an entity spec.
type EntityIndex struct {
	// resource name -> actions it supports; an empty action set means all
	// standard actions are allowed.
	resources map[string]map[string]bool
}

// NewEntityIndex builds an index from resource names mapped to their
// supported actions. A nil map yields a permissive index.
func NewEntityIndex(resources map[string][]string) *EntityIndex {
	idx := &EntityIndex{}
	if resources == nil {
		return idx
	}
	idx.resources = make(map[string]map[string]bool, len(resources))
	for name, actions := range resources {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		idx.resources[strings.ToLower(name)] = set
	}
	return idx
}

// entitySpec mirrors the backing API's /entity-spec response.
type entitySpec struct {
	Entities map[string]struct {
		Actions []string `json:"actions"`
	} `json:"entities"`
}

// FetchEntityIndex loads the vocabulary from the backing API's entity-spec
// endpoint. Callers should fall back to a permissive index when the
// endpoint is unavailable (older API versions).
func FetchEntityIndex(ctx context.Context, baseURL string, client *http.Client) (*EntityIndex, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/entity-spec", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity-spec request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entity-spec request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entity-spec endpoint returned %d", resp.StatusCode)
	}

	var spec entitySpec
	if err := json.NewDecoder(resp.Body).Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode entity spec: %w", err)
	}

	resources := make(map[string][]string, len(spec.Entities))
	for name, e := range spec.Entities {
		resources[name] = e.Actions
	}
	return NewEntityIndex(resources), nil
}

// Validate implements Vocabulary.
func (idx *EntityIndex) Validate(resource, action string) bool {
	if !validActions[action] {
		return false
	}
	if idx == nil || idx.resources == nil {
		return true
	}
	actions, ok := idx.resources[resource]
	if !ok {
		return false
	}
	// "*" is valid for any known resource; specific actions must be
	// supported when the spec enumerates them.
	if action == "*" || len(actions) == 0 {
		return true
	}
	return actions[action]
}

// Suggest implements Vocabulary: known resources ranked by similarity to
// the unknown name. Only reasonably close matches are returned.
func (idx *EntityIndex) Suggest(resource string, limit int) []string {
	if idx == nil || idx.resources == nil || limit <= 0 {
		return nil
	}
	type scored struct {
		name  string
		ratio float64
	}
	target := strings.Split(strings.ToLower(resource), "")
	candidates := make([]scored, 0, len(idx.resources))
	for name := range idx.resources {
		m := difflib.NewMatcher(target, strings.Split(name, ""))
		if ratio := m.Ratio(); ratio >= 0.6 {
			candidates = append(candidates, scored{name: name, ratio: ratio})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ratio != candidates[j].ratio {
			return candidates[i].ratio > candidates[j].ratio
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// Resources returns the known resource names, sorted. Empty for a
// permissive index.
func (idx *EntityIndex) Resources() []string {
	if idx == nil || idx.resources == nil {
		return nil
	}
	out := make([]string, 0, len(idx.resources))
	for name := range idx.resources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
