package gate

import (
	"sort"
	"strings"
)

// validActions are the operation kinds a scope may grant on a resource.
// "*" grants all of them.
var validActions = map[string]bool{
	"read":   true,
	"create": true,
	"update": true,
	"delete": true,
	"*":      true,
}

// Permission is a single (resource, action) unit, e.g. (project, read).
// Immutable by construction.
type Permission struct {
	Resource string
	Action   string
}

func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// ScopeSet is a set of unique permissions. Insertion order is irrelevant;
// all external representations are sorted.
type ScopeSet map[Permission]struct{}

// NewScopeSet builds a set from the given permissions, deduplicating.
func NewScopeSet(perms ...Permission) ScopeSet {
	s := make(ScopeSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Union returns a new set containing the permissions of both sets.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	out := make(ScopeSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Subtract returns a new set with other's permissions removed.
func (s ScopeSet) Subtract(other ScopeSet) ScopeSet {
	out := make(ScopeSet, len(s))
	for p := range s {
		if _, drop := other[p]; !drop {
			out[p] = struct{}{}
		}
	}
	return out
}

// Contains reports whether p is in the set.
func (s ScopeSet) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Equal reports set equality.
func (s ScopeSet) Equal(other ScopeSet) bool {
	if len(s) != len(other) {
		return false
	}
	for p := range s {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the permissions ordered by resource, then action.
func (s ScopeSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Strings returns the sorted "resource:action" forms.
func (s ScopeSet) Strings() []string {
	perms := s.Sorted()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// FormatScopes renders a set as comma-separated scope text. It is the
// inverse of ParseScopes up to ordering: ParseScopes(FormatScopes(s)) == s.
func FormatScopes(s ScopeSet) string {
	return strings.Join(s.Strings(), ",")
}

// Vocabulary validates resource and action names against the schema index
// of the backing API and suggests near-miss resource names.
type Vocabulary interface {
	// Validate reports whether (resource, action) names a known permission.
	Validate(resource, action string) bool
	// Suggest returns up to limit known resources similar to the given
	// (unknown) resource name, best match first.
	Suggest(resource string, limit int) []string
}

// ParseScopes parses comma-separated "resource:action" text into a
// ScopeSet, validating every entry against the vocabulary. Validation is
// all-or-nothing: any malformed or unknown entry fails the whole parse and
// nothing is applied. Empty text yields an empty set.
func ParseScopes(text string, vocab Vocabulary) (ScopeSet, error) {
	set := make(ScopeSet)
	var invalid []string
	for _, raw := range strings.Split(text, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			invalid = append(invalid, entry+" (expected 'resource:action')")
			continue
		}
		resource, action := parts[0], parts[1]
		if !validActions[action] {
			invalid = append(invalid, entry+" (unknown action '"+action+"', expected: create, delete, read, update, *)")
			continue
		}
		if vocab != nil && !vocab.Validate(resource, action) {
			if suggestions := vocab.Suggest(resource, 3); len(suggestions) > 0 {
				invalid = append(invalid, entry+" (unknown resource '"+resource+"', did you mean: "+strings.Join(suggestions, ", ")+"?)")
			} else {
				invalid = append(invalid, entry+" (unknown resource '"+resource+"')")
			}
			continue
		}
		set[Permission{Resource: resource, Action: action}] = struct{}{}
	}
	if len(invalid) > 0 {
		return nil, validationErrorf("invalid scopes: %s", strings.Join(invalid, "; "))
	}
	return set, nil
}

// ScopeDelta describes how a requested scope set relates to the current
// one. When Absolute is non-nil it wins outright and Add/Remove are
// ignored; otherwise the result is (current ∪ Add) − Remove.
type ScopeDelta struct {
	Absolute ScopeSet
	Add      ScopeSet
	Remove   ScopeSet
}

// MergeScopes computes the target scope set for a credential request.
func MergeScopes(current ScopeSet, delta ScopeDelta) ScopeSet {
	if delta.Absolute != nil {
		return delta.Absolute.Union(nil)
	}
	return current.Union(delta.Add).Subtract(delta.Remove)
}
