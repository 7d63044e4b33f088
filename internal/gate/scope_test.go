package gate

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseScopes(t *testing.T) {
	vocab := NewEntityIndex(map[string][]string{
		"project":    {"read", "create", "update", "delete"},
		"deployment": {"read", "create"},
	})

	tests := []struct {
		name      string
		text      string
		expected  []string
		expectErr bool
		errSubstr string
	}{
		{
			name:     "single scope",
			text:     "project:read",
			expected: []string{"project:read"},
		},
		{
			name:     "multiple scopes with whitespace",
			text:     " project:read , deployment:create ",
			expected: []string{"deployment:create", "project:read"},
		},
		{
			name:     "wildcard action",
			text:     "project:*",
			expected: []string{"project:*"},
		},
		{
			name:     "duplicates collapse",
			text:     "project:read,project:read",
			expected: []string{"project:read"},
		},
		{
			name:     "empty text yields empty set",
			text:     "",
			expected: []string{},
		},
		{
			name:     "trailing comma ignored",
			text:     "project:read,",
			expected: []string{"project:read"},
		},
		{
			name:      "missing colon",
			text:      "projectread",
			expectErr: true,
			errSubstr: "expected 'resource:action'",
		},
		{
			name:      "unknown action",
			text:      "project:fly",
			expectErr: true,
			errSubstr: "unknown action 'fly'",
		},
		{
			name:      "unknown resource suggests near miss",
			text:      "projct:read",
			expectErr: true,
			errSubstr: "did you mean: project",
		},
		{
			name:      "one bad entry fails the whole parse",
			text:      "project:read,deployment:fly",
			expectErr: true,
			errSubstr: "deployment:fly",
		},
		{
			name:      "all invalid entries reported",
			text:      "project:fly,nope",
			expectErr: true,
			errSubstr: "project:fly",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ParseScopes(tt.text, vocab)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got set %v", set.Strings())
				}
				if !isValidationError(err) {
					t.Errorf("expected ValidationError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Errorf("expected error to contain %q, got %q", tt.errSubstr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(set.Strings(), tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, set.Strings())
			}
		})
	}
}

func TestParseScopesNilVocabulary(t *testing.T) {
	set, err := ParseScopes("anything:read", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !set.Contains(Permission{Resource: "anything", Action: "read"}) {
		t.Errorf("expected anything:read in set, got %v", set.Strings())
	}
}

func TestFormatScopesRoundTrip(t *testing.T) {
	original := NewScopeSet(
		Permission{Resource: "project", Action: "read"},
		Permission{Resource: "deployment", Action: "create"},
		Permission{Resource: "deployment", Action: "read"},
	)

	text := FormatScopes(original)
	parsed, err := ParseScopes(text, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("round trip changed the set: %v -> %v", original.Strings(), parsed.Strings())
	}
}

func TestFormatScopesSorted(t *testing.T) {
	set := NewScopeSet(
		Permission{Resource: "zebra", Action: "read"},
		Permission{Resource: "alpha", Action: "update"},
		Permission{Resource: "alpha", Action: "create"},
	)
	expected := "alpha:create,alpha:update,zebra:read"
	if got := FormatScopes(set); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestMergeScopes(t *testing.T) {
	read := Permission{Resource: "project", Action: "read"}
	create := Permission{Resource: "project", Action: "create"}
	del := Permission{Resource: "project", Action: "delete"}

	tests := []struct {
		name     string
		current  ScopeSet
		delta    ScopeDelta
		expected ScopeSet
	}{
		{
			name:     "absolute replaces current",
			current:  NewScopeSet(read, create),
			delta:    ScopeDelta{Absolute: NewScopeSet(del)},
			expected: NewScopeSet(del),
		},
		{
			name:     "absolute wins over add and remove",
			current:  NewScopeSet(read),
			delta:    ScopeDelta{Absolute: NewScopeSet(del), Add: NewScopeSet(create), Remove: NewScopeSet(del)},
			expected: NewScopeSet(del),
		},
		{
			name:     "add extends current",
			current:  NewScopeSet(read),
			delta:    ScopeDelta{Add: NewScopeSet(create)},
			expected: NewScopeSet(read, create),
		},
		{
			name:     "remove shrinks current",
			current:  NewScopeSet(read, create),
			delta:    ScopeDelta{Remove: NewScopeSet(create)},
			expected: NewScopeSet(read),
		},
		{
			name:     "add and remove combine",
			current:  NewScopeSet(read),
			delta:    ScopeDelta{Add: NewScopeSet(create), Remove: NewScopeSet(read)},
			expected: NewScopeSet(create),
		},
		{
			name:     "remove of absent scope is a no-op",
			current:  NewScopeSet(read),
			delta:    ScopeDelta{Remove: NewScopeSet(del)},
			expected: NewScopeSet(read),
		},
		{
			name:     "delta against empty current",
			current:  NewScopeSet(),
			delta:    ScopeDelta{Add: NewScopeSet(read)},
			expected: NewScopeSet(read),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeScopes(tt.current, tt.delta)
			if !got.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected.Strings(), got.Strings())
			}
		})
	}
}

func TestMergeScopesDoesNotMutateInputs(t *testing.T) {
	read := Permission{Resource: "project", Action: "read"}
	create := Permission{Resource: "project", Action: "create"}

	current := NewScopeSet(read)
	absolute := NewScopeSet(create)

	merged := MergeScopes(current, ScopeDelta{Absolute: absolute})
	merged[Permission{Resource: "x", Action: "read"}] = struct{}{}

	if len(current) != 1 || len(absolute) != 1 {
		t.Errorf("inputs mutated: current=%v absolute=%v", current.Strings(), absolute.Strings())
	}
}
