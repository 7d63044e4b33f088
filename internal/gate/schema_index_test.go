package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestEntityIndexValidate(t *testing.T) {
	idx := NewEntityIndex(map[string][]string{
		"project":    {"read", "create", "update", "delete"},
		"deployment": {"read"},
		"filter":     {},
	})

	tests := []struct {
		name     string
		resource string
		action   string
		expected bool
	}{
		{name: "known resource and action", resource: "project", action: "read", expected: true},
		{name: "action not supported by resource", resource: "deployment", action: "delete", expected: false},
		{name: "wildcard valid for known resource", resource: "deployment", action: "*", expected: true},
		{name: "empty action set allows all standard actions", resource: "filter", action: "update", expected: true},
		{name: "unknown resource", resource: "widget", action: "read", expected: false},
		{name: "unknown action rejected regardless of resource", resource: "project", action: "fly", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idx.Validate(tt.resource, tt.action); got != tt.expected {
				t.Errorf("Validate(%q, %q) = %v, expected %v", tt.resource, tt.action, got, tt.expected)
			}
		})
	}
}

func TestEntityIndexPermissive(t *testing.T) {
	idx := NewEntityIndex(nil)

	if !idx.Validate("anything", "read") {
		t.Error("permissive index should accept any resource with a valid action")
	}
	if idx.Validate("anything", "fly") {
		t.Error("permissive index should still reject unknown actions")
	}
	if got := idx.Suggest("anything", 3); got != nil {
		t.Errorf("permissive index should not suggest, got %v", got)
	}
	if got := idx.Resources(); got != nil {
		t.Errorf("permissive index should report no resources, got %v", got)
	}
}

func TestEntityIndexSuggest(t *testing.T) {
	idx := NewEntityIndex(map[string][]string{
		"project":    {"read"},
		"projectrun": {"read"},
		"deployment": {"read"},
	})

	tests := []struct {
		name     string
		resource string
		limit    int
		expected []string
	}{
		{
			name:     "close misspelling matches",
			resource: "projct",
			limit:    3,
			expected: []string{"project", "projectrun"},
		},
		{
			name:     "limit truncates",
			resource: "projct",
			limit:    1,
			expected: []string{"project"},
		},
		{
			name:     "nothing close enough",
			resource: "zzzzzz",
			limit:    3,
			expected: nil,
		},
		{
			name:     "zero limit",
			resource: "projct",
			limit:    0,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.Suggest(tt.resource, tt.limit)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Suggest(%q, %d) = %v, expected %v", tt.resource, tt.limit, got, tt.expected)
			}
		})
	}
}

func TestFetchEntityIndex(t *testing.T) {
	t.Run("successful fetch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/entity-spec" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"entities":{"project":{"actions":["read","create"]},"deployment":{"actions":["read"]}}}`))
		}))
		defer server.Close()

		idx, err := FetchEntityIndex(context.Background(), server.URL, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		expected := []string{"deployment", "project"}
		if !reflect.DeepEqual(idx.Resources(), expected) {
			t.Errorf("expected resources %v, got %v", expected, idx.Resources())
		}
		if !idx.Validate("project", "create") {
			t.Error("expected project:create to validate")
		}
		if idx.Validate("deployment", "create") {
			t.Error("expected deployment:create to be rejected")
		}
	})

	t.Run("non-200 response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer server.Close()

		if _, err := FetchEntityIndex(context.Background(), server.URL, nil); err == nil {
			t.Error("expected error for non-200 response")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		if _, err := FetchEntityIndex(context.Background(), server.URL, nil); err == nil {
			t.Error("expected error for malformed body")
		}
	})
}
