package signer

import (
	"strings"
	"testing"
)

func TestParams_Canonical(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{
			name:   "nil mapping",
			params: nil,
			want:   "",
		},
		{
			name:   "empty mapping",
			params: Params{},
			want:   "",
		},
		{
			name:   "single pair",
			params: Params{"family": "ubuntu"},
			want:   "family=ubuntu",
		},
		{
			name:   "sorted by key",
			params: Params{"version": "14.04", "family": "ubuntu"},
			want:   "family=ubuntu&version=14.04",
		},
		{
			name:   "byte ordering puts upper case first",
			params: Params{"b": "1", "B": "2", "a": "3"},
			want:   "B=2&a=3&b=1",
		},
		{
			name:   "keys and values are encoded",
			params: Params{"name filter": "a&b=c"},
			want:   "name%20filter=a%26b%3Dc",
		},
		{
			name:   "empty value",
			params: Params{"q": ""},
			want:   "q=",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.Canonical(); got != tt.want {
				t.Errorf("Canonical() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Every pair must carry its own value, not the value of some fixed key.
func TestParams_Canonical_EachValueMatchesItsKey(t *testing.T) {
	params := Params{
		"delta":   "4",
		"alpha":   "1",
		"charlie": "3",
		"bravo":   "2",
		"echo":    "5",
	}

	got := params.Canonical()
	want := "alpha=1&bravo=2&charlie=3&delta=4&echo=5"
	if got != want {
		t.Fatalf("Canonical() = %q, want %q", got, want)
	}

	for _, pair := range strings.Split(got, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			t.Fatalf("pair %q has no '='", pair)
		}
		if params[key] != value {
			t.Errorf("pair %q: value %q, want %q", pair, value, params[key])
		}
	}
}

func TestParams_Canonical_Determinism(t *testing.T) {
	first := Params{}
	first["page"] = "2"
	first["family"] = "ubuntu"
	first["version"] = "14.04"

	second := Params{}
	second["version"] = "14.04"
	second["page"] = "2"
	second["family"] = "ubuntu"

	want := first.Canonical()
	for i := 0; i < 20; i++ {
		if got := second.Canonical(); got != want {
			t.Fatalf("iteration %d: %q != %q", i, got, want)
		}
	}
}

func TestRawQuery_Passthrough(t *testing.T) {
	raw := RawQuery("z=1&a=2&scroll%20id=x")
	if got := Canonicalize(raw); got != string(raw) {
		t.Errorf("Canonicalize(raw) = %q, want %q", got, raw)
	}
	if got := Canonicalize(RawQuery("")); got != "" {
		t.Errorf("Canonicalize(empty raw) = %q, want empty", got)
	}
	if got := Canonicalize(nil); got != "" {
		t.Errorf("Canonicalize(nil) = %q, want empty", got)
	}
}

func TestEncodeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"-_.!~*'()", "-_.!~*'()"},
		{" ", "%20"},
		{"+", "%2B"},
		{"/?#[]@", "%2F%3F%23%5B%5D%40"},
		{"$&,;=:", "%24%26%2C%3B%3D%3A"},
		{"é", "%C3%A9"},
		{"100%", "100%25"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := EncodeComponent(tt.in); got != tt.want {
				t.Errorf("EncodeComponent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
