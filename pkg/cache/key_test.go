package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "path only",
			key:  Key{KeyID: "K1", Path: "/api/user/v1beta0/os/"},
			want: "scalr:K1:/api/user/v1beta0/os/",
		},
		{
			name: "with query",
			key:  Key{KeyID: "K1", Path: "/api/user/v1beta0/os/", Query: "family=ubuntu&version=14.04"},
			want: "scalr:K1:/api/user/v1beta0/os/?family=ubuntu&version=14.04",
		},
		{
			name: "scoped by key id",
			key:  Key{KeyID: "K2", Path: "/api/user/v1beta0/os/"},
			want: "scalr:K2:/api/user/v1beta0/os/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKey_PathPrefixIgnoresQuery(t *testing.T) {
	a := Key{KeyID: "K", Path: "/p/", Query: "a=1"}
	b := Key{KeyID: "K", Path: "/p/", Query: "b=2"}
	if a.PathPrefix() != b.PathPrefix() {
		t.Errorf("PathPrefix differs: %q vs %q", a.PathPrefix(), b.PathPrefix())
	}
}

func TestEscapeGlob(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"scalr:K:/api/", "scalr:K:/api/"},
		{"a*b", `a\*b`},
		{"a?b", `a\?b`},
		{"[x]", `\[x\]`},
		{`a\b`, `a\\b`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
