package oauth

import "testing"

func TestSplitAuthorization(t *testing.T) {
	tests := []struct {
		header     string
		wantScheme string
		wantToken  string
		wantOK     bool
	}{
		{"Bearer abc123", "Bearer", "abc123", true},
		{"DPoP xyz.789", "DPoP", "xyz.789", true},
		{"malformed", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		scheme, token, ok := splitAuthorization(tt.header)
		if scheme != tt.wantScheme || token != tt.wantToken || ok != tt.wantOK {
			t.Errorf("splitAuthorization(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.header, scheme, token, ok, tt.wantScheme, tt.wantToken, tt.wantOK)
		}
	}
}

func TestScopeContains(t *testing.T) {
	tests := []struct {
		scope, want string
		wantOK      bool
	}{
		{"atproto transition:generic", "atproto", true},
		{"atproto transition:generic", "transition:generic", true},
		{"atproto", "transition:generic", false},
		{"", "atproto", false},
	}
	for _, tt := range tests {
		if got := scopeContains(tt.scope, tt.want); got != tt.wantOK {
			t.Errorf("scopeContains(%q, %q) = %v, want %v", tt.scope, tt.want, got, tt.wantOK)
		}
	}
}
