package oauth

import (
	"net/url"
	"testing"
)

func TestDidWebMetadataURL(t *testing.T) {
	tests := []struct {
		name    string
		did     string
		want    string
		wantErr bool
	}{
		{"plain host", "did:web:example.com", "https://example.com/.well-known/oauth-client-metadata", false},
		{"host with path", "did:web:example.com:user:alice", "https://example.com/user/alice/.well-known/oauth-client-metadata", false},
		{"empty", "did:web:", "", true},
		{"percent-encoded port", "did:web:example.com%3A3000", "https://example.com:3000/.well-known/oauth-client-metadata", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := didWebMetadataURL(tt.did)
			if (err != nil) != tt.wantErr {
				t.Fatalf("didWebMetadataURL(%q) error = %v, wantErr %v", tt.did, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("didWebMetadataURL(%q) = %q, want %q", tt.did, got, tt.want)
			}
		})
	}
}

func TestValidateMetadata(t *testing.T) {
	tests := []struct {
		name    string
		meta    ClientMetadata
		wantErr bool
	}{
		{"valid none", ClientMetadata{RedirectURIs: []string{"http://127.0.0.1/"}, AuthMethod: "none"}, false},
		{"no redirect uris", ClientMetadata{AuthMethod: "none"}, true},
		{"private_key_jwt without jwks", ClientMetadata{RedirectURIs: []string{"https://x/"}, AuthMethod: "private_key_jwt"}, true},
		{"private_key_jwt with jwks_uri", ClientMetadata{RedirectURIs: []string{"https://x/"}, AuthMethod: "private_key_jwt", JWKSURI: "https://x/jwks.json"}, false},
		{"unknown auth method", ClientMetadata{RedirectURIs: []string{"https://x/"}, AuthMethod: "client_secret_basic"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMetadata(tt.meta)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateMetadata() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatchesRedirectURI(t *testing.T) {
	meta := ClientMetadata{RedirectURIs: []string{"https://app.example/cb", "http://127.0.0.1/cb"}}

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"exact match", "https://app.example/cb", true},
		{"different path", "https://app.example/other", false},
		{"localhost port ignored", "http://127.0.0.1:51234/cb", true},
		{"localhost different path", "http://127.0.0.1:51234/wrong", false},
		{"not registered", "https://evil.example/cb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesRedirectURI(meta, tt.candidate); got != tt.want {
				t.Errorf("MatchesRedirectURI(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestLocalhostMetadataDefaultsRedirects(t *testing.T) {
	u, err := url.Parse("http://localhost")
	if err != nil {
		t.Fatal(err)
	}
	meta := localhostMetadata("http://localhost", u)
	if len(meta.RedirectURIs) != 2 {
		t.Fatalf("expected 2 default redirect URIs, got %d", len(meta.RedirectURIs))
	}
	if meta.AuthMethod != "none" {
		t.Errorf("expected AuthMethod none, got %q", meta.AuthMethod)
	}
}

func TestLocalhostMetadataExplicitRedirect(t *testing.T) {
	raw := "http://localhost?redirect_uri=http%3A%2F%2F127.0.0.1%3A8080%2Fcb"
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	meta := localhostMetadata(raw, u)
	if len(meta.RedirectURIs) != 1 || meta.RedirectURIs[0] != "http://127.0.0.1:8080/cb" {
		t.Errorf("unexpected redirect URIs: %v", meta.RedirectURIs)
	}
}

func TestIsLocalhostLike(t *testing.T) {
	tests := map[string]bool{
		"http://localhost/cb":  true,
		"http://127.0.0.1/cb":  true,
		"http://[::1]/cb":      true,
		"https://example.com/": false,
		"not a url\x7f":        false,
	}
	for raw, want := range tests {
		if got := isLocalhostLike(raw); got != want {
			t.Errorf("isLocalhostLike(%q) = %v, want %v", raw, got, want)
		}
	}
}
