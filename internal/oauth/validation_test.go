package oauth

import (
	"testing"
)

func TestValidateScopes(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		scope   string
		wantErr bool
	}{
		{"empty", "", false},
		{"read only", "read", false},
		{"read and write", "read write", false},
		{"write and read reversed", "write read", false},
		{"write without read", "write", true},
		{"unknown scope", "admin", true},
		{"known plus unknown", "read delete", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateScopes(tt.scope)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScopes(%q) error = %v, wantErr %v", tt.scope, err, tt.wantErr)
			}
		})
	}
}

func TestScopeSatisfied(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"read", "read", true},
		{"read write", "write", true},
		{"read write", "read", true},
		{"write", "read", true},
		{"read", "write", false},
		{"", "read", false},
	}

	for _, tt := range tests {
		if got := ScopeSatisfied(tt.granted, tt.required); got != tt.want {
			t.Errorf("ScopeSatisfied(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestValidateRedirectURISecurity(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https", "https://app.example.com/cb", false},
		{"localhost http", "http://localhost:8080/cb", false},
		{"loopback http", "http://127.0.0.1/cb", false},
		{"remote http", "http://app.example.com/cb", true},
		{"fragment", "https://app.example.com/cb#frag", true},
		{"javascript scheme", "javascript:alert(1)", true},
		{"data scheme", "data:text/html,x", true},
		{"missing scheme", "app.example.com/cb", true},
		{"custom scheme", "myapp://callback", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURISecurity(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURISecurity(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	srv, _ := newTestServer(t)
	verifier, challenge := pkcePair()

	if err := srv.validatePKCE(challenge, PKCEMethodS256, verifier); err != nil {
		t.Errorf("valid pair rejected: %v", err)
	}
	if err := srv.validatePKCE(challenge, PKCEMethodS256, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err == nil {
		t.Error("wrong verifier accepted")
	}
	if err := srv.validatePKCE(challenge, "plain", verifier); err == nil {
		t.Error("plain method accepted")
	}
	if err := srv.validatePKCE(challenge, PKCEMethodS256, "short"); err == nil {
		t.Error("short verifier accepted")
	}
	if err := srv.validatePKCE(challenge, PKCEMethodS256, ""); err == nil {
		t.Error("missing verifier accepted")
	}
	if err := srv.validatePKCE("", "", ""); err == nil {
		t.Error("missing challenge accepted with RequirePKCE=true")
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":   true,
		"127.0.0.1":   true,
		"::1":         true,
		"0.0.0.0":     true,
		"example.com": false,
		"10.0.0.1":    false,
	} {
		if got := isLocalhostHostname(host); got != want {
			t.Errorf("isLocalhostHostname(%q) = %v, want %v", host, got, want)
		}
	}
}
