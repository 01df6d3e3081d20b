package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAndAuthenticate(t *testing.T) {
	cs := NewCredentialStore()

	credential, err := cs.Generate("owner-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.HasPrefix(credential, "owner-1.") {
		t.Errorf("credential %q should carry the owner id prefix", credential)
	}

	ownerID, err := cs.Authenticate(credential)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if ownerID != "owner-1" {
		t.Errorf("owner = %s, want owner-1", ownerID)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	cs := NewCredentialStore()
	if err := cs.Add("owner-1", "correct-secret"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	tests := []struct {
		name       string
		credential string
	}{
		{"wrong secret", "owner-1.wrong-secret"},
		{"unknown owner", "owner-2.correct-secret"},
		{"missing separator", "owner-1"},
		{"empty secret", "owner-1."},
		{"empty credential", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cs.Authenticate(tt.credential); !errors.Is(err, ErrAuthenticationRequired) {
				t.Errorf("expected ErrAuthenticationRequired, got %v", err)
			}
		})
	}
}

func TestRevoke(t *testing.T) {
	cs := NewCredentialStore()
	credential, err := cs.Generate("owner-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cs.Revoke("owner-1")
	if _, err := cs.Authenticate(credential); !errors.Is(err, ErrAuthenticationRequired) {
		t.Error("revoked credential should not authenticate")
	}
}
