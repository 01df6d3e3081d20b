package cmd

import (
	"path/filepath"
	"testing"
)

// Env bindings apply even when no config file exists, and explicit
// flags win over them.
func TestInitConfigEnvFallback(t *testing.T) {
	t.Setenv("DETECTD_SERVER", "http://env-host:9999")
	t.Setenv("DETECTD_CREDENTIAL", "owner-1.env-secret")

	serverURL = ""
	credential = ""
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	initConfig()

	if serverURL != "http://env-host:9999" {
		t.Errorf("serverURL = %q, want env value", serverURL)
	}
	if credential != "owner-1.env-secret" {
		t.Errorf("credential = %q, want env value", credential)
	}

	serverURL = "http://flag-host:8090"
	credential = "owner-1.flag-secret"
	initConfig()

	if serverURL != "http://flag-host:8090" {
		t.Errorf("serverURL = %q, flag must win over env", serverURL)
	}
	if credential != "owner-1.flag-secret" {
		t.Errorf("credential = %q, flag must win over env", credential)
	}
}
