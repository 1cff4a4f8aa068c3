//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commander", "config.json")
	b := &fileBackend{path: path, data: map[string]any{}}
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetBool("imap.tls", false); err != nil {
		t.Fatalf("SetBool: %v", err)
	}

	reloaded := &fileBackend{path: path, data: map[string]any{}}
	reloaded.load()

	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4200 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	tls, ok, err := reloaded.GetString("imap.tls")
	if err != nil || !ok || tls != "false" {
		t.Errorf("GetString(imap.tls) = %q, %v, %v", tls, ok, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}
