package keyscan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
)

func writeKey(t *testing.T, dir, name string, req keygen.Request) *keygen.KeyPair {
	t.Helper()
	kp, err := keygen.Generate(req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := kp.WriteFiles(filepath.Join(dir, name)); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	return kp
}

func TestScanFindsKeyPairs(t *testing.T) {
	dir := t.TempDir()
	kp := writeKey(t, dir, "id_ed25519", keygen.Request{Type: keygen.TypeEd25519, Comment: "alice@laptop"})

	// Noise the scanner must ignore.
	if err := os.WriteFile(filepath.Join(dir, "known_hosts"), []byte("host ssh-ed25519 AAAA\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.pub"), []byte("not a key\n"), 0644); err != nil {
		t.Fatal(err)
	}

	keys, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}

	got := keys[0]
	if got.Type != "ed25519" {
		t.Errorf("expected type ed25519, got %q", got.Type)
	}
	if got.Comment != "alice@laptop" {
		t.Errorf("expected comment alice@laptop, got %q", got.Comment)
	}
	if got.Fingerprint != kp.Fingerprint {
		t.Errorf("fingerprint mismatch: %q vs %q", got.Fingerprint, kp.Fingerprint)
	}
	if !got.HasPrivate {
		t.Error("expected HasPrivate for a full pair")
	}
	if got.Path != filepath.Join(dir, "id_ed25519") {
		t.Errorf("unexpected path %q", got.Path)
	}
}

func TestScanPublicOnly(t *testing.T) {
	dir := t.TempDir()
	kp, err := keygen.Generate(keygen.Request{Type: keygen.TypeEd25519})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "orphan.pub"), []byte(kp.PublicLine+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	keys, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].HasPrivate {
		t.Error("expected HasPrivate=false for a lone .pub")
	}
	if keys[0].ModTime.IsZero() {
		t.Error("expected ModTime from the .pub file")
	}
}

func TestScanSortsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir, "id_new", keygen.Request{Type: keygen.TypeEd25519})
	writeKey(t, dir, "id_old", keygen.Request{Type: keygen.TypeEd25519})

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "id_old"), old, old); err != nil {
		t.Fatal(err)
	}

	keys, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if filepath.Base(keys[0].Path) != "id_old" {
		t.Errorf("expected id_old first, got %s", keys[0].Path)
	}
	if keys[0].Age(time.Now()) < 47*time.Hour {
		t.Errorf("expected age near 48h, got %v", keys[0].Age(time.Now()))
	}
}

func TestScanMissingDir(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
