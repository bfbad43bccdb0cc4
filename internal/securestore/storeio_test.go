package securestore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestIsStorageConfigured(t *testing.T) {
	if IsStorageConfigured("", "secret") || IsStorageConfigured("/p", " ") {
		t.Fatal("both path and secret are required")
	}
	if !IsStorageConfigured("/p", "secret") {
		t.Fatal("path plus secret must count as configured")
	}
}

func TestWriteEncryptedJSONRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.enc")
	in := map[string]int{"hp": 8}
	if err := WriteEncryptedJSON(path, "secret", in); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := ReadDecryptedFile(path, "secret")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != `{"hp":8}` {
		t.Fatalf("unexpected payload %q", raw)
	}

	if _, err := ReadDecryptedFile(path, "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed with wrong secret, got %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("snapshot must be private, mode %v", info.Mode().Perm())
	}
}

func TestWriteEncryptedJSONReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.enc")
	if err := WriteEncryptedJSON(path, "secret", map[string]int{"v": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteEncryptedJSON(path, "secret", map[string]int{"v": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	raw, err := ReadDecryptedFile(path, "secret")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != `{"v":2}` {
		t.Fatalf("unexpected payload %q", raw)
	}

	// No temp files may survive a successful rename.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot, found %d entries", len(entries))
	}
}

func TestReadDecryptedFileMissing(t *testing.T) {
	_, err := ReadDecryptedFile(filepath.Join(t.TempDir(), "absent.enc"), "secret")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}
