package kv

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testStorePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "documents.json")
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	s, err := Open(testStorePath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if keys := s.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
	if _, ok, _ := s.Get(KeyEntries); ok {
		t.Error("expected missing key")
	}
}

func TestSetGetDelete(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := s.Set(KeyAccessToken, "tok"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if v, ok, _ := s.Get(KeyAccessToken); !ok || v != "tok" {
		t.Errorf("Get() = %q, %v", v, ok)
	}

	// A second store sees the persisted value.
	other, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if v, ok, _ := other.Get(KeyAccessToken); !ok || v != "tok" {
		t.Errorf("persisted Get() = %q, %v", v, ok)
	}

	if err := s.Delete(KeyAccessToken); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok, _ := s.Get(KeyAccessToken); ok {
		t.Error("key survived Delete()")
	}
	if err := s.Delete("never-set"); err != nil {
		t.Errorf("Delete() of missing key failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("document file mode = %o, want 600", perm)
	}
}

func TestSetMany(t *testing.T) {
	s, err := Open(testStorePath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.SetMany(map[string]string{KeyAccessToken: "a", KeyTokenExpires: "1"}); err != nil {
		t.Fatalf("SetMany() failed: %v", err)
	}
	if got, want := s.Keys(), []string{KeyAccessToken, KeyTokenExpires}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestReload_IgnoresOwnWrites(t *testing.T) {
	s, err := Open(testStorePath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Set(KeyEntries, "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	changed, err := s.Reload()
	if err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("expected no foreign changes, got %v", changed)
	}
}

func TestReload_ReportsOtherWriters(t *testing.T) {
	path := testStorePath(t)
	daemon, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	cli, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := cli.Set(KeyEntries, `[{"id":"1"}]`); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	changed, err := daemon.Reload()
	if err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{KeyEntries}) {
		t.Errorf("Reload() = %v, want [%s]", changed, KeyEntries)
	}
	if v, _, _ := daemon.Get(KeyEntries); v != `[{"id":"1"}]` {
		t.Errorf("Reload() did not refresh cache, got %q", v)
	}
}

func TestSet_PreservesAndReportsForeignKeys(t *testing.T) {
	path := testStorePath(t)
	daemon, _ := Open(path)
	cli, _ := Open(path)

	if err := cli.Set(KeyEntries, "from-cli"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	// The daemon writes before it noticed the CLI's change.
	if err := daemon.Set(KeySyncConfig, "{}"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if v, ok, _ := daemon.Get(KeyEntries); !ok || v != "from-cli" {
		t.Errorf("foreign key lost: %q, %v", v, ok)
	}

	changed, err := daemon.Reload()
	if err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{KeyEntries}) {
		t.Errorf("Reload() = %v, want [%s]", changed, KeyEntries)
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := testStorePath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Error("expected error for corrupt document file")
	}
}
