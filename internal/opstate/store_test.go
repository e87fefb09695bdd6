package opstate

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("discovery", "device_slug")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)

	if err := s.Set("discovery", "device_slug", "CPU123_PC1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	val, err := s.Get("discovery", "device_slug")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "CPU123_PC1" {
		t.Errorf("Get() = %q, want %q", val, "CPU123_PC1")
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	s.Set("discovery", "device_slug", "PC1")
	if err := s.Set("discovery", "device_slug", "CPU123_PC1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if val, _ := s.Get("discovery", "device_slug"); val != "CPU123_PC1" {
		t.Errorf("Get() = %q after upsert", val)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	s.Set("a", "k", "1")
	s.Set("b", "k", "2")
	if v, _ := s.Get("a", "k"); v != "1" {
		t.Errorf("a/k = %q, want 1", v)
	}
	if v, _ := s.Get("b", "k"); v != "2" {
		t.Errorf("b/k = %q, want 2", v)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	s.Set("ns", "k", "v")
	if err := s.Delete("ns", "k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if v, _ := s.Get("ns", "k"); v != "" {
		t.Errorf("Get() after Delete = %q", v)
	}
	if err := s.Delete("ns", "missing"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestUpdatedAt(t *testing.T) {
	s := testStore(t)

	if ts, err := s.UpdatedAt("ns", "k"); err != nil || !ts.IsZero() {
		t.Fatalf("UpdatedAt(missing) = %v, %v", ts, err)
	}
	before := time.Now().UTC().Add(-time.Second)
	s.Set("ns", "k", "v")
	ts, err := s.UpdatedAt("ns", "k")
	if err != nil {
		t.Fatalf("UpdatedAt() error: %v", err)
	}
	if ts.Before(before.Truncate(time.Second)) {
		t.Errorf("UpdatedAt() = %v, want >= %v", ts, before)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Set("discovery", "device_slug", "PC1")
	s.Close()

	s2, err := NewStore(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if v, _ := s2.Get("discovery", "device_slug"); v != "PC1" {
		t.Errorf("Get() after reopen = %q, want PC1", v)
	}
}
