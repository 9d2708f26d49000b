package dictionary

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	ctx := context.Background()

	entry := &Entry{
		ID:         "def-1",
		Terms:      []string{"Piston", "pistons"},
		Definition: "A block that pushes.",
		Status:     StatusApproved,
		UpdatedAt:  1700000000000,
		References: []Reference{{Type: "ARCHIVED_POST", ID: "S1", URL: "https://x/1"}},
	}
	if err := m.SaveEntry(ctx, entry); err != nil {
		t.Fatalf("SaveEntry() error = %v", err)
	}

	loaded, err := m.GetEntry(ctx, "def-1")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("GetEntry() = nil, want entry")
	}
	if loaded.Terms[0] != "Piston" || loaded.Definition != entry.Definition {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.ReferencedBy == nil {
		t.Fatal("ReferencedBy not normalized")
	}
}

func TestGetEntryAbsentIsNil(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	entry, err := m.GetEntry(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry != nil {
		t.Fatalf("GetEntry() = %+v, want nil", entry)
	}
}

func TestEntryIDValidation(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	if _, err := m.GetEntry(context.Background(), "../escape"); err == nil {
		t.Fatal("expected error for traversal id")
	}
	if err := m.SaveEntry(context.Background(), &Entry{ID: "a/b"}); err == nil {
		t.Fatal("expected error for slash id")
	}
}

func TestListEntriesSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	ctx := context.Background()

	if err := m.SaveEntry(ctx, &Entry{ID: "good", Terms: []string{"alpha"}, Status: StatusApproved}); err != nil {
		t.Fatalf("SaveEntry() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "entries", "bad.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	entries, err := m.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "good" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestStageHookInvoked(t *testing.T) {
	var staged []string
	m := NewManager(t.TempDir(), func(paths []string, message string) {
		staged = append(staged, paths...)
	})
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := m.SaveEntry(context.Background(), &Entry{ID: "def-2", Terms: []string{"hopper"}}); err != nil {
		t.Fatalf("SaveEntry() error = %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("staged = %v, want one path", staged)
	}
}

func TestServersRegistry(t *testing.T) {
	dir := t.TempDir()
	s := NewServers(dir, nil)
	ctx := context.Background()

	servers, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("List() = %v, want empty", servers)
	}

	if err := s.AddOrEdit(ctx, ServerEntry{ID: "g1", Name: "Tech Server", JoinURL: "https://discord.gg/x"}); err != nil {
		t.Fatalf("AddOrEdit() error = %v", err)
	}
	if err := s.AddOrEdit(ctx, ServerEntry{ID: "g1", Name: "Tech Server 2", JoinURL: "https://discord.gg/y"}); err != nil {
		t.Fatalf("AddOrEdit() edit error = %v", err)
	}

	server, err := s.GetByID(ctx, "g1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if server == nil || server.Name != "Tech Server 2" {
		t.Fatalf("GetByID() = %+v", server)
	}

	removed, err := s.Remove(ctx, "g1")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !removed {
		t.Fatal("Remove() = false, want true")
	}
	if again, _ := s.Remove(ctx, "g1"); again {
		t.Fatal("second Remove() = true, want false")
	}
}

func TestNormalizeTerm(t *testing.T) {
	if got := NormalizeTerm("**Sticky Piston**"); got != "sticky piston" {
		t.Fatalf("NormalizeTerm() = %q", got)
	}
}
