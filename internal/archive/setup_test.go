package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"llamabot/archive/internal/discordapi"
)

func TestSetupArchivesCreatesChannels(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	fake.AddForum(discordapi.Forum{ID: "forum-red", Name: "Red Designs", Topic: "All things red", CategoryID: "cat-1", Position: 1})
	fake.AddForum(discordapi.Forum{ID: "forum-blu", Name: "Blue Designs", CategoryID: "cat-1", Position: 2})

	forums := []discordapi.Forum{
		{ID: "forum-red", Name: "Red Designs", Topic: "All things red", CategoryID: "cat-1", Position: 1},
		{ID: "forum-blu", Name: "Blue Designs", CategoryID: "cat-1", Position: 2},
	}
	err := m.SetupArchives(ctx, forums, map[string]string{"forum-red": "red", "forum-blu": "blu"})
	if err != nil {
		t.Fatalf("SetupArchives: %v", err)
	}

	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		t.Fatalf("ChannelReferences: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(refs))
	}
	if refs[0].Code != "RED" || refs[0].Path != "RED_Red_Designs" {
		t.Fatalf("code not normalized: %+v", refs[0])
	}
	if refs[0].Description != "All things red" || refs[0].Category != "cat-1" {
		t.Fatalf("forum metadata not carried: %+v", refs[0])
	}

	channel := loadChannel(t, m, refs[0])
	if channel.Data().Code != "RED" || channel.Data().CurrentCodeID != 0 {
		t.Fatalf("unexpected channel document: %+v", channel.Data())
	}
}

func TestSetupArchivesRemovesDroppedChannel(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	fake.AddForum(discordapi.Forum{ID: "forum-red", Name: "Red Designs"})
	fake.AddForum(discordapi.Forum{ID: "forum-blu", Name: "Blue Designs"})

	both := []discordapi.Forum{
		{ID: "forum-red", Name: "Red Designs"},
		{ID: "forum-blu", Name: "Blue Designs"},
	}
	codes := map[string]string{"forum-red": "RED", "forum-blu": "BLU"}
	if err := m.SetupArchives(ctx, both, codes); err != nil {
		t.Fatalf("initial setup: %v", err)
	}

	if err := m.SetupArchives(ctx, both[:1], codes); err != nil {
		t.Fatalf("setup after drop: %v", err)
	}

	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		t.Fatalf("ChannelReferences: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "forum-red" {
		t.Fatalf("dropped channel still listed: %+v", refs)
	}
	if _, err := os.Stat(filepath.Join(m.folderPath, "BLU_Blue_Designs")); !os.IsNotExist(err) {
		t.Fatalf("dropped channel folder still present: %v", err)
	}
}

func TestSetupArchivesRecodesChannelAndEntries(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	fake.AddForum(discordapi.Forum{ID: "forum-red", Name: "Red Designs"})

	forums := []discordapi.Forum{{ID: "forum-red", Name: "Red Designs"}}
	if err := m.SetupArchives(ctx, forums, map[string]string{"forum-red": "RED"}); err != nil {
		t.Fatalf("initial setup: %v", err)
	}

	result, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Current.Code != "RED001" {
		t.Fatalf("expected RED001, got %s", result.Current.Code)
	}

	if err := m.SetupArchives(ctx, forums, map[string]string{"forum-red": "GRN"}); err != nil {
		t.Fatalf("recode setup: %v", err)
	}

	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		t.Fatalf("ChannelReferences: %v", err)
	}
	if refs[0].Code != "GRN" || refs[0].Path != "GRN_Red_Designs" {
		t.Fatalf("channel not recoded: %+v", refs[0])
	}
	if _, err := os.Stat(filepath.Join(m.folderPath, "RED_Red_Designs")); !os.IsNotExist(err) {
		t.Fatalf("old channel folder still present: %v", err)
	}

	entryFolder := filepath.Join(m.folderPath, "GRN_Red_Designs", "GRN001_Compact_Farm")
	entry, err := EntryFromFolder(entryFolder)
	if err != nil || entry == nil {
		t.Fatalf("recoded entry missing: %v", err)
	}
	data := entry.Data()
	if data.Code != "GRN001" {
		t.Fatalf("entry code not recoded: %s", data.Code)
	}
	if !containsID(data.ReservedCodes, "GRN001") || containsID(data.ReservedCodes, "RED001") {
		t.Fatalf("reserved codes not recoded: %v", data.ReservedCodes)
	}

	// The path change triggers a republish, so the live thread follows.
	thread := fake.Threads[data.Post.ThreadID]
	if thread == nil || thread.Name != "GRN001 Compact Farm" {
		t.Fatalf("thread not republished: %+v", thread)
	}
}

func TestRecode(t *testing.T) {
	cases := []struct {
		value, oldCode, newCode, want string
	}{
		{"RED001", "RED", "GRN", "GRN001"},
		{"RED001_guide.pdf", "RED", "GRN", "GRN001_guide.pdf"},
		{"BLU001", "RED", "GRN", "BLU001"},
		{"RED001", "RED", "RED", "RED001"},
	}
	for _, c := range cases {
		if got := recode(c.value, c.oldCode, c.newCode); got != c.want {
			t.Errorf("recode(%q, %q, %q) = %q, want %q", c.value, c.oldCode, c.newCode, got, c.want)
		}
	}
}
