package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"llamabot/archive/internal/dictionary"
	"llamabot/archive/internal/discordapi"
	"llamabot/archive/internal/gitstore"
)

func newTestManager(t *testing.T) (*Manager, *discordapi.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := discordapi.NewFake()
	m := NewManager(Options{
		FolderPath: dir,
		Git:        gitstore.New(dir, ""),
		Discord:    fake,
		Dictionary: dictionary.NewManager(filepath.Join(dir, "dictionary"), nil),
		Servers:    dictionary.NewServers(filepath.Join(dir, "dictionary"), nil),
	})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, fake
}

func seedChannel(t *testing.T, m *Manager, fake *discordapi.Fake, id, name, code string, currentCodeID int, tags ...discordapi.ForumTag) ChannelReference {
	t.Helper()
	fake.AddForum(discordapi.Forum{ID: id, Name: name, AvailableTags: tags})
	ref := ChannelReference{
		ID:   id,
		Name: name,
		Code: code,
		Path: fmt.Sprintf("%s_%s", EscapeName(code), EscapeName(name)),
	}
	refs, err := m.ChannelReferences(context.Background())
	if err != nil {
		t.Fatalf("ChannelReferences: %v", err)
	}
	if err := m.saveChannelReferences(append(refs, ref)); err != nil {
		t.Fatalf("save channel references: %v", err)
	}
	channel := NewChannelFromReference(ref, filepath.Join(m.folderPath, ref.Path))
	channel.Data().CurrentCodeID = currentCodeID
	if err := channel.Save(); err != nil {
		t.Fatalf("save channel: %v", err)
	}
	return ref
}

func loadChannel(t *testing.T, m *Manager, ref ChannelReference) *Channel {
	t.Helper()
	channel, err := ChannelFromFolder(filepath.Join(m.folderPath, ref.Path))
	if err != nil || channel == nil {
		t.Fatalf("load channel %s: %v", ref.Code, err)
	}
	return channel
}

func testEntryData(id, name string) *EntryData {
	data := &EntryData{
		ID:      id,
		Name:    name,
		Authors: []Author{{ID: "user-1", Name: "Ama"}},
		Records: map[string]string{"Description": "A compact, tileable design."},
	}
	data.Normalize()
	return data
}

func TestPublishMintsSequentialCode(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	ref := seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 6)

	result, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("AddOrUpdateEntry: %v", err)
	}
	if result.Previous != nil {
		t.Fatalf("expected no previous state, got %+v", result.Previous)
	}
	current := result.Current
	if current.Code != "RED007" {
		t.Fatalf("expected code RED007, got %s", current.Code)
	}
	if len(current.ReservedCodes) != 1 || current.ReservedCodes[0] != "RED007" {
		t.Fatalf("unexpected reserved codes: %v", current.ReservedCodes)
	}
	if current.ArchivedAt == 0 || current.UpdatedAt == 0 {
		t.Fatal("timestamps not set")
	}

	channel := loadChannel(t, m, ref)
	if channel.Data().CurrentCodeID != 7 {
		t.Fatalf("expected code counter 7, got %d", channel.Data().CurrentCodeID)
	}
	if len(channel.Data().Entries) != 1 || channel.Data().Entries[0].Code != "RED007" {
		t.Fatalf("unexpected channel entries: %+v", channel.Data().Entries)
	}

	entryFolder := filepath.Join(m.folderPath, ref.Path, "RED007_Compact_Farm")
	if _, err := os.Stat(filepath.Join(entryFolder, entryFileName)); err != nil {
		t.Fatalf("entry document missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(entryFolder, readmeFileName)); err != nil {
		t.Fatalf("readme missing: %v", err)
	}

	if current.Post == nil {
		t.Fatal("expected post info")
	}
	thread := fake.Threads[current.Post.ThreadID]
	if thread == nil {
		t.Fatal("thread not created")
	}
	if thread.Name != "RED007 Compact Farm" {
		t.Fatalf("unexpected thread name: %s", thread.Name)
	}

	submissionID, err := m.Index().SubmissionIDByPostID(ctx, current.Post.ThreadID)
	if err != nil {
		t.Fatalf("SubmissionIDByPostID: %v", err)
	}
	if submissionID != "S1" {
		t.Fatalf("expected post mapping to S1, got %q", submissionID)
	}
}

func TestRepublishKeepsCodeAndThread(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	update := testEntryData("S1", "Compact Farm")
	update.Records["Description"] = "Now with better throughput."
	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: update, ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}

	if second.Current.Code != first.Current.Code {
		t.Fatalf("code changed on republish: %s -> %s", first.Current.Code, second.Current.Code)
	}
	if second.Current.Post.ThreadID != first.Current.Post.ThreadID {
		t.Fatalf("thread changed on republish: %s -> %s", first.Current.Post.ThreadID, second.Current.Post.ThreadID)
	}
	if len(fake.DeletedThreads) != 0 {
		t.Fatalf("republish deleted threads: %v", fake.DeletedThreads)
	}
	if second.Previous == nil || second.Previous.Records["Description"] == update.Records["Description"] {
		t.Fatal("previous state not reported")
	}

	starter := fake.LiveMessages(second.Current.Post.ThreadID)[0]
	if !strings.Contains(starter.Content, "Now with better throughput.") {
		t.Fatalf("starter message not updated: %q", starter.Content)
	}
}

func TestForceNewRecreatesThread(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	oldThreadID := first.Current.Post.ThreadID

	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{
		Data:      testEntryData("S1", "Compact Farm"),
		ChannelID: "forum-red",
		ForceNew:  true,
	})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}

	if second.Current.Post.ThreadID == oldThreadID {
		t.Fatal("thread was not recreated")
	}
	if len(fake.DeletedThreads) != 1 || fake.DeletedThreads[0] != oldThreadID {
		t.Fatalf("old thread not deleted: %v", fake.DeletedThreads)
	}
	if !containsID(second.Current.PastPostThreadIDs, oldThreadID) ||
		!containsID(second.Current.PastPostThreadIDs, second.Current.Post.ThreadID) {
		t.Fatalf("past thread ids incomplete: %v", second.Current.PastPostThreadIDs)
	}
	if second.Current.Code != first.Current.Code {
		t.Fatalf("code changed: %s -> %s", first.Current.Code, second.Current.Code)
	}
}

func TestCrossChannelMoveMintsNewCode(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	redRef := seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)
	bluRef := seedChannel(t, m, fake, "forum-blu", "Blue Designs", "BLU", 0)

	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	oldThreadID := first.Current.Post.ThreadID

	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-blu"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	if second.Current.Code != "BLU001" {
		t.Fatalf("expected fresh code BLU001, got %s", second.Current.Code)
	}
	if !containsID(second.Current.ReservedCodes, "RED001") || !containsID(second.Current.ReservedCodes, "BLU001") {
		t.Fatalf("retired code lost: %v", second.Current.ReservedCodes)
	}
	if len(fake.DeletedThreads) != 1 || fake.DeletedThreads[0] != oldThreadID {
		t.Fatalf("old thread not deleted: %v", fake.DeletedThreads)
	}
	if second.Current.Post.ThreadID == oldThreadID {
		t.Fatal("expected a new thread in the new forum")
	}

	if entries := loadChannel(t, m, redRef).Data().Entries; len(entries) != 0 {
		t.Fatalf("entry still referenced by old channel: %+v", entries)
	}
	if entries := loadChannel(t, m, bluRef).Data().Entries; len(entries) != 1 || entries[0].Code != "BLU001" {
		t.Fatalf("entry missing from new channel: %+v", entries)
	}
	if _, err := os.Stat(filepath.Join(m.folderPath, redRef.Path, "RED001_Compact_Farm")); !os.IsNotExist(err) {
		t.Fatalf("old entry folder still present: %v", err)
	}
}

func TestRetractSubmission(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	ref := seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	result, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	threadID := result.Current.Post.ThreadID

	var deleted *EntryData
	m.SetHooks(Hooks{OnPostDelete: func(data *EntryData) { deleted = data }})

	if err := m.RetractSubmission(ctx, "S1"); err != nil {
		t.Fatalf("RetractSubmission: %v", err)
	}

	if _, err := os.Stat(filepath.Join(m.folderPath, ref.Path, "RED001_Compact_Farm")); !os.IsNotExist(err) {
		t.Fatalf("entry folder still present: %v", err)
	}
	if entries := loadChannel(t, m, ref).Data().Entries; len(entries) != 0 {
		t.Fatalf("entry still referenced: %+v", entries)
	}
	if len(fake.DeletedThreads) != 1 || fake.DeletedThreads[0] != threadID {
		t.Fatalf("thread not deleted: %v", fake.DeletedThreads)
	}
	submissionID, err := m.Index().SubmissionIDByPostID(ctx, threadID)
	if err != nil {
		t.Fatalf("SubmissionIDByPostID: %v", err)
	}
	if submissionID != "" {
		t.Fatalf("post mapping survived retraction: %q", submissionID)
	}
	if deleted == nil || deleted.ID != "S1" {
		t.Fatalf("delete hook not fired: %+v", deleted)
	}

	if err := m.RetractSubmission(ctx, "S1"); err == nil {
		t.Fatal("expected error retracting an absent submission")
	}
}

func TestConcurrentPublishesGetDistinctCodes(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	ref := seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	var wg sync.WaitGroup
	codes := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := m.AddOrUpdateEntry(ctx, UpdateOptions{
				Data:      testEntryData(fmt.Sprintf("S%d", i+1), fmt.Sprintf("Design %d", i+1)),
				ChannelID: "forum-red",
			})
			if err != nil {
				errs[i] = err
				return
			}
			codes[i] = result.Current.Code
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if codes[0] == codes[1] {
		t.Fatalf("both publishes got code %s", codes[0])
	}
	if entries := loadChannel(t, m, ref).Data().Entries; len(entries) != 2 {
		t.Fatalf("expected 2 channel entries, got %d", len(entries))
	}
}

func TestPublishToUnknownChannelReleasesLock(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	_, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-missing"})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}

	// The failed mutation must not leave the lock held.
	timed, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.AddOrUpdateEntry(timed, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish after failure: %v", err)
	}
}

func TestRenamePropagatesToReferencingEntries(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	ref := seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	target, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Old Name"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish target: %v", err)
	}

	referrer := testEntryData("S2", "Referrer")
	referrer.References = []Reference{{
		Type: RefArchivedPost,
		ID:   "S1",
		Name: "Old Name",
		URL:  target.Current.Post.ThreadURL,
		Path: "RED001_Old_Name",
	}}
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: referrer, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish referrer: %v", err)
	}

	definition := &dictionary.Entry{
		ID:         "farming",
		Terms:      []string{"farming"},
		Definition: "Automated resource production.",
		Status:     dictionary.StatusApproved,
		References: []dictionary.Reference{{Type: RefArchivedPost, ID: "S1", Name: "Old Name", Path: "RED001_Old_Name"}},
	}
	if err := m.dict.SaveEntry(ctx, definition); err != nil {
		t.Fatalf("save definition: %v", err)
	}

	renamed := testEntryData("S1", "New Name")
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: renamed, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	stored, err := EntryFromFolder(filepath.Join(m.folderPath, ref.Path, "RED002_Referrer"))
	if err != nil || stored == nil {
		t.Fatalf("load referrer: %v", err)
	}
	got := stored.Data().References[0]
	if got.Name != "New Name" || got.Path != "RED001_New_Name" {
		t.Fatalf("reference not repaired: %+v", got)
	}

	updatedDefinition, err := m.dict.GetEntry(ctx, "farming")
	if err != nil || updatedDefinition == nil {
		t.Fatalf("load definition: %v", err)
	}
	if updatedDefinition.References[0].Name != "New Name" || updatedDefinition.References[0].Path != "RED001_New_Name" {
		t.Fatalf("definition reference not repaired: %+v", updatedDefinition.References[0])
	}
}

func TestReferenceCycleTerminates(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	a := testEntryData("S1", "Alpha")
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: a, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish alpha: %v", err)
	}
	b := testEntryData("S2", "Beta")
	b.References = []Reference{{Type: RefArchivedPost, ID: "S1", Name: "Alpha", Path: "stale"}}
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: b, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish beta: %v", err)
	}

	// Close the cycle, then force an address change on alpha.
	a2 := testEntryData("S1", "Alpha Prime")
	a2.References = []Reference{{Type: RefArchivedPost, ID: "S2", Name: "Beta", Path: "stale"}}
	done := make(chan error, 1)
	go func() {
		_, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: a2, ChannelID: "forum-red"})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("republish alpha: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cross-reference repair did not terminate")
	}
}

func TestShrinkUnderCommentsWipesAndReplays(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	ref := seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	long := testEntryData("S1", "Compact Farm")
	long.Records["Description"] = repeatLines("All the throughput numbers in painful detail.", 80)
	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: long, ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(first.Current.Post.ContinuingMessageIDs) == 0 {
		t.Fatal("expected the body to spill into continuing messages")
	}
	threadID := first.Current.Post.ThreadID

	entryFolder := filepath.Join(m.folderPath, ref.Path, "RED001_Compact_Farm")
	entry, err := EntryFromFolder(entryFolder)
	if err != nil || entry == nil {
		t.Fatalf("load entry: %v", err)
	}
	comments := []Comment{{UserID: "user-2", Username: "Beel", Content: "Nice ratios.", Timestamp: time.Now().UnixMilli()}}
	if err := entry.SaveComments(comments); err != nil {
		t.Fatalf("save comments: %v", err)
	}

	short := testEntryData("S1", "Compact Farm")
	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: short, ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}

	if len(second.Current.Post.ContinuingMessageIDs) != 0 {
		t.Fatalf("continuing messages survived the wipe: %v", second.Current.Post.ContinuingMessageIDs)
	}
	if second.Current.NumComments != 1 {
		t.Fatalf("expected 1 comment, got %d", second.Current.NumComments)
	}
	replayed := fake.Replayed[threadID]
	if len(replayed) != 1 || replayed[0].Username != "Beel" {
		t.Fatalf("comments not replayed: %+v", replayed)
	}
}

func TestUploadMessageInvalidatedOnAttachmentChange(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	moveAttachments := func(data *EntryData, imagesDir, attachmentsDir string) error {
		if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
			return err
		}
		for i := range data.Attachments {
			name := data.Attachments[i].Name
			if err := os.WriteFile(filepath.Join(attachmentsDir, name), []byte("payload"), 0o644); err != nil {
				return err
			}
			data.Attachments[i].Path = "attachments/" + name
		}
		return nil
	}

	withAttachment := testEntryData("S1", "Compact Farm")
	withAttachment.Attachments = []Attachment{{Name: "guide-v1.pdf", ContentType: "application/pdf"}}
	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{
		Data:            withAttachment,
		ChannelID:       "forum-red",
		MoveAttachments: moveAttachments,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	firstUpload := first.Current.Post.UploadMessageID
	if firstUpload == "" {
		t.Fatal("expected an upload message")
	}

	// Same attachment set: the upload message survives.
	same := testEntryData("S1", "Compact Farm")
	same.Attachments = []Attachment{{Name: "guide-v1.pdf", ContentType: "application/pdf"}}
	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: same, ChannelID: "forum-red", MoveAttachments: moveAttachments})
	if err != nil {
		t.Fatalf("republish unchanged: %v", err)
	}
	if second.Current.Post.UploadMessageID != firstUpload {
		t.Fatalf("upload message replaced without a change: %s -> %s", firstUpload, second.Current.Post.UploadMessageID)
	}

	// Renamed attachment: the old upload message is deleted and reuploaded.
	renamed := testEntryData("S1", "Compact Farm")
	renamed.Attachments = []Attachment{{Name: "guide-v2.pdf", ContentType: "application/pdf"}}
	third, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: renamed, ChannelID: "forum-red", MoveAttachments: moveAttachments})
	if err != nil {
		t.Fatalf("republish renamed: %v", err)
	}
	if third.Current.Post.UploadMessageID == firstUpload || third.Current.Post.UploadMessageID == "" {
		t.Fatalf("upload message not refreshed: %s", third.Current.Post.UploadMessageID)
	}

	deleted := false
	for _, msg := range fake.Threads[first.Current.Post.ThreadID].Messages {
		if msg.ID == firstUpload && msg.Deleted {
			deleted = true
		}
	}
	if !deleted {
		t.Fatal("stale upload message not deleted")
	}
}

func TestImagesRepublishedOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	moveImages := func(data *EntryData, imagesDir, attachmentsDir string) error {
		if err := os.MkdirAll(imagesDir, 0o755); err != nil {
			return err
		}
		for i := range data.Images {
			name := data.Images[i].Name
			if err := os.WriteFile(filepath.Join(imagesDir, name), []byte("png"), 0o644); err != nil {
				return err
			}
			data.Images[i].Path = "images/" + name
		}
		return nil
	}
	withImage := func(description string) *EntryData {
		data := testEntryData("S1", "Compact Farm")
		data.Images = []Image{{Name: "overview.png", FileKey: "key-1", Description: description}}
		return data
	}
	countUploads := func(threadID string) int {
		uploads := 0
		for _, msg := range fake.LiveMessages(threadID) {
			if len(msg.Files) > 0 {
				uploads++
			}
		}
		return uploads
	}

	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: withImage("Front view"), ChannelID: "forum-red", MoveAttachments: moveImages})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	threadID := first.Current.Post.ThreadID
	if countUploads(threadID) != 1 {
		t.Fatalf("expected 1 image upload, got %d", countUploads(threadID))
	}

	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: withImage("Front view"), ChannelID: "forum-red", MoveAttachments: moveImages}); err != nil {
		t.Fatalf("republish unchanged: %v", err)
	}
	if countUploads(threadID) != 1 {
		t.Fatalf("unchanged images were republished: %d uploads", countUploads(threadID))
	}

	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: withImage("Side view"), ChannelID: "forum-red", MoveAttachments: moveImages}); err != nil {
		t.Fatalf("republish changed: %v", err)
	}
	if countUploads(threadID) != 2 {
		t.Fatalf("changed images not republished: %d uploads", countUploads(threadID))
	}
}

func TestArchiveStats(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)
	seedChannel(t, m, fake, "forum-blu", "Blue Designs", "BLU", 0)

	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Alpha"), ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S2", "Beta"), ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stats, err := m.GetArchiveStats(ctx)
	if err != nil {
		t.Fatalf("GetArchiveStats: %v", err)
	}
	if stats.Channels != 2 || stats.Entries != 2 || stats.EntriesByChannel["RED"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	userStats, err := m.GetUserArchiveStats(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserArchiveStats: %v", err)
	}
	if userStats.Authored != 2 || len(userStats.Codes) != 2 {
		t.Fatalf("unexpected user stats: %+v", userStats)
	}
}

func TestServerReferencesResolvedFromRegistry(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	err := m.servers.AddOrEdit(ctx, dictionary.ServerEntry{
		ID:      "guild-1",
		Name:    "Builders Hub",
		JoinURL: "https://discord.gg/builders",
	})
	if err != nil {
		t.Fatalf("register server: %v", err)
	}

	data := testEntryData("S1", "Compact Farm")
	data.References = []Reference{{Type: RefDiscordServer, ID: "guild-1"}}
	result, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: data, ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	ref := result.Current.References[0]
	if ref.URL != "https://discord.gg/builders" || ref.Name != "Builders Hub" {
		t.Fatalf("server reference not resolved: %+v", ref)
	}
	found := false
	for _, msg := range fake.LiveMessages(result.Current.Post.ThreadID) {
		if strings.Contains(msg.Content, "https://discord.gg/builders") {
			found = true
		}
	}
	if !found {
		t.Fatal("invite missing from thread messages")
	}
}

func TestIgnoresSubmissionDuringMutation(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	observed := false
	m.SetHooks(Hooks{OnPostAdd: func(data *EntryData) {
		observed = m.IgnoresSubmission(data.ID)
	}})

	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Alpha"), ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !observed {
		t.Fatal("submission not marked ignored during its own mutation")
	}
	if m.IgnoresSubmission("S1") {
		t.Fatal("ignore flag leaked past the mutation")
	}
}

func TestRepublishIdenticalDataIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	entryPath := filepath.Join(m.folderPath, "RED_Red_Designs", "RED001_Compact_Farm", entryFileName)
	channelPath := filepath.Join(m.folderPath, "RED_Red_Designs", channelFileName)
	entryBefore, err := os.ReadFile(entryPath)
	if err != nil {
		t.Fatalf("read entry.json: %v", err)
	}
	channelBefore, err := os.ReadFile(channelPath)
	if err != nil {
		t.Fatalf("read channel.json: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // let the clock tick past the first publish
	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}

	if second.Current.UpdatedAt != first.Current.UpdatedAt {
		t.Fatalf("identical republish bumped updatedAt: %d -> %d", first.Current.UpdatedAt, second.Current.UpdatedAt)
	}
	entryAfter, err := os.ReadFile(entryPath)
	if err != nil {
		t.Fatalf("read entry.json: %v", err)
	}
	if string(entryAfter) != string(entryBefore) {
		t.Fatalf("identical republish changed entry.json:\nbefore %s\nafter  %s", entryBefore, entryAfter)
	}
	channelAfter, err := os.ReadFile(channelPath)
	if err != nil {
		t.Fatalf("read channel.json: %v", err)
	}
	if string(channelAfter) != string(channelBefore) {
		t.Fatalf("identical republish changed channel.json:\nbefore %s\nafter  %s", channelBefore, channelAfter)
	}
}

func TestRepublishWithChangedRecordBumpsTimestamp(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	first, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	edited := testEntryData("S1", "Compact Farm")
	edited.Records["Description"] = "A bigger, tileable design."
	second, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: edited, ChannelID: "forum-red"})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if second.Current.UpdatedAt <= first.Current.UpdatedAt {
		t.Fatalf("edit did not bump updatedAt: %d -> %d", first.Current.UpdatedAt, second.Current.UpdatedAt)
	}
}

func TestDictionaryBackReferencesFollowTermLinks(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	definition := &dictionary.Entry{
		ID:         "farming",
		Terms:      []string{"farming"},
		Definition: "Automated resource production.",
		Status:     dictionary.StatusApproved,
	}
	if err := m.dict.SaveEntry(ctx, definition); err != nil {
		t.Fatalf("save definition: %v", err)
	}

	data := testEntryData("S1", "Compact Farm")
	data.References = []Reference{{Type: RefDictionaryTerm, ID: "farming", Name: "farming"}}
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: data, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	definition, err := m.dict.GetEntry(ctx, "farming")
	if err != nil || definition == nil {
		t.Fatalf("load definition: %v", err)
	}
	if !containsID(definition.ReferencedBy, "S1") {
		t.Fatalf("definition missing back-reference: %+v", definition.ReferencedBy)
	}

	unlinked := testEntryData("S1", "Compact Farm")
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: unlinked, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("republish without reference: %v", err)
	}
	definition, err = m.dict.GetEntry(ctx, "farming")
	if err != nil || definition == nil {
		t.Fatalf("load definition: %v", err)
	}
	if containsID(definition.ReferencedBy, "S1") {
		t.Fatalf("back-reference not removed: %+v", definition.ReferencedBy)
	}
}

func TestDictionaryBackReferenceClearedOnRetract(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	definition := &dictionary.Entry{
		ID:         "farming",
		Terms:      []string{"farming"},
		Definition: "Automated resource production.",
		Status:     dictionary.StatusApproved,
	}
	if err := m.dict.SaveEntry(ctx, definition); err != nil {
		t.Fatalf("save definition: %v", err)
	}

	data := testEntryData("S1", "Compact Farm")
	data.References = []Reference{{Type: RefDictionaryTerm, ID: "farming", Name: "farming"}}
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: data, ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.RetractSubmission(ctx, "S1"); err != nil {
		t.Fatalf("retract: %v", err)
	}

	definition, err := m.dict.GetEntry(ctx, "farming")
	if err != nil || definition == nil {
		t.Fatalf("load definition: %v", err)
	}
	if containsID(definition.ReferencedBy, "S1") {
		t.Fatalf("back-reference survived retraction: %+v", definition.ReferencedBy)
	}
}

func TestSearchEntriesFallsBackToIndexScan(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	seedChannel(t, m, fake, "forum-red", "Red Designs", "RED", 0)

	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S1", "Compact Farm"), ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish S1: %v", err)
	}
	if _, err := m.AddOrUpdateEntry(ctx, UpdateOptions{Data: testEntryData("S2", "Storage Hall"), ChannelID: "forum-red"}); err != nil {
		t.Fatalf("publish S2: %v", err)
	}

	// No search backend configured, so this exercises the index scan.
	results, err := m.SearchEntries(ctx, "farm", 10)
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	if len(results) != 1 || results[0].ID != "S1" || results[0].Code != "RED001" {
		t.Fatalf("unexpected results: %+v", results)
	}

	byCode, err := m.SearchEntries(ctx, "red002", 10)
	if err != nil {
		t.Fatalf("SearchEntries by code: %v", err)
	}
	if len(byCode) != 1 || byCode[0].ID != "S2" {
		t.Fatalf("code lookup failed: %+v", byCode)
	}
}

func repeatLines(line string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s (%d)\n", line, i)
	}
	return b.String()
}
