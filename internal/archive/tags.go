package archive

import (
	"context"
	"fmt"
	"log"

	"llamabot/archive/internal/discordapi"
	"llamabot/archive/internal/safepath"
)

// ApplyGlobalTagChanges reconciles the guild-wide canonical tag list against
// every archive forum. Existing tag ids are reused wherever a tag survives,
// including across renames described by the renames map (old name to new
// name), because forum tag ids are immutable and limited in count. Entries
// carrying a remapped tag are rewritten and their live threads updated.
func (m *Manager) ApplyGlobalTagChanges(ctx context.Context, canonical []discordapi.ForumTag, renames map[string]string) error {
	if err := m.lock.Acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		return err
	}

	modified := 0
	for _, channelRef := range refs {
		forum, err := m.discord.Forum(ctx, channelRef.ID)
		if err != nil {
			log.Printf("archive: fetch forum %s: %v", channelRef.ID, err)
			continue
		}

		currentName := func(tag discordapi.ForumTag) string {
			if renamed, ok := renames[tag.Name]; ok {
				return renamed
			}
			return tag.Name
		}

		desired := make([]discordapi.ForumTag, 0, len(canonical))
		for _, want := range canonical {
			tag := discordapi.ForumTag{Name: want.Name, Emoji: want.Emoji}
			for _, have := range forum.AvailableTags {
				if currentName(have) == want.Name {
					tag.ID = have.ID
					break
				}
			}
			desired = append(desired, tag)
		}

		applied, err := m.discord.SetForumTags(ctx, channelRef.ID, desired)
		if err != nil {
			return fmt.Errorf("set forum tags for %s: %w", channelRef.Name, err)
		}

		// Old tag id -> the tag it became.
		remap := map[string]discordapi.ForumTag{}
		for _, have := range forum.AvailableTags {
			name := currentName(have)
			for _, now := range applied {
				if now.Name == name {
					remap[have.ID] = now
					break
				}
			}
		}

		changed, err := m.remapChannelTags(ctx, channelRef, remap, applied)
		if err != nil {
			return err
		}
		modified += changed
	}

	if modified > 0 {
		if err := m.git.Commit(fmt.Sprintf("Apply tag changes to %d entries", modified)); err != nil {
			return err
		}
		m.git.Push(ctx)
	}
	return nil
}

func (m *Manager) remapChannelTags(ctx context.Context, channelRef ChannelReference, remap map[string]discordapi.ForumTag, available []discordapi.ForumTag) (int, error) {
	channelFolder, err := safepath.Join(m.folderPath, channelRef.Path)
	if err != nil {
		return 0, err
	}
	channel, err := ChannelFromFolder(channelFolder)
	if err != nil || channel == nil {
		return 0, err
	}

	modified := 0
	for _, entryRef := range channel.Data().Entries {
		entryFolder, err := safepath.Join(channelFolder, entryRef.Path)
		if err != nil {
			return modified, err
		}
		entry, err := EntryFromFolder(entryFolder)
		if err != nil || entry == nil {
			continue
		}
		data := entry.Data()

		changed := false
		for i := range data.Tags {
			now, ok := remap[data.Tags[i].ID]
			if !ok {
				continue
			}
			if data.Tags[i].ID != now.ID || data.Tags[i].Name != now.Name || data.Tags[i].Emoji != now.Emoji {
				data.Tags[i] = Tag{ID: now.ID, Name: now.Name, Emoji: now.Emoji}
				changed = true
			}
		}
		if !changed {
			continue
		}

		if err := entry.Save(); err != nil {
			return modified, err
		}
		m.git.Add(entry.DataPath())
		modified++

		if data.Post != nil {
			release := m.ignoreSubmission(data.ID)
			name := fmt.Sprintf("%s %s", data.Code, data.Name)
			if err := m.discord.EditThread(ctx, data.Post.ThreadID, name, applicableTagIDs(data.Tags, available)); err != nil {
				log.Printf("archive: update tags on thread %s: %v", data.Post.ThreadID, err)
			}
			release()
		}
	}
	return modified, nil
}

// RestoreTags reapplies every stored entry's tags to its live thread in one
// forum, recovering from Discord-side drift.
func (m *Manager) RestoreTags(ctx context.Context, forumID string) error {
	if err := m.lock.Acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	forum, err := m.discord.Forum(ctx, forumID)
	if err != nil {
		return fmt.Errorf("fetch forum: %w", err)
	}

	return m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		if channelRef.ID != forumID {
			return nil
		}
		data := entry.Data()
		if data.Post == nil {
			return nil
		}
		release := m.ignoreSubmission(data.ID)
		defer release()
		name := fmt.Sprintf("%s %s", data.Code, data.Name)
		if err := m.discord.EditThread(ctx, data.Post.ThreadID, name, applicableTagIDs(data.Tags, forum.AvailableTags)); err != nil {
			log.Printf("archive: restore tags on thread %s: %v", data.Post.ThreadID, err)
		}
		return nil
	})
}
