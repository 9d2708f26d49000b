package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"llamabot/archive/internal/discordapi"
	"llamabot/archive/internal/safepath"
)

// SetupArchives reconciles the stored channel catalog against the live set
// of forum channels. Removed channels lose their folders, new ones get
// folders and channel documents, and renamed or re-coded channels are moved
// with their entries re-coded to match. Channels whose path changed are
// republished after the catalog itself is persisted, so republishes never
// run against stale paths.
func (m *Manager) SetupArchives(ctx context.Context, forums []discordapi.Forum, codeMap map[string]string) error {
	if err := m.lock.Acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	remapped := make([]ChannelReference, 0, len(forums))
	for _, forum := range forums {
		code := strings.ToUpper(codeMap[forum.ID])
		remapped = append(remapped, ChannelReference{
			ID:          forum.ID,
			Name:        forum.Name,
			Code:        code,
			Category:    forum.CategoryID,
			Description: forum.Topic,
			Path:        fmt.Sprintf("%s_%s", EscapeName(code), EscapeName(forum.Name)),
			Position:    forum.Position,
		})
	}

	existing, err := m.ChannelReferences(ctx)
	if err != nil {
		return err
	}

	var republishChannels []ChannelReference

	for _, old := range existing {
		if findChannelRef(remapped, old.ID) != nil {
			continue
		}
		folder, err := safepath.Join(m.folderPath, old.Path)
		if err != nil {
			return err
		}
		m.git.Remove(folder)
		if err := os.RemoveAll(folder); err != nil {
			return fmt.Errorf("remove channel folder: %w", err)
		}
		if err := m.git.Commit(fmt.Sprintf("Remove channel %s", old.Name)); err != nil {
			return err
		}
	}

	for i := range remapped {
		ref := &remapped[i]
		old := findChannelRef(existing, ref.ID)
		folder, err := safepath.Join(m.folderPath, ref.Path)
		if err != nil {
			return err
		}

		if old == nil {
			if err := os.MkdirAll(folder, 0o755); err != nil {
				return fmt.Errorf("create channel folder: %w", err)
			}
			channel := NewChannelFromReference(*ref, folder)
			if err := channel.Save(); err != nil {
				return err
			}
			m.git.Add(folder)
			if err := m.git.Commit(fmt.Sprintf("Add channel %s", ref.Name)); err != nil {
				return err
			}
			continue
		}

		ref.Embedding = old.Embedding
		if old.Name == ref.Name && old.Code == ref.Code && old.Description == ref.Description &&
			old.Category == ref.Category && old.Position == ref.Position {
			continue
		}

		if old.Path != ref.Path {
			oldFolder, err := safepath.Join(m.folderPath, old.Path)
			if err != nil {
				return err
			}
			if err := m.git.Move(oldFolder, folder); err != nil {
				return err
			}
			republishChannels = append(republishChannels, *ref)
		}

		if err := m.recodeChannelEntries(folder, old.Code, ref.Code, ref.Name, ref.Description); err != nil {
			return err
		}

		var message string
		switch {
		case old.Code != ref.Code:
			message = fmt.Sprintf("Change code for channel %s from %s to %s", old.Name, old.Code, ref.Code)
		case old.Name != ref.Name:
			message = fmt.Sprintf("Rename channel %s to %s", old.Name, ref.Name)
		default:
			message = fmt.Sprintf("Update channel %s", old.Name)
		}
		if err := m.git.Commit(message); err != nil {
			return err
		}
	}

	if err := m.saveChannelReferences(remapped); err != nil {
		return err
	}
	m.index.InvalidateArchiveIndex()
	if err := m.git.Commit("Update archive channel catalog"); err != nil {
		return err
	}

	for _, ref := range republishChannels {
		if err := m.republishChannelLocked(ctx, ref); err != nil {
			log.Printf("archive: republish channel %s: %v", ref.Name, err)
		}
	}
	m.git.Push(ctx)
	return nil
}

// recodeChannelEntries rewrites every entry in a moved or re-coded channel:
// folder names, entry codes, and attachment filenames all swap the old
// channel code prefix for the new one, each rename staged as a move so
// history follows.
func (m *Manager) recodeChannelEntries(channelFolder, oldCode, newCode, name, description string) error {
	channel, err := ChannelFromFolder(channelFolder)
	if err != nil {
		return err
	}
	if channel == nil {
		return nil
	}
	channel.Data().Name = name
	channel.Data().Code = newCode
	channel.Data().Description = description

	for i := range channel.Data().Entries {
		entryRef := &channel.Data().Entries[i]
		newEntryCode := recode(entryRef.Code, oldCode, newCode)
		newPath := recode(entryRef.Path, oldCode, newCode)

		oldFolder, err := safepath.Join(channelFolder, entryRef.Path)
		if err != nil {
			return err
		}
		newFolder, err := safepath.Join(channelFolder, newPath)
		if err != nil {
			return err
		}
		if oldFolder != newFolder {
			if err := m.git.Move(oldFolder, newFolder); err != nil {
				return err
			}
		}

		entry, err := EntryFromFolder(newFolder)
		if err != nil {
			return err
		}
		if entry != nil {
			data := entry.Data()
			data.Code = recode(data.Code, oldCode, newCode)
			for j := range data.ReservedCodes {
				data.ReservedCodes[j] = recode(data.ReservedCodes[j], oldCode, newCode)
			}
			for j := range data.Attachments {
				attachment := &data.Attachments[j]
				newName := recode(attachment.Name, oldCode, newCode)
				if newName == attachment.Name {
					continue
				}
				oldPath, err := safepath.Join(newFolder, attachmentsDir, attachment.Name)
				if err != nil {
					return err
				}
				newAttachmentPath, err := safepath.Join(newFolder, attachmentsDir, newName)
				if err != nil {
					return err
				}
				if _, statErr := os.Stat(oldPath); statErr == nil {
					if err := m.git.Move(oldPath, newAttachmentPath); err != nil {
						return err
					}
				}
				attachment.Name = newName
				if attachment.Path != "" {
					attachment.Path = recode(attachment.Path, oldCode, newCode)
				}
			}
			if err := entry.Save(); err != nil {
				return err
			}
			m.git.Add(entry.DataPath())
		}

		entryRef.Code = newEntryCode
		entryRef.Path = newPath
	}

	if err := channel.Save(); err != nil {
		return err
	}
	m.git.Add(channel.DataPath())
	return nil
}

// republishChannelLocked re-runs reconciliation for every posted entry in a
// channel, fixing thread bodies and cross-references after a path change.
func (m *Manager) republishChannelLocked(ctx context.Context, ref ChannelReference) error {
	channelFolder, err := safepath.Join(m.folderPath, ref.Path)
	if err != nil {
		return err
	}
	channel, err := ChannelFromFolder(channelFolder)
	if err != nil || channel == nil {
		return err
	}
	for _, entryRef := range channel.Data().Entries {
		entryFolder, err := safepath.Join(channelFolder, entryRef.Path)
		if err != nil {
			return err
		}
		entry, err := EntryFromFolder(entryFolder)
		if err != nil || entry == nil {
			continue
		}
		if entry.Data().Post == nil {
			continue
		}
		_, err = m.addOrUpdateEntryLocked(ctx, UpdateOptions{
			Data:      entry.Data(),
			ChannelID: ref.ID,
		}, map[string]bool{})
		if err != nil {
			log.Printf("archive: republish entry %s: %v", entryRef.Code, err)
		}
	}
	return nil
}

// recode swaps a leading channel-code prefix.
func recode(value, oldCode, newCode string) string {
	if oldCode == newCode || !strings.HasPrefix(value, oldCode) {
		return value
	}
	return newCode + strings.TrimPrefix(value, oldCode)
}
