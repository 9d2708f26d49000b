package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const channelFileName = "channel.json"

// Channel wraps one channel folder's channel.json document.
type Channel struct {
	data       *ChannelData
	folderPath string
}

// NewChannelFromReference creates a fresh channel document for a reference.
func NewChannelFromReference(ref ChannelReference, folderPath string) *Channel {
	return &Channel{
		data: &ChannelData{
			ID:          ref.ID,
			Name:        ref.Name,
			Code:        ref.Code,
			Description: ref.Description,
			Entries:     []EntryReference{},
		},
		folderPath: folderPath,
	}
}

// ChannelFromFolder loads channel.json from folder, returning (nil, nil) on
// absence or corruption.
func ChannelFromFolder(folder string) (*Channel, error) {
	raw, err := os.ReadFile(filepath.Join(folder, channelFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read channel document: %w", err)
	}
	var data ChannelData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil
	}
	if data.Entries == nil {
		data.Entries = []EntryReference{}
	}
	return &Channel{data: &data, folderPath: folder}, nil
}

// Data returns the underlying document.
func (c *Channel) Data() *ChannelData {
	return c.data
}

// FolderPath returns the channel folder.
func (c *Channel) FolderPath() string {
	return c.folderPath
}

// DataPath returns the path of channel.json.
func (c *Channel) DataPath() string {
	return filepath.Join(c.folderPath, channelFileName)
}

// Save writes the document back to its folder.
func (c *Channel) Save() error {
	if err := os.MkdirAll(c.folderPath, 0o755); err != nil {
		return fmt.Errorf("create channel folder: %w", err)
	}
	return writeJSON(c.DataPath(), c.data)
}

// FindEntry returns the index of the entry reference with the given
// submission id, or -1.
func (c *Channel) FindEntry(submissionID string) int {
	for i, ref := range c.data.Entries {
		if ref.ID == submissionID {
			return i
		}
	}
	return -1
}

// UpsertEntry inserts or replaces the reference for its submission id.
func (c *Channel) UpsertEntry(ref EntryReference) {
	if i := c.FindEntry(ref.ID); i >= 0 {
		c.data.Entries[i] = ref
		return
	}
	c.data.Entries = append(c.data.Entries, ref)
}

// RemoveEntry splices out the reference for the submission id, reporting
// whether it was present.
func (c *Channel) RemoveEntry(submissionID string) bool {
	if i := c.FindEntry(submissionID); i >= 0 {
		c.data.Entries = append(c.data.Entries[:i], c.data.Entries[i+1:]...)
		return true
	}
	return false
}

// NextCode reserves and returns the next entry code for this channel,
// advancing the monotonic counter.
func (c *Channel) NextCode() string {
	c.data.CurrentCodeID++
	return fmt.Sprintf("%s%03d", c.data.Code, c.data.CurrentCodeID)
}
