package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	entryFileName    = "entry.json"
	commentsFileName = "comments.json"
	readmeFileName   = "README.md"
	imagesDirName    = "images"
	attachmentsDir   = "attachments"
)

// Entry is a thin persistence wrapper over one entry folder. All invariant
// enforcement lives in the RepositoryManager.
type Entry struct {
	data       *EntryData
	folderPath string
}

// NewEntry wraps data rooted at folderPath.
func NewEntry(data *EntryData, folderPath string) *Entry {
	data.Normalize()
	return &Entry{data: data, folderPath: folderPath}
}

// EntryFromFolder loads entry.json from folder. A missing or unparseable
// document returns (nil, nil): absence is an expected outcome, not an error.
func EntryFromFolder(folder string) (*Entry, error) {
	raw, err := os.ReadFile(filepath.Join(folder, entryFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry document: %w", err)
	}
	var data EntryData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil
	}
	return NewEntry(&data, folder), nil
}

// Data returns the underlying document.
func (e *Entry) Data() *EntryData {
	return e.data
}

// FolderPath returns the entry folder.
func (e *Entry) FolderPath() string {
	return e.folderPath
}

// DataPath returns the path of entry.json.
func (e *Entry) DataPath() string {
	return filepath.Join(e.folderPath, entryFileName)
}

// ImagesPath returns the images subfolder.
func (e *Entry) ImagesPath() string {
	return filepath.Join(e.folderPath, imagesDirName)
}

// AttachmentsPath returns the attachments subfolder.
func (e *Entry) AttachmentsPath() string {
	return filepath.Join(e.folderPath, attachmentsDir)
}

// Save writes the document back to its folder.
func (e *Entry) Save() error {
	if err := os.MkdirAll(e.folderPath, 0o755); err != nil {
		return fmt.Errorf("create entry folder: %w", err)
	}
	return writeJSON(e.DataPath(), e.data)
}

// Comments loads comments.json, defaulting to empty on absence or corruption.
func (e *Entry) Comments() []Comment {
	raw, err := os.ReadFile(filepath.Join(e.folderPath, commentsFileName))
	if err != nil {
		return nil
	}
	var comments []Comment
	if err := json.Unmarshal(raw, &comments); err != nil {
		return nil
	}
	return comments
}

// SaveComments persists the comments file.
func (e *Entry) SaveComments(comments []Comment) error {
	if comments == nil {
		comments = []Comment{}
	}
	return writeJSON(filepath.Join(e.folderPath, commentsFileName), comments)
}

func writeJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
