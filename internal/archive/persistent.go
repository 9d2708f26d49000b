package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"llamabot/archive/internal/dictionary"
	"llamabot/archive/internal/embeddings"
)

const (
	persistentIndexFileName = "persistent.idx"
	persistentIndexVersion  = uint16(1)
	embeddingBatchSize      = 60
)

// ErrBadPersistentIndex reports an unreadable persistent.idx.
var ErrBadPersistentIndex = errors.New("bad persistent index")

// PersistentIndex is the denormalized snapshot of the whole archive that
// external consumers read instead of walking the live tree. Author, tag, and
// category strings are interned once and referenced by position.
type PersistentIndex struct {
	UpdatedAt     int64
	AllTags       []string
	AllAuthors    []string
	AllCategories []string
	SchemaStyles  json.RawMessage
	Channels      []PersistentIndexChannel
}

// PersistentIndexChannel is one channel's rows in the snapshot.
type PersistentIndexChannel struct {
	Code        string
	Name        string
	Description string
	Category    uint16
	Tags        []uint16
	Path        string
	Entries     []PersistentIndexEntry
}

// PersistentIndexEntry is one entry row. Codes carries every code the entry
// ever held so retired codes still resolve.
type PersistentIndexEntry struct {
	Codes         []string
	Name          string
	Authors       []uint16
	Tags          []uint16
	UpdatedAt     int64
	ArchivedAt    int64
	Path          string
	MainImagePath string
}

type interner struct {
	values []string
	lookup map[string]uint16
}

func newInterner() *interner {
	return &interner{lookup: map[string]uint16{}}
}

func (in *interner) index(value string) uint16 {
	if i, ok := in.lookup[value]; ok {
		return i
	}
	i := uint16(len(in.values))
	in.values = append(in.values, value)
	in.lookup[value] = i
	return i
}

// BuildPersistentIndexAndEmbeddings rebuilds the snapshot and refreshes any
// stale embeddings, then rebuilds the nearest-neighbor index if anything
// changed. The embedding refresh is skipped when no embedding service is
// configured.
func (m *Manager) BuildPersistentIndexAndEmbeddings(ctx context.Context) (*PersistentIndex, error) {
	if err := m.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer m.lock.Release()

	index, err := m.buildPersistentIndexLocked(ctx)
	if err != nil {
		return nil, err
	}
	if m.embed != nil {
		if err := m.refreshEmbeddingsLocked(ctx); err != nil {
			log.Printf("archive: refresh embeddings: %v", err)
		}
	}
	if m.mirror != nil {
		m.mirror.UploadAll(ctx,
			filepath.Join(m.folderPath, persistentIndexFileName),
			filepath.Join(m.folderPath, embeddingsFileName),
			filepath.Join(m.folderPath, nnIndexFileName),
		)
	}
	return index, nil
}

func (m *Manager) buildPersistentIndexLocked(ctx context.Context) (*PersistentIndex, error) {
	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		return nil, err
	}

	tags := newInterner()
	authors := newInterner()
	categories := newInterner()

	index := &PersistentIndex{
		UpdatedAt:    time.Now().UnixMilli(),
		SchemaStyles: json.RawMessage("{}"),
	}

	byChannel := map[string]*PersistentIndexChannel{}
	for _, ref := range refs {
		channel := &PersistentIndexChannel{
			Code:        ref.Code,
			Name:        ref.Name,
			Description: ref.Description,
			Category:    categories.index(ref.Category),
			Path:        ref.Path,
		}
		byChannel[ref.ID] = channel
	}

	err = m.IterateAllEntries(ctx, func(entry *Entry, entryRef EntryReference, channelRef ChannelReference) error {
		channel := byChannel[channelRef.ID]
		if channel == nil {
			return nil
		}
		data := entry.Data()

		row := PersistentIndexEntry{
			Codes:      append([]string(nil), data.ReservedCodes...),
			Name:       data.Name,
			UpdatedAt:  data.UpdatedAt,
			ArchivedAt: data.ArchivedAt,
			Path:       channelRef.Path + "/" + entryRef.Path,
		}
		if !containsID(row.Codes, data.Code) {
			row.Codes = append(row.Codes, data.Code)
		}
		for _, author := range data.Authors {
			row.Authors = append(row.Authors, authors.index(author.Name))
		}
		for _, tag := range data.Tags {
			i := tags.index(tag.Name)
			row.Tags = append(row.Tags, i)
			if !containsUint16(channel.Tags, i) {
				channel.Tags = append(channel.Tags, i)
			}
		}
		if len(data.Images) > 0 && data.Images[0].Path != "" {
			row.MainImagePath = data.Images[0].Path
		}
		channel.Entries = append(channel.Entries, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		index.Channels = append(index.Channels, *byChannel[ref.ID])
	}
	index.AllTags = tags.values
	index.AllAuthors = authors.values
	index.AllCategories = categories.values

	path := filepath.Join(m.folderPath, persistentIndexFileName)
	if err := SavePersistentIndex(index, path); err != nil {
		return nil, err
	}
	m.git.Add(path)
	return index, nil
}

// refreshEmbeddingsLocked re-embeds every entry and approved definition
// whose text changed since its cached row, drops orphans, and rebuilds the
// nearest-neighbor index from scratch when anything moved.
func (m *Manager) refreshEmbeddingsLocked(ctx context.Context) error {
	type surface struct {
		text      string
		updatedAt int64
	}
	current := map[string]surface{}

	err := m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		data := entry.Data()
		current[data.ID] = surface{text: embeddingText(data), updatedAt: data.UpdatedAt}
		return nil
	})
	if err != nil {
		return err
	}
	err = m.dict.IterateEntries(ctx, func(definition *dictionary.Entry) error {
		if definition.Status == dictionary.StatusApproved {
			current[definition.ID] = surface{text: definition.EmbeddingText(), updatedAt: definition.UpdatedAt}
		}
		return nil
	})
	if err != nil {
		return err
	}

	rows, err := m.loadEmbeddingRows()
	if err != nil {
		return err
	}

	// Drop orphans: rows whose entry or definition no longer exists.
	changed := false
	kept := rows[:0]
	for _, row := range rows {
		if _, ok := current[row.Identifier]; ok {
			kept = append(kept, row)
		} else {
			changed = true
		}
	}
	rows = kept

	byID := map[string]embeddings.Entry{}
	for _, row := range rows {
		byID[row.Identifier] = row
	}
	var staleIDs []string
	var staleTexts []string
	for id, s := range current {
		if row, ok := byID[id]; ok && row.UpdatedAt == s.updatedAt {
			continue
		}
		staleIDs = append(staleIDs, id)
		staleTexts = append(staleTexts, s.text)
	}

	for start := 0; start < len(staleIDs); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(staleIDs) {
			end = len(staleIDs)
		}
		vectors, err := m.embed.GenerateDocumentEmbeddings(ctx, staleTexts[start:end])
		if err != nil {
			return err
		}
		for i, vector := range vectors {
			id := staleIDs[start+i]
			row := embeddings.Entry{
				Identifier: id,
				Embedding:  vector,
				UpdatedAt:  current[id].updatedAt,
			}
			rows = upsertEmbeddingRow(rows, row)
		}
		changed = true
	}

	if !changed {
		return nil
	}

	embeddingsPath := filepath.Join(m.folderPath, embeddingsFileName)
	if err := writeJSON(embeddingsPath, rows); err != nil {
		return err
	}
	indexPath := filepath.Join(m.folderPath, nnIndexFileName)
	if err := embeddings.BuildIndex(rows).Save(indexPath); err != nil {
		return err
	}
	m.git.Add(embeddingsPath, indexPath)
	return nil
}

func (m *Manager) loadEmbeddingRows() ([]embeddings.Entry, error) {
	raw, err := os.ReadFile(filepath.Join(m.folderPath, embeddingsFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read embeddings: %w", err)
	}
	var rows []embeddings.Entry
	if err := json.Unmarshal(raw, &rows); err != nil {
		log.Printf("archive: corrupt %s, resetting: %v", embeddingsFileName, err)
		return nil, nil
	}
	return rows, nil
}

func upsertEmbeddingRow(rows []embeddings.Entry, row embeddings.Entry) []embeddings.Entry {
	for i := range rows {
		if rows[i].Identifier == row.Identifier {
			rows[i] = row
			return rows
		}
	}
	return append(rows, row)
}

func containsUint16(values []uint16, value uint16) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// SavePersistentIndex serializes the snapshot to path. The format is
// versioned, big-endian, with length-prefixed strings.
func SavePersistentIndex(index *PersistentIndex, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create persistent index: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	write := func(v any) error { return binary.Write(w, binary.BigEndian, v) }
	writeString16 := func(s string) error {
		// The length prefix is 16 bits; a longer string would wrap the
		// prefix and corrupt every record after it.
		if len(s) > int(^uint16(0)) {
			return fmt.Errorf("string exceeds 16-bit length prefix (%d bytes)", len(s))
		}
		if err := write(uint16(len(s))); err != nil {
			return err
		}
		_, err := w.WriteString(s)
		return err
	}
	writeIndices := func(values []uint16) error {
		if err := write(uint16(len(values))); err != nil {
			return err
		}
		for _, v := range values {
			if err := write(v); err != nil {
				return err
			}
		}
		return nil
	}
	writeTable := func(values []string) error {
		if err := write(uint16(len(values))); err != nil {
			return err
		}
		for _, v := range values {
			if err := writeString16(v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := write(persistentIndexVersion); err != nil {
		return fmt.Errorf("write persistent index header: %w", err)
	}
	if err := write(uint64(index.UpdatedAt)); err != nil {
		return fmt.Errorf("write persistent index header: %w", err)
	}
	for _, table := range [][]string{index.AllTags, index.AllAuthors, index.AllCategories} {
		if err := writeTable(table); err != nil {
			return fmt.Errorf("write persistent index tables: %w", err)
		}
	}
	styles := index.SchemaStyles
	if len(styles) == 0 {
		styles = json.RawMessage("{}")
	}
	if err := write(uint32(len(styles))); err != nil {
		return fmt.Errorf("write schema styles: %w", err)
	}
	if _, err := w.Write(styles); err != nil {
		return fmt.Errorf("write schema styles: %w", err)
	}

	for _, channel := range index.Channels {
		for _, s := range []string{channel.Code, channel.Name, channel.Description} {
			if err := writeString16(s); err != nil {
				return fmt.Errorf("write channel: %w", err)
			}
		}
		if err := write(channel.Category); err != nil {
			return fmt.Errorf("write channel: %w", err)
		}
		if err := writeIndices(channel.Tags); err != nil {
			return fmt.Errorf("write channel: %w", err)
		}
		if err := writeString16(channel.Path); err != nil {
			return fmt.Errorf("write channel: %w", err)
		}
		if err := write(uint32(len(channel.Entries))); err != nil {
			return fmt.Errorf("write channel: %w", err)
		}
		for _, entry := range channel.Entries {
			if err := writeString16(strings.Join(entry.Codes, ",")); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := writeString16(entry.Name); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := writeIndices(entry.Authors); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := writeIndices(entry.Tags); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := write(uint64(entry.UpdatedAt)); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := write(uint64(entry.ArchivedAt)); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := writeString16(entry.Path); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			if err := writeString16(entry.MainImagePath); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush persistent index: %w", err)
	}
	return nil
}

// LoadPersistentIndex deserializes a snapshot written by SavePersistentIndex.
func LoadPersistentIndex(path string) (*PersistentIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open persistent index: %w", err)
	}
	defer file.Close()
	r := bufio.NewReader(file)

	read := func(v any) error { return binary.Read(r, binary.BigEndian, v) }
	readString16 := func() (string, error) {
		var length uint16
		if err := read(&length); err != nil {
			return "", err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(r, raw); err != nil {
			return "", err
		}
		return string(raw), nil
	}
	readIndices := func() ([]uint16, error) {
		var count uint16
		if err := read(&count); err != nil {
			return nil, err
		}
		values := make([]uint16, count)
		for i := range values {
			if err := read(&values[i]); err != nil {
				return nil, err
			}
		}
		return values, nil
	}
	readTable := func() ([]string, error) {
		var count uint16
		if err := read(&count); err != nil {
			return nil, err
		}
		values := make([]string, count)
		for i := range values {
			v, err := readString16()
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	}

	var version uint16
	if err := read(&version); err != nil || version != persistentIndexVersion {
		return nil, ErrBadPersistentIndex
	}
	var updatedAt uint64
	if err := read(&updatedAt); err != nil {
		return nil, ErrBadPersistentIndex
	}
	index := &PersistentIndex{UpdatedAt: int64(updatedAt)}

	if index.AllTags, err = readTable(); err != nil {
		return nil, ErrBadPersistentIndex
	}
	if index.AllAuthors, err = readTable(); err != nil {
		return nil, ErrBadPersistentIndex
	}
	if index.AllCategories, err = readTable(); err != nil {
		return nil, ErrBadPersistentIndex
	}
	var stylesLength uint32
	if err := read(&stylesLength); err != nil {
		return nil, ErrBadPersistentIndex
	}
	styles := make([]byte, stylesLength)
	if _, err := io.ReadFull(r, styles); err != nil {
		return nil, ErrBadPersistentIndex
	}
	index.SchemaStyles = styles

	for {
		code, err := readString16()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ErrBadPersistentIndex
		}
		channel := PersistentIndexChannel{Code: code}
		if channel.Name, err = readString16(); err != nil {
			return nil, ErrBadPersistentIndex
		}
		if channel.Description, err = readString16(); err != nil {
			return nil, ErrBadPersistentIndex
		}
		if err := read(&channel.Category); err != nil {
			return nil, ErrBadPersistentIndex
		}
		if channel.Tags, err = readIndices(); err != nil {
			return nil, ErrBadPersistentIndex
		}
		if channel.Path, err = readString16(); err != nil {
			return nil, ErrBadPersistentIndex
		}
		var entryCount uint32
		if err := read(&entryCount); err != nil {
			return nil, ErrBadPersistentIndex
		}
		for i := uint32(0); i < entryCount; i++ {
			var entry PersistentIndexEntry
			codes, err := readString16()
			if err != nil {
				return nil, ErrBadPersistentIndex
			}
			entry.Codes = strings.Split(codes, ",")
			if entry.Name, err = readString16(); err != nil {
				return nil, ErrBadPersistentIndex
			}
			if entry.Authors, err = readIndices(); err != nil {
				return nil, ErrBadPersistentIndex
			}
			if entry.Tags, err = readIndices(); err != nil {
				return nil, ErrBadPersistentIndex
			}
			var updated, archived uint64
			if err := read(&updated); err != nil {
				return nil, ErrBadPersistentIndex
			}
			if err := read(&archived); err != nil {
				return nil, ErrBadPersistentIndex
			}
			entry.UpdatedAt = int64(updated)
			entry.ArchivedAt = int64(archived)
			if entry.Path, err = readString16(); err != nil {
				return nil, ErrBadPersistentIndex
			}
			if entry.MainImagePath, err = readString16(); err != nil {
				return nil, ErrBadPersistentIndex
			}
			channel.Entries = append(channel.Entries, entry)
		}
		index.Channels = append(index.Channels, channel)
	}
	return index, nil
}
