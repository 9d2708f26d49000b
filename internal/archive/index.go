package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"llamabot/archive/internal/dictionary"
	"llamabot/archive/internal/postcache"
)

const (
	postIndexFileName = "post_to_submission_index.json"
	indexIdleTimeout  = 5 * time.Minute
)

// ArchiveIndexEntry is the denormalized row kept per entry for reverse
// lookups.
type ArchiveIndexEntry struct {
	Name     string
	Code     string
	ThreadID string
	URL      string
	Path     string
}

// ArchiveIndex holds the reverse lookups rebuilt from a full repository scan.
type ArchiveIndex struct {
	IDToData   map[string]ArchiveIndexEntry
	ThreadToID map[string]string
	CodeToID   map[string]string
}

// DictionaryIndexEntry is the lookup row per approved dictionary entry.
type DictionaryIndexEntry struct {
	Term string
	ID   string
	URL  string
}

// DictionaryTermIndex pairs the compiled term matcher with per-entry lookup
// data, so prose can be scanned for known terms in one pass.
type DictionaryTermIndex struct {
	Matcher   *dictionary.Matcher
	IDToEntry map[string]DictionaryIndexEntry
}

// entryVisitor is invoked per entry during a full repository scan.
type entryVisitor func(entry *Entry, ref EntryReference, channelRef ChannelReference) error

// IndexManager builds and caches the derived lookups: the persisted
// post-thread-to-submission map and the in-memory archive and dictionary
// term indexes. The JSON map on disk is authoritative; the Redis cache, when
// configured, only speeds up point lookups across restarts.
type IndexManager struct {
	folderPath string
	dict       *dictionary.Manager
	iterate    func(ctx context.Context, fn entryVisitor) error
	cache      *postcache.RedisStore

	postMu  sync.Mutex
	archive *TTLCache[*ArchiveIndex]
	terms   *TTLCache[*DictionaryTermIndex]
}

// NewIndexManager creates an index manager over the repository at folderPath.
// iterate performs a full entry scan; cache may be nil.
func NewIndexManager(folderPath string, dict *dictionary.Manager, iterate func(ctx context.Context, fn entryVisitor) error, cache *postcache.RedisStore) *IndexManager {
	m := &IndexManager{
		folderPath: folderPath,
		dict:       dict,
		iterate:    iterate,
		cache:      cache,
	}
	m.archive = NewTTLCache(indexIdleTimeout, m.buildArchiveIndex)
	m.terms = NewTTLCache(indexIdleTimeout, m.buildDictionaryTermIndex)
	return m
}

func (m *IndexManager) postIndexPath() string {
	return filepath.Join(m.folderPath, postIndexFileName)
}

// PostToSubmissionIndex loads the persisted map, creating an empty file on
// first use. A corrupt file resets to empty rather than failing.
func (m *IndexManager) PostToSubmissionIndex() (map[string]string, error) {
	raw, err := os.ReadFile(m.postIndexPath())
	if errors.Is(err, fs.ErrNotExist) {
		if err := m.savePostToSubmissionIndex(map[string]string{}); err != nil {
			return nil, err
		}
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read post index: %w", err)
	}
	index := map[string]string{}
	if err := json.Unmarshal(raw, &index); err != nil {
		log.Printf("archive: corrupt %s, resetting: %v", postIndexFileName, err)
		return map[string]string{}, nil
	}
	return index, nil
}

func (m *IndexManager) savePostToSubmissionIndex(index map[string]string) error {
	return writeJSON(m.postIndexPath(), index)
}

// SubmissionIDByPostID resolves a thread id to its submission id. On a map
// miss it falls back to a full repository scan and backfills the map, so the
// next lookup is a point read. Returns "" when no entry owns the thread.
func (m *IndexManager) SubmissionIDByPostID(ctx context.Context, postID string) (string, error) {
	if m.cache != nil {
		if submissionID, err := m.cache.Get(ctx, postID); err == nil {
			return submissionID, nil
		} else if !errors.Is(err, postcache.ErrNotFound) {
			log.Printf("archive: post cache lookup: %v", err)
		}
	}

	m.postMu.Lock()
	index, err := m.PostToSubmissionIndex()
	if err != nil {
		m.postMu.Unlock()
		return "", err
	}
	if submissionID, ok := index[postID]; ok {
		m.postMu.Unlock()
		m.cachePost(ctx, postID, submissionID)
		return submissionID, nil
	}
	m.postMu.Unlock()

	var found string
	err = m.iterate(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		if found != "" {
			return nil
		}
		post := entry.Data().Post
		if post != nil && post.ThreadID == postID {
			found = entry.Data().ID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", nil
	}
	if err := m.SetSubmissionIDForPostID(ctx, postID, found); err != nil {
		return "", err
	}
	return found, nil
}

// SetSubmissionIDForPostID records a thread-to-submission mapping. Writing
// an unchanged mapping is a no-op.
func (m *IndexManager) SetSubmissionIDForPostID(ctx context.Context, postID, submissionID string) error {
	m.postMu.Lock()
	defer m.postMu.Unlock()

	index, err := m.PostToSubmissionIndex()
	if err != nil {
		return err
	}
	if previous, ok := index[postID]; ok && previous == submissionID {
		return nil
	}
	index[postID] = submissionID
	if err := m.savePostToSubmissionIndex(index); err != nil {
		return err
	}
	m.cachePost(ctx, postID, submissionID)
	return nil
}

// DeleteSubmissionIDForPostID removes a mapping if present.
func (m *IndexManager) DeleteSubmissionIDForPostID(ctx context.Context, postID string) error {
	m.postMu.Lock()
	defer m.postMu.Unlock()

	index, err := m.PostToSubmissionIndex()
	if err != nil {
		return err
	}
	if _, ok := index[postID]; !ok {
		return nil
	}
	delete(index, postID)
	if err := m.savePostToSubmissionIndex(index); err != nil {
		return err
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, postID); err != nil {
			log.Printf("archive: post cache delete: %v", err)
		}
	}
	return nil
}

func (m *IndexManager) cachePost(ctx context.Context, postID, submissionID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, postID, submissionID); err != nil {
		log.Printf("archive: post cache set: %v", err)
	}
}

// ArchiveIndex returns the cached reverse-lookup index, rebuilding on a miss.
func (m *IndexManager) ArchiveIndex(ctx context.Context) (*ArchiveIndex, error) {
	return m.archive.Get(ctx)
}

// DictionaryTermIndex returns the cached term index, rebuilding on a miss.
func (m *IndexManager) DictionaryTermIndex(ctx context.Context) (*DictionaryTermIndex, error) {
	return m.terms.Get(ctx)
}

// InvalidateArchiveIndex drops the archive index after a structural mutation.
func (m *IndexManager) InvalidateArchiveIndex() {
	m.archive.Invalidate()
}

// InvalidateDictionaryTermIndex drops the term index after a dictionary
// write.
func (m *IndexManager) InvalidateDictionaryTermIndex() {
	m.terms.Invalidate()
}

func (m *IndexManager) buildArchiveIndex(ctx context.Context) (*ArchiveIndex, error) {
	index := &ArchiveIndex{
		IDToData:   map[string]ArchiveIndexEntry{},
		ThreadToID: map[string]string{},
		CodeToID:   map[string]string{},
	}
	err := m.iterate(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		data := entry.Data()
		if data.Post == nil {
			return nil
		}
		for _, threadID := range data.PastPostThreadIDs {
			index.ThreadToID[threadID] = data.ID
		}
		index.ThreadToID[data.Post.ThreadID] = data.ID
		for _, code := range data.ReservedCodes {
			index.CodeToID[strings.ToUpper(code)] = data.ID
		}
		index.CodeToID[strings.ToUpper(data.Code)] = data.ID
		index.IDToData[data.ID] = ArchiveIndexEntry{
			Name:     data.Name,
			Code:     data.Code,
			ThreadID: data.Post.ThreadID,
			URL:      data.Post.ThreadURL,
			Path:     channelRef.Path + "/" + ref.Path,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build archive index: %w", err)
	}
	return index, nil
}

func (m *IndexManager) buildDictionaryTermIndex(ctx context.Context) (*DictionaryTermIndex, error) {
	entries, err := m.dict.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("build dictionary term index: %w", err)
	}

	patterns := map[string][]string{}
	idToEntry := map[string]DictionaryIndexEntry{}
	for _, entry := range entries {
		if entry.Status != dictionary.StatusApproved {
			continue
		}
		url := entry.StatusURL
		if url == "" {
			url = entry.ThreadURL
		}
		term := entry.ID
		if len(entry.Terms) > 0 {
			term = entry.Terms[0]
		}
		idToEntry[entry.ID] = DictionaryIndexEntry{Term: term, ID: entry.ID, URL: url}

		for _, rawTerm := range entry.Terms {
			normalized := dictionary.NormalizeTerm(rawTerm)
			if normalized == "" {
				continue
			}
			if containsID(patterns[normalized], entry.ID) {
				continue
			}
			patterns[normalized] = append(patterns[normalized], entry.ID)
		}
	}

	return &DictionaryTermIndex{
		Matcher:   dictionary.NewMatcher(patterns),
		IDToEntry: idToEntry,
	}, nil
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
