// Package archive implements the repository synchronization engine: it
// materializes accepted submissions into a versioned working tree, keeps the
// matching Discord forum threads in sync, and maintains the derived indexes.
// All structural mutations are serialized through a per-repository lock.
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
	"sort"
	"strings"
	"sync"
	"time"

	"llamabot/archive/internal/dictionary"
	"llamabot/archive/internal/discordapi"
	"llamabot/archive/internal/embeddings"
	"llamabot/archive/internal/gitstore"
	"llamabot/archive/internal/mirror"
	"llamabot/archive/internal/postcache"
	"llamabot/archive/internal/safepath"
	"llamabot/archive/internal/search"
)

const (
	channelsFileName   = "channels.json"
	embeddingsFileName = "embeddings.json"
	nnIndexFileName    = "hnsw.idx"

	channelRefsTimeout = 5 * time.Minute
)

// ErrChannelNotFound reports a target channel missing from channels.json.
var ErrChannelNotFound = errors.New("archive channel not found")

// MoveAttachmentsFunc copies a submission's staged images and attachments
// into the entry folder and rewrites the Path fields on data. The engine
// supplies the destination folders; a nil func is a no-op republish.
type MoveAttachmentsFunc func(data *EntryData, imagesDir, attachmentsDir string) error

// StatusFunc receives human-readable progress lines during a long mutation.
type StatusFunc func(message string)

// Hooks are best-effort notifications fired after a mutation commits.
// Failures inside a hook are the hook's problem; the engine never blocks on
// them.
type Hooks struct {
	OnPostAdd    func(data *EntryData)
	OnPostUpdate func(data *EntryData)
	OnPostDelete func(data *EntryData)
}

// UpdateOptions carries one publish or republish request.
type UpdateOptions struct {
	Data                 *EntryData
	ChannelID            string
	ForceNew             bool
	ReprocessImages      bool
	ReanalyzeAttachments bool
	MoveAttachments      MoveAttachmentsFunc
	Status               StatusFunc
}

// UpdateResult returns the entry state before and after a publish so the
// caller can sync its own pointers.
type UpdateResult struct {
	Previous *EntryData
	Current  *EntryData
}

// Options wires a Manager's collaborators. Servers, Embeddings, PostCache,
// Search, and Mirror are optional; everything else is required.
type Options struct {
	FolderPath string
	Git        *gitstore.Store
	Discord    discordapi.Client
	Dictionary *dictionary.Manager
	Servers    *dictionary.Servers
	Embeddings *embeddings.Client
	PostCache  *postcache.RedisStore
	Search     *search.Service
	Mirror     *mirror.Snapshots
}

// Manager orchestrates the working tree, the Discord threads, and the
// derived indexes for one archive repository.
type Manager struct {
	folderPath string
	git        *gitstore.Store
	discord    discordapi.Client
	dict       *dictionary.Manager
	servers    *dictionary.Servers
	embed      *embeddings.Client
	search     *search.Service
	mirror     *mirror.Snapshots

	lock        *Lock
	index       *IndexManager
	channelRefs *TTLCache[[]ChannelReference]

	hooksMu sync.Mutex
	hooks   Hooks

	ignoreMu sync.Mutex
	ignored  map[string]int
}

// NewManager creates a manager over the repository at opts.FolderPath.
func NewManager(opts Options) *Manager {
	m := &Manager{
		folderPath: opts.FolderPath,
		git:        opts.Git,
		discord:    opts.Discord,
		dict:       opts.Dictionary,
		servers:    opts.Servers,
		embed:      opts.Embeddings,
		search:     opts.Search,
		mirror:     opts.Mirror,
		lock:       NewLock(),
		ignored:    map[string]int{},
	}
	m.index = NewIndexManager(opts.FolderPath, opts.Dictionary, m.IterateAllEntries, opts.PostCache)
	m.channelRefs = NewTTLCache(channelRefsTimeout, m.loadChannelReferences)
	return m
}

// Init prepares the working tree and the git repository.
func (m *Manager) Init(ctx context.Context) error {
	if err := os.MkdirAll(m.folderPath, 0o755); err != nil {
		return fmt.Errorf("create repository folder: %w", err)
	}
	if err := m.git.Init(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(m.channelsPath()); errors.Is(err, fs.ErrNotExist) {
		if err := writeJSON(m.channelsPath(), []ChannelReference{}); err != nil {
			return err
		}
	}
	return nil
}

// Index exposes the derived-index manager.
func (m *Manager) Index() *IndexManager {
	return m.index
}

// SetHooks installs the notification hooks.
func (m *Manager) SetHooks(hooks Hooks) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = hooks
}

// IgnoresSubmission reports whether edits echoing back from Discord for this
// submission should be dropped because the engine itself caused them.
func (m *Manager) IgnoresSubmission(submissionID string) bool {
	m.ignoreMu.Lock()
	defer m.ignoreMu.Unlock()
	return m.ignored[submissionID] > 0
}

func (m *Manager) ignoreSubmission(submissionID string) func() {
	m.ignoreMu.Lock()
	m.ignored[submissionID]++
	m.ignoreMu.Unlock()
	return func() {
		m.ignoreMu.Lock()
		m.ignored[submissionID]--
		if m.ignored[submissionID] <= 0 {
			delete(m.ignored, submissionID)
		}
		m.ignoreMu.Unlock()
	}
}

func (m *Manager) channelsPath() string {
	return filepath.Join(m.folderPath, channelsFileName)
}

func (m *Manager) loadChannelReferences(ctx context.Context) ([]ChannelReference, error) {
	raw, err := os.ReadFile(m.channelsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return []ChannelReference{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read channel references: %w", err)
	}
	var refs []ChannelReference
	if err := json.Unmarshal(raw, &refs); err != nil {
		log.Printf("archive: corrupt %s, resetting: %v", channelsFileName, err)
		return []ChannelReference{}, nil
	}
	return refs, nil
}

// ChannelReferences returns the cached channel catalog.
func (m *Manager) ChannelReferences(ctx context.Context) ([]ChannelReference, error) {
	return m.channelRefs.Get(ctx)
}

func (m *Manager) saveChannelReferences(refs []ChannelReference) error {
	if err := writeJSON(m.channelsPath(), refs); err != nil {
		return err
	}
	m.channelRefs.Set(refs)
	m.git.Add(m.channelsPath())
	return nil
}

// IterateAllEntries visits every loadable entry in every channel. Entries
// that fail to load are skipped. Does not take the lock; concurrent readers
// may observe a mid-mutation tree and must treat misses as transient.
func (m *Manager) IterateAllEntries(ctx context.Context, fn entryVisitor) error {
	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		return err
	}
	for _, channelRef := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		channelFolder, err := safepath.Join(m.folderPath, channelRef.Path)
		if err != nil {
			return err
		}
		channel, err := ChannelFromFolder(channelFolder)
		if err != nil || channel == nil {
			continue
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
			if err := fn(entry, entryRef, channelRef); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindEntryBySubmissionID scans the repository for the entry owning the
// submission id. Returns (nil, nil, nil) when absent.
func (m *Manager) FindEntryBySubmissionID(ctx context.Context, submissionID string) (*Entry, *ChannelReference, error) {
	var found *Entry
	var foundChannel ChannelReference
	err := m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		if found == nil && entry.Data().ID == submissionID {
			found = entry
			foundChannel = channelRef
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, nil, err
	}
	return found, &foundChannel, nil
}

// AddOrUpdateEntry publishes or republishes one submission, then commits and
// pushes. See UpdateOptions for the knobs.
func (m *Manager) AddOrUpdateEntry(ctx context.Context, opts UpdateOptions) (*UpdateResult, error) {
	if err := m.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer m.lock.Release()

	result, err := m.addOrUpdateEntryLocked(ctx, opts, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if err := m.git.Commit(fmt.Sprintf("Archive %s %s", result.Current.Code, result.Current.Name)); err != nil {
		return nil, err
	}
	m.git.Push(ctx)
	return result, nil
}

// addOrUpdateEntryLocked is the reconciliation core. The caller holds the
// lock. visited guards cross-reference repair against reference cycles.
func (m *Manager) addOrUpdateEntryLocked(ctx context.Context, opts UpdateOptions, visited map[string]bool) (*UpdateResult, error) {
	data := opts.Data.Clone()
	status := opts.Status
	if status == nil {
		status = func(string) {}
	}
	release := m.ignoreSubmission(data.ID)
	defer release()

	m.resolveServerReferences(ctx, data)

	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		return nil, err
	}
	targetRef := findChannelRef(refs, opts.ChannelID)
	if targetRef == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, opts.ChannelID)
	}
	channelFolder, err := safepath.Join(m.folderPath, targetRef.Path)
	if err != nil {
		return nil, err
	}
	channel, err := ChannelFromFolder(channelFolder)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		channel = NewChannelFromReference(*targetRef, channelFolder)
	}

	existing, existingChannelRef, err := m.FindEntryBySubmissionID(ctx, data.ID)
	if err != nil {
		return nil, err
	}
	var previous *EntryData
	if existing != nil {
		previous = existing.Data().Clone()
	}

	sameChannel := existingChannelRef != nil && existingChannelRef.ID == targetRef.ID

	// Resolve the entry code. An entry keeps its code while it stays in its
	// channel; moving channels mints a fresh one and retires the old code
	// into reservedCodes.
	switch {
	case previous != nil && sameChannel:
		data.Code = previous.Code
		data.ReservedCodes = previous.ReservedCodes
		data.PastPostThreadIDs = previous.PastPostThreadIDs
		data.ArchivedAt = previous.ArchivedAt
	case previous != nil:
		data.ReservedCodes = previous.ReservedCodes
		data.PastPostThreadIDs = previous.PastPostThreadIDs
		data.ArchivedAt = previous.ArchivedAt
		data.Code = channel.NextCode()
	default:
		data.Code = channel.NextCode()
	}
	if !containsID(data.ReservedCodes, data.Code) {
		data.ReservedCodes = append(data.ReservedCodes, data.Code)
	}
	if data.ArchivedAt == 0 {
		data.ArchivedAt = time.Now().UnixMilli()
	}
	// Bump the content timestamp only when something actually changed, so a
	// republish with identical data writes identical bytes and stages nothing.
	if previous == nil || entryContentChanged(previous, data) {
		data.UpdatedAt = time.Now().UnixMilli()
	} else {
		data.UpdatedAt = previous.UpdatedAt
	}

	folderName := fmt.Sprintf("%s_%s", data.Code, EscapeName(data.Name))
	entryFolder, err := safepath.Join(channelFolder, folderName)
	if err != nil {
		return nil, err
	}

	// Move an existing folder into place so history is preserved.
	if existing != nil && existing.FolderPath() != entryFolder {
		status(fmt.Sprintf("Moving %s", folderName))
		if err := m.git.Move(existing.FolderPath(), entryFolder); err != nil {
			return nil, err
		}
	}

	var comments []Comment
	if existing != nil {
		comments = NewEntry(previous.Clone(), entryFolder).Comments()
	}

	threadDeleted := false
	if previous != nil && previous.Post != nil {
		switch {
		case !sameChannel:
			// Re-homed: the old thread belongs to the old forum.
			m.deleteThread(ctx, previous.Post)
			threadDeleted = true
		case opts.ForceNew:
			m.deleteThread(ctx, previous.Post)
			threadDeleted = true
		default:
			data.Post = previous.Post
		}
	}
	if threadDeleted {
		if !containsID(data.PastPostThreadIDs, previous.Post.ThreadID) {
			data.PastPostThreadIDs = append(data.PastPostThreadIDs, previous.Post.ThreadID)
		}
		data.Post = nil
	}
	if existingChannelRef != nil && !sameChannel {
		if err := m.spliceFromChannel(existingChannelRef, data.ID); err != nil {
			return nil, err
		}
	}

	// The upload message holds the raw attachment files; it survives only if
	// neither the attachment set nor the code changed.
	if data.Post != nil && previous != nil {
		if previous.Code == data.Code && attachmentNamesEqual(previous.Attachments, data.Attachments) {
			data.Post.UploadMessageID = previous.Post.UploadMessageID
		} else if previous.Post.UploadMessageID != "" {
			if err := m.discord.DeleteMessage(ctx, data.Post.ThreadID, previous.Post.UploadMessageID); err != nil {
				log.Printf("archive: delete upload message: %v", err)
			}
			data.Post.UploadMessageID = ""
		}
	}

	entry := NewEntry(data, entryFolder)
	if opts.MoveAttachments != nil {
		status("Moving attachments")
		if err := opts.MoveAttachments(data, entry.ImagesPath(), entry.AttachmentsPath()); err != nil {
			return nil, fmt.Errorf("move attachments: %w", err)
		}
	}

	channel.UpsertEntry(EntryReference{
		ID:        data.ID,
		Name:      data.Name,
		Code:      data.Code,
		Path:      folderName,
		Timestamp: data.UpdatedAt,
	})

	status("Synchronizing thread")
	created, err := m.syncThread(ctx, targetRef.ID, data)
	if err != nil {
		return nil, err
	}

	republishImages := created || opts.ReprocessImages ||
		(previous != nil && !imageKeysEqual(previous.Images, data.Images))
	if err := m.syncThreadMessages(ctx, entry, data, comments, created, republishImages); err != nil {
		return nil, err
	}

	status("Saving entry")
	if err := entry.Save(); err != nil {
		return nil, err
	}
	if err := entry.SaveComments(comments); err != nil {
		return nil, err
	}
	readmePath := filepath.Join(entryFolder, readmeFileName)
	if err := os.WriteFile(readmePath, []byte(BuildReadme(data, comments)), 0o644); err != nil {
		return nil, fmt.Errorf("write readme: %w", err)
	}
	if err := channel.Save(); err != nil {
		return nil, err
	}
	m.git.Add(entryFolder, channel.DataPath())
	m.index.InvalidateArchiveIndex()

	if data.Post != nil {
		if err := m.index.SetSubmissionIDForPostID(ctx, data.Post.ThreadID, data.ID); err != nil {
			log.Printf("archive: update post index: %v", err)
		}
		if previous != nil && previous.Post != nil && previous.Post.ThreadID != data.Post.ThreadID {
			if err := m.index.DeleteSubmissionIDForPostID(ctx, previous.Post.ThreadID); err != nil {
				log.Printf("archive: prune post index: %v", err)
			}
		}
	}

	m.syncDictionaryBackReferences(ctx, previous, data)

	if previous != nil && addressChanged(previous, data) {
		status("Repairing cross-references")
		visited[data.ID] = true
		if err := m.repairCrossReferences(ctx, data, visited); err != nil {
			log.Printf("archive: cross-reference repair: %v", err)
		}
	}

	if m.search != nil {
		m.search.IndexEntry(searchRecord(data, targetRef.Code))
	}
	m.notify(previous == nil, data)
	return &UpdateResult{Previous: previous, Current: data}, nil
}

// resolveServerReferences fills missing invite URLs and names on related
// server references from the registry, so the thread's server block always
// links somewhere current.
func (m *Manager) resolveServerReferences(ctx context.Context, data *EntryData) {
	if m.servers == nil {
		return
	}
	for i := range data.References {
		ref := &data.References[i]
		if ref.Type != RefDiscordServer || ref.URL != "" {
			continue
		}
		server, err := m.servers.GetByID(ctx, ref.ID)
		if err != nil {
			log.Printf("archive: resolve discord server %s: %v", ref.ID, err)
			continue
		}
		if server == nil {
			continue
		}
		ref.URL = server.JoinURL
		if ref.Name == "" {
			ref.Name = server.Name
		}
	}
}

// syncDictionaryBackReferences keeps each definition's referencedBy list in
// step with the entry's term references: the entry id is added to every
// definition it now references and removed from ones it no longer does.
// previous may be nil on first publish; a current with no term references
// (as on retraction) clears the entry out of every definition it touched.
func (m *Manager) syncDictionaryBackReferences(ctx context.Context, previous, current *EntryData) {
	wanted := map[string]bool{}
	for _, ref := range current.References {
		if ref.Type == RefDictionaryTerm && ref.ID != "" {
			wanted[ref.ID] = true
		}
	}
	touched := map[string]bool{}
	for id := range wanted {
		touched[id] = true
	}
	if previous != nil {
		for _, ref := range previous.References {
			if ref.Type == RefDictionaryTerm && ref.ID != "" {
				touched[ref.ID] = true
			}
		}
	}
	for id := range touched {
		definition, err := m.dict.GetEntry(ctx, id)
		if err != nil {
			log.Printf("archive: load definition %s for back-reference: %v", id, err)
			continue
		}
		if definition == nil {
			continue
		}
		has := containsID(definition.ReferencedBy, current.ID)
		switch {
		case wanted[id] && !has:
			definition.ReferencedBy = append(definition.ReferencedBy, current.ID)
		case !wanted[id] && has:
			kept := definition.ReferencedBy[:0]
			for _, refID := range definition.ReferencedBy {
				if refID != current.ID {
					kept = append(kept, refID)
				}
			}
			definition.ReferencedBy = kept
		default:
			continue
		}
		if err := m.dict.SaveEntry(ctx, definition); err != nil {
			log.Printf("archive: update definition %s back-references: %v", id, err)
		}
	}
}

func searchRecord(data *EntryData, channelCode string) search.EntryRecord {
	record := search.EntryRecord{
		ID:          data.ID,
		Code:        data.Code,
		Name:        data.Name,
		ChannelCode: channelCode,
		Body:        renderRecords(data.Records),
	}
	for _, author := range data.Authors {
		record.Authors = append(record.Authors, author.Name)
	}
	for _, tag := range data.Tags {
		record.Tags = append(record.Tags, tag.Name)
	}
	if data.Post != nil {
		record.URL = data.Post.ThreadURL
	}
	return record
}

// ReindexSearch pushes a full scan of the archive and dictionary into the
// search mirror.
func (m *Manager) ReindexSearch(ctx context.Context) error {
	if m.search == nil {
		return nil
	}
	var entries []search.EntryRecord
	err := m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		entries = append(entries, searchRecord(entry.Data(), channelRef.Code))
		return nil
	})
	if err != nil {
		return err
	}
	var definitions []search.DefinitionRecord
	err = m.dict.IterateEntries(ctx, func(definition *dictionary.Entry) error {
		url := definition.StatusURL
		if url == "" {
			url = definition.ThreadURL
		}
		definitions = append(definitions, search.DefinitionRecord{
			ID:         definition.ID,
			Terms:      definition.Terms,
			Definition: definition.Definition,
			URL:        url,
		})
		return nil
	})
	if err != nil {
		return err
	}
	m.search.ReindexAll(entries, definitions)
	return nil
}

// SearchEntries answers a text query from the search mirror when it is
// healthy, and otherwise falls back to a substring scan of the archive
// index so lookups keep working while Meilisearch is down.
func (m *Manager) SearchEntries(ctx context.Context, text string, limit int) ([]search.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	if m.search != nil && m.search.Available() {
		resp := m.search.Search(search.Query{Text: text, FilterType: search.ResultEntry, Limit: limit})
		return resp.Results, nil
	}
	index, err := m.index.ArchiveIndex(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	results := []search.Result{}
	for id, row := range index.IDToData {
		if needle != "" &&
			!strings.Contains(strings.ToLower(row.Name), needle) &&
			!strings.Contains(strings.ToLower(row.Code), needle) {
			continue
		}
		results = append(results, search.Result{
			Type:  search.ResultEntry,
			ID:    id,
			Code:  row.Code,
			Title: row.Name,
			URL:   row.URL,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Code < results[j].Code })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// syncThread creates or updates the forum post itself (name, tags, archive
// state). Reports whether the thread was just created.
func (m *Manager) syncThread(ctx context.Context, forumID string, data *EntryData) (bool, error) {
	forum, err := m.discord.Forum(ctx, forumID)
	if err != nil {
		return false, fmt.Errorf("fetch forum: %w", err)
	}
	tagIDs := applicableTagIDs(data.Tags, forum.AvailableTags)
	threadName := fmt.Sprintf("%s %s", data.Code, data.Name)

	if data.Post == nil {
		chunks := ComposeThreadMessages(data)
		thread, err := m.discord.CreateThread(ctx, forumID, threadName, tagIDs, chunks[0])
		if err != nil {
			return false, fmt.Errorf("create thread: %w", err)
		}
		data.Post = &PostInfo{
			ThreadID:             thread.ID,
			ForumID:              forumID,
			ThreadURL:            thread.URL,
			ContinuingMessageIDs: []string{},
		}
		if !containsID(data.PastPostThreadIDs, thread.ID) {
			data.PastPostThreadIDs = append(data.PastPostThreadIDs, thread.ID)
		}
		return true, nil
	}

	thread, err := m.discord.FetchThread(ctx, data.Post.ThreadID)
	if err != nil {
		return false, fmt.Errorf("fetch thread: %w", err)
	}
	if thread.Archived {
		if err := m.discord.SetArchived(ctx, thread.ID, false); err != nil {
			return false, fmt.Errorf("unarchive thread: %w", err)
		}
		defer func() {
			if err := m.discord.SetArchived(ctx, thread.ID, true); err != nil {
				log.Printf("archive: rearchive thread %s: %v", thread.ID, err)
			}
		}()
	}
	if err := m.discord.EditThread(ctx, thread.ID, threadName, tagIDs); err != nil {
		return false, fmt.Errorf("edit thread: %w", err)
	}
	data.Post.ThreadURL = thread.URL
	return false, nil
}

// syncThreadMessages reconciles the thread's message set against the
// composed chunks, uploads attachment and image files as needed, and replays
// persisted comments after a full refresh.
func (m *Manager) syncThreadMessages(ctx context.Context, entry *Entry, data *EntryData, comments []Comment, created, republishImages bool) error {
	chunks := ComposeThreadMessages(data)
	post := data.Post
	continuing := append([]string(nil), post.ContinuingMessageIDs...)
	rest := chunks[1:]

	wiped := false
	if len(rest) < len(continuing) && len(comments) > 0 && !created {
		// Shrinking under existing comments: wipe and recreate all
		// non-initial messages rather than leaving stale trailing text
		// interleaved with replies.
		for _, id := range continuing {
			if err := m.discord.DeleteMessage(ctx, post.ThreadID, id); err != nil {
				return fmt.Errorf("delete thread message: %w", err)
			}
		}
		continuing = nil
		wiped = true
	}
	for len(continuing) > len(rest) {
		last := continuing[len(continuing)-1]
		if err := m.discord.DeleteMessage(ctx, post.ThreadID, last); err != nil {
			return fmt.Errorf("delete trailing message: %w", err)
		}
		continuing = continuing[:len(continuing)-1]
	}
	for i := range continuing {
		if err := m.discord.EditMessage(ctx, post.ThreadID, continuing[i], rest[i]); err != nil {
			return fmt.Errorf("edit thread message: %w", err)
		}
	}
	for i := len(continuing); i < len(rest); i++ {
		msg, err := m.discord.SendMessage(ctx, post.ThreadID, rest[i])
		if err != nil {
			return fmt.Errorf("send thread message: %w", err)
		}
		continuing = append(continuing, msg.ID)
	}
	post.ContinuingMessageIDs = continuing

	// The starter message shares the thread id; edit it last so readers see
	// the body settle once the tail is consistent.
	if !created {
		if err := m.discord.EditMessage(ctx, post.ThreadID, post.ThreadID, chunks[0]); err != nil {
			return fmt.Errorf("edit starter message: %w", err)
		}
	}

	if republishImages {
		if paths := localFilePaths(entry.ImagesPath(), imagePaths(data.Images)); len(paths) > 0 {
			if _, err := m.discord.UploadFiles(ctx, post.ThreadID, paths); err != nil {
				return fmt.Errorf("upload images: %w", err)
			}
		}
	}
	if post.UploadMessageID == "" {
		if paths := localFilePaths(entry.AttachmentsPath(), attachmentPaths(data.Attachments)); len(paths) > 0 {
			msg, err := m.discord.UploadFiles(ctx, post.ThreadID, paths)
			if err != nil {
				return fmt.Errorf("upload attachments: %w", err)
			}
			post.UploadMessageID = msg.ID
		}
	}

	if (created || wiped) && len(comments) > 0 {
		replay := make([]discordapi.WebhookComment, len(comments))
		for i, comment := range comments {
			replay[i] = discordapi.WebhookComment{
				Username:  comment.Username,
				AvatarURL: comment.AvatarURL,
				Content:   comment.Content,
			}
		}
		if err := m.discord.ReplayComments(ctx, post.ThreadID, replay); err != nil {
			return fmt.Errorf("replay comments: %w", err)
		}
	}
	data.NumComments = len(comments)
	return nil
}

// repairCrossReferences rewrites references pointing at the moved entry in
// every other entry and dictionary definition, processing follow-up
// republishes as a worklist to a fixed point.
func (m *Manager) repairCrossReferences(ctx context.Context, target *EntryData, visited map[string]bool) error {
	type pending struct {
		data      *EntryData
		channelID string
	}
	var worklist []pending

	err := m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		other := entry.Data()
		if other.ID == target.ID || visited[other.ID] {
			return nil
		}
		changed := rewriteReferences(other.References, target)
		changed = rewriteReferences(other.AuthorReferences, target) || changed
		if changed {
			worklist = append(worklist, pending{data: other.Clone(), channelID: channelRef.ID})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, item := range worklist {
		if visited[item.data.ID] {
			continue
		}
		_, err := m.addOrUpdateEntryLocked(ctx, UpdateOptions{
			Data:      item.data,
			ChannelID: item.channelID,
		}, visited)
		if err != nil {
			log.Printf("archive: repair entry %s: %v", item.data.ID, err)
		}
	}

	return m.dict.IterateEntries(ctx, func(definition *dictionary.Entry) error {
		changed := false
		for i := range definition.References {
			ref := &definition.References[i]
			if ref.Type != RefArchivedPost || ref.ID != target.ID {
				continue
			}
			url, path := targetAddress(target)
			if ref.URL != url || ref.Path != path || ref.Name != target.Name {
				ref.URL, ref.Path, ref.Name = url, path, target.Name
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if err := m.dict.SaveEntry(ctx, definition); err != nil {
			log.Printf("archive: repair definition %s: %v", definition.ID, err)
		}
		return nil
	})
}

// RetractSubmission removes an entry entirely: folder, channel reference,
// post index mapping, and the live thread.
func (m *Manager) RetractSubmission(ctx context.Context, submissionID string) error {
	if err := m.lock.Acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	release := m.ignoreSubmission(submissionID)
	defer release()

	entry, channelRef, err := m.FindEntryBySubmissionID(ctx, submissionID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no archive entry for submission %s", submissionID)
	}
	data := entry.Data().Clone()

	if data.Post != nil {
		m.deleteThread(ctx, data.Post)
		if err := m.index.DeleteSubmissionIDForPostID(ctx, data.Post.ThreadID); err != nil {
			log.Printf("archive: prune post index: %v", err)
		}
	}

	m.git.Remove(entry.FolderPath())
	if err := os.RemoveAll(entry.FolderPath()); err != nil {
		return fmt.Errorf("remove entry folder: %w", err)
	}
	if err := m.spliceFromChannel(channelRef, submissionID); err != nil {
		return err
	}
	if m.search != nil {
		m.search.DeleteEntry(submissionID)
	}
	m.syncDictionaryBackReferences(ctx, data, &EntryData{ID: submissionID})
	m.index.InvalidateArchiveIndex()
	if _, err := m.buildPersistentIndexLocked(ctx); err != nil {
		log.Printf("archive: rebuild persistent index: %v", err)
	}

	if err := m.git.Commit(fmt.Sprintf("Retract %s %s", data.Code, data.Name)); err != nil {
		return err
	}
	m.git.Push(ctx)

	m.hooksMu.Lock()
	onDelete := m.hooks.OnPostDelete
	m.hooksMu.Unlock()
	if onDelete != nil {
		onDelete(data)
	}
	return nil
}

func (m *Manager) spliceFromChannel(channelRef *ChannelReference, submissionID string) error {
	channelFolder, err := safepath.Join(m.folderPath, channelRef.Path)
	if err != nil {
		return err
	}
	channel, err := ChannelFromFolder(channelFolder)
	if err != nil || channel == nil {
		return err
	}
	if channel.RemoveEntry(submissionID) {
		if err := channel.Save(); err != nil {
			return err
		}
		m.git.Add(channel.DataPath())
	}
	return nil
}

func (m *Manager) deleteThread(ctx context.Context, post *PostInfo) {
	if err := m.discord.DeleteThread(ctx, post.ThreadID); err != nil {
		log.Printf("archive: delete thread %s: %v", post.ThreadID, err)
	}
}

func (m *Manager) notify(added bool, data *EntryData) {
	m.hooksMu.Lock()
	hook := m.hooks.OnPostUpdate
	if added {
		hook = m.hooks.OnPostAdd
	}
	m.hooksMu.Unlock()
	if hook != nil {
		hook(data)
	}
}

// Commit commits staged changes with a sanitized message.
func (m *Manager) Commit(message string) error {
	return m.git.Commit(message)
}

// Push pushes to the remote, best-effort.
func (m *Manager) Push(ctx context.Context) {
	m.git.Push(ctx)
}

func findChannelRef(refs []ChannelReference, channelID string) *ChannelReference {
	for i := range refs {
		if refs[i].ID == channelID {
			return &refs[i]
		}
	}
	return nil
}

// applicableTagIDs intersects the entry's tags with the forum's available
// set, capped at the per-post limit.
func applicableTagIDs(tags []Tag, available []discordapi.ForumTag) []string {
	availableIDs := map[string]bool{}
	for _, tag := range available {
		availableIDs[tag.ID] = true
	}
	var ids []string
	for _, tag := range tags {
		if !availableIDs[tag.ID] {
			continue
		}
		ids = append(ids, tag.ID)
		if len(ids) == discordapi.MaxAppliedTags {
			break
		}
	}
	return ids
}

func attachmentNamesEqual(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	names := map[string]int{}
	for _, attachment := range a {
		names[attachment.Name]++
	}
	for _, attachment := range b {
		names[attachment.Name]--
		if names[attachment.Name] < 0 {
			return false
		}
	}
	return true
}

// imageKeysEqual compares the ordered (fileKey, description) tuples; a cheap
// identity check instead of a byte-level image diff.
func imageKeysEqual(a, b []Image) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].FileKey != b[i].FileKey || a[i].Description != b[i].Description {
			return false
		}
	}
	return true
}

// entryContentChanged compares the serialized documents with the fields the
// engine maintains itself masked out: the content timestamp, the live post
// record, and the comment count.
func entryContentChanged(previous, current *EntryData) bool {
	a := previous.Clone()
	b := current.Clone()
	a.UpdatedAt, b.UpdatedAt = 0, 0
	a.Post, b.Post = nil, nil
	a.NumComments, b.NumComments = 0, 0
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return true
	}
	return string(rawA) != string(rawB)
}

func addressChanged(previous, current *EntryData) bool {
	prevURL, prevPath := targetAddress(previous)
	curURL, curPath := targetAddress(current)
	return prevURL != curURL || prevPath != curPath || previous.Name != current.Name
}

func targetAddress(data *EntryData) (url, path string) {
	if data.Post != nil {
		url = data.Post.ThreadURL
	}
	path = fmt.Sprintf("%s_%s", data.Code, EscapeName(data.Name))
	return url, path
}

// rewriteReferences patches references targeting the given entry in place,
// reporting whether anything changed.
func rewriteReferences(refs []Reference, target *EntryData) bool {
	url, path := targetAddress(target)
	changed := false
	for i := range refs {
		ref := &refs[i]
		if ref.Type != RefArchivedPost || ref.ID != target.ID {
			continue
		}
		if ref.URL != url || ref.Path != path || ref.Name != target.Name {
			ref.URL, ref.Path, ref.Name = url, path, target.Name
			changed = true
		}
	}
	return changed
}

func imagePaths(images []Image) []string {
	paths := make([]string, 0, len(images))
	for _, image := range images {
		if image.Path != "" {
			paths = append(paths, filepath.Base(image.Path))
		}
	}
	return paths
}

func attachmentPaths(attachments []Attachment) []string {
	paths := make([]string, 0, len(attachments))
	for _, attachment := range attachments {
		if attachment.Path != "" {
			paths = append(paths, filepath.Base(attachment.Path))
		}
	}
	return paths
}

// localFilePaths resolves names under dir, keeping only files that exist.
func localFilePaths(dir string, names []string) []string {
	var paths []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			paths = append(paths, path)
		}
	}
	return paths
}

// ArchiveStats summarizes the repository.
type ArchiveStats struct {
	Channels         int
	Entries          int
	EntriesByChannel map[string]int
}

// GetArchiveStats counts channels and entries.
func (m *Manager) GetArchiveStats(ctx context.Context) (*ArchiveStats, error) {
	refs, err := m.ChannelReferences(ctx)
	if err != nil {
		return nil, err
	}
	stats := &ArchiveStats{
		Channels:         len(refs),
		EntriesByChannel: map[string]int{},
	}
	err = m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		stats.Entries++
		stats.EntriesByChannel[channelRef.Code]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// UserArchiveStats summarizes one user's footprint in the archive.
type UserArchiveStats struct {
	Authored int
	Endorsed int
	Codes    []string
}

// GetUserArchiveStats counts entries the user authored or endorsed.
func (m *Manager) GetUserArchiveStats(ctx context.Context, userID string) (*UserArchiveStats, error) {
	stats := &UserArchiveStats{}
	err := m.IterateAllEntries(ctx, func(entry *Entry, ref EntryReference, channelRef ChannelReference) error {
		data := entry.Data()
		for _, author := range data.Authors {
			if author.ID == userID {
				stats.Authored++
				stats.Codes = append(stats.Codes, data.Code)
				break
			}
		}
		for _, endorser := range data.Endorsers {
			if endorser.ID == userID {
				stats.Endorsed++
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(stats.Codes)
	return stats, nil
}

// GetClosest embeds the query text and returns the nearest archived entries
// and definitions from the persisted nearest-neighbor index.
func (m *Manager) GetClosest(ctx context.Context, query string, k int) ([]embeddings.Neighbor, error) {
	if m.embed == nil {
		return nil, errors.New("embedding service not configured")
	}
	vectors, err := m.embed.GenerateQueryEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVector, err := embeddings.DecodeVector(vectors[0])
	if err != nil {
		return nil, err
	}
	index, err := embeddings.LoadIndex(filepath.Join(m.folderPath, nnIndexFileName))
	if err != nil {
		return nil, err
	}
	return index.Closest(queryVector, k), nil
}

// embeddingText is the text surface embedded per entry.
func embeddingText(data *EntryData) string {
	var b strings.Builder
	b.WriteString(data.Name)
	for _, tag := range data.Tags {
		b.WriteString(", " + tag.Name)
	}
	b.WriteString("\n")
	b.WriteString(renderRecords(data.Records))
	return b.String()
}
