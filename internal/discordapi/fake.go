package discordapi

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests. It assigns sequential ids and
// records enough state to assert on thread and message lifecycles.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	Forums  map[string]*Forum
	Threads map[string]*FakeThread

	// DeletedThreads records ids passed to DeleteThread, in order.
	DeletedThreads []string
	// Replayed records comment batches by thread id.
	Replayed map[string][]WebhookComment
}

// FakeThread is the recorded state of one thread.
type FakeThread struct {
	Thread
	ForumID  string
	Name     string
	Messages []FakeMessage
}

// FakeMessage is one recorded message.
type FakeMessage struct {
	ID      string
	Content string
	Files   []string
	Deleted bool
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		Forums:   map[string]*Forum{},
		Threads:  map[string]*FakeThread{},
		Replayed: map[string][]WebhookComment{},
	}
}

// AddForum registers a forum channel.
func (f *Fake) AddForum(forum Forum) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := forum
	f.Forums[forum.ID] = &copied
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) Forum(ctx context.Context, forumID string) (Forum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	forum, ok := f.Forums[forumID]
	if !ok {
		return Forum{}, fmt.Errorf("forum %s not found", forumID)
	}
	return *forum, nil
}

func (f *Fake) SetForumTags(ctx context.Context, forumID string, tags []ForumTag) ([]ForumTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	forum, ok := f.Forums[forumID]
	if !ok {
		return nil, fmt.Errorf("forum %s not found", forumID)
	}
	assigned := make([]ForumTag, len(tags))
	for i, tag := range tags {
		if tag.ID == "" {
			tag.ID = f.id("tag")
		}
		assigned[i] = tag
	}
	forum.AvailableTags = assigned
	return assigned, nil
}

func (f *Fake) CreateThread(ctx context.Context, forumID, name string, tagIDs []string, content string) (Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Forums[forumID]; !ok {
		return Thread{}, fmt.Errorf("forum %s not found", forumID)
	}
	threadID := f.id("thread")
	thread := &FakeThread{
		Thread: Thread{
			ID:          threadID,
			URL:         "https://discord.test/" + forumID + "/" + threadID,
			AppliedTags: append([]string(nil), tagIDs...),
		},
		ForumID: forumID,
		Name:    name,
	}
	// The starter message shares the thread's id, like the real API.
	thread.Messages = append(thread.Messages, FakeMessage{ID: threadID, Content: content})
	f.Threads[threadID] = thread
	return thread.Thread, nil
}

func (f *Fake) FetchThread(ctx context.Context, threadID string) (Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return Thread{}, fmt.Errorf("thread %s not found", threadID)
	}
	return thread.Thread, nil
}

func (f *Fake) EditThread(ctx context.Context, threadID, name string, tagIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	if thread.Archived {
		return fmt.Errorf("thread %s is archived", threadID)
	}
	if name != "" {
		thread.Name = name
	}
	thread.AppliedTags = append([]string(nil), tagIDs...)
	return nil
}

func (f *Fake) SetArchived(ctx context.Context, threadID string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	thread.Archived = archived
	return nil
}

func (f *Fake) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Threads[threadID]; !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	delete(f.Threads, threadID)
	f.DeletedThreads = append(f.DeletedThreads, threadID)
	return nil
}

func (f *Fake) SendMessage(ctx context.Context, threadID, content string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return Message{}, fmt.Errorf("thread %s not found", threadID)
	}
	if thread.Archived {
		return Message{}, fmt.Errorf("thread %s is archived", threadID)
	}
	msg := FakeMessage{ID: f.id("msg"), Content: content}
	thread.Messages = append(thread.Messages, msg)
	return Message{ID: msg.ID}, nil
}

func (f *Fake) EditMessage(ctx context.Context, threadID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	if thread.Archived {
		return fmt.Errorf("thread %s is archived", threadID)
	}
	for i := range thread.Messages {
		if thread.Messages[i].ID == messageID && !thread.Messages[i].Deleted {
			thread.Messages[i].Content = content
			return nil
		}
	}
	return fmt.Errorf("message %s not found in thread %s", messageID, threadID)
}

func (f *Fake) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	for i := range thread.Messages {
		if thread.Messages[i].ID == messageID && !thread.Messages[i].Deleted {
			thread.Messages[i].Deleted = true
			return nil
		}
	}
	return fmt.Errorf("message %s not found in thread %s", messageID, threadID)
}

func (f *Fake) UploadFiles(ctx context.Context, threadID string, paths []string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return Message{}, fmt.Errorf("thread %s not found", threadID)
	}
	msg := FakeMessage{ID: f.id("msg"), Files: append([]string(nil), paths...)}
	thread.Messages = append(thread.Messages, msg)
	return Message{ID: msg.ID}, nil
}

func (f *Fake) ReplayComments(ctx context.Context, threadID string, comments []WebhookComment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Threads[threadID]; !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	f.Replayed[threadID] = append(f.Replayed[threadID], comments...)
	return nil
}

// LiveMessages returns the non-deleted messages of a thread, in order.
func (f *Fake) LiveMessages(threadID string) []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.Threads[threadID]
	if !ok {
		return nil
	}
	var live []FakeMessage
	for _, msg := range thread.Messages {
		if !msg.Deleted {
			live = append(live, msg)
		}
	}
	return live
}

var _ Client = (*Fake)(nil)
