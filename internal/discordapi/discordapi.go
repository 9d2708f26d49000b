// Package discordapi defines the thread and message surface the archive
// engine drives. The real gateway client lives outside this module; the
// engine only depends on this interface, and tests use the in-memory Fake.
package discordapi

import "context"

// MessageLimit is the hard per-message character cap.
const MessageLimit = 2000

// MaxAppliedTags is the forum post tag cap.
const MaxAppliedTags = 5

// ForumTag is one tag available on a forum channel.
type ForumTag struct {
	ID    string
	Name  string
	Emoji string
}

// Forum describes a live forum channel.
type Forum struct {
	ID            string
	Name          string
	Topic         string
	CategoryID    string
	Position      int
	AvailableTags []ForumTag
}

// Thread describes a live forum post.
type Thread struct {
	ID          string
	URL         string
	Archived    bool
	AppliedTags []string
}

// Message is a reference to one message inside a thread.
type Message struct {
	ID string
}

// WebhookComment is one reply replayed under its original author's name and
// avatar.
type WebhookComment struct {
	Username  string
	AvatarURL string
	Content   string
}

// Client is the thread/message API consumed by the repository manager.
type Client interface {
	// Forum returns the forum channel, including its available tags.
	Forum(ctx context.Context, forumID string) (Forum, error)
	// SetForumTags replaces the forum's available tags and returns them with
	// ids assigned. Existing ids are preserved where the tag survives.
	SetForumTags(ctx context.Context, forumID string, tags []ForumTag) ([]ForumTag, error)

	// CreateThread opens a new forum post with an initial message.
	CreateThread(ctx context.Context, forumID, name string, tagIDs []string, content string) (Thread, error)
	FetchThread(ctx context.Context, threadID string) (Thread, error)
	EditThread(ctx context.Context, threadID, name string, tagIDs []string) error
	SetArchived(ctx context.Context, threadID string, archived bool) error
	DeleteThread(ctx context.Context, threadID string) error

	SendMessage(ctx context.Context, threadID, content string) (Message, error)
	EditMessage(ctx context.Context, threadID, messageID, content string) error
	DeleteMessage(ctx context.Context, threadID, messageID string) error

	// UploadFiles posts the given local files as one message and returns it.
	UploadFiles(ctx context.Context, threadID string, paths []string) (Message, error)

	// ReplayComments posts the comments through a temporary webhook so each
	// keeps its original author's attribution, then removes the webhook.
	ReplayComments(ctx context.Context, threadID string, comments []WebhookComment) error
}
