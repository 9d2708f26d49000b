package archive

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Author identifies a design author or endorser.
type Author struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	IconURL string `json:"iconURL,omitempty"`
}

// Tag mirrors a forum tag applied to an entry.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji,omitempty"`
}

// Image is one header image of an entry. FileKey is the stable identity used
// to decide whether images need republishing; Path is relative to the entry
// folder.
type Image struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	FileKey     string `json:"fileKey"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Attachment is one downloadable file of an entry.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Description string `json:"description,omitempty"`
}

// Reference types cross-linked from entry prose and acknowledgements.
const (
	RefArchivedPost   = "ARCHIVED_POST"
	RefDictionaryTerm = "DICTIONARY_TERM"
	RefUserMention    = "USER_MENTION"
	RefChannelMention = "CHANNEL_MENTION"
	RefDiscordServer  = "DISCORD_SERVER"
)

// Reference is a cross-link stored inside an entry or definition. ID is the
// target's identity in its own registry; URL and Path are the target's
// current address and are rewritten by cross-reference repair when the target
// moves.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// PostInfo records the live Discord side of a published entry. Nil only
// before the first publish.
type PostInfo struct {
	ThreadID             string   `json:"threadId"`
	ForumID              string   `json:"forumId"`
	ThreadURL            string   `json:"threadURL"`
	UploadMessageID      string   `json:"uploadMessageId,omitempty"`
	ContinuingMessageIDs []string `json:"continuingMessageIds"`
}

// Comment is one persisted thread reply, replayed through a webhook on full
// thread refresh so attribution survives recreation.
type Comment struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarURL,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// EntryData is the full on-disk document for one published design.
type EntryData struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Code              string            `json:"code"`
	ReservedCodes     []string          `json:"reservedCodes"`
	PastPostThreadIDs []string          `json:"pastPostThreadIds"`
	Authors           []Author          `json:"authors"`
	Endorsers         []Author          `json:"endorsers"`
	Tags              []Tag             `json:"tags"`
	Records           map[string]string `json:"records"`
	Styles            json.RawMessage   `json:"styles,omitempty"`
	References        []Reference       `json:"references"`
	AuthorReferences  []Reference       `json:"author_references"`
	Images            []Image           `json:"images"`
	Attachments       []Attachment      `json:"attachments"`
	Post              *PostInfo         `json:"post"`
	ArchivedAt        int64             `json:"archivedAt"`
	UpdatedAt         int64             `json:"updatedAt"`
	NumComments       int               `json:"num_comments"`
}

// Normalize fills the slice fields legacy documents may omit so business
// logic never branches on nil.
func (d *EntryData) Normalize() {
	if d.ReservedCodes == nil {
		d.ReservedCodes = []string{}
	}
	if d.PastPostThreadIDs == nil {
		d.PastPostThreadIDs = []string{}
	}
	if d.Authors == nil {
		d.Authors = []Author{}
	}
	if d.Endorsers == nil {
		d.Endorsers = []Author{}
	}
	if d.Tags == nil {
		d.Tags = []Tag{}
	}
	if d.Records == nil {
		d.Records = map[string]string{}
	}
	if d.References == nil {
		d.References = []Reference{}
	}
	if d.AuthorReferences == nil {
		d.AuthorReferences = []Reference{}
	}
	if d.Images == nil {
		d.Images = []Image{}
	}
	if d.Attachments == nil {
		d.Attachments = []Attachment{}
	}
	if d.Post != nil && d.Post.ContinuingMessageIDs == nil {
		d.Post.ContinuingMessageIDs = []string{}
	}
}

// Clone deep-copies the document.
func (d *EntryData) Clone() *EntryData {
	raw, err := json.Marshal(d)
	if err != nil {
		clone := *d
		return &clone
	}
	var clone EntryData
	if err := json.Unmarshal(raw, &clone); err != nil {
		fallback := *d
		return &fallback
	}
	clone.Normalize()
	return &clone
}

// ChannelReference is one row of channels.json, mapping an external forum to
// an on-disk channel folder.
type ChannelReference struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	Position    int    `json:"position"`
	Embedding   string `json:"embedding,omitempty"`
}

// EntryReference is the lightweight pointer a channel keeps per entry.
type EntryReference struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// ChannelData is the channel.json document. CurrentCodeID is the monotonic
// counter codes are minted from; it never decreases, so retired codes are
// never reissued.
type ChannelData struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Code          string           `json:"code"`
	Description   string           `json:"description,omitempty"`
	CurrentCodeID int              `json:"currentCodeId"`
	Entries       []EntryReference `json:"entries"`
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)
var spaceRuns = regexp.MustCompile(` +`)

// EscapeName reduces a user-supplied name to filesystem-safe characters.
// Paths built from the result still go through safepath.
func EscapeName(name string) string {
	trimmed := strings.TrimSpace(name)
	underscored := spaceRuns.ReplaceAllString(trimmed, "_")
	return unsafeNameChars.ReplaceAllString(underscored, "")
}
