package discordapi

import (
	"context"
	"errors"
)

// ErrUnavailable reports that no gateway client is attached.
var ErrUnavailable = errors.New("discord gateway not attached")

// Unavailable is a Client that fails every call. The headless maintenance
// daemon runs with it; operations that never touch Discord (index rebuilds,
// search reindexing, snapshot mirroring) still work.
type Unavailable struct{}

var _ Client = Unavailable{}

func (Unavailable) Forum(context.Context, string) (Forum, error) {
	return Forum{}, ErrUnavailable
}

func (Unavailable) SetForumTags(context.Context, string, []ForumTag) ([]ForumTag, error) {
	return nil, ErrUnavailable
}

func (Unavailable) CreateThread(context.Context, string, string, []string, string) (Thread, error) {
	return Thread{}, ErrUnavailable
}

func (Unavailable) FetchThread(context.Context, string) (Thread, error) {
	return Thread{}, ErrUnavailable
}

func (Unavailable) EditThread(context.Context, string, string, []string) error {
	return ErrUnavailable
}

func (Unavailable) SetArchived(context.Context, string, bool) error {
	return ErrUnavailable
}

func (Unavailable) DeleteThread(context.Context, string) error {
	return ErrUnavailable
}

func (Unavailable) SendMessage(context.Context, string, string) (Message, error) {
	return Message{}, ErrUnavailable
}

func (Unavailable) EditMessage(context.Context, string, string, string) error {
	return ErrUnavailable
}

func (Unavailable) DeleteMessage(context.Context, string, string) error {
	return ErrUnavailable
}

func (Unavailable) UploadFiles(context.Context, string, []string) (Message, error) {
	return Message{}, ErrUnavailable
}

func (Unavailable) ReplayComments(context.Context, string, []WebhookComment) error {
	return ErrUnavailable
}
