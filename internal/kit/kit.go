// Package kit holds the small shared types exchanged between the
// operator-channel adapter, the router and the services. It has no
// dependencies so every layer can import it.
package kit

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

// MediaKind classifies an inbound attachment. The values match the
// gateway's send endpoints.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string

	// Attachment is nil for plain text messages.
	Attachment *Attachment
}

type Attachment struct {
	Kind   MediaKind
	FileID string
	Name   string
	MIME   string
	// Size is the declared byte size reported by the chat transport.
	Size int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Target   ChatTarget
	Text     string
	Priority int
	Options  *SendOptions
}

type BotCommand struct {
	Command     string
	Description string
}

// Adapter is the operator channel: the chat transport used to talk to
// the human operator. Implementations must keep Start non-blocking and
// deliver updates on the provided channel without blocking the poll
// loop (drop and count instead).
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

	// FileURL resolves a transport file ID to a publicly fetchable URL
	// the gateway can pull media from.
	FileURL(ctx context.Context, fileID string) (string, error)

	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Notifier delivers operator-facing notifications. Failures are logged
// by implementations, never propagated to crash the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
