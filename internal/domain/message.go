package domain

import "time"

type MessageKind string

const (
	// KindText is a user message addressed to the bot.
	KindText MessageKind = "text"
	// KindMemberJoined announces a new chat member.
	KindMemberJoined MessageKind = "member_joined"
	// KindReset asks to forget the sender's conversation.
	KindReset MessageKind = "reset"
)

type InboundMessage struct {
	Kind       MessageKind
	Channel    string
	ChatID     int64
	ChatType   string // private | group | supergroup | channel
	SenderID   int64
	SenderName string // display name passed to the agent
	Content    string
	MessageID  int
	// NewMemberName is the mention of the joining user, e.g. "@alice".
	NewMemberName string
	Timestamp     time.Time
}

// Format values for OutboundMessage.
const (
	FormatMarkdownV2 = "markdownv2"
	FormatText       = "text"
)

type OutboundMessage struct {
	Channel string
	ChatID  int64
	Content string
	Format  string
	ReplyTo int
}
