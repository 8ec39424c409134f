package models

import "time"

// InboundMessage is a message observed in the community or in a session channel
type InboundMessage struct {
	MessageContext
	AuthorID    string    `json:"authorId"`
	AuthorName  string    `json:"authorName,omitempty"`
	AuthorRoles []string  `json:"authorRoles,omitempty"`
	Content     string    `json:"content"`
	IsBot       bool      `json:"isBot,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// DirectMessage is a private message sent to the bot
type DirectMessage struct {
	AuthorID  string    `json:"authorId"`
	ChannelID string    `json:"channelId,omitempty"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}

// MemberPresence reports a member appearing in (or gaining access to) a channel
type MemberPresence struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	Member    Member `json:"member"`
}

// Interaction is a button press relayed by the gateway
type Interaction struct {
	CustomID string `json:"customId"`
	Actor    Member `json:"actor"`
	GuildID  string `json:"guildId,omitempty"`
}
