// Package platform is the boundary to the chat service: posting alert cards,
// messages and direct messages, opening private session channels and reading
// member roles.
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden means the bot lacks permission for the channel or action
	ErrForbidden = errors.New("platform: permission denied")
	// ErrDirectMessagesBlocked means the user does not accept direct messages
	ErrDirectMessagesBlocked = errors.New("platform: user does not accept direct messages")
	// ErrNotFound means the channel, message or member does not exist
	ErrNotFound = errors.New("platform: not found")
)

// ButtonStyle mirrors the chat service's button colours
type ButtonStyle int

const (
	ButtonPrimary   ButtonStyle = 1
	ButtonSecondary ButtonStyle = 2
	ButtonSuccess   ButtonStyle = 3
	ButtonDanger    ButtonStyle = 4
)

// Button is an interactive component on a card
type Button struct {
	Label    string
	CustomID string
	Style    ButtonStyle
}

// Field is a name/value row on a card
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Card is a rich message (an embed on Discord)
type Card struct {
	Title       string
	Description string
	URL         string
	Color       int
	Fields      []Field
	Footer      string
	Timestamp   time.Time
	Buttons     []Button
}

// Platform is implemented by the Discord adapter and the dry-run recorder
type Platform interface {
	// SendCard posts card to channelID, mentioning mentionRoleID when non-empty
	SendCard(ctx context.Context, channelID, mentionRoleID string, card Card) (messageID string, err error)
	SendMessage(ctx context.Context, channelID, text string) (messageID string, err error)
	SendDirect(ctx context.Context, userID, text string) (messageID string, err error)
	// OpenSessionChannel creates a private channel under parentChannelID visible
	// to subjectID and the responder team
	OpenSessionChannel(ctx context.Context, parentChannelID, subjectID, name string) (channelID string, err error)
	// CloseSessionChannel archives a session channel
	CloseSessionChannel(ctx context.Context, channelID string) error
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
	JumpLink(guildID, channelID, messageID string) string
}
