package platform

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Delivery kinds recorded by Recorder
const (
	KindCard    = "card"
	KindMessage = "message"
	KindDirect  = "direct"
)

// Delivery is one outbound call captured by Recorder
type Delivery struct {
	Kind      string
	ChannelID string // channel for cards and messages, user id for direct messages
	MessageID string
	RoleID    string
	Text      string
	Card      *Card
}

// Recorder is a log-only Platform. It backs dry-run mode and tests.
// Failures can be injected per channel or per user.
type Recorder struct {
	mu         sync.Mutex
	seq        int
	deliveries []Delivery
	closed     map[string]bool
	roles      map[string][]string
	failures   map[string]error

	// Quiet suppresses log output
	Quiet bool
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		closed:   make(map[string]bool),
		roles:    make(map[string][]string),
		failures: make(map[string]error),
	}
}

// SetRoles sets the roles MemberRoles returns for userID
func (r *Recorder) SetRoles(userID string, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[userID] = roles
}

// FailFor makes every call targeting id (channel or user) return err; nil clears it
func (r *Recorder) FailFor(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, id)
		return
	}
	r.failures[id] = err
}

// Deliveries returns a copy of everything sent so far
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// DeliveriesTo returns deliveries whose target is id
func (r *Recorder) DeliveriesTo(id string) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Delivery
	for _, d := range r.deliveries {
		if d.ChannelID == id {
			out = append(out, d)
		}
	}
	return out
}

// IsClosed reports whether a session channel was closed
func (r *Recorder) IsClosed(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed[channelID]
}

// Reset forgets recorded deliveries
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}

func (r *Recorder) record(d Delivery) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[d.ChannelID]; err != nil {
		return "", err
	}
	r.seq++
	d.MessageID = fmt.Sprintf("msg-%d", r.seq)
	r.deliveries = append(r.deliveries, d)
	if !r.Quiet {
		log.Printf("📝 [PLATFORM] dry-run %s -> %s: %s", d.Kind, d.ChannelID, summary(d))
	}
	return d.MessageID, nil
}

func summary(d Delivery) string {
	if d.Card != nil {
		return d.Card.Title
	}
	if len(d.Text) > 80 {
		return d.Text[:80] + "..."
	}
	return d.Text
}

// SendCard implements Platform
func (r *Recorder) SendCard(ctx context.Context, channelID, mentionRoleID string, card Card) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := card
	return r.record(Delivery{Kind: KindCard, ChannelID: channelID, RoleID: mentionRoleID, Card: &c})
}

// SendMessage implements Platform
func (r *Recorder) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.record(Delivery{Kind: KindMessage, ChannelID: channelID, Text: text})
}

// SendDirect implements Platform
func (r *Recorder) SendDirect(ctx context.Context, userID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.record(Delivery{Kind: KindDirect, ChannelID: userID, Text: text})
}

// OpenSessionChannel implements Platform
func (r *Recorder) OpenSessionChannel(ctx context.Context, parentChannelID, subjectID, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[parentChannelID]; err != nil {
		return "", err
	}
	if err := r.failures[subjectID]; err != nil {
		return "", err
	}
	r.seq++
	return fmt.Sprintf("thread-%d", r.seq), nil
}

// CloseSessionChannel implements Platform
func (r *Recorder) CloseSessionChannel(ctx context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[channelID] = true
	return nil
}

// MemberRoles implements Platform
func (r *Recorder) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles, ok := r.roles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), roles...), nil
}

// JumpLink implements Platform
func (r *Recorder) JumpLink(guildID, channelID, messageID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}
