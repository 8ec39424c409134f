package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crisiswatch/internal/resilience"
)

const (
	defaultDiscordAPI = "https://discord.com/api/v10"

	// Discord JSON error code for "Cannot send messages to this user"
	discordCodeCannotDM = 50007
	// Discord JSON error code for "Missing Access"
	discordCodeMissingAccess = 50001

	channelTypePrivateThread = 12
)

// DiscordConfig configures the REST adapter
type DiscordConfig struct {
	Token   string
	BaseURL string // defaults to the public v10 API
	// RequestsPerSecond caps outbound calls; Discord's global limit is 50/s
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Discord talks to the Discord REST API
type Discord struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	guard   *resilience.Guard
}

// NewDiscord creates the adapter. guard may be nil to disable retries.
func NewDiscord(cfg DiscordConfig, guard *resilience.Guard) *Discord {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDiscordAPI
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Discord{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond*2)),
		guard:   guard,
	}
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordComponent struct {
	Type       int                `json:"type"`
	Style      int                `json:"style,omitempty"`
	Label      string             `json:"label,omitempty"`
	CustomID   string             `json:"custom_id,omitempty"`
	Components []discordComponent `json:"components,omitempty"`
}

type discordAllowedMentions struct {
	Parse []string `json:"parse"`
	Roles []string `json:"roles,omitempty"`
}

type discordMessage struct {
	Content         string                  `json:"content,omitempty"`
	Embeds          []discordEmbed          `json:"embeds,omitempty"`
	Components      []discordComponent      `json:"components,omitempty"`
	AllowedMentions *discordAllowedMentions `json:"allowed_mentions,omitempty"`
}

type discordError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func toEmbed(card Card) discordEmbed {
	e := discordEmbed{
		Title:       card.Title,
		Description: card.Description,
		URL:         card.URL,
		Color:       card.Color,
	}
	for _, f := range card.Fields {
		e.Fields = append(e.Fields, discordEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if card.Footer != "" {
		e.Footer = &discordEmbedFooter{Text: card.Footer}
	}
	if !card.Timestamp.IsZero() {
		e.Timestamp = card.Timestamp.UTC().Format(time.RFC3339)
	}
	return e
}

// SendCard implements Platform
func (d *Discord) SendCard(ctx context.Context, channelID, mentionRoleID string, card Card) (string, error) {
	msg := discordMessage{
		Embeds: []discordEmbed{toEmbed(card)},
		// Nothing is pinged unless listed explicitly
		AllowedMentions: &discordAllowedMentions{Parse: []string{}},
	}
	if mentionRoleID != "" {
		msg.Content = fmt.Sprintf("<@&%s>", mentionRoleID)
		msg.AllowedMentions.Roles = []string{mentionRoleID}
	}
	if len(card.Buttons) > 0 {
		row := discordComponent{Type: 1}
		for _, b := range card.Buttons {
			row.Components = append(row.Components, discordComponent{
				Type:     2,
				Style:    int(b.Style),
				Label:    b.Label,
				CustomID: b.CustomID,
			})
		}
		msg.Components = []discordComponent{row}
	}
	return d.postMessage(ctx, channelID, msg)
}

// SendMessage implements Platform
func (d *Discord) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	return d.postMessage(ctx, channelID, discordMessage{
		Content:         text,
		AllowedMentions: &discordAllowedMentions{Parse: []string{}},
	})
}

// SendDirect implements Platform
func (d *Discord) SendDirect(ctx context.Context, userID, text string) (string, error) {
	var dm struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": userID}, &dm); err != nil {
		return "", fmt.Errorf("open DM with %s: %w", userID, err)
	}
	return d.SendMessage(ctx, dm.ID, text)
}

// OpenSessionChannel creates a private thread and adds the subject to it
func (d *Discord) OpenSessionChannel(ctx context.Context, parentChannelID, subjectID, name string) (string, error) {
	var thread struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{
		"name":                  truncate(name, 100),
		"type":                  channelTypePrivateThread,
		"invitable":             false,
		"auto_archive_duration": 1440,
	}
	if err := d.do(ctx, http.MethodPost, "/channels/"+parentChannelID+"/threads", body, &thread); err != nil {
		return "", fmt.Errorf("create session thread: %w", err)
	}

	if err := d.do(ctx, http.MethodPut, "/channels/"+thread.ID+"/thread-members/"+subjectID, nil, nil); err != nil {
		// Leave no orphaned thread behind
		if closeErr := d.CloseSessionChannel(context.WithoutCancel(ctx), thread.ID); closeErr != nil {
			log.Printf("⚠️ [PLATFORM] Failed to archive thread %s after member add failed: %v", thread.ID, closeErr)
		}
		return "", fmt.Errorf("add %s to session thread: %w", subjectID, err)
	}
	return thread.ID, nil
}

// CloseSessionChannel archives and locks a thread
func (d *Discord) CloseSessionChannel(ctx context.Context, channelID string) error {
	return d.do(ctx, http.MethodPatch, "/channels/"+channelID, map[string]bool{"archived": true, "locked": true}, nil)
}

// MemberRoles implements Platform
func (d *Discord) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	var member struct {
		Roles []string `json:"roles"`
	}
	if err := d.do(ctx, http.MethodGet, "/guilds/"+guildID+"/members/"+userID, nil, &member); err != nil {
		return nil, err
	}
	return member.Roles, nil
}

// JumpLink implements Platform
func (d *Discord) JumpLink(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

func (d *Discord) postMessage(ctx context.Context, channelID string, msg discordMessage) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", msg, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// do sends one request through the rate limiter and the guard
func (d *Discord) do(ctx context.Context, method, path string, body, out interface{}) error {
	call := func(ctx context.Context) error {
		return d.once(ctx, method, path, body, out)
	}
	if d.guard == nil {
		return call(ctx)
	}
	return d.guard.Do(ctx, call)
}

func (d *Discord) once(ctx context.Context, method, path string, body, out interface{}) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("User-Agent", "crisiswatch (https://github.com/crisiswatch, 1.0)")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		return classifyDiscordError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resilience.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// classifyDiscordError maps an error response to a platform sentinel or a
// classified dependency error
func classifyDiscordError(status int, body []byte) error {
	var apiErr discordError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case apiErr.Code == discordCodeCannotDM:
		return resilience.Permanent(ErrDirectMessagesBlocked)
	case status == http.StatusForbidden || apiErr.Code == discordCodeMissingAccess:
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message))
	case status == http.StatusNotFound:
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message))
	}
	return resilience.ClassifyHTTPError(status, string(body))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsDeliveryRefused reports whether err means the platform refused delivery
// outright, as opposed to a transient failure
func IsDeliveryRefused(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrDirectMessagesBlocked) || errors.Is(err, ErrNotFound)
}
