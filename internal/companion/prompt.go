package companion

import (
	"fmt"
	"strings"

	"crisiswatch/internal/models"
)

const baseSystemPrompt = `
You are a supportive peer companion in a community chat space. A human from the
community's support team has been notified and may join this conversation.

Your role:
- Listen with empathy and without judgment.
- Help the person feel heard and less alone until a human responder arrives.
- You are NOT a therapist, doctor, or emergency service. Never diagnose.

Style:
- Answer in the same language as the person.
- Keep replies short: 2 to 4 sentences.
- Reflect back what you understood before anything else.
- Ask at most one gentle question per reply.

Boundaries and safety:
- If the person mentions self-harm, suicide, or hurting someone, encourage them
  to contact local emergency services or a crisis line now, and to reach out to
  someone they trust.
- Never give instructions that could be used for self-harm or harming others.
- Do not promise confidentiality; the support team can read this channel.
`

const initialInstructions = `
Context: this conversation was opened because a message raised concern.
Focus on how the person is doing right now.
`

const followupInstructions = `
Context: the person is replying to a check-in sent a while after an earlier
conversation. Thank them for replying and ask how things have been since.
`

const safetyInstructions = `
Important: the person's latest message suggests they may be in immediate danger.
Gently and directly encourage them to contact emergency services or a crisis line
right now. Crisis resources will be appended to your reply automatically, so do
not invent phone numbers.
`

// PromptOptions selects the instructions for one companion turn
type PromptOptions struct {
	TriggerSeverity models.Severity
	FromFollowup    bool
	SafetyFlagged   bool
}

// BuildSystemPrompt assembles the system prompt for a session turn
func BuildSystemPrompt(opts PromptOptions) string {
	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	if opts.FromFollowup {
		b.WriteString(followupInstructions)
	} else {
		b.WriteString(initialInstructions)
	}
	fmt.Fprintf(&b, "Concern level reported by the screening step: %s.\n", opts.TriggerSeverity)
	if opts.SafetyFlagged {
		b.WriteString(safetyInstructions)
	}
	return b.String()
}

// WithResources appends the crisis-resource block to reply
func WithResources(reply string, resources []string) string {
	if len(resources) == 0 {
		return reply
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(reply))
	b.WriteString("\n\nIf you are in danger or thinking about ending your life, please reach out now:\n")
	for _, r := range resources {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
