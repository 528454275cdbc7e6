package assistant

import (
	"context"
	"fmt"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
)

// DefaultSystemPrompt frames the assistant as a workspace helper.
const DefaultSystemPrompt = `You are a helpful AI assistant integrated with the user's team chat. You have access to the user's workspace and can help them understand conversations, find information, summarize discussions, and draft responses.

Guidelines:
- Be concise and helpful
- When summarizing, focus on key points and action items
- When answering questions about conversations, cite specific messages when relevant
- Format responses clearly with bullet points or numbered lists when appropriate
- If you don't have enough context to answer, say so and suggest what additional information would help
- Respect privacy and don't share sensitive information unnecessarily
- Use timestamps and usernames to provide context when referencing messages`

// SummarizeChannel asks for a summary of the recent conversation in the hinted channel.
func (e *Engine) SummarizeChannel(ctx context.Context, hint contextsnap.Hint) (string, error) {
	return e.Ask(ctx, "Please summarize the recent conversations in this channel, highlighting key discussions and any action items.", hint)
}

// FindMessages asks the assistant to find and summarize messages about topic.
func (e *Engine) FindMessages(ctx context.Context, topic string, hint contextsnap.Hint) (string, error) {
	return e.Ask(ctx, "Search for and summarize messages about: "+topic, hint)
}

// DraftReply asks for a suggested reply to message.
func (e *Engine) DraftReply(ctx context.Context, message string, hint contextsnap.Hint) (string, error) {
	return e.Ask(ctx, fmt.Sprintf("I need to reply to this message: %q. Can you suggest a professional response?", message), hint)
}

// DailySummary asks for a summary of today's conversation.
func (e *Engine) DailySummary(ctx context.Context, hint contextsnap.Hint) (string, error) {
	return e.Ask(ctx, "Give me a summary of today's conversations, including key decisions and action items.", hint)
}
