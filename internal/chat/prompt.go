package chat

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

const (
	defaultMaxContextTokens = 3000
	defaultHistoryTurns     = 12
)

const systemPrompt = `Answer the question using ONLY the text in the snippets below.
When you use information from a snippet, cite it inline right after that sentence using the snippet's label, like [Doc 2 p63].
When a sentence draws on several snippets, put all labels in one bracket separated by semicolons, like [Doc 1 p2; Doc 3 p5].
If part of the question is not covered by the snippets, say so for that part instead of guessing.
If the answer is not clearly present at all, reply exactly: "I don't know based on the stored documents."
Write a concise but complete answer that may synthesize across multiple snippets.

Snippets:
%s`

// Role of a chat turn supplied by the client.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the conversation. History is used only as
// prompt context and never stored.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// passage is one ranked chunk placed in the grounding prompt.
type passage struct {
	Ordinal int
	Page    *int
	Text    string
}

func (p passage) label() string {
	if p.Page == nil {
		return fmt.Sprintf("Doc %d", p.Ordinal)
	}
	return fmt.Sprintf("Doc %d p%d", p.Ordinal, *p.Page)
}

// Composer assembles the grounding prompt within a token budget.
type Composer struct {
	MaxContextTokens int
	HistoryTurns     int
}

// NewComposer returns a Composer. Non-positive values select the defaults.
func NewComposer(maxContextTokens, historyTurns int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Composer{MaxContextTokens: maxContextTokens, HistoryTurns: historyTurns}
}

// BuildMessages returns the system prompt, the trailing history window and
// the question, in that order. Passages arrive ranked; those that would push
// the snippet block past the budget are left out, keeping their ordinals so
// labels stay stable against the source list.
func (c *Composer) BuildMessages(passages []passage, history []Turn, question string) []llms.MessageContent {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(systemPrompt, c.buildSnippets(passages))),
	}

	if len(history) > c.HistoryTurns {
		history = history[len(history)-c.HistoryTurns:]
	}
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Role {
		case RoleUser:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, text))
		case RoleAssistant:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, text))
		}
	}

	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, question))
}

func (c *Composer) buildSnippets(passages []passage) string {
	remaining := c.MaxContextTokens
	var sb strings.Builder
	for _, p := range passages {
		entry := fmt.Sprintf("[%s] %s\n", p.label(), strings.TrimSpace(p.Text))
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	if sb.Len() == 0 {
		return "(no snippets)"
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
