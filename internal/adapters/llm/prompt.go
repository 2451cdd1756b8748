package llm

import (
	"strings"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/PabloGalante/herdbot/internal/domain"
)

// openAIMessages puts the system prompt first, then the turns in order.
func openAIMessages(req domain.CompletionRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// genaiContents maps the turns to Gemini contents; the system prompt travels
// separately as the system instruction.
func genaiContents(req domain.CompletionRequest) ([]*genai.Content, *genai.Content) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role
		switch m.Role {
		case domain.RoleAssistant:
			role = genai.RoleModel
		default:
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	var system *genai.Content
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		// According to official examples, the role here is usually RoleUser, not "system"
		system = genai.NewContentFromText(s, genai.RoleUser)
	}
	return contents, system
}

// lastUserText returns the newest user turn.
func lastUserText(req domain.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
