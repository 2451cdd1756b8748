package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PabloGalante/herdbot/internal/domain"
)

// MockLLM streams a canned reply word by word. Used for local development
// when no model endpoint is configured.
type MockLLM struct{}

func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

func (m *MockLLM) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (domain.CompletionStream, error) {
	reply := fmt.Sprintf("I have no knowledge base answer for %q yet. Ask me about your herd, feeding or water.", lastUserText(req))
	return &wordStream{ctx: ctx, words: strings.SplitAfter(reply, " ")}, nil
}

type wordStream struct {
	ctx   context.Context
	words []string
}

func (s *wordStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.words) == 0 {
		return "", io.EOF
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *wordStream) Close() error {
	s.words = nil
	return nil
}
