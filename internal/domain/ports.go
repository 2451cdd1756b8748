package domain

import "context"

// KnowledgeBase is the hosted retrieval-augmented service searched first.
type KnowledgeBase interface {
	RetrieveAndGenerate(ctx context.Context, req KnowledgeRequest) (*KnowledgeResponse, error)
}

type KnowledgeRequest struct {
	Query     string
	SessionID string // empty on the first turn
}

type KnowledgeResponse struct {
	Output    string
	Citations []RawCitation
	SessionID string
}

// ModelClient streams a direct model completion. It backs the fallback path.
type ModelClient interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (CompletionStream, error)
}

type ChatTurn struct {
	Role    Role
	Content string
}

type CompletionRequest struct {
	Messages     []ChatTurn
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	TopP         float32
}

// CompletionStream yields text deltas. Recv returns io.EOF once the provider
// signals end of stream. An error wrapping ErrMalformedPayload affects only
// that chunk; the caller may keep reading.
type CompletionStream interface {
	Recv() (string, error)
	Close() error
}

// SessionStore is durable key/value persistence for the serialized history
// and the provider session identifier.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
