package llm

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/PabloGalante/herdbot/internal/domain"
)

type VertexConfig struct {
	ProjectID string
	Location  string
	Model     string
}

type VertexClient struct {
	client    *genai.Client
	modelName string
}

// NewVertexClient creates a ModelClient based on Vertex AI (Gemini).
func NewVertexClient(ctx context.Context, cfg VertexConfig) (*VertexClient, error) {
	if cfg.ProjectID == "" || cfg.Location == "" {
		return nil, fmt.Errorf("vertex project and location must be set")
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  cfg.ProjectID,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Vertex AI client: %w", err)
	}

	return &VertexClient{
		client:    client,
		modelName: modelName,
	}, nil
}

// StreamCompletion implements domain.ModelClient using Vertex AI.
func (v *VertexClient) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (domain.CompletionStream, error) {
	contents, system := genaiContents(req)

	// Model config (without genai.Ptr to avoid generic issues)
	temp := req.Temperature
	topP := req.TopP

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       &temp,
		TopP:              &topP,
		MaxOutputTokens:   int32(req.MaxTokens),
	}

	next, stop := iter.Pull2(v.client.Models.GenerateContentStream(ctx, v.modelName, contents, cfg))
	return &vertexStream{next: next, stop: stop}, nil
}

type vertexStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *vertexStream) Recv() (string, error) {
	resp, err, ok := s.next()
	if !ok {
		return "", io.EOF
	}
	if err != nil {
		return "", fmt.Errorf("%w: vertex stream: %v", domain.ErrProviderUnavailable, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: vertex returned an empty chunk", domain.ErrMalformedPayload)
	}
	// Only the text, never the structs.
	return resp.Text(), nil
}

func (s *vertexStream) Close() error {
	s.stop()
	return nil
}
