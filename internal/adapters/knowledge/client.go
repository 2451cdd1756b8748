// Package knowledge talks to the hosted retrieve-and-generate service that
// answers questions from the farm knowledge base.
package knowledge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/PabloGalante/herdbot/internal/domain"
	"github.com/PabloGalante/herdbot/internal/observability"
)

var tracer = otel.Tracer("github.com/PabloGalante/herdbot/internal/adapters/knowledge")

const (
	pathRetrieve = "/retrieve-and-generate"
	pathStream   = "/retrieve-and-generate-stream"

	maxEventBytes = 1 << 20
)

type Config struct {
	BaseURL         string
	APIKey          string
	KnowledgeBaseID string
	ModelARN        string
	// Stream selects the SSE endpoint; events are aggregated into one response.
	Stream bool

	MaxTokens int
	// Temperature and TopP are sent when set, including an explicit zero.
	Temperature *float32
	TopP        *float32

	HTTPClient *http.Client
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("knowledge base url must be set")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		// Deadlines come from the caller's context.
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

type textInferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"topP,omitempty"`
}

type requestBody struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	SessionID     string `json:"sessionId,omitempty"`
	Configuration struct {
		Type                       string `json:"type"`
		KnowledgeBaseConfiguration struct {
			KnowledgeBaseID         string `json:"knowledgeBaseId,omitempty"`
			ModelARN                string `json:"modelArn,omitempty"`
			GenerationConfiguration struct {
				InferenceConfig struct {
					TextInferenceConfig textInferenceConfig `json:"textInferenceConfig"`
				} `json:"inferenceConfig"`
			} `json:"generationConfiguration"`
			OrchestrationConfiguration struct {
				QueryTransformationConfiguration struct {
					Type string `json:"type"`
				} `json:"queryTransformationConfiguration"`
			} `json:"orchestrationConfiguration"`
		} `json:"knowledgeBaseConfiguration"`
	} `json:"retrieveAndGenerateConfiguration"`
}

type responseBody struct {
	Output *struct {
		Text string `json:"text"`
	} `json:"output"`
	Citations []domain.RawCitation `json:"citations"`
	SessionID string               `json:"sessionId"`
}

type streamEvent struct {
	Type      string              `json:"type"`
	Text      string              `json:"text"`
	Citation  *domain.RawCitation `json:"citation"`
	SessionID string              `json:"sessionId"`
	Message   string              `json:"message"`
}

func (c *Client) newBody(req domain.KnowledgeRequest) requestBody {
	var b requestBody
	b.Input.Text = req.Query
	b.SessionID = req.SessionID
	b.Configuration.Type = "KNOWLEDGE_BASE"
	kb := &b.Configuration.KnowledgeBaseConfiguration
	kb.KnowledgeBaseID = c.cfg.KnowledgeBaseID
	kb.ModelARN = c.cfg.ModelARN
	kb.GenerationConfiguration.InferenceConfig.TextInferenceConfig = textInferenceConfig{
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	}
	kb.OrchestrationConfiguration.QueryTransformationConfiguration.Type = "QUERY_DECOMPOSITION"
	return b
}

// RetrieveAndGenerate implements domain.KnowledgeBase.
func (c *Client) RetrieveAndGenerate(ctx context.Context, req domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
	ctx, span := tracer.Start(ctx, "knowledge.RetrieveAndGenerate")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("knowledge.stream", c.cfg.Stream),
		attribute.Bool("knowledge.has_session", req.SessionID != ""),
	)

	path := pathRetrieve
	if c.cfg.Stream {
		path = pathStream
	}
	resp, err := c.post(ctx, path, c.newBody(req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer resp.Body.Close()

	var out *domain.KnowledgeResponse
	if c.cfg.Stream {
		out, err = c.readStream(ctx, resp.Body)
	} else {
		out, err = decodeResponse(resp.Body)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad response")
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body requestBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode knowledge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build knowledge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: knowledge base: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: knowledge base returned %d: %s",
			domain.ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func decodeResponse(r io.Reader) (*domain.KnowledgeResponse, error) {
	var body responseBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: knowledge response: %v", domain.ErrProviderUnavailable, err)
	}
	out := &domain.KnowledgeResponse{
		Citations: body.Citations,
		SessionID: body.SessionID,
	}
	if body.Output != nil {
		out.Output = body.Output.Text
	}
	return out, nil
}

// readStream aggregates the SSE events of the streaming endpoint. Malformed
// events are logged and skipped.
func (c *Client) readStream(ctx context.Context, r io.Reader) (*domain.KnowledgeResponse, error) {
	log := observability.LoggerFromContext(ctx)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var (
		text strings.Builder
		out  domain.KnowledgeResponse
		done bool
	)

	for !done && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Warn("skipping malformed knowledge event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "chunk":
			text.WriteString(ev.Text)
		case "citation":
			if ev.Citation == nil {
				log.Warn("skipping citation event without payload")
				continue
			}
			out.Citations = append(out.Citations, *ev.Citation)
		case "done":
			out.SessionID = ev.SessionID
			done = true
		case "error":
			return nil, fmt.Errorf("%w: knowledge stream: %s", domain.ErrProviderUnavailable, ev.Message)
		default:
			log.Debug("ignoring knowledge event", zap.String("type", ev.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%w: knowledge event too large", domain.ErrProviderUnavailable)
		}
		return nil, fmt.Errorf("%w: knowledge stream: %v", domain.ErrProviderUnavailable, err)
	}

	out.Output = text.String()
	return &out, nil
}

// Unconfigured is the knowledge base used when no service url is set. Every
// question goes straight to the fallback model.
type Unconfigured struct{}

func (Unconfigured) RetrieveAndGenerate(context.Context, domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
	return nil, fmt.Errorf("%w: no knowledge base configured", domain.ErrProviderUnavailable)
}
