package router_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/PabloGalante/herdbot/internal/app/router"
	"github.com/PabloGalante/herdbot/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type kbFunc func(ctx context.Context, req domain.KnowledgeRequest) (*domain.KnowledgeResponse, error)

func (f kbFunc) RetrieveAndGenerate(ctx context.Context, req domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
	return f(ctx, req)
}

func answerKB(output, sessionID string) kbFunc {
	return func(context.Context, domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
		return &domain.KnowledgeResponse{Output: output, SessionID: sessionID}, nil
	}
}

type chunk struct {
	text string
	err  error
}

type scriptedStream struct {
	chunks []chunk
	i      int
	closed bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.i >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c.text, c.err
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type fakeModel struct {
	mu      sync.Mutex
	reqs    []domain.CompletionRequest
	chunks  []chunk
	err     error
	streams []*scriptedStream
}

func (m *fakeModel) StreamCompletion(_ context.Context, req domain.CompletionRequest) (domain.CompletionStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return nil, m.err
	}
	s := &scriptedStream{chunks: m.chunks}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

func texts(parts ...string) []chunk {
	out := make([]chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, chunk{text: p})
	}
	return out
}

func newRouter(t *testing.T, kb domain.KnowledgeBase, model domain.ModelClient, mutate ...func(*router.Config)) *router.Router {
	t.Helper()
	cfg := router.DefaultConfig()
	cfg.PrimaryTimeout = time.Second
	cfg.FallbackTimeout = time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	r, err := router.New(kb, model, cfg, nil)
	require.NoError(t, err)
	return r
}

func drain(s *router.Stream) []string {
	var out []string
	for s.Next() {
		out = append(out, s.Fragment())
	}
	return out
}

func TestPrimaryServesAnswer(t *testing.T) {
	model := &fakeModel{}
	r := newRouter(t, answerKB("You have 42 animals.", "kb-1"), model)

	s := r.Answer(context.Background(), router.Request{Prompt: "How many animals do I have?"})

	assert.Equal(t, []string{"You have 42 animals."}, drain(s))
	require.NoError(t, s.Err())
	res := s.Result()
	assert.Equal(t, domain.SourcePrimary, res.Source)
	assert.Equal(t, "You have 42 animals.", res.Text)
	assert.Equal(t, "kb-1", res.SessionID)
	assert.Zero(t, model.calls())
}

func TestPrimaryKeepsSessionWhenResponseHasNone(t *testing.T) {
	r := newRouter(t, answerKB("Yes.", ""), &fakeModel{})
	s := r.Answer(context.Background(), router.Request{Prompt: "q", SessionID: "kb-7"})
	drain(s)
	assert.Equal(t, "kb-7", s.Result().SessionID)
}

func TestPrimaryCitationsAreNormalized(t *testing.T) {
	kb := kbFunc(func(_ context.Context, req domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
		return &domain.KnowledgeResponse{
			Output: "Cows need water.",
			Citations: []domain.RawCitation{
				{
					GeneratedResponsePart: &domain.RawResponsePart{TextResponsePart: &domain.RawTextPart{
						Text: "Cows need water.",
						Span: &domain.RawSpan{Start: 0, End: 15},
					}},
					RetrievedReferences: []domain.RawReference{{
						Location: &domain.RawLocation{Type: "S3", S3Location: &domain.RawS3Location{URI: "s3://b/feeding.pdf"}},
					}},
				},
				{RetrievedReferences: []domain.RawReference{{}}},
			},
		}, nil
	})
	r := newRouter(t, kb, &fakeModel{}, func(c *router.Config) {
		c.Sources = map[string]string{"feeding.pdf": "https://farm.example/feeding"}
	})

	s := r.Answer(context.Background(), router.Request{Prompt: "water?"})
	drain(s)

	res := s.Result()
	require.Len(t, res.Citations, 1)
	assert.Equal(t, []domain.Link{{Type: domain.LinkS3, Text: "feeding.pdf", URL: "https://farm.example/feeding"}}, res.Citations[0].Links)
}

func TestFallbackOnEmptyOrUnhelpfulPrimary(t *testing.T) {
	for _, output := range []string{
		"",
		"   \n",
		"I COULD NOT FIND anything about that.",
		"The search results do not contain information about goats.",
		"Sorry, I am unable to assist you with this request.",
	} {
		t.Run(fmt.Sprintf("%q", output), func(t *testing.T) {
			model := &fakeModel{chunks: texts("Hello", " there")}
			r := newRouter(t, answerKB(output, "kb-1"), model)

			s := r.Answer(context.Background(), router.Request{Prompt: "Hello!"})

			assert.Equal(t, []string{"Hello", " there"}, drain(s))
			res := s.Result()
			assert.Equal(t, domain.SourceFallback, res.Source)
			assert.Equal(t, "Hello there", res.Text)
			assert.Equal(t, 1, model.calls())
			require.Len(t, model.streams, 1)
			assert.True(t, model.streams[0].closed)
		})
	}
}

func TestFallbackOnPrimaryErrorReceivesHistory(t *testing.T) {
	kb := kbFunc(func(context.Context, domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
		return nil, fmt.Errorf("%w: 503", domain.ErrProviderUnavailable)
	})
	model := &fakeModel{chunks: texts("ok")}
	r := newRouter(t, kb, model, func(c *router.Config) {
		c.Model.SystemPrompt = "be brief"
	})

	history := []domain.Message{
		{Role: domain.RoleUser, Text: "hi"},
		{Role: domain.RoleAssistant, Text: "hello"},
	}
	s := r.Answer(context.Background(), router.Request{Prompt: "cows?", History: history})
	drain(s)

	require.Equal(t, 1, model.calls())
	req := model.reqs[0]
	assert.Equal(t, []domain.ChatTurn{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleUser, Content: "cows?"},
	}, req.Messages)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Equal(t, 2000, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
	assert.InDelta(t, 0.9, req.TopP, 1e-6)
}

func TestFallbackOnPrimaryTimeout(t *testing.T) {
	kb := kbFunc(func(ctx context.Context, _ domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	model := &fakeModel{chunks: texts("late but fine")}
	r := newRouter(t, kb, model, func(c *router.Config) {
		c.PrimaryTimeout = 20 * time.Millisecond
	})

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})

	assert.Equal(t, []string{"late but fine"}, drain(s))
	assert.NoError(t, s.Err())
	assert.Equal(t, domain.SourceFallback, s.Result().Source)
}

func TestFallbackFailureYieldsApology(t *testing.T) {
	model := &fakeModel{err: fmt.Errorf("%w: dial tcp", domain.ErrProviderUnavailable)}
	r := newRouter(t, answerKB("", ""), model)

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})

	assert.Equal(t, []string{router.DefaultApologyText}, drain(s))
	assert.NoError(t, s.Err())
	res := s.Result()
	assert.Equal(t, domain.SourceApology, res.Source)
	assert.Equal(t, router.DefaultApologyText, res.Text)
	assert.Equal(t, 1, model.calls())
}

func TestFallbackMidStreamFailureKeepsPartialText(t *testing.T) {
	model := &fakeModel{chunks: []chunk{{text: "Cows "}, {text: "need"}, {err: errors.New("connection reset")}}}
	r := newRouter(t, answerKB("", ""), model)

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})

	assert.Equal(t, []string{"Cows ", "need"}, drain(s))
	res := s.Result()
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.Equal(t, "Cows need", res.Text)
}

func TestFallbackDisclaimersStripped(t *testing.T) {
	model := &fakeModel{chunks: texts("i couldn't find this in the knowledge base. ", "Cows drink 100 liters a day.")}
	r := newRouter(t, answerKB("", ""), model)

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})
	frags := drain(s)

	// Fragments are shown raw; only the stored text is cleaned.
	assert.Equal(t, []string{"i couldn't find this in the knowledge base. ", "Cows drink 100 liters a day."}, frags)
	assert.Equal(t, ". Cows drink 100 liters a day.", s.Result().Text)
}

func TestFallbackOnlyDisclaimerBecomesApology(t *testing.T) {
	model := &fakeModel{chunks: texts("I cannot provide that information")}
	r := newRouter(t, answerKB("", ""), model)

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})

	assert.Equal(t, []string{"I cannot provide that information"}, drain(s))
	res := s.Result()
	assert.Equal(t, domain.SourceApology, res.Source)
	assert.Equal(t, router.DefaultApologyText, res.Text)
}

func TestFallbackSkipsMalformedChunks(t *testing.T) {
	model := &fakeModel{chunks: []chunk{
		{text: "a"},
		{err: fmt.Errorf("%w: bad json", domain.ErrMalformedPayload)},
		{text: ""},
		{text: "b"},
	}}
	r := newRouter(t, answerKB("", ""), model)

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})

	assert.Equal(t, []string{"a", "b"}, drain(s))
	assert.Equal(t, "ab", s.Result().Text)
}

func TestAnswerIsLazy(t *testing.T) {
	called := false
	kb := kbFunc(func(context.Context, domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
		called = true
		return &domain.KnowledgeResponse{Output: "x"}, nil
	})
	r := newRouter(t, kb, &fakeModel{})

	s := r.Answer(context.Background(), router.Request{Prompt: "q"})
	assert.False(t, called)

	drain(s)
	assert.True(t, called)
	assert.False(t, s.Next(), "a finished stream stays finished")
}

func TestCanceledCallerSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{chunks: texts("never")}
	r := newRouter(t, answerKB("", ""), model)

	s := r.Answer(ctx, router.Request{Prompt: "q"})

	assert.Empty(t, drain(s))
	assert.ErrorIs(t, s.Err(), context.Canceled)
	assert.Equal(t, domain.SourceApology, s.Result().Source)
	assert.Zero(t, model.calls())
}

func TestNewRejectsBadPattern(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.DisclaimerPatterns = []string{"("}
	_, err := router.New(answerKB("", ""), &fakeModel{}, cfg, nil)
	assert.Error(t, err)
}

func TestCleanRemovesEveryDefaultDisclaimer(t *testing.T) {
	r := newRouter(t, answerKB("", ""), &fakeModel{})
	for _, p := range []string{
		"Sorry, I am unable to assist you with this request",
		"I cannot provide that information",
		"I'm unable to help with that request",
		"I apologize that I couldn't find this specific information",
		"I couldn't find this in the knowledge base",
		"This information is based on general knowledge",
		"If you need more specific details, please let me know",
	} {
		assert.Equal(t, "Cows moo", r.Clean(p+" Cows moo"), p)
	}
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	out := make([]string, 0, len(spans))
	for _, sp := range spans {
		out = append(out, sp.Name())
	}
	return out
}

func TestFallbackSpanCoversStreamedCompletion(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	model := &fakeModel{chunks: texts("Cows ", "drink ", "water.")}
	r := newRouter(t, answerKB("", ""), model, func(c *router.Config) { c.TracerProvider = tp })

	s := r.Answer(context.Background(), router.Request{Prompt: "water?"})
	require.True(t, s.Next())
	assert.NotContains(t, spanNames(rec.Ended()), "Router.fallback", "span must stay open while streaming")

	for s.Next() {
	}
	require.NoError(t, s.Err())

	var fallback sdktrace.ReadOnlySpan
	for _, sp := range rec.Ended() {
		if sp.Name() == "Router.fallback" {
			fallback = sp
		}
	}
	require.NotNil(t, fallback)
	assert.Contains(t, fallback.Attributes(), attribute.Int("fallback.streamed_bytes", len("Cows drink water.")))
	assert.True(t, model.streams[0].closed)
}

func TestFallbackSpanRecordsFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	model := &fakeModel{chunks: []chunk{{text: "Cows "}, {err: fmt.Errorf("%w: reset", domain.ErrProviderUnavailable)}}}
	r := newRouter(t, answerKB("", ""), model, func(c *router.Config) { c.TracerProvider = tp })

	drain(r.Answer(context.Background(), router.Request{Prompt: "water?"}))

	ended := rec.Ended()
	require.Contains(t, spanNames(ended), "Router.fallback")
	for _, sp := range ended {
		if sp.Name() == "Router.fallback" {
			assert.Equal(t, codes.Error, sp.Status().Code)
		}
	}
}
