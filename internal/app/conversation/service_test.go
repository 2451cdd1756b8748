package conversation_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/herdbot/internal/adapters/llm"
	"github.com/PabloGalante/herdbot/internal/adapters/storage/memory"
	"github.com/PabloGalante/herdbot/internal/app/conversation"
	"github.com/PabloGalante/herdbot/internal/app/router"
	"github.com/PabloGalante/herdbot/internal/domain"
)

type fakeKB struct {
	mu    sync.Mutex
	resp  *domain.KnowledgeResponse
	err   error
	calls []domain.KnowledgeRequest
}

func (f *fakeKB) RetrieveAndGenerate(_ context.Context, req domain.KnowledgeRequest) (*domain.KnowledgeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.resp
	return &cp, nil
}

type sliceStream struct{ parts []string }

func (s *sliceStream) Recv() (string, error) {
	if len(s.parts) == 0 {
		return "", io.EOF
	}
	p := s.parts[0]
	s.parts = s.parts[1:]
	return p, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeModel struct {
	mu    sync.Mutex
	parts []string
	reqs  []domain.CompletionRequest
}

func (f *fakeModel) StreamCompletion(_ context.Context, req domain.CompletionRequest) (domain.CompletionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &sliceStream{parts: append([]string(nil), f.parts...)}, nil
}

func newService(t *testing.T, kb domain.KnowledgeBase, model domain.ModelClient, maxMessages int) (*conversation.Service, *memory.SessionStore) {
	t.Helper()
	cfg := router.DefaultConfig()
	cfg.PrimaryTimeout = time.Second
	cfg.FallbackTimeout = time.Second
	cfg.Sources = map[string]string{"herd.pdf": "https://farm.example/herd"}

	r, err := router.New(kb, model, cfg, nil)
	require.NoError(t, err)

	store := memory.NewSessionStore()
	return conversation.NewService(r, store, maxMessages, nil), store
}

func stored(t *testing.T, store *memory.SessionStore, key string) string {
	t.Helper()
	v, ok, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, key)
	return v
}

func TestSendMessagePrimaryAnswer(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{Output: "You have 42 animals.", SessionID: "kb-1"}}
	model := &fakeModel{}
	svc, store := newService(t, kb, model, 30)

	var frags []string
	out, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: "How many animals do I have?"},
		func(f string) error { frags = append(frags, f); return nil })
	require.NoError(t, err)

	assert.Equal(t, []string{"You have 42 animals."}, frags)
	assert.Equal(t, domain.SourcePrimary, out.Source)
	assert.Equal(t, "You have 42 animals.", out.AssistantMessage.Text)
	assert.Equal(t, "kb-1", out.SessionID)
	assert.Empty(t, model.reqs)

	assert.JSONEq(t, `[
		{"role":"user","text":"How many animals do I have?","citations":null},
		{"role":"assistant","text":"You have 42 animals.","citations":null}
	]`, stored(t, store, "local/chat-history"))
	assert.Equal(t, "kb-1", stored(t, store, "local/sessionId"))
}

func TestSendMessageFallbackGreeting(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{Output: ""}}
	model := &fakeModel{parts: []string{"Hi", " there!"}}
	svc, store := newService(t, kb, model, 30)

	out, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: "Hello!"}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.SourceFallback, out.Source)
	assert.Equal(t, "Hi there!", out.AssistantMessage.Text)
	assert.Len(t, model.reqs, 1)
	assert.JSONEq(t, `[
		{"role":"user","text":"Hello!","citations":null},
		{"role":"assistant","text":"Hi there!","citations":null}
	]`, stored(t, store, "local/chat-history"))
	_, ok, err := store.Get(ctx, "local/sessionId")
	require.NoError(t, err)
	assert.False(t, ok, "fallback answers carry no provider session")
}

func TestSendMessageCitationsRewritten(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{
		Output:    "Cows need water.",
		SessionID: "kb-2",
		Citations: []domain.RawCitation{{
			GeneratedResponsePart: &domain.RawResponsePart{TextResponsePart: &domain.RawTextPart{
				Text: "Cows need water.",
				Span: &domain.RawSpan{Start: 0, End: 15},
			}},
			RetrievedReferences: []domain.RawReference{{
				Location: &domain.RawLocation{Type: "S3", S3Location: &domain.RawS3Location{URI: "s3://kb/herd.pdf"}},
			}},
		}},
	}}
	svc, store := newService(t, kb, &fakeModel{}, 30)

	out, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: "water?"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Cows need water. [Read More...]( https://farm.example/herd) \n\n", out.AssistantMessage.Text)
	require.Len(t, out.AssistantMessage.Citations, 1)

	tl, err := svc.GetHistory(ctx, "local")
	require.NoError(t, err)
	require.Len(t, tl.Messages, 2)
	assert.Equal(t, out.AssistantMessage, tl.Messages[1])
	assert.Equal(t, "kb-2", tl.SessionID)
	assert.Contains(t, stored(t, store, "local/chat-history"), `"url":"https://farm.example/herd"`)
}

func TestSendMessagePassesHistoryAndSession(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{Output: "Yes.", SessionID: "kb-1"}}
	model := &fakeModel{parts: []string{"ok"}}
	svc, _ := newService(t, kb, model, 30)

	_, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "c1", Text: "first"}, nil)
	require.NoError(t, err)

	kb.mu.Lock()
	kb.resp = &domain.KnowledgeResponse{Output: ""}
	kb.mu.Unlock()

	_, err = svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "c1", Text: "second"}, nil)
	require.NoError(t, err)

	require.Len(t, kb.calls, 2)
	assert.Empty(t, kb.calls[0].SessionID)
	assert.Equal(t, "kb-1", kb.calls[1].SessionID)

	require.Len(t, model.reqs, 1)
	assert.Equal(t, []domain.ChatTurn{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "Yes."},
		{Role: domain.RoleUser, Content: "second"},
	}, model.reqs[0].Messages)
}

func TestSendMessageTrimsPersistedHistory(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{Output: "a"}}
	svc, _ := newService(t, kb, &fakeModel{}, 4)

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: q}, nil)
		require.NoError(t, err)
	}

	tl, err := svc.GetHistory(ctx, "local")
	require.NoError(t, err)
	require.Len(t, tl.Messages, 4)
	assert.Equal(t, "q2", tl.Messages[0].Text)
	assert.Equal(t, "q3", tl.Messages[2].Text)
}

func TestSendMessageSinkErrorStillCompletes(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{err: domain.ErrProviderUnavailable}
	model := &fakeModel{parts: []string{"a", "b", "c"}}
	svc, _ := newService(t, kb, model, 30)

	calls := 0
	out, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: "q"},
		func(string) error { calls++; return errors.New("client went away") })
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "abc", out.AssistantMessage.Text)
}

func TestSendMessageRejectsBlankText(t *testing.T) {
	svc, _ := newService(t, &fakeKB{}, &fakeModel{}, 30)
	_, err := svc.SendMessage(context.Background(), conversation.SendMessageInput{ClientID: "local", Text: "  \n"}, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
}

func TestSendMessageRejectsBadClient(t *testing.T) {
	svc, _ := newService(t, &fakeKB{}, &fakeModel{}, 30)
	_, err := svc.SendMessage(context.Background(), conversation.SendMessageInput{ClientID: "a/b", Text: "q"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidClient)
}

func TestCorruptHistoryStartsOver(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{Output: "fresh"}}
	svc, store := newService(t, kb, &fakeModel{}, 30)

	require.NoError(t, store.Set(ctx, "local/chat-history", `{"not":"a list"`))
	require.NoError(t, store.Set(ctx, "local/sessionId", "stale"))

	out, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", out.AssistantMessage.Text)

	require.Len(t, kb.calls, 1)
	assert.Empty(t, kb.calls[0].SessionID, "the session of a discarded history is dropped too")

	tl, err := svc.GetHistory(ctx, "local")
	require.NoError(t, err)
	assert.Len(t, tl.Messages, 2)
}

func TestResetClearsClient(t *testing.T) {
	ctx := context.Background()
	kb := &fakeKB{resp: &domain.KnowledgeResponse{Output: "x", SessionID: "kb-1"}}
	svc, store := newService(t, kb, &fakeModel{}, 30)

	for _, c := range []string{"alice", "bob"} {
		_, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: c, Text: "q"}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, svc.Reset(ctx, "alice"))

	assert.Equal(t, "[]", stored(t, store, "alice/chat-history"))
	_, ok, err := store.Get(ctx, "alice/sessionId")
	require.NoError(t, err)
	assert.False(t, ok)

	tl, err := svc.GetHistory(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, tl.Messages, 2)
	assert.Equal(t, "kb-1", tl.SessionID)
}

func TestGetHistoryEmptyClient(t *testing.T) {
	svc, _ := newService(t, &fakeKB{}, &fakeModel{}, 30)
	tl, err := svc.GetHistory(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, tl.Messages)
	assert.Empty(t, tl.SessionID)
}

func TestTimelineDump(t *testing.T) {
	tl := &conversation.Timeline{Messages: []domain.Message{
		{Role: domain.RoleUser, Text: "q"},
		{Role: domain.RoleAssistant, Text: "a"},
	}}
	var sb strings.Builder
	require.NoError(t, tl.Dump(&sb))
	assert.Equal(t, "user: q, null\nassistant: a, null\n", sb.String())
}

func TestConcurrentTurnsOfOneClientSerialize(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeKB{err: domain.ErrProviderUnavailable}, llm.NewMockLLM(), 30)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SendMessage(ctx, conversation.SendMessageInput{ClientID: "local", Text: "goats"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tl, err := svc.GetHistory(ctx, "local")
	require.NoError(t, err)
	require.Len(t, tl.Messages, 16)
	for i, m := range tl.Messages {
		if i%2 == 0 {
			assert.Equal(t, domain.RoleUser, m.Role)
		} else {
			assert.Equal(t, domain.RoleAssistant, m.Role)
		}
	}
}
