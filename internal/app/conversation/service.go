package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/PabloGalante/herdbot/internal/adapters/storage"
	"github.com/PabloGalante/herdbot/internal/app/history"
	"github.com/PabloGalante/herdbot/internal/app/router"
	"github.com/PabloGalante/herdbot/internal/domain"
	"github.com/PabloGalante/herdbot/internal/observability"
)

// FragmentSink receives answer text as it is produced. Returning an error
// stops forwarding; the turn itself still completes and is saved.
type FragmentSink func(fragment string) error

type Service struct {
	router      *router.Router
	store       domain.SessionStore
	maxMessages int
	metrics     *observability.Metrics

	locks keyedMutex
}

func NewService(r *router.Router, store domain.SessionStore, maxMessages int, metrics *observability.Metrics) *Service {
	return &Service{
		router:      r,
		store:       store,
		maxMessages: maxMessages,
		metrics:     metrics,
	}
}

type SendMessageInput struct {
	ClientID string
	Text     string
}

type SendMessageOutput struct {
	UserMessage      domain.Message
	AssistantMessage domain.Message
	Source           domain.AnswerSource
	SessionID        string
}

// Timeline is the persisted conversation of one client.
type Timeline struct {
	ClientID  string
	SessionID string
	Messages  []domain.Message
}

// Dump writes the diagnostic history listing.
func (t *Timeline) Dump(w io.Writer) error {
	return history.DumpMessages(w, t.Messages)
}

// SendMessage runs one turn: the question is answered by the router, the
// answer is streamed to sink, and the updated history is persisted.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput, sink FragmentSink) (*SendMessageOutput, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, domain.ErrEmptyMessage
	}
	if !storage.ValidClient(in.ClientID) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidClient, in.ClientID)
	}

	unlock := s.locks.Lock(in.ClientID)
	defer unlock()

	log := observability.LoggerFromContext(ctx).With(zap.String("client_id", in.ClientID))
	log.Info("sending message", zap.Int("text_len", len(in.Text)))

	store := storage.Scope(s.store, in.ClientID)
	mgr, err := s.load(ctx, store, log)
	if err != nil {
		return nil, err
	}

	prior := mgr.Messages()
	if n := len(prior); n > 0 && prior[n-1].Role == domain.RoleUser {
		// The unanswered question is replaced below.
		prior = prior[:n-1]
	}
	if err := mgr.AppendUserTurn(in.Text); err != nil {
		return nil, err
	}
	turn, err := mgr.BeginAssistantTurn()
	if err != nil {
		return nil, err
	}

	sessionID, _ := mgr.SessionID()
	stream := s.router.Answer(ctx, router.Request{
		Prompt:    in.Text,
		History:   prior,
		SessionID: sessionID,
	})

	var sinkErr error
	for stream.Next() {
		frag := stream.Fragment()
		if err := mgr.ExtendAssistantTurn(turn, frag); err != nil {
			return nil, err
		}
		if sink == nil || sinkErr != nil {
			continue
		}
		if sinkErr = sink(frag); sinkErr != nil {
			log.Warn("fragment sink failed, no longer forwarding", zap.Error(sinkErr))
		}
	}

	res := stream.Result()
	reply, err := mgr.FinalizeAssistantTurn(turn, history.Completion{
		Text:      res.Text,
		Citations: res.Citations,
	})
	if err != nil {
		return nil, err
	}
	if res.SessionID != "" {
		mgr.SetSessionID(res.SessionID)
	}
	mgr.Trim()

	// Saved even when the caller went away so the turn is not lost.
	if err := s.save(context.WithoutCancel(ctx), store, mgr); err != nil {
		log.Error("failed to persist history", zap.Error(err))
		return nil, err
	}
	s.metrics.ObserveTurn(string(res.Source))

	if err := stream.Err(); err != nil {
		log.Warn("turn interrupted", zap.Error(err))
		return nil, err
	}

	sessionID, _ = mgr.SessionID()
	log.Info("send message completed",
		zap.String("source", string(res.Source)),
		zap.Int("citations", len(res.Citations)),
		zap.Int("history_len", mgr.Len()),
	)

	return &SendMessageOutput{
		UserMessage:      domain.Message{Role: domain.RoleUser, Text: in.Text},
		AssistantMessage: reply,
		Source:           res.Source,
		SessionID:        sessionID,
	}, nil
}

// GetHistory returns the stored conversation of clientID.
func (s *Service) GetHistory(ctx context.Context, clientID string) (*Timeline, error) {
	if !storage.ValidClient(clientID) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidClient, clientID)
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	log := observability.LoggerFromContext(ctx).With(zap.String("client_id", clientID))

	mgr, err := s.load(ctx, storage.Scope(s.store, clientID), log)
	if err != nil {
		return nil, err
	}
	sessionID, _ := mgr.SessionID()

	log.Info("fetched history", zap.Int("message_count", mgr.Len()))

	return &Timeline{
		ClientID:  clientID,
		SessionID: sessionID,
		Messages:  mgr.Messages(),
	}, nil
}

// Reset forgets the conversation and the provider session of clientID.
func (s *Service) Reset(ctx context.Context, clientID string) error {
	if !storage.ValidClient(clientID) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidClient, clientID)
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	log := observability.LoggerFromContext(ctx).With(zap.String("client_id", clientID))

	if err := resetStore(ctx, storage.Scope(s.store, clientID)); err != nil {
		log.Error("failed to reset history", zap.Error(err))
		return err
	}
	log.Info("history reset")
	return nil
}

// load rehydrates the history and session id. A history that cannot be
// decoded is discarded and the store is reset.
func (s *Service) load(ctx context.Context, store domain.SessionStore, log *zap.Logger) (*history.Manager, error) {
	mgr := history.NewManager(s.maxMessages)

	raw, _, err := store.Get(ctx, storage.KeyHistory)
	if err != nil {
		log.Error("failed to load history", zap.Error(err))
		return nil, err
	}
	if err := mgr.Deserialize(raw); err != nil {
		if !errors.Is(err, domain.ErrDataFormat) {
			return nil, err
		}
		log.Warn("stored history is corrupt, starting over", zap.Error(err))
		s.metrics.ObserveMalformed("history", 1)
		if err := resetStore(ctx, store); err != nil {
			return nil, err
		}
		return mgr, nil
	}

	sessionID, ok, err := store.Get(ctx, storage.KeySessionID)
	if err != nil {
		log.Error("failed to load session id", zap.Error(err))
		return nil, err
	}
	if ok {
		mgr.SetSessionID(sessionID)
	}
	return mgr, nil
}

func (s *Service) save(ctx context.Context, store domain.SessionStore, mgr *history.Manager) error {
	data, err := mgr.Serialize()
	if err != nil {
		return err
	}
	if err := store.Set(ctx, storage.KeyHistory, data); err != nil {
		return err
	}
	if id, ok := mgr.SessionID(); ok {
		return store.Set(ctx, storage.KeySessionID, id)
	}
	return nil
}

func resetStore(ctx context.Context, store domain.SessionStore) error {
	if err := store.Clear(ctx); err != nil {
		return err
	}
	return store.Set(ctx, storage.KeyHistory, "[]")
}
