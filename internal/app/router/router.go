// Package router answers a prompt from the knowledge base, falling back to a
// direct model completion when the knowledge base has nothing useful.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PabloGalante/herdbot/internal/app/citation"
	"github.com/PabloGalante/herdbot/internal/domain"
	"github.com/PabloGalante/herdbot/internal/observability"
)

const tracerName = "github.com/PabloGalante/herdbot/internal/app/router"

const (
	providerKnowledge = "knowledge_base"
	providerModel     = "model"
)

// Request is one user prompt plus the conversation it belongs to.
type Request struct {
	Prompt string
	// History holds the completed turns before Prompt, oldest first.
	History   []domain.Message
	SessionID string
}

// Result describes a finished answer.
type Result struct {
	Source domain.AnswerSource
	// Text is the final answer: the knowledge-base output, the fallback text
	// with disclaimers removed, or the apology.
	Text      string
	Citations []domain.Citation
	SessionID string
}

type Router struct {
	primary     domain.KnowledgeBase
	fallback    domain.ModelClient
	cfg         Config
	disclaimers []*regexp.Regexp
	unhelpful   []string
	metrics     *observability.Metrics
	tracer      trace.Tracer
}

func New(primary domain.KnowledgeBase, fallback domain.ModelClient, cfg Config, metrics *observability.Metrics) (*Router, error) {
	if primary == nil || fallback == nil {
		return nil, errors.New("router: both primary and fallback providers are required")
	}
	disclaimers, err := compilePatterns(cfg.DisclaimerPatterns)
	if err != nil {
		return nil, err
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultApologyText
	}

	unhelpful := make([]string, 0, len(cfg.UnhelpfulPhrases))
	for _, p := range cfg.UnhelpfulPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			unhelpful = append(unhelpful, p)
		}
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Router{
		primary:     primary,
		fallback:    fallback,
		cfg:         cfg,
		disclaimers: disclaimers,
		unhelpful:   unhelpful,
		metrics:     metrics,
		tracer:      tp.Tracer(tracerName),
	}, nil
}

// Answer returns the fragment stream for req. No provider is called until
// the first Next.
func (r *Router) Answer(ctx context.Context, req Request) *Stream {
	return &Stream{ctx: ctx, r: r, req: req}
}

// Unhelpful reports whether a knowledge-base output should be discarded.
func (r *Router) Unhelpful(output string) bool {
	if strings.TrimSpace(output) == "" {
		return true
	}
	lower := strings.ToLower(output)
	for _, p := range r.unhelpful {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Clean strips the configured disclaimer phrases from text.
func (r *Router) Clean(text string) string {
	for _, re := range r.disclaimers {
		text = strings.TrimSpace(re.ReplaceAllString(text, ""))
	}
	return strings.TrimSpace(text)
}

// queryPrimary runs the knowledge-base call on one worker and waits for its
// single result. The result channel is buffered so the worker can always
// finish, even when nobody reads it anymore.
func (r *Router) queryPrimary(ctx context.Context, req Request) (*domain.KnowledgeResponse, error) {
	ctx, span := r.tracer.Start(ctx, "Router.queryPrimary")
	defer span.End()

	if r.cfg.PrimaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PrimaryTimeout)
		defer cancel()
	}

	type outcome struct {
		resp *domain.KnowledgeResponse
		err  error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		resp, err := r.primary.RetrieveAndGenerate(ctx, domain.KnowledgeRequest{
			Query:     req.Prompt,
			SessionID: req.SessionID,
		})
		done <- outcome{resp: resp, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = fmt.Errorf("%w: knowledge base: %v", domain.ErrProviderUnavailable, ctx.Err())
	}

	switch {
	case o.err != nil:
		r.metrics.ObserveProvider(providerKnowledge, "error", started)
		span.RecordError(o.err)
		span.SetStatus(codes.Error, "knowledge base failed")
		return nil, o.err
	case o.resp == nil || r.Unhelpful(o.resp.Output):
		r.metrics.ObserveProvider(providerKnowledge, "unhelpful", started)
		span.SetAttributes(attribute.Bool("knowledge.unhelpful", true))
		return nil, domain.ErrEmptyOrUnhelpful
	}

	r.metrics.ObserveProvider(providerKnowledge, "served", started)
	span.SetAttributes(attribute.Int("knowledge.citations", len(o.resp.Citations)))
	return o.resp, nil
}

func (r *Router) completionRequest(req Request) domain.CompletionRequest {
	msgs := make([]domain.ChatTurn, 0, len(req.History)+1)
	for _, m := range req.History {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		msgs = append(msgs, domain.ChatTurn{Role: m.Role, Content: m.Text})
	}
	msgs = append(msgs, domain.ChatTurn{Role: domain.RoleUser, Content: req.Prompt})

	return domain.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: r.cfg.Model.SystemPrompt,
		MaxTokens:    r.cfg.Model.MaxTokens,
		Temperature:  r.cfg.Model.Temperature,
		TopP:         r.cfg.Model.TopP,
	}
}

type streamState int

const (
	stateStart streamState = iota
	stateQueued
	stateFallback
	stateDone
)

// Stream is a finite, non-restartable sequence of answer fragments.
//
//	s := r.Answer(ctx, req)
//	for s.Next() {
//		fmt.Print(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
//	res := s.Result()
type Stream struct {
	ctx context.Context
	r   *Router
	req Request

	state    streamState
	queue    []string
	fragment string
	err      error
	result   Result

	fb        domain.CompletionStream
	fbCancel  context.CancelFunc
	fbSpan    trace.Span
	fbStarted time.Time
	acc       strings.Builder
	malformed int
}

// Next advances to the next fragment. It returns false when the answer is
// complete or the caller's context ended.
func (s *Stream) Next() bool {
	for {
		switch s.state {
		case stateStart:
			s.begin()
		case stateQueued:
			if len(s.queue) == 0 {
				s.state = stateDone
				continue
			}
			s.fragment, s.queue = s.queue[0], s.queue[1:]
			return true
		case stateFallback:
			if s.recv() {
				return true
			}
		case stateDone:
			s.fragment = ""
			return false
		}
	}
}

func (s *Stream) Fragment() string {
	return s.fragment
}

// Err returns the caller's context error when the stream was cut short.
// Provider failures are never reported here.
func (s *Stream) Err() error {
	return s.err
}

// Result is valid once Next returned false.
func (s *Stream) Result() Result {
	return s.result
}

func (s *Stream) begin() {
	log := observability.LoggerFromContext(s.ctx)

	resp, err := s.r.queryPrimary(s.ctx, s.req)
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.abort(ctxErr)
		return
	}
	if err == nil {
		s.servePrimary(resp)
		return
	}

	log.Info("knowledge base gave no usable answer, falling back",
		zap.Bool("unhelpful", errors.Is(err, domain.ErrEmptyOrUnhelpful)),
		zap.Error(err),
	)
	s.startFallback()
}

func (s *Stream) servePrimary(resp *domain.KnowledgeResponse) {
	cits, err := citation.Normalize(resp.Citations, s.r.cfg.Sources)
	if err != nil {
		observability.LoggerFromContext(s.ctx).Warn("skipped malformed citations", zap.Error(err))
		s.r.metrics.ObserveMalformed("citation", countJoined(err))
	}

	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = s.req.SessionID
	}

	s.result = Result{
		Source:    domain.SourcePrimary,
		Text:      resp.Output,
		Citations: cits,
		SessionID: sessionID,
	}
	s.queue = []string{resp.Output}
	s.state = stateQueued
}

// startFallback opens the fallback stream. The span stays open until the
// stream is finished or aborted.
func (s *Stream) startFallback() {
	ctx, span := s.r.tracer.Start(s.ctx, "Router.fallback")
	s.fbSpan = span

	if s.r.cfg.FallbackTimeout > 0 {
		ctx, s.fbCancel = context.WithTimeout(ctx, s.r.cfg.FallbackTimeout)
	} else {
		ctx, s.fbCancel = context.WithCancel(ctx)
	}

	s.fbStarted = time.Now()
	fb, err := s.r.fallback.StreamCompletion(ctx, s.r.completionRequest(s.req))
	if err != nil {
		s.finishFallback(err)
		return
	}
	s.fb = fb
	s.state = stateFallback
}

// recv pulls the next non-empty delta from the fallback stream.
func (s *Stream) recv() bool {
	for {
		text, err := s.fb.Recv()
		switch {
		case err == nil:
			if text == "" {
				continue
			}
			s.acc.WriteString(text)
			s.fragment = text
			return true
		case errors.Is(err, domain.ErrMalformedPayload):
			s.malformed++
			continue
		case errors.Is(err, io.EOF):
			s.finishFallback(nil)
			return false
		default:
			s.finishFallback(err)
			return false
		}
	}
}

func (s *Stream) finishFallback(err error) {
	s.r.metrics.ObserveMalformed("chunk", s.malformed)

	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.abort(ctxErr)
		return
	}
	s.closeFallback(err)

	log := observability.LoggerFromContext(s.ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Warn("fallback model failed", zap.Error(err), zap.Int("streamed_bytes", s.acc.Len()))
	}
	s.r.metrics.ObserveProvider(providerModel, outcome, s.fbStarted)

	cleaned := s.r.Clean(s.acc.String())
	switch {
	case cleaned != "":
		s.result = Result{Source: domain.SourceFallback, Text: cleaned, SessionID: s.req.SessionID}
		s.state = stateDone
	case s.acc.Len() == 0:
		// Nothing was shown yet, so the apology is streamed as well.
		s.result = Result{Source: domain.SourceApology, Text: s.r.cfg.ApologyText, SessionID: s.req.SessionID}
		s.queue = []string{s.r.cfg.ApologyText}
		s.state = stateQueued
	default:
		s.result = Result{Source: domain.SourceApology, Text: s.r.cfg.ApologyText, SessionID: s.req.SessionID}
		s.state = stateDone
	}
}

// abort ends the stream after the caller's context is done. Whatever was
// streamed is kept as the result so the turn can still be recorded.
func (s *Stream) abort(err error) {
	s.closeFallback(err)
	s.err = err

	text := s.r.Clean(s.acc.String())
	if text == "" {
		s.result = Result{Source: domain.SourceApology, Text: s.r.cfg.ApologyText, SessionID: s.req.SessionID}
	} else {
		s.result = Result{Source: domain.SourceFallback, Text: text, SessionID: s.req.SessionID}
	}
	s.queue = nil
	s.state = stateDone
}

// closeFallback releases the fallback stream and ends its span. It is a
// no-op once called.
func (s *Stream) closeFallback(err error) {
	if s.fb != nil {
		_ = s.fb.Close()
		s.fb = nil
	}
	if s.fbCancel != nil {
		s.fbCancel()
		s.fbCancel = nil
	}
	if s.fbSpan == nil {
		return
	}
	if err != nil {
		s.fbSpan.RecordError(err)
		s.fbSpan.SetStatus(codes.Error, "fallback failed")
	}
	s.fbSpan.SetAttributes(
		attribute.Int("fallback.streamed_bytes", s.acc.Len()),
		attribute.Int("fallback.malformed_chunks", s.malformed),
	)
	s.fbSpan.End()
	s.fbSpan = nil
}

func countJoined(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}
