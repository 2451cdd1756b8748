package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/PabloGalante/herdbot/internal/adapters/knowledge"
	"github.com/PabloGalante/herdbot/internal/adapters/llm"
	"github.com/PabloGalante/herdbot/internal/adapters/storage/badger"
	firestorestore "github.com/PabloGalante/herdbot/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/herdbot/internal/adapters/storage/memory"
	"github.com/PabloGalante/herdbot/internal/adapters/storage/postgres"
	"github.com/PabloGalante/herdbot/internal/adapters/storage/sqlite"
	"github.com/PabloGalante/herdbot/internal/app/conversation"
	"github.com/PabloGalante/herdbot/internal/app/router"
	"github.com/PabloGalante/herdbot/internal/config"
	"github.com/PabloGalante/herdbot/internal/domain"
	"github.com/PabloGalante/herdbot/internal/observability"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	svc      *conversation.Service
	closers  []func()
}

func newApp(ctx context.Context, debugFlag bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if debugFlag {
		cfg.Debug = true
	}

	log, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	observability.SetLogger(log)

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(a.registry)

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	model, err := newModel(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	kb, err := newKnowledgeBase(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	r, err := router.New(kb, model, cfg.RouterConfig(), metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = conversation.NewService(r, store, cfg.History.MaxMessages, metrics)
	return a, nil
}

// Close releases storage handles in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.log.Sync()
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, func() {
		if err := fn(); err != nil {
			a.log.Warn("close failed", zap.String("resource", name), zap.Error(err))
		}
	})
}

func (a *app) openStore(ctx context.Context) (domain.SessionStore, error) {
	sc := a.cfg.Storage
	log := a.log.With(zap.String("backend", sc.Backend))

	switch sc.Backend {
	case "sqlite":
		s, err := sqlite.NewStore(ctx, sc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		a.onClose("sqlite", s.Close)
		log.Info("using sqlite storage", zap.String("path", sc.SQLitePath))
		return s, nil

	case "badger":
		s, err := badger.NewStore(badger.Config{Path: sc.BadgerPath, SyncWrites: true}, a.log)
		if err != nil {
			return nil, fmt.Errorf("init badger store: %w", err)
		}
		a.onClose("badger", s.Close)
		log.Info("using badger storage", zap.String("path", sc.BadgerPath))
		return s, nil

	case "postgres":
		pool, err := postgres.Connect(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })
		s, err := postgres.NewStore(ctx, pool, sc.PostgresTable)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		log.Info("using postgres storage", zap.String("table", sc.PostgresTable))
		return s, nil

	case "firestore":
		s, err := firestorestore.NewStore(ctx, a.cfg.Model.GCPProjectID, sc.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("init firestore store: %w", err)
		}
		a.onClose("firestore", s.Close)
		log.Info("using firestore storage", zap.String("project", a.cfg.Model.GCPProjectID))
		return s, nil

	default:
		log.Info("using in-memory storage")
		return memstore.NewSessionStore(), nil
	}
}

func newModel(ctx context.Context, cfg *config.Config, log *zap.Logger) (domain.ModelClient, error) {
	mc := cfg.Model
	switch mc.Provider {
	case "openai":
		log.Info("using openai model", zap.String("model", mc.Name), zap.String("base_url", mc.BaseURL))
		return llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: mc.APIKey, BaseURL: mc.BaseURL, Model: mc.Name})
	case "vertex":
		log.Info("using vertex model", zap.String("project", mc.GCPProjectID), zap.String("location", mc.GCPLocation))
		return llm.NewVertexClient(ctx, llm.VertexConfig{ProjectID: mc.GCPProjectID, Location: mc.GCPLocation, Model: mc.Name})
	default:
		log.Info("using mock model")
		return llm.NewMockLLM(), nil
	}
}

func newKnowledgeBase(cfg *config.Config, log *zap.Logger) (domain.KnowledgeBase, error) {
	kc := cfg.Knowledge
	if kc.URL == "" {
		log.Warn("no knowledge base configured, every question goes to the model")
		return knowledge.Unconfigured{}, nil
	}
	log.Info("using knowledge base", zap.String("url", kc.URL), zap.Bool("stream", kc.Stream))
	return knowledge.NewClient(knowledge.Config{
		BaseURL:         kc.URL,
		APIKey:          kc.APIKey,
		KnowledgeBaseID: kc.KnowledgeBaseID,
		ModelARN:        kc.ModelARN,
		Stream:          kc.Stream,
		MaxTokens:       cfg.Model.MaxTokens,
		Temperature:     &cfg.Model.Temperature,
		TopP:            &cfg.Model.TopP,
	})
}
