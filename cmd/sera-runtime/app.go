package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/floegence/sera-runtime/internal/ai"
	"github.com/floegence/sera-runtime/internal/ai/threadstore"
	"github.com/floegence/sera-runtime/internal/auditlog"
	"github.com/floegence/sera-runtime/internal/blobstore"
	"github.com/floegence/sera-runtime/internal/capability"
	"github.com/floegence/sera-runtime/internal/chats"
	"github.com/floegence/sera-runtime/internal/config"
	"github.com/floegence/sera-runtime/internal/gateway"
	"github.com/floegence/sera-runtime/internal/knowledge"
	"github.com/floegence/sera-runtime/internal/metrics"
	"github.com/floegence/sera-runtime/internal/state"
	"github.com/floegence/sera-runtime/internal/websearch"
)

// app holds the wired runtime and everything that needs closing.
type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	ai      *ai.Service
	gateway *gateway.Gateway

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	a := &app{log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := a.openStateStore(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := a.openBlobStore(cfg)
	if err != nil {
		return nil, err
	}

	kn, err := a.buildKnowledge(ctx, cfg)
	if err != nil {
		return nil, err
	}

	caps := capability.NewRegistry(capability.Options{
		Logger:   log.With("component", "capability"),
		Observer: a.metrics,
	})
	if err := capability.RegisterBuiltins(caps, kn, nil); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	provider, err := ai.NewProvider(cfg.AI.Provider, cfg.AI.BaseURL, cfg.AI.APIKey)
	if err != nil {
		return nil, err
	}

	a.ai, err = ai.NewService(ai.Options{
		Logger:         log.With("component", "ai"),
		Store:          store,
		Capabilities:   caps,
		Knowledge:      kn,
		Blobs:          blobs,
		Provider:       provider,
		Model:          cfg.AI.Model,
		TitleModel:     cfg.AI.TitleModel,
		SystemPrompt:   cfg.AI.SystemPrompt,
		MaxTokens:      cfg.AI.MaxTokens,
		ThinkingBudget: cfg.AI.ThinkingBudget,
		MaxToolSteps:   cfg.AI.MaxToolSteps,
		Version:        cfg.Runtime.Version,
		Agent: ai.AgentInfo{
			Name:        cfg.Runtime.Agent.Name,
			Description: cfg.Runtime.Agent.Description,
			ClassName:   cfg.Runtime.Agent.ClassName,
		},
		Observer: a.metrics,
	})
	if err != nil {
		return nil, err
	}

	chatStore, err := chats.Open(filepath.Join(cfg.Storage.DataDir, "chats.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	a.closers = append(a.closers, chatStore.Close)
	chatSvc, err := chats.NewService(chats.Options{
		Logger: log.With("component", "chats"),
		Store:  chatStore,
		Titles: a.ai,
	})
	if err != nil {
		return nil, err
	}

	audit, err := auditlog.New(auditlog.Options{
		Logger: log.With("component", "audit"),
		Dir:    filepath.Join(cfg.Storage.DataDir, "audit"),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	a.gateway, err = gateway.New(gateway.Options{
		Logger:         log.With("component", "gateway"),
		ListenAddr:     net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		AI:             a.ai,
		Chats:          chatSvc,
		Blobs:          blobs,
		Metrics:        a.metrics,
		Audit:          audit,
		CORSOrigin:     cfg.Server.CORSOrigin,
		MaxUploadBytes: cfg.Storage.BlobMaxBytes,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.gateway.Close)
	return a, nil
}

func (a *app) openStateStore(cfg *config.Config) (state.Store, error) {
	switch cfg.Storage.StateBackend {
	case config.StateBackendSQLite:
		st, err := threadstore.Open(filepath.Join(cfg.Storage.DataDir, "threads.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open thread store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	default:
		return state.NewMemoryStore(state.MemoryOptions{Logger: a.log.With("component", "state")}), nil
	}
}

func (a *app) openBlobStore(cfg *config.Config) (blobstore.Store, error) {
	opts := blobstore.Options{
		TTL:    cfg.Storage.BlobTTL,
		Logger: a.log.With("component", "blobstore"),
	}
	switch cfg.Storage.BlobBackend {
	case config.BlobBackendDisk:
		ds, err := blobstore.NewDiskStore(filepath.Join(cfg.Storage.DataDir, "blobs"), opts)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		return ds, nil
	default:
		return blobstore.NewMemoryStore(opts), nil
	}
}

func (a *app) buildKnowledge(ctx context.Context, cfg *config.Config) (*knowledge.Registry, error) {
	kn := knowledge.NewRegistry(knowledge.Options{
		Logger:            a.log.With("component", "knowledge"),
		OnProviderFailure: a.metrics.KnowledgeProviderFailed,
	})
	docs := knowledge.NewMemoryProvider(knowledge.MemoryProviderOptions{})
	kn.RegisterProvider(docs)

	if dir := strings.TrimSpace(cfg.Knowledge.DocumentsDir); dir != "" {
		loaded, err := knowledge.LoadDocumentsDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load knowledge documents: %w", err)
		}
		for _, doc := range loaded {
			if _, err := docs.AddDocument(ctx, doc); err != nil {
				return nil, fmt.Errorf("index %s: %w", doc.ID, err)
			}
		}
		a.log.Info("knowledge documents loaded", "dir", dir, "documents", len(loaded))
	}

	if key := strings.TrimSpace(cfg.Knowledge.BraveAPIKey); key != "" {
		web, err := websearch.NewProvider(websearch.Options{APIKey: key})
		if err != nil {
			return nil, err
		}
		kn.RegisterProvider(web)
	}
	return kn, nil
}

// Close releases stores in reverse open order.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
