package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payflow/internal/advice"
	"payflow/internal/advice/gemini"
	"payflow/internal/advice/openai"
	"payflow/internal/backend"
	"payflow/internal/cache"
	"payflow/internal/config"
	"payflow/internal/core"
	"payflow/internal/log"
	"payflow/internal/statestore"
	"payflow/internal/syncbus"
)

// Peer is one participant of the sync channel: its backend and the Store
// built on top of it.
type Peer struct {
	Store   *statestore.Store
	Backend *backend.BackendResult
}

// PeerOptions tune OpenPeer. The zero value is valid.
type PeerOptions struct {
	Metrics statestore.Metrics
	// Hub overrides the in-process bus, letting tests join several peers.
	Hub *syncbus.Hub
	Now func() time.Time
}

// OpenPeer opens the configured backend and builds a Store on it. The
// store has no listener yet; the caller's first Subscribe starts the load.
func OpenPeer(ctx context.Context, cfg *config.Config, opts PeerOptions, logger *log.Logger) (*Peer, error) {
	if logger == nil {
		logger = log.Default(log.ComponentApp)
	}
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	backendCfg.Hub = opts.Hub

	res, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend)).CreateBackend(ctx, backendCfg)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}

	store := statestore.New(res.Storage, statestore.Options{
		Bus:            res.Bus,
		Archiver:       res.Recorder,
		Metrics:        opts.Metrics,
		Logger:         logger.WithComponent(log.ComponentStore),
		Now:            opts.Now,
		PersistTimeout: cfg.PersistTimeout,
	})
	return &Peer{Store: store, Backend: res}, nil
}

// WaitReady subscribes listener and blocks until the first document is
// available. The returned function unsubscribes.
func (p *Peer) WaitReady(ctx context.Context, listener statestore.Listener) (func(), error) {
	if listener == nil {
		listener = func(core.Document) {}
	}
	unsubscribe := p.Store.Subscribe(listener)
	select {
	case <-p.Store.Ready():
		return unsubscribe, nil
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	}
}

// Close stops the store and releases the backend.
func (p *Peer) Close() error {
	return errors.Join(p.Store.Close(), p.Backend.Cleanup())
}

// NewAdviceService builds the advice service for cfg. Replies are cached in
// an LRU registered with caches. A provider that cannot be built is logged
// and replaced by the fallback tips.
func NewAdviceService(ctx context.Context, cfg *config.Config, caches *cache.Manager, logger *log.Logger) *advice.Service {
	if logger == nil {
		logger = log.Default(log.ComponentAdvice)
	}
	var (
		provider advice.Provider
		err      error
	)
	switch cfg.AdviceProvider {
	case config.AdviceGemini:
		var p *gemini.Provider
		p, err = gemini.New(ctx, gemini.Config{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
		if err == nil {
			provider = p
		}
	case config.AdviceOpenAI:
		var p *openai.Provider
		p, err = openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL})
		if err == nil {
			provider = p
		}
	}
	if err != nil {
		logger.Warn("Advice provider unavailable, using fallback tips",
			log.FieldProvider, cfg.AdviceProvider,
			log.FieldError, err)
	}

	opts := advice.Options{CurrencySymbol: cfg.CurrencySymbol, Logger: logger}
	if provider == nil {
		return advice.NewService(nil, opts)
	}
	if cfg.AdviceCacheSize > 0 {
		lru := cache.NewLRUCache[[]string](cfg.AdviceCacheSize, cfg.AdviceCacheTTL)
		if caches != nil {
			caches.Register(lru)
		}
		opts.Cache = lru
	}
	logger.Info("Advice enabled", log.FieldProvider, provider.Name(), "cache_size", cfg.AdviceCacheSize)
	return advice.NewService(provider, opts)
}
