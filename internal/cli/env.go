package cli

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/cache"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
	"github.com/becomeliminal/nim-memory/memory/store/sqlite"
)

const (
	defaultDir   = ".nim-memory"
	graceDaysKey = "memory.decay.grace_days"
)

// env is what a command needs: config, embedder and an open store.
type env struct {
	cfg      *memory.Config
	log      *slog.Logger
	embedder memory.Embedder
	store    memory.Store

	closers []func()
}

func openEnv() (*env, error) {
	cfg, err := loadMemoryConfig()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logging.Default()}

	base, closeBase, err := newEmbedder()
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, closeBase)

	var cacheCfg cache.Config
	if err := viper.UnmarshalKey("embedder.cache", &cacheCfg); err != nil {
		e.Close()
		return nil, goerr.Wrap(err, "failed to decode embedder cache config")
	}
	cached, err := cache.New(base, cacheCfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.embedder = cached
	e.closers = append(e.closers, cached.Close)

	store, err := openStore(cached, e.log)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, func() {
		if err := store.Close(); err != nil {
			e.log.Warn("failed to close store", "error", err)
		}
	})
	return e, nil
}

// Close releases everything in reverse order of opening.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *env) options() []memory.Option {
	return []memory.Option{memory.WithLogger(e.log)}
}

func (e *env) manager(judge memory.Judge) *memory.Manager {
	return memory.NewManager(e.store, e.embedder, judge, e.cfg, e.options()...)
}

func loadMemoryConfig() (*memory.Config, error) {
	cfg := memory.DefaultConfig()
	if viper.IsSet("memory") {
		if err := viper.UnmarshalKey("memory", cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory config")
		}
	}
	// Env-only keys are not part of the "memory" sub-tree.
	if viper.IsSet(graceDaysKey) {
		cfg.Decay.GraceDays = viper.GetFloat64(graceDaysKey)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(embedder memory.Embedder, log *slog.Logger) (memory.Store, error) {
	kind := viper.GetString("store.kind")
	path := viper.GetString("store.path")

	switch kind {
	case "chromem", "":
		if path == "" {
			path = filepath.Join(defaultDir, "chromem")
		}
		return chromem.New(embedder, chromem.Config{
			Path:       path,
			Collection: viper.GetString("store.collection"),
			Compress:   viper.GetBool("store.compress"),
		}, chromem.WithLogger(log))

	case "sqlite":
		if path == "" {
			path = filepath.Join(defaultDir, "memory.db")
		}
		return sqlite.New(path, embedder, sqlite.WithLogger(log))
	}
	return nil, goerr.New("unknown store backend", goerr.V("store", kind))
}

// withEnv opens the env, runs fn and closes it.
func withEnv(ctx context.Context, fn func(ctx context.Context, e *env) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}
