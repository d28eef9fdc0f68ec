package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/api"
	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/rules"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"github.com/joho/godotenv"
)

type store interface {
	api.Store
	Close() error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env file: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	l := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, l); err != nil {
		l.Error("Backend stopped", slog.String(logger.ErrKey, err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, l *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llm, err := cfg.LLM.llm(ctx, cfg.SystemPrompt, l)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			l.Error("Failed to close store", slog.String(logger.ErrKey, err.Error()))
		}
	}()

	var opts []api.Option
	if cfg.Rules.Path != "" {
		kb, err := buildKnowledgeBase(ctx, cfg, l)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithRetriever(kb, cfg.Rules.TopK))
	} else {
		l.Warn("No rules file configured, answering without rules context")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.New(llm, st, l, opts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		l.Info("Server starting", slog.String("port", cfg.Port), slog.String("store", cfg.Store.Type))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		l.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Error("Graceful shutdown failed", slog.String(logger.ErrKey, err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}

	return nil
}

func openStore(cfg storeConfig) (store, error) {
	switch cfg.Type {
	case "bolt":
		path := cfg.Path
		if path == "" {
			p, err := defaultDataPath("store.db")
			if err != nil {
				return nil, err
			}
			path = p
		}
		return services.NewBoltDB(path)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			p, err := defaultDataPath("store.sqlite")
			if err != nil {
				return nil, err
			}
			path = p
		}
		return services.NewSQLiteStore(path)
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		return services.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

func defaultDataPath(name string) (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, appDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(dir, name), nil
}

func buildKnowledgeBase(ctx context.Context, cfg config, l *slog.Logger) (*rules.KnowledgeBase, error) {
	entries, err := rules.LoadFile(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("error loading rules: %w", err)
	}

	embedder, err := cfg.Embedder.embedder()
	if err != nil {
		return nil, fmt.Errorf("error creating embedder: %w", err)
	}

	kb := rules.NewKnowledgeBase(entries, embedder, l)

	start := time.Now()
	if err := kb.Build(ctx); err != nil {
		return nil, fmt.Errorf("error building knowledge base: %w", err)
	}
	l.Info("Knowledge base ready",
		slog.Int("entries", len(entries)),
		slog.Duration("took", time.Since(start)))

	return kb, nil
}
