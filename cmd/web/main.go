package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dmcompanion "github.com/MegaGrindStone/dm-companion"
	"github.com/MegaGrindStone/dm-companion/internal/handlers"
	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/markdown"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env file: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	l := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	chats := services.NewChatService(cfg.BackendURL, nil, l)

	m, err := handlers.NewMain(chats, markdown.New(), l, handlers.WithRequestTimeout(cfg.RequestTimeout))
	if err != nil {
		l.Error("Failed to create handlers", slog.String(logger.ErrKey, err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(dmcompanion.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chat", m.HandleChat)
	mux.HandleFunc("/chat/send", m.HandleSend)
	mux.HandleFunc("/chat/messages", m.HandleMessages)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/highlight.css", m.HandleHighlightCSS)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	handlersDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(handlersDone)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()

		if err := m.Shutdown(ctx); err != nil {
			l.Error("Failed to shutdown handlers", slog.String(logger.ErrKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		l.Info("Server starting", slog.String("port", cfg.Port), slog.String("backendURL", cfg.BackendURL))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		l.Error("Server error", slog.String(logger.ErrKey, err.Error()))

	case sig := <-shutdown:
		l.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			l.Error("Graceful shutdown failed", slog.String(logger.ErrKey, err.Error()))
			if err := srv.Close(); err != nil {
				l.Error("Forcing server close", slog.String(logger.ErrKey, err.Error()))
			}
		}

		// in-flight streams finish on their own request timeout
		select {
		case <-handlersDone:
		case <-ctx.Done():
		}
	}
}
