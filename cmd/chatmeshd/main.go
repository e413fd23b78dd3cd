// chatmeshd is the conversational mediator daemon: it accepts chat
// turns over HTTP, runs them through the dispatcher pipeline, and
// exposes Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/config"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/dispatch"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/engine"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/history"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/llm"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/memory"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/observability"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store/redisx"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.ConfigureLogging(observability.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	provider, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	metrics, err := observability.NewDispatchMetrics()
	if err != nil {
		return err
	}

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	var log store.ConversationLog = db
	if cfg.RedisURL != "" {
		rlog, err := redisx.NewLog(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rlog.Close()
		log = rlog
		logger.Info("using Redis conversation log")
	}

	router := dispatch.NewRouter(dispatch.RouterConfig{
		ChatPrimary:   dispatch.Account{Name: "main", APIKey: cfg.MainAPIKey},
		ChatSecondary: dispatch.Account{Name: "backup", APIKey: cfg.BackupAPIKey},
		Memory:        memoryAccount(cfg),
		ChatWeight:    cfg.ChatWeight,
	}, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:     cfg.Workers,
		QueueDepth:  cfg.QueueSize,
		ChatRPM:     cfg.ChatRPM,
		MemoryRPM:   cfg.MemoryRPM,
		MaxAttempts: cfg.MaxAttempts,
	}, router,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithClientFactory(func(a dispatch.Account) llm.Client {
			return llm.NewOpenAIClient(a.APIKey,
				llm.WithChatModel(cfg.ChatModel),
				llm.WithEmbeddingModel(cfg.EmbeddingModel))
		}))
	defer dispatcher.Close()

	embedder, err := memory.NewCachedEmbedder(dispatcher, 0)
	if err != nil {
		return err
	}
	defer embedder.Close()

	eng := engine.New(engine.Config{
		Gateway:    dispatcher,
		Log:        log,
		History:    history.NewManager(log, cfg.HistoryRounds, logger),
		Trigger:    memory.NewTrigger(log, cfg.TriggerThreshold, cfg.SummaryContextSize),
		Summarizer: memory.NewSummarizer(dispatcher, log, db, cfg.SummaryModel, logger),
		Retriever:  memory.NewRetriever(db),
		Embedder:   embedder,
		Logger:     logger,
	})
	defer eng.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/chat", chatHandler(eng, cfg.ChatTimeout, logger))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func memoryAccount(cfg *config.Config) *dispatch.Account {
	if cfg.MemoryAPIKey == "" {
		return nil
	}
	return &dispatch.Account{Name: "memory", APIKey: cfg.MemoryAPIKey}
}

type chatRequest struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func chatHandler(eng *engine.Engine, timeout time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if req.UserID == 0 || req.Message == "" {
			writeError(w, http.StatusBadRequest, errors.New("user_id and message are required"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		reply, err := eng.HandleTurn(ctx, req.UserID, req.Message)
		if err != nil {
			logger.Warn("turn failed", "user_id", req.UserID, "error", err)
			writeError(w, statusFor(err), err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{Reply: reply})
	}
}

func statusFor(err error) int {
	switch {
	case chatmesh.IsOverloaded(err):
		return http.StatusServiceUnavailable
	case chatmesh.IsTimeout(err):
		return http.StatusGatewayTimeout
	case chatmesh.IsTerminal(err):
		return http.StatusBadRequest
	case chatmesh.IsServiceUnavailable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
