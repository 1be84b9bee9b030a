package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/monitoring"
	"github.com/angleito/robustty/internal/search"
)

const (
	maxTimeBudget   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the search HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Search),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Search, env.Metrics.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// searcher is the part of search.Service the HTTP API uses.
type searcher interface {
	Search(ctx context.Context, q model.SearchQuery) (*search.Response, error)
	Health(ctx context.Context) ([]model.ProviderHealth, error)
}

type searchRequest struct {
	Query        string   `json:"query"`
	MaxResults   int      `json:"max_results"`
	Providers    []string `json:"providers"`
	TimeBudgetMs int      `json:"time_budget_ms"`
}

func (r searchRequest) toQuery() model.SearchQuery {
	budget := time.Duration(r.TimeBudgetMs) * time.Millisecond
	if budget > maxTimeBudget {
		budget = maxTimeBudget
	}
	return model.SearchQuery{
		Text:               r.Query,
		MaxResults:         r.MaxResults,
		RequestedProviders: r.Providers,
		TimeBudget:         budget,
	}
}

// newRouter builds the API routes around svc. metrics may be nil.
func newRouter(svc searcher, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/search", func(w http.ResponseWriter, req *http.Request) {
			var body searchRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			runSearch(w, req, svc, body)
		})

		r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
			params := req.URL.Query()
			body := searchRequest{
				Query:     params.Get("q"),
				Providers: params["provider"],
			}
			if v := params.Get("max_results"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					writeError(w, http.StatusBadRequest, "max_results must be an integer")
					return
				}
				body.MaxResults = n
			}
			runSearch(w, req, svc, body)
		})

		r.Get("/providers", func(w http.ResponseWriter, req *http.Request) {
			health, err := svc.Health(req.Context())
			if err != nil {
				zap.L().Error("provider health failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "provider health unavailable")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"providers": health})
		})
	})

	return r
}

func runSearch(w http.ResponseWriter, req *http.Request, svc searcher, body searchRequest) {
	resp, err := svc.Search(req.Context(), body.toQuery())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, search.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "query is required")
	case errors.Is(err, search.ErrNoResults):
		writeJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, search.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		zap.L().Error("search failed",
			zap.String("request_id", middleware.GetReqID(req.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "search failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
