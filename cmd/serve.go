package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/queue"
	"github.com/sells-group/oppsync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status and trigger HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "X-Api-Key"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
			stats, err := queue.NewManager(st).Stats(req.Context())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue stats unavailable"})
				return
			}
			runs, err := st.ListStageRuns(req.Context(), 20)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stage runs unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, statusReport{Queue: stats, RecentRuns: runs})
		})

		triggers := newTriggerSet(st)
		r.Post("/api/trigger/{stage}", func(w http.ResponseWriter, req *http.Request) {
			if cfg.Server.APIKey == "" || req.Header.Get("X-Api-Key") != cfg.Server.APIKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
				return
			}

			name := chi.URLParam(req, "stage")
			run, ok := triggers[name]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown stage: %s", name)})
				return
			}

			if !triggerMu.TryLock() {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "a stage is already running"})
				return
			}

			// Stage runs outlive the request; tie them to the server
			// context so shutdown cancels them.
			go func() {
				defer triggerMu.Unlock()
				detail, err := run(ctx)
				if err != nil {
					zap.L().Error("triggered stage failed",
						zap.String("stage", name),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("triggered stage complete",
					zap.String("stage", name),
					zap.Any("counts", detail),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "accepted",
				"stage":  name,
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// triggerMu serializes triggered stage runs. The stages share one store and
// one queue; overlapping runs would double-claim work.
var triggerMu sync.Mutex

// newTriggerSet maps trigger names to stage runners. Import is excluded:
// the bulk feed pull is a scheduled concern, not an API trigger.
func newTriggerSet(st store.Store) map[string]func(context.Context) (any, error) {
	return map[string]func(context.Context) (any, error){
		"attachments": func(ctx context.Context) (any, error) {
			return newAttachmentsFetcher(st).Run(ctx)
		},
		"download": func(ctx context.Context) (any, error) {
			dl, err := newDownloader(st)
			if err != nil {
				return nil, err
			}
			return dl.Run(ctx)
		},
		"extract": func(ctx context.Context) (any, error) {
			return newExtractRunner(st).Run(ctx)
		},
		"analyze": func(ctx context.Context) (any, error) {
			an, err := newAnalyzer(st)
			if err != nil {
				return nil, err
			}
			return an.Run(ctx)
		},
		"sync": func(ctx context.Context) (any, error) {
			sy, err := newSyncer(st)
			if err != nil {
				return nil, err
			}
			return sy.Run(ctx)
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
