package main

import (
	"context"
	"encoding/json"
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

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API server and job worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Scheduler.ScheduleDefaults(); err != nil {
			return err
		}
		a.Scheduler.Start()
		defer a.Scheduler.Stop()

		go a.Worker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(a),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/{type}", handleTriggerSync(a))
		r.Get("/queue", handleQueueStatus(a))
		r.Get("/runs", handleSyncRuns(a))
		r.Get("/circuits", handleCircuits(a))
		r.Delete("/cache/{tier}", handleFlushCache(a))
		r.Get("/metrics", handleMetrics(a))

		r.Get("/products/{code}/explain", handleExplain(a))

		r.Post("/imports", handleCreateImport(a))
		r.Get("/imports", handleListImports(a))
		r.Get("/imports/{id}", handleGetImport(a))
		r.Post("/imports/{id}/rollback", handleRollback(a))
		r.Get("/imports/{id}/report", handleReport(a))
	})

	return r
}

func handleTriggerSync(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobType := model.JobType(chi.URLParam(r, "type"))

		var payload model.JobPayload
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid payload")
				return
			}
		}
		if jobType == model.JobRateUpdate && payload.RateUpdate == nil {
			payload.RateUpdate = &model.RateUpdatePayload{}
		}

		job, err := a.Worker.Enqueue(r.Context(), jobType, payload, time.Time{})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleQueueStatus(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := a.Store.CountJobs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"counts": counts,
			"paused": a.Worker.Paused(),
		})
	}
}

func handleSyncRuns(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobType := model.JobType(r.URL.Query().Get("type"))

		runs, err := a.Store.ListSyncRuns(r.Context(), jobType, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleCircuits(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Breakers.Snapshots())
	}
}

func handleFlushCache(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tier := cache.Tier(chi.URLParam(r, "tier"))
		switch tier {
		case cache.TierAPI, cache.TierAI, cache.TierRef:
			a.Cache.Flush(tier)
		case "all":
			a.Cache.Flush("")
		default:
			writeError(w, http.StatusBadRequest, "unknown cache tier")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"flushed": string(tier)})
	}
}

func handleMetrics(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := a.Collector.Collect(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleExplain(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		p, err := a.Store.GetProductByCode(r.Context(), code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}

		text, err := a.Classifier.Explain(r.Context(), p.HTSCode, p.Description, p.TotalRate)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"hts_code":    p.HTSCode,
			"explanation": text,
		})
	}
}

func handleCreateImport(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FilePath      string `json:"file_path"`
			DetectRemoved bool   `json:"detect_removed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FilePath == "" {
			writeError(w, http.StatusBadRequest, "file_path is required")
			return
		}

		job, err := a.Worker.Enqueue(r.Context(), model.JobGenericImport, model.JobPayload{
			Import: &model.ImportPayload{
				FilePath:      req.FilePath,
				DetectRemoved: req.DetectRemoved,
			},
		}, time.Time{})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleListImports(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := a.Store.ListImportRecords(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGetImport(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := a.Store.GetImportRecord(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "import not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleRollback(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := a.Importer.Rollback(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleReport(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := a.Importer.Report(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
