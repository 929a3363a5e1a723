// Command aimeshd boots the AiMesh dispatch engine: it wires the
// registry, router, budget ledger, dedup cache, rate limiter, tenant
// quota enforcer, scheduler and orchestrator into one Engine, then
// exposes the submission and admin surfaces over HTTP.
//
// Adapted from the teacher's main/ModelProxy bootstrap: the same
// flag-for-config-path, signal-driven graceful shutdown, and
// cors.Handler-wrapped mux shape is kept; the provider-endpoint wiring
// is replaced by AiMesh's dispatch engine construction.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aimesh/aimesh"
	"github.com/aimesh/aimesh/admin"
	"github.com/aimesh/aimesh/budget"
	"github.com/aimesh/aimesh/config"
	"github.com/aimesh/aimesh/dedup"
	"github.com/aimesh/aimesh/dispatch"
	"github.com/aimesh/aimesh/executor"
	"github.com/aimesh/aimesh/kvstore"
	"github.com/aimesh/aimesh/metrics"
	"github.com/aimesh/aimesh/ratelimit"
	"github.com/aimesh/aimesh/registry"
	"github.com/aimesh/aimesh/routing"
	"github.com/aimesh/aimesh/scheduler"
	"github.com/aimesh/aimesh/tenancy"
	"github.com/aimesh/aimesh/tracing"
	"github.com/aimesh/aimesh/utils"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "aimeshd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("failed to load config", "error", err)
	}
	sugar.Infow("loaded config", "bind_address", cfg.BindAddress, "queue_capacity", cfg.QueueCapacity)

	store, cleanup := setupKVStore(cfg.ValkeyEndpoint, sugar)
	defer cleanup()

	reg := registry.New(sugar)
	router := routing.New(reg, sugar)
	ledger := budget.New()
	dedupCache := dedup.New(cfg.DedupMaxBytes, cfg.DedupTTL(), dedup.WithLogger(sugar), dedup.WithStore(store))
	defer dedupCache.Close()
	limiter := ratelimit.New(ratelimit.Config{
		PerKeyRatePerSec: cfg.DefaultRatePerSec,
		PerKeyBurst:      cfg.DefaultBurst,
		GlobalRatePerSec: cfg.GlobalRatePerSec,
		GlobalBurst:      cfg.GlobalBurst,
	})
	tenants := tenancy.New()
	metricsSink := metrics.New(cfg.MetricsNamespace)

	exec, err := executor.NewHTTPExecutor(nil)
	if err != nil {
		sugar.Fatalw("failed to build executor", "error", err)
	}

	tracer, tracerShutdown := setupTracing(cfg, sugar)
	defer tracerShutdown()

	engine := dispatch.New(dispatch.Config{
		Registry:    reg,
		Router:      router,
		Budget:      ledger,
		Dedup:       dedupCache,
		RateLimiter: limiter,
		Tenancy:     tenants,
		SchedulerConfig: scheduler.Config{
			QueueCapacity: cfg.QueueCapacity,
			Workers:       cfg.Workers,
		},
		Executor: exec,
		Metrics:  metricsSink,
		Logger:   sugar,
		Tracer:   tracer,
	})
	engine.Start()

	router2 := mux.NewRouter()
	router2.HandleFunc("/v1/submit", handleSubmit(engine, sugar)).Methods(http.MethodPost)
	router2.HandleFunc("/v1/graphs/{graph_id}/wait", handleWaitForGraph(engine)).Methods(http.MethodGet)
	router2.Handle("/metrics", promhttp.HandlerFor(metricsSink.Registry(), promhttp.HandlerOpts{}))

	adminMux := http.NewServeMux()
	admin.New(reg, ledger).RegisterRoutes(adminMux)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: corsMiddleware.Handler(router2),
	}
	adminServer := &http.Server{
		Addr:    cfg.AdminBindAddress,
		Handler: adminMux,
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		sugar.Infow("starting admin server", "address", cfg.AdminBindAddress)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("admin server error", "error", err)
		}
	}()

	go func() {
		<-shutdownSignal
		sugar.Infow("shutting down")

		engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorw("submission server forced to shutdown", "error", err)
		}
		if err := adminServer.Shutdown(ctx); err != nil {
			sugar.Errorw("admin server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("starting submission server", "address", cfg.BindAddress)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("failed to start server", "error", err)
	}

	sugar.Infow("server exited gracefully")
}

// setupTracing constructs the dispatch engine's tracer from cfg. A blank
// TracingEndpoint means tracing is disabled; the returned Tracer is then
// the engine's built-in no-op default and the cleanup is a no-op.
func setupTracing(cfg *config.Config, logger *zap.SugaredLogger) (trace.Tracer, func()) {
	if cfg.TracingEndpoint == "" {
		return nil, func() {}
	}

	provider, err := tracing.New(context.Background(), tracing.Config{
		ServiceName: "aimeshd",
		Endpoint:    cfg.TracingEndpoint,
		Insecure:    cfg.TracingInsecure,
		SampleRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		logger.Errorw("failed to start tracing, continuing without it", "error", err)
		return nil, func() {}
	}

	logger.Infow("tracing enabled", "endpoint", cfg.TracingEndpoint)
	return provider.Tracer(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Errorw("tracer shutdown error", "error", err)
		}
	}
}

func setupKVStore(valkeyEndpoint string, logger *zap.SugaredLogger) (kvstore.Store, func()) {
	if valkeyEndpoint == "" {
		return kvstore.NewMemory(), func() {}
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{valkeyEndpoint}})
	if err != nil {
		logger.Fatalw("failed to create valkey client", "error", err)
	}
	return kvstore.NewValkey(client), client.Close
}

type submitRequest struct {
	AgentID             string            `json:"agent_id"`
	MessageID           string            `json:"message_id"`
	Payload             []byte            `json:"payload"`
	EstimatedCostTokens int64             `json:"estimated_cost_tokens"`
	BudgetTokens        int64             `json:"budget_tokens"`
	DeadlineMs          int64             `json:"deadline_ms"`
	TaskGraphID         string            `json:"task_graph_id"`
	Dependencies        []string          `json:"dependencies"`
	Priority            int               `json:"priority"`
	DedupContext        string            `json:"dedup_context"`
	TraceID             string            `json:"trace_id"`
	Metadata            map[string]string `json:"metadata"`
}

func handleSubmit(engine *dispatch.Engine, logger *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, aimesh.New(aimesh.CodeValidation, err.Error()))
			return
		}
		if req.MessageID == "" {
			req.MessageID = fmt.Sprintf("%019d-%s", time.Now().UnixNano(), uuid.NewString())
		}

		msg := &aimesh.Message{
			AgentID:             req.AgentID,
			MessageID:           req.MessageID,
			Payload:             req.Payload,
			EstimatedCostTokens: req.EstimatedCostTokens,
			BudgetTokens:        req.BudgetTokens,
			DeadlineMs:          req.DeadlineMs,
			TaskGraphID:         req.TaskGraphID,
			Dependencies:        req.Dependencies,
			Priority:            req.Priority,
			DedupContext:        req.DedupContext,
			TraceID:             req.TraceID,
			Metadata:            req.Metadata,
			Timestamp:           time.Now().UnixMilli(),
		}

		ack, err := engine.Submit(msg)
		if err != nil {
			writeJSONError(w, aimesh.AsError(err).HTTPStatus(), err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ack)
	}
}

func handleWaitForGraph(engine *dispatch.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		graphID := mux.Vars(r)["graph_id"]
		ch := engine.WaitForGraph(graphID)

		select {
		case result := <-ch:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(result)
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": string(aimesh.AsError(err).Code)})
}
