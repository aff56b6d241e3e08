// Command triaged runs the triage engine as a small HTTP daemon: admission
// and worker endpoints, priority-ordered queue views, Prometheus metrics,
// and health. It is thin glue over the library; all scheduling semantics
// live in the engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	triage "github.com/webqx/triage-engine"
	"github.com/webqx/triage-engine/audit"
	"github.com/webqx/triage-engine/configfile"
	"github.com/webqx/triage-engine/models"
	"github.com/webqx/triage-engine/telemetry/logging"
)

func main() {
	configPath := flag.String("config", "triaged.yaml", "path to yaml configuration")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "triaged:", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cf, err := configfile.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr == "" {
		listenAddr = cf.ListenAddr
	}
	if listenAddr == "" {
		listenAddr = ":8743"
	}

	level := slog.LevelInfo
	if cf.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	log := logging.NewWithOptions(logging.Options{
		Level:      level,
		JSON:       cf.Logging.JSON,
		FilePath:   cf.Logging.File,
		MaxSizeMB:  cf.Logging.MaxSizeMB,
		MaxBackups: cf.Logging.MaxBackups,
		MaxAgeDays: cf.Logging.MaxAgeDays,
	})

	cfg := cf.EngineConfig()
	cfg.Logger = log
	cfg.MetricsEnabled = true
	if cf.AuditLogPath != "" {
		sink, err := audit.NewJSONLSink(cf.AuditLogPath)
		if err != nil {
			return err
		}
		cfg.AuditSink = audit.NewBuffered(sink, 0)
	}
	if cf.SnapshotPath != "" {
		cfg.Persistence = triage.FileSnapshotStore{Path: cf.SnapshotPath}
	}

	engine, err := triage.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := configfile.Watch(ctx, configPath, log, func(t triage.Tunables) {
			engine.UpdateTunables(&t)
		}); err != nil {
			log.WarnCtx(ctx, "config watcher stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	if h := engine.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.HealthSnapshot(r.Context()))
	})
	mux.HandleFunc("GET /api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.Snapshot())
	})
	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.MetricsSnapshot())
	})
	mux.HandleFunc("GET /api/queue", func(w http.ResponseWriter, r *http.Request) {
		handleQueue(engine, w, r)
	})
	mux.HandleFunc("POST /api/admit", func(w http.ResponseWriter, r *http.Request) {
		handleAdmit(engine, w, r)
	})
	mux.HandleFunc("POST /api/lease", func(w http.ResponseWriter, r *http.Request) {
		handleLease(engine, w, r)
	})
	mux.HandleFunc("POST /api/ack", func(w http.ResponseWriter, r *http.Request) {
		handleAck(engine, w, r)
	})
	mux.HandleFunc("POST /api/nack", func(w http.ResponseWriter, r *http.Request) {
		handleNack(engine, w, r)
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.InfoCtx(ctx, "triaged listening", "addr", listenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return engine.Shutdown(shutdownCtx)
}

func handleQueue(engine *triage.Engine, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter triage.QueryFilter
	if s := q.Get("state"); s != "" {
		st := models.State(s)
		if !st.Valid() {
			httpError(w, http.StatusBadRequest, "invalid state %q", s)
			return
		}
		filter.State = &st
	}
	if s := q.Get("priority"); s != "" {
		p, err := models.ParsePriority(s)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid priority %q", s)
			return
		}
		filter.BasePriority = &p
	}
	filter.ClinicianID = q.Get("clinician")
	filter.Language = q.Get("language")
	filter.CulturalContext = q.Get("cultural_context")
	filter.Department = q.Get("department")
	limit := 0
	if s := q.Get("limit"); s != "" {
		fmt.Sscanf(s, "%d", &limit)
	}
	page, err := engine.Query(filter, q.Get("cursor"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func handleAdmit(engine *triage.Engine, w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string         `json:"id"`
		Priority string         `json:"priority"`
		Payload  models.Payload `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	p, err := models.ParsePriority(req.Priority)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid priority %q", req.Priority)
		return
	}
	id, err := engine.Admit(r.Context(), models.ItemSpec{ID: req.ID, Priority: p, Payload: req.Payload})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func handleLease(engine *triage.Engine, w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID   string `json:"worker_id"`
		TTLSeconds int    `json:"ttl_seconds"`
		WaitMillis int    `json:"wait_millis"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	var grant *triage.Grant
	var err error
	if req.WaitMillis > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.WaitMillis)*time.Millisecond)
		defer cancel()
		grant, err = engine.Lease(ctx, req.WorkerID, ttl)
	} else {
		grant, err = engine.TryLease(r.Context(), req.WorkerID, ttl)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if grant == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lease_id":   grant.LeaseID,
		"expires_at": grant.ExpiresAt,
		"item":       grant.Item,
	})
}

func handleAck(engine *triage.Engine, w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeaseID string `json:"lease_id"`
		Detail  string `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if err := engine.Ack(r.Context(), req.LeaseID, req.Detail); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleNack(engine *triage.Engine, w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeaseID          string `json:"lease_id"`
		Requeue          bool   `json:"requeue"`
		PriorityOverride string `json:"priority_override"`
		Reason           string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	opts := triage.NackOptions{Requeue: req.Requeue, Reason: req.Reason}
	if req.PriorityOverride != "" {
		p, err := models.ParsePriority(req.PriorityOverride)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid priority_override %q", req.PriorityOverride)
			return
		}
		opts.PriorityOverride = &p
	}
	if err := engine.Nack(r.Context(), req.LeaseID, opts); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps the engine's closed error kinds onto HTTP statuses:
// capacity and shutdown become retry-later, client mistakes become 4xx.
func writeEngineError(w http.ResponseWriter, err error) {
	kind, ok := triage.KindOf(err)
	if !ok {
		httpError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case triage.KindCapacityExceeded, triage.KindShuttingDown:
		status = http.StatusServiceUnavailable
	case triage.KindDuplicateID, triage.KindLeaseExpired, triage.KindAlreadyTerminal:
		status = http.StatusConflict
	case triage.KindInvalidPriority, triage.KindInvalidArgument:
		status = http.StatusBadRequest
	case triage.KindUnknownID, triage.KindUnknownLease:
		status = http.StatusNotFound
	case triage.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "detail": err.Error()})
}

func httpError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
