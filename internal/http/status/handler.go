package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/syncer"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const pingTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatusReporter interface {
	Status() syncer.Status
}

type NextRunner interface {
	NextRun() time.Time
}

// Health is the body served on /healthz.
type Health struct {
	Status   string        `json:"status"`
	Database string        `json:"database"`
	Sync     syncer.Status `json:"sync"`
	NextRun  *time.Time    `json:"next_run,omitempty"`
}

// Handler serves the operational endpoints of the mirror.
type Handler struct {
	db        Pinger
	sync      StatusReporter
	scheduler NextRunner
	telemetry *telemetry.Telemetry
}

// NewHandler builds the handler. scheduler may be nil when running a single cycle.
func NewHandler(db Pinger, sync StatusReporter, scheduler NextRunner, tel *telemetry.Telemetry) *Handler {
	return &Handler{db: db, sync: sync, scheduler: scheduler, telemetry: tel}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", h.HandleHealth)

	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	return otelhttp.NewHandler(r, "seedbox_mirror")
}

// HandleHealth reports 503 when the state store cannot be reached.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	health := Health{Status: "ok", Database: "ok", Sync: h.sync.Status()}
	code := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Warn("state store ping failed", "err", err)

		health.Status = "degraded"
		health.Database = err.Error()
		code = http.StatusServiceUnavailable
	}

	if h.scheduler != nil {
		if next := h.scheduler.NextRun(); !next.IsZero() {
			health.NextRun = &next
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(health); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode health response", "err", err)
	}
}
