// Package httpapi serves the operational and visibility endpoints of the radar host.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"driftpursuit/radarcore/internal/feed"
	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/radar"
	"driftpursuit/radarcore/internal/replay"
	"driftpursuit/radarcore/internal/simulation"
)

// ReadinessProvider exposes host state required for readiness checks.
type ReadinessProvider interface {
	Ready() error
	Uptime() time.Duration
}

// VisibilitySource exposes the latest radar results. *radar.Filter satisfies it.
type VisibilitySource interface {
	Frame() radar.Frame
	Stats() radar.Stats
}

// ReplayFlusher forces buffered replay frames to disk and returns the session location.
type ReplayFlusher interface {
	FlushReplay(ctx context.Context) (string, error)
}

// ReplayFlusherFunc adapts a function into a ReplayFlusher.
type ReplayFlusherFunc func(ctx context.Context) (string, error)

// FlushReplay implements ReplayFlusher.
func (f ReplayFlusherFunc) FlushReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet. Nil collaborators disable their section of the output.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	Radar         VisibilitySource
	Ticks         func() simulation.TickMetricsSnapshot
	Objects       func() int
	Feed          *feed.Hub
	Replay        ReplayFlusher
	ReplayStats   func() replay.Stats
	ReplayStorage func() replay.StorageStats
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
}

// HandlerSet bundles the host's HTTP handlers.
type HandlerSet struct {
	logger        *logging.Logger
	readiness     ReadinessProvider
	radar         VisibilitySource
	ticks         func() simulation.TickMetricsSnapshot
	objects       func() int
	feed          *feed.Hub
	replay        ReplayFlusher
	replayStats   func() replay.Stats
	replayStorage func() replay.StorageStats
	adminToken    string
	rateLimiter   RateLimiter
	now           func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:        logger.Named("httpapi"),
		readiness:     opts.Readiness,
		radar:         opts.Radar,
		ticks:         opts.Ticks,
		objects:       opts.Objects,
		feed:          opts.Feed,
		replay:        opts.Replay,
		replayStats:   opts.ReplayStats,
		replayStorage: opts.ReplayStorage,
		adminToken:    strings.TrimSpace(opts.AdminToken),
		rateLimiter:   opts.RateLimiter,
		now:           now,
	}
}

// Register attaches every handler to router. The feed, when configured, is mounted at /feed.
func (h *HandlerSet) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/visibility", h.VisibilityHandler()).Methods(http.MethodGet)
	router.HandleFunc("/visibility/{id}", h.ObjectVisibilityHandler()).Methods(http.MethodGet)
	router.HandleFunc("/replay/flush", h.ReplayFlushHandler())
	if h.feed != nil {
		router.Handle("/feed", h.feed)
	}
}

// NewRouter builds a gorilla router with the handler set registered and trace middleware installed.
func (h *HandlerSet) NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(logging.HTTPTraceMiddleware(h.logger)))
	h.Register(router)
	return router
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the tick loop is running and the radar has produced a frame.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Pass          uint64  `json:"pass"`
		Subscribers   int     `json:"subscribers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", Subscribers: h.feed.Clients()}
		if h.radar != nil {
			resp.Pass = h.radar.Stats().Pass
		}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.Ready(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.readiness != nil {
			gauge(w, "radar_uptime_seconds", "Host uptime in seconds.", fmt.Sprintf("%.0f", h.readiness.Uptime().Seconds()))
		}
		if h.objects != nil {
			gauge(w, "radar_objects", "Objects in the tracked collection.", fmt.Sprint(h.objects()))
		}
		if h.radar != nil {
			stats := h.radar.Stats()
			counter(w, "radar_passes_total", "Visibility passes completed.", fmt.Sprint(stats.Pass))
			gauge(w, "radar_owners", "Fields of view evaluated in the last pass.", fmt.Sprint(stats.Owners))
			gauge(w, "radar_visible_objects", "Objects in the aggregate visible set.", fmt.Sprint(stats.Visible))
			gauge(w, "radar_recomputed_views", "Fields of view recomputed in the last pass.", fmt.Sprint(stats.Recomputed))
			gauge(w, "radar_skipped_views", "Fields of view skipped because their owner vanished.", fmt.Sprint(stats.Skipped))
			counter(w, "radar_views_created_total", "Fields of view created.", fmt.Sprint(stats.Created))
			counter(w, "radar_views_destroyed_total", "Fields of view released.", fmt.Sprint(stats.Destroyed))
			gauge(w, "radar_pass_duration_seconds", "Wall time of the last pass.", fmt.Sprintf("%.6f", stats.Duration.Seconds()))
		}
		if h.ticks != nil {
			ticks := h.ticks()
			gauge(w, "radar_tick_average_seconds", "Average tick duration.", fmt.Sprintf("%.6f", ticks.Average.Seconds()))
			gauge(w, "radar_tick_max_seconds", "Slowest observed tick.", fmt.Sprintf("%.6f", ticks.Max.Seconds()))
			counter(w, "radar_tick_overruns_total", "Ticks that exceeded their budget.", fmt.Sprint(ticks.Overruns))
		}
		if h.feed != nil {
			h.writeFeedMetrics(w)
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			counter(w, "radar_replay_events_total", "Lifecycle events written to the replay log.", fmt.Sprint(stats.Events))
			counter(w, "radar_replay_frames_total", "Frames staged for the replay stream.", fmt.Sprint(stats.Frames))
			counter(w, "radar_replay_failures_total", "Replay writes that failed.", fmt.Sprint(stats.Failures))
			gauge(w, "radar_replay_pending_frames", "Frames staged but not yet flushed.", fmt.Sprint(stats.Writer.FramesPending))
		}
		if h.replayStorage != nil {
			storage := h.replayStorage()
			gauge(w, "radar_replay_sessions", "Replay sessions retained on disk.", fmt.Sprint(storage.Sessions))
			gauge(w, "radar_replay_bytes", "Bytes used by retained replay sessions.", fmt.Sprint(storage.Bytes))
		}
	}
}

func (h *HandlerSet) writeFeedMetrics(w http.ResponseWriter) {
	metrics := h.feed.Metrics()
	gauge(w, "radar_feed_subscribers", "Connected feed subscribers.", fmt.Sprint(h.feed.Clients()))
	counter(w, "radar_feed_frames_total", "Frames published to the feed.", fmt.Sprint(metrics.Published()))

	bytes := metrics.BytesPerClient()
	header(w, "radar_feed_bytes_per_client", "Last payload size queued per subscriber.", "gauge")
	for _, id := range sortedKeys(bytes) {
		fmt.Fprintf(w, "radar_feed_bytes_per_client{client=%q} %d\n", id, bytes[id])
	}
	drops := metrics.DropCounts()
	header(w, "radar_feed_dropped_total", "Frames not delivered, by reason.", "counter")
	for _, reason := range sortedKeys(drops) {
		fmt.Fprintf(w, "radar_feed_dropped_total{reason=%q} %d\n", reason, drops[reason])
	}
	usage := h.feed.Usage()
	if len(usage) == 0 {
		return
	}
	header(w, "radar_feed_bytes_per_second", "Observed outbound throughput per subscriber.", "gauge")
	for _, id := range sortedKeys(usage) {
		fmt.Fprintf(w, "radar_feed_bytes_per_second{client=%q} %.2f\n", id, usage[id].BytesPerSecond)
	}
}

// VisibilityHandler returns the latest frame.
func (h *HandlerSet) VisibilityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.radar == nil {
			http.Error(w, "radar is unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.radar.Frame())
	}
}

// ObjectVisibilityHandler reports whether one object is in range and, for sensor owners, its field of view.
func (h *HandlerSet) ObjectVisibilityHandler() http.HandlerFunc {
	type response struct {
		ID      string           `json:"id"`
		Pass    uint64           `json:"pass"`
		InRange bool             `json:"in_range"`
		Owner   *radar.OwnerView `json:"owner,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.radar == nil {
			http.Error(w, "radar is unavailable", http.StatusServiceUnavailable)
			return
		}
		id := mux.Vars(r)["id"]
		frame := h.radar.Frame()
		resp := response{ID: id, Pass: frame.Pass}
		if i := sort.SearchStrings(frame.Visible, id); i < len(frame.Visible) && frame.Visible[i] == id {
			resp.InRange = true
		}
		if owner, ok := frame.Owner(id); ok {
			resp.Owner = &owner
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ReplayFlushHandler authorises and forces a replay flush.
func (h *HandlerSet) ReplayFlushHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_flush"),
			logging.String("remote_addr", r.RemoteAddr),
			logging.String(logging.TraceIDField, logging.TraceIDFromContext(r.Context())),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay flush denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("replay flush denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay flush denied: recording disabled")
			http.Error(w, "replay recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.FlushReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay flush failed", logging.Error(err))
			http.Error(w, "failed to flush replay", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay flushed", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func header(w http.ResponseWriter, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func gauge(w http.ResponseWriter, name, help, value string) {
	header(w, name, help, "gauge")
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func counter(w http.ResponseWriter, name, help, value string) {
	header(w, name, help, "counter")
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
