package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"GridClear/internal/auction"
	"GridClear/internal/ingestion"
	"GridClear/internal/ledger"
	"GridClear/internal/observability"
	"GridClear/internal/persistence"
	"GridClear/internal/projection"
	"GridClear/internal/query"
)

// HTTPServer serves the query API, admin operations, the WebSocket event
// feed, health probes, and the Prometheus endpoint on one chi router.
type HTTPServer struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// Deps holds all dependencies needed by the HTTP handlers.
type Deps struct {
	DB          *sql.DB
	Reader      query.Reader
	Injector    *ingestion.AdminInjector
	SnapshotMgr *persistence.SnapshotManager
	Hub         *EventHub
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger

	// AdminToken guards /v1/admin. Empty disables the admin API entirely.
	AdminToken string
}

// NewHTTPServer creates the router and wires all endpoints.
func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)
	if deps.Metrics != nil {
		r.Use(requestMetrics(deps.Metrics))
	}

	r.Get("/healthz", deps.Health.LivenessHandler)
	r.Get("/readyz", deps.Health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", deps.Hub.HandleWS)

		r.Get("/balances/{participant}", s.getBalance(deps.Reader))
		r.Get("/timeslots", s.listTimeslots(deps.Reader))
		r.Get("/timeslots/{epoch}", s.getTimeslot(deps.Reader))
		r.Get("/timeslots/{epoch}/deliveries", s.getDeliveries(deps.Reader))
		r.Get("/journal/{participant}", s.getJournal(deps.Reader))

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(deps.AdminToken))
			r.Post("/pause", s.adminPause(deps.Injector))
			r.Post("/resume", s.adminResume(deps.Injector))
			r.Post("/params", s.adminParamUpdate(deps.Injector))
			r.Post("/health-check", s.adminHealthCheck(deps.Injector))
			r.Post("/projections/rebuild", s.adminRebuild(deps.DB))
			r.Get("/integrity", s.adminIntegrity(deps.Reader))
			r.Get("/event-log", s.adminEventLogInfo(deps.DB, deps.SnapshotMgr))
		})
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Middleware ---

// requestMetrics records per-endpoint request counts and latency. The route
// pattern is read after serving so path parameters collapse into one label.
func requestMetrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			endpoint := chi.RouteContext(r.Context()).RoutePattern()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		})
	}
}

// adminAuth gates the admin API behind a bearer token. Authority checks on
// the injected events themselves still happen inside the core.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, "admin API disabled", http.StatusForbidden)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Query handlers ---

func (s *HTTPServer) getBalance(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participant, err := auction.ParseAddress(chi.URLParam(r, "participant"))
		if err != nil {
			writeError(w, "invalid participant address", http.StatusBadRequest)
			return
		}
		asset := r.URL.Query().Get("asset")
		if asset == "" {
			asset = "USDC"
		}
		if _, ok := ledger.GetAssetID(asset); !ok {
			writeError(w, "unknown asset: "+asset, http.StatusBadRequest)
			return
		}

		bal, err := reader.GetBalance(r.Context(), participant, asset)
		if err != nil {
			s.logger.Error().Err(err).Msg("get balance")
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, bal)
	}
}

func (s *HTTPServer) listTimeslots(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status *int16
		if v := r.URL.Query().Get("status"); v != "" {
			n, err := strconv.ParseInt(v, 10, 16)
			if err != nil {
				writeError(w, "invalid status filter", http.StatusBadRequest)
				return
			}
			st := int16(n)
			status = &st
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, "invalid limit", http.StatusBadRequest)
				return
			}
			if n > 200 {
				n = 200
			}
			limit = n
		}

		var before *int64
		if v := r.URL.Query().Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, "invalid before cursor", http.StatusBadRequest)
				return
			}
			before = &n
		}

		slots, err := reader.ListTimeslots(r.Context(), status, limit, before)
		if err != nil {
			s.logger.Error().Err(err).Msg("list timeslots")
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"timeslots": slots})
	}
}

func (s *HTTPServer) getTimeslot(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := strconv.ParseInt(chi.URLParam(r, "epoch"), 10, 64)
		if err != nil {
			writeError(w, "invalid epoch", http.StatusBadRequest)
			return
		}

		slot, err := reader.GetTimeslot(r.Context(), epoch)
		if err != nil {
			s.logger.Error().Err(err).Msg("get timeslot")
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}
		if slot == nil {
			writeError(w, "timeslot not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func (s *HTTPServer) getDeliveries(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := strconv.ParseInt(chi.URLParam(r, "epoch"), 10, 64)
		if err != nil {
			writeError(w, "invalid epoch", http.StatusBadRequest)
			return
		}

		reports, err := reader.GetDeliveryReports(r.Context(), epoch)
		if err != nil {
			s.logger.Error().Err(err).Msg("get delivery reports")
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
	}
}

func (s *HTTPServer) getJournal(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participant, err := auction.ParseAddress(chi.URLParam(r, "participant"))
		if err != nil {
			writeError(w, "invalid participant address", http.StatusBadRequest)
			return
		}

		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, "invalid limit", http.StatusBadRequest)
				return
			}
			if n > 500 {
				n = 500
			}
			limit = n
		}

		var after *int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, "invalid after cursor", http.StatusBadRequest)
				return
			}
			after = &n
		}

		entries, err := reader.GetJournalHistory(r.Context(), participant, limit, after)
		if err != nil {
			s.logger.Error().Err(err).Msg("get journal history")
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}

// --- Admin handlers ---
// Injection is asynchronous: 202 means the event is queued for the core,
// which may still reject it during apply. Rejections surface in the logs
// and the grid_core_events_rejected_total metric.

func (s *HTTPServer) adminPause(inj *ingestion.AdminInjector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := inj.InjectPause(r.Context(), req.Reason); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Warn().Str("reason", req.Reason).Msg("emergency pause injected")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *HTTPServer) adminResume(inj *ingestion.AdminInjector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := inj.InjectResume(r.Context()); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Warn().Msg("emergency resume injected")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *HTTPServer) adminParamUpdate(inj *ingestion.AdminInjector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Param  string `json:"param"`
			Value  uint64 `json:"value"`
			Target string `json:"target,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		var target auction.Address
		if req.Target != "" {
			var err error
			if target, err = auction.ParseAddress(req.Target); err != nil {
				writeError(w, "invalid target address", http.StatusBadRequest)
				return
			}
		}
		if err := inj.InjectParamUpdate(r.Context(), req.Param, req.Value, target); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Info().Str("param", req.Param).Uint64("value", req.Value).Msg("param update injected")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *HTTPServer) adminHealthCheck(inj *ingestion.AdminInjector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Epoch *int64 `json:"epoch,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := inj.InjectHealthCheck(r.Context(), req.Epoch); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *HTTPServer) adminRebuild(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := projection.RebuildProjections(r.Context(), db); err != nil {
			s.logger.Error().Err(err).Msg("projection rebuild failed")
			writeError(w, "rebuild failed", http.StatusInternalServerError)
			return
		}
		s.logger.Info().Msg("projections rebuilt")
		writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
	}
}

func (s *HTTPServer) adminIntegrity(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := reader.VerifyIntegrity(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("integrity check failed")
			writeError(w, "integrity check failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *HTTPServer) adminEventLogInfo(db *sql.DB, snapMgr *persistence.SnapshotManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lastEvent, err := snapMgr.GetLatestSequence(r.Context())
		if err != nil {
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}

		var lastSnap sql.NullInt64
		if err := db.QueryRowContext(r.Context(), `
			SELECT MAX(sequence) FROM event_log.snapshots WHERE verified = TRUE
		`).Scan(&lastSnap); err != nil {
			writeError(w, "query failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]int64{
			"last_event_sequence":    lastEvent,
			"last_snapshot_sequence": lastSnap.Int64,
		})
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
