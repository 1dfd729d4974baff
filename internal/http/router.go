package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aamitn/radixiot/internal/domain"
	"github.com/aamitn/radixiot/internal/repository"
	"github.com/aamitn/radixiot/internal/service/fetch"
	"github.com/aamitn/radixiot/internal/service/ingest"
	"github.com/aamitn/radixiot/internal/service/watchdog"
	"github.com/aamitn/radixiot/internal/ws"
)

// Router wires HTTP and websocket endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	ingest       *ingest.Service
	fetcher      *fetch.Correlator
	state        *watchdog.LivenessState
	hub          *ws.Hub
	measurements repository.MeasurementRepository
	thresholds   repository.ThresholdRepository
	emailCfg     repository.EmailConfigRepository
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error

	metricsOnce          sync.Once
	metricsInitialized   bool
	requestTotal         *prometheus.CounterVec
	requestLatency       *prometheus.HistogramVec
	rateLimitHits        *prometheus.CounterVec
	measurementsIngested *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 600
	rateLimitUpload    = 30
	rateLimitFetch     = 6
	rateLimitQuery     = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxUploadBytes     = 64 << 20
	maxQueryLimit      = 200000
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, ingestSvc *ingest.Service, fetcher *fetch.Correlator, state *watchdog.LivenessState, hub *ws.Hub, measurements repository.MeasurementRepository, thresholds repository.ThresholdRepository, emailCfg repository.EmailConfigRepository, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		ingest:       ingestSvc,
		fetcher:      fetcher,
		state:        state,
		hub:          hub,
		measurements: measurements,
		thresholds:   thresholds,
		emailCfg:     emailCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit(r.handleHealth))
	r.mux.HandleFunc("/data", r.audit(r.withRateLimit("/data", rateLimitIngest, rateWindowDefault, r.handleData)))
	r.mux.HandleFunc("/data-ftp", r.audit(r.withRateLimit("/data-ftp", rateLimitUpload, rateWindowDefault, r.handleDataFTP)))
	r.mux.HandleFunc("/trigger-ftp-fetch", r.audit(r.withRateLimit("/trigger-ftp-fetch", rateLimitFetch, rateWindowDefault, r.handleTriggerFetch)))
	r.mux.HandleFunc("/measurements", r.audit(r.withRateLimit("/measurements", rateLimitQuery, rateWindowDefault, r.handleMeasurements)))
	r.mux.HandleFunc("/measurements/count", r.audit(r.withRateLimit("/measurements/count", rateLimitQuery, rateWindowDefault, r.handleMeasurementsCount)))
	r.mux.HandleFunc("/system-info", r.audit(r.handleSystemInfo))
	r.mux.HandleFunc("/polling", r.audit(r.handlePolling))
	r.mux.HandleFunc("/config/thresholds", r.audit(r.handleThresholdConfig))
	r.mux.HandleFunc("/config/email", r.audit(r.handleEmailConfig))
	r.mux.HandleFunc("/ws/gateway", r.withRateLimit("/ws/gateway", rateLimitWebsocket, rateWindowRealtime, r.handleGatewayWS))
	r.mux.HandleFunc("/ws/frontend", r.withRateLimit("/ws/frontend", rateLimitWebsocket, rateWindowRealtime, r.handleFrontendWS))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":              status,
		"time":                time.Now().UTC().Format(time.RFC3339Nano),
		"connected_gateways":  r.hub.Count(ws.PoolDevice),
		"connected_frontends": r.hub.Count(ws.PoolObserver),
		"components":          components,
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleData(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var sub ingest.Submission
	if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m, err := sub.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed measurement payload")
		return
	}
	if err := r.ingest.IngestMeasurement(req.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordIngest("rest")
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "received": sub})
}

func (r *Router) handleDataFTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "device-files-*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	size, err := io.Copy(tmp, file)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	summary, err := summarizeArchive(tmp.Name(), header.Filename)
	if err != nil {
		_ = os.Remove(tmp.Name())
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid zip file: %v", err))
		return
	}
	r.broadcastArchiveSummary(summary)
	r.logger.Info("device file bundle received", "filename", header.Filename, "bytes", size, "files", len(summary.Files))

	if !r.fetcher.Deliver(fetch.Artifact{Filename: header.Filename, Path: tmp.Name(), Size: size}) {
		// Nobody is waiting for this bundle; it was still summarized for
		// observers above.
		_ = os.Remove(tmp.Name())
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "File received by backend"})
}

func (r *Router) handleTriggerFetch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	artifact, err := r.fetcher.Request(req.Context())
	switch {
	case errors.Is(err, fetch.ErrNoDevices):
		writeError(w, http.StatusServiceUnavailable, "no gateways connected")
		return
	case errors.Is(err, fetch.ErrInFlight):
		writeError(w, http.StatusConflict, "a fetch request is already in progress")
		return
	case errors.Is(err, fetch.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "gateway did not send the file in time")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(artifact.Path)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="device_files.zip"`)
	http.ServeFile(w, req, artifact.Path)
}

func (r *Router) handleMeasurements(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		filter := repository.MeasurementFilter{
			DeviceID: req.URL.Query().Get("device_id"),
			Limit:    100,
		}
		if v := req.URL.Query().Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 || limit > maxQueryLimit {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 200000")
				return
			}
			filter.Limit = limit
		}
		if v := req.URL.Query().Get("offset"); v != "" {
			offset, err := strconv.Atoi(v)
			if err != nil || offset < 0 {
				writeError(w, http.StatusBadRequest, "offset must be >= 0")
				return
			}
			filter.Offset = offset
		}
		var parseErr error
		if filter.Start, parseErr = parseTimeParam(req, "start_datetime"); parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		if filter.End, parseErr = parseTimeParam(req, "end_datetime"); parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		rows, err := r.measurements.ListMeasurements(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			results = append(results, map[string]any{
				"id":          row.ID,
				"device_id":   row.DeviceID,
				"payload":     row.Payload,
				"received_at": row.ReceivedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "success",
			"count":        len(results),
			"limit":        filter.Limit,
			"offset":       filter.Offset,
			"measurements": results,
		})
	case http.MethodDelete:
		var payload struct {
			Count         int    `json:"count"`
			StartDatetime string `json:"start_datetime"`
			EndDatetime   string `json:"end_datetime"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		switch {
		case payload.Count > 0:
			deleted, err := r.measurements.DeleteOldestMeasurements(req.Context(), payload.Count)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "deleted": deleted})
		case payload.StartDatetime != "" && payload.EndDatetime != "":
			start, err := parseTimestamp(payload.StartDatetime)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid start_datetime")
				return
			}
			end, err := parseTimestamp(payload.EndDatetime)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid end_datetime")
				return
			}
			deleted, err := r.measurements.DeleteMeasurementsBetween(req.Context(), start, end)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "deleted": deleted})
		default:
			writeError(w, http.StatusBadRequest, "you must provide either 'count' or 'start_datetime' and 'end_datetime'")
		}
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleMeasurementsCount(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	count, err := r.measurements.CountMeasurements(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "total_entries": count})
}

func (r *Router) handlePolling(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "polling_interval_ms": r.state.IntervalMS()})
	case http.MethodPost:
		var payload struct {
			IntervalMS int `json:"interval_ms"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.state.SetIntervalMS(payload.IntervalMS); err != nil {
			writeError(w, http.StatusBadRequest, "interval must be >= 200 ms")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "polling_interval_ms": r.state.IntervalMS()})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleThresholdConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		policies, err := r.thresholds.ListThresholds(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results := make([]map[string]any, 0, len(policies))
		for _, p := range policies {
			results = append(results, map[string]any{
				"channel":            p.Channel,
				"enabled":            p.Enabled,
				"threshold":          p.Threshold,
				"alert_interval_sec": p.AlertIntervalSec,
				"last_alert_ts":      p.LastAlertTS,
				"updated_at":         p.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"thresholds": results})
	case http.MethodPost:
		var payload struct {
			Channel          string   `json:"channel"`
			Enabled          bool     `json:"enabled"`
			Threshold        *float64 `json:"threshold"`
			AlertIntervalSec int      `json:"alert_interval_sec"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Channel == "" {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		if payload.AlertIntervalSec <= 0 {
			payload.AlertIntervalSec = 300
		}
		threshold := domain.ChannelThreshold{
			Channel:          payload.Channel,
			Enabled:          payload.Enabled,
			Threshold:        payload.Threshold,
			AlertIntervalSec: payload.AlertIntervalSec,
			UpdatedAt:        time.Now().UTC(),
		}
		if err := r.thresholds.UpsertThreshold(req.Context(), threshold); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEmailConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		settings, err := r.emailCfg.GetEmailSettings(req.Context())
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no email configuration found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":     settings.Enabled,
			"smtp_server": settings.SMTPServer,
			"smtp_port":   settings.SMTPPort,
			"username":    settings.Username,
			"password":    maskedPassword,
			"from_email":  settings.FromEmail,
			"to_email":    settings.ToEmail,
			"updated_at":  settings.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	case http.MethodPost:
		var payload struct {
			Enabled    bool   `json:"enabled"`
			SMTPServer string `json:"smtp_server"`
			SMTPPort   int    `json:"smtp_port"`
			Username   string `json:"username"`
			Password   string `json:"password"`
			FromEmail  string `json:"from_email"`
			ToEmail    string `json:"to_email"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Password == maskedPassword {
			existing, err := r.emailCfg.GetEmailSettings(req.Context())
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if existing != nil {
				payload.Password = existing.Password
			}
		}
		settings := domain.EmailSettings{
			Enabled:    payload.Enabled,
			SMTPServer: payload.SMTPServer,
			SMTPPort:   payload.SMTPPort,
			Username:   payload.Username,
			Password:   payload.Password,
			FromEmail:  payload.FromEmail,
			ToEmail:    payload.ToEmail,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := r.emailCfg.SaveEmailSettings(req.Context(), settings); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	default:
		r.methodNotAllowed(w)
	}
}

const maskedPassword = "********"

func (r *Router) handleGatewayWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("gateway websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn)
	handle := r.hub.Join(ws.PoolDevice, client)
	go func() {
		defer func() {
			r.hub.Leave(ws.PoolDevice, handle)
			client.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if r.ingest.IngestFrame(context.Background(), raw) {
				r.recordIngest("stream")
			}
		}
	}()
}

func (r *Router) handleFrontendWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("frontend websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn)
	handle := r.hub.Join(ws.PoolObserver, client)
	go func() {
		defer func() {
			r.hub.Leave(ws.PoolObserver, handle)
			client.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Plain text downgrades to a wrapped object, same as the
			// gateway path.
			data := json.RawMessage(raw)
			if !json.Valid(raw) {
				data, _ = json.Marshal(map[string]string{"raw": string(raw)})
			}
			var msg struct {
				Command string `json:"command"`
			}
			_ = json.Unmarshal(data, &msg)
			switch msg.Command {
			case fetch.FetchCommand:
				r.fetcher.Dispatch()
			case "ping":
				pong, _ := json.Marshal(map[string]any{
					"type": "pong",
					"ts":   time.Now().UTC().Format(time.RFC3339Nano),
				})
				_ = client.Send(pong)
			default:
				ack, err := json.Marshal(map[string]any{
					"type": "ack",
					"data": data,
				})
				if err != nil {
					r.logger.Warn("failed to marshal ack", "error", err)
					continue
				}
				_ = client.Send(ack)
			}
		}
	}()
}

func (r *Router) broadcastArchiveSummary(summary domain.ArchiveSummary) {
	payload, err := json.Marshal(map[string]any{
		"type":       "ftp_zip",
		"filename":   summary.Filename,
		"total_size": summary.TotalSize,
		"num_files":  len(summary.Files),
		"files":      summary.Files,
	})
	if err != nil {
		r.logger.Warn("failed to marshal archive summary", "error", err)
		return
	}
	r.hub.Broadcast(ws.PoolObserver, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseTimeParam(req *http.Request, name string) (*time.Time, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected ISO 8601", name)
	}
	return &t, nil
}

// parseTimestamp accepts RFC 3339 with or without an explicit zone.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", raw)
}
