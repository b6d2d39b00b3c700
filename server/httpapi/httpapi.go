// Package httpapi serves the capture service over HTTP.
package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nomoresecretz/pktscope/common/errors"
	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server"
	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/feed"
)

const (
	maxBody   = 1 << 16
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

// Backend is the capture service the API is served from.
type Backend interface {
	Start(device string) (server.State, bool, error)
	Stop() server.State
	Status() server.Status
	Recent(limit int) []record.Record
	Get(id string) (record.Record, error)
	Context(id string, before, after int) ([]record.Record, error)
	Follow(info string) (*feed.Client, func())
	Diagnostics() server.Diagnostics
}

type Handlers struct {
	b        Backend
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// New returns the API handler. Metrics are served from g when it is not nil.
func New(b Backend, g prometheus.Gatherer) http.Handler {
	h := &Handlers{
		b:        b,
		gatherer: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return loggingMiddleware(corsMiddleware(maxBodyMiddleware(maxBody)(router)))
}

// RegisterRoutes registers the API routes. They sit on the root router so a
// method mismatch answers 405 rather than 404.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Packets
	router.HandleFunc("/api/packets", h.handleRecent).Methods("GET")
	router.HandleFunc("/api/packets/stream", h.handleStream).Methods("GET")
	router.HandleFunc("/api/packets/{id}", h.handleGet).Methods("GET")
	router.HandleFunc("/api/packets/{id}/context", h.handleContext).Methods("GET")

	// Capture control
	router.HandleFunc("/api/monitoring/start", h.handleStart).Methods("POST")
	router.HandleFunc("/api/monitoring/stop", h.handleStop).Methods("POST")
	router.HandleFunc("/api/monitoring/status", h.handleStatus).Methods("GET")

	router.HandleFunc("/api/test", h.handleDiagnostics).Methods("GET")

	if h.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

type packetsResponse struct {
	Packets []record.Record `json:"packets"`
	Count   int             `json:"count"`
}

type controlResponse struct {
	Status     string       `json:"status"`
	IsSniffing bool         `json:"is_sniffing"`
	State      server.State `json:"state"`
}

type statusResponse struct {
	server.Status
	IsSniffing      bool   `json:"is_sniffing"`
	PacketCount     uint64 `json:"packet_count"`
	PacketsInMemory int    `json:"packets_in_memory"`
}

type diagnosticsResponse struct {
	Status              string           `json:"status"`
	IsSniffing          bool             `json:"is_sniffing"`
	PacketCounter       uint64           `json:"packet_counter"`
	PacketsInMemory     int              `json:"packets_in_memory"`
	AvailableInterfaces []string         `json:"available_interfaces"`
	DefaultInterface    string           `json:"default_interface"`
	Interfaces          []capture.Device `json:"interfaces"`
	InterfaceError      string           `json:"interface_error,omitempty"`
	Capture             server.Status    `json:"capture"`
}

type startRequest struct {
	Interface string `json:"interface"`
}

func (h *Handlers) handleRecent(w http.ResponseWriter, r *http.Request) {
	rs := h.b.Recent(intParam(r, "limit", server.DefaultLimit))

	respondWithJSON(w, http.StatusOK, packetsResponse{Packets: rs, Count: len(rs)})
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.b.Get(mux.Vars(r)["id"])
	if err != nil {
		respondWithKind(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handlers) handleContext(w http.ResponseWriter, r *http.Request) {
	before := intParam(r, "before", server.DefaultWindow)
	after := intParam(r, "after", server.DefaultWindow)

	rs, err := h.b.Context(mux.Vars(r)["id"], before, after)
	if err != nil {
		respondWithKind(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, packetsResponse{Packets: rs, Count: len(rs)})
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest

	// An empty body starts on the default device.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	st, started, err := h.b.Start(req.Interface)
	if err != nil {
		respondWithKind(w, err)
		return
	}

	status := "started"
	if !started {
		status = "already_running"
	}

	respondWithJSON(w, http.StatusOK, controlResponse{
		Status:     status,
		IsSniffing: st == server.StateRunning,
		State:      st,
	})
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	st := h.b.Stop()

	respondWithJSON(w, http.StatusOK, controlResponse{
		Status:     "stopped",
		IsSniffing: st == server.StateRunning,
		State:      st,
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.b.Status()

	respondWithJSON(w, http.StatusOK, statusResponse{
		Status:          st,
		IsSniffing:      st.IsSniffing(),
		PacketCount:     st.Accepted,
		PacketsInMemory: st.InMemory,
	})
}

func (h *Handlers) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d := h.b.Diagnostics()

	names := make([]string, 0, len(d.Interfaces))
	for _, dev := range d.Interfaces {
		names = append(names, dev.Name)
	}

	respondWithJSON(w, http.StatusOK, diagnosticsResponse{
		Status:              "ok",
		IsSniffing:          d.Status.IsSniffing(),
		PacketCounter:       d.Status.Accepted,
		PacketsInMemory:     d.Status.InMemory,
		AvailableInterfaces: names,
		DefaultInterface:    d.DefaultInterface,
		Interfaces:          d.Interfaces,
		InterfaceError:      d.InterfaceError,
		Capture:             d.Status,
	})
}

// handleStream sends every newly stored record to a websocket client as one
// JSON message per record.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	c, done := h.b.Follow(r.RemoteAddr)
	defer done()

	// Reads only serve to notice the peer going away.
	gone := make(chan struct{})

	go func() {
		defer close(gone)

		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case rec, ok := <-c.Handle:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))

				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rec); err != nil {
				slog.Debug("websocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

// intParam reads an integer query parameter, falling back to def when it is
// missing or unparsable.
func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}

	return i
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// respondWithKind maps an error kind onto an HTTP status.
func respondWithKind(w http.ResponseWriter, err error) {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		respondWithError(w, http.StatusNotFound, "Packet not found")
	case errors.KindValidation:
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxBodyMiddleware limits the size of request bodies.
func maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > maxBytes {
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs all API requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" {
			return
		}

		level := slog.LevelDebug
		if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}

		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		}

		slog.Log(r.Context(), level, "api request", "method", r.Method, "path", r.URL.Path,
			"status", wrapped.statusCode, "duration", time.Since(start).Round(time.Millisecond))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}

	rw.statusCode = http.StatusSwitchingProtocols

	return hj.Hijack()
}
