// Package api exposes the file list catalog over HTTP: range queries,
// point lookups, size aggregation, segment retirement and the inbound
// peer broadcast endpoint.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/filemesh/filemesh/internal/broadcast"
	"github.com/filemesh/filemesh/internal/catalog"
)

// maxBroadcastBody bounds inbound broadcast message size.
const maxBroadcastBody = 64 << 20 // 64 MB

// Server is the node's HTTP control surface.
type Server struct {
	addr       string
	authToken  string
	catalog    *catalog.Catalog
	aggregator *catalog.Aggregator
	channel    *broadcast.Channel
	logger     zerolog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(addr, authToken string, cat *catalog.Catalog, agg *catalog.Aggregator, ch *broadcast.Channel, logger zerolog.Logger) *Server {
	s := &Server{
		addr:       addr,
		authToken:  authToken,
		catalog:    cat,
		aggregator: agg,
		channel:    ch,
		logger:     logger.With().Str("component", "api").Logger(),
		mux:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/segments", s.withAuth(s.handleSegments))
	s.mux.HandleFunc("/api/v1/segments/meta", s.withAuth(s.handleSegmentMeta))
	s.mux.HandleFunc("/api/v1/segments/sizes", s.withAuth(s.handleSizes))
	s.mux.HandleFunc("/api/v1/segments/local-sizes", s.withAuth(s.handleLocalSizes))
	s.mux.HandleFunc("/api/v1/segments/retire", s.withAuth(s.handleRetire))
	s.mux.HandleFunc(broadcast.BroadcastPath, s.withAuth(s.handleBroadcast))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts serving on the configured address.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.addr).Msg("API server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.authToken {
				s.jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleSegments serves GET /api/v1/segments?org=&stream=&stream_type=&time_min=&time_max=
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	org := q.Get("org")
	stream := q.Get("stream")
	streamType := q.Get("stream_type")
	if streamType == "" {
		streamType = "logs"
	}
	if org == "" || stream == "" {
		s.jsonError(w, "org and stream are required", http.StatusBadRequest)
		return
	}

	timeMin, err := parseInt64(q.Get("time_min"))
	if err != nil {
		s.jsonError(w, "invalid time_min", http.StatusBadRequest)
		return
	}
	timeMax, err := parseInt64(q.Get("time_max"))
	if err != nil {
		s.jsonError(w, "invalid time_max", http.StatusBadRequest)
		return
	}

	files := s.catalog.ListSegments(org, stream, streamType, timeMin, timeMax)
	if files == nil {
		files = []string{}
	}
	s.writeJSON(w, map[string]any{"files": files})
}

// handleSegmentMeta serves GET /api/v1/segments/meta?key=
// A key that is absent from the catalog yields zero-value metadata, never
// an error; aggregating callers treat a miss as "contributes zero".
func (s *Server) handleSegmentMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		s.jsonError(w, "key is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.catalog.GetSegmentMeta(key))
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

// handleSizes serves POST /api/v1/segments/sizes with {"keys": [...]}.
func (s *Server) handleSizes(w http.ResponseWriter, r *http.Request) {
	keys, ok := s.readKeys(w, r)
	if !ok {
		return
	}
	original, compressed := s.aggregator.Sizes(keys)
	s.writeJSON(w, map[string]int64{
		"original_size":   original,
		"compressed_size": compressed,
	})
}

// handleLocalSizes serves POST /api/v1/segments/local-sizes with {"keys": [...]}.
func (s *Server) handleLocalSizes(w http.ResponseWriter, r *http.Request) {
	keys, ok := s.readKeys(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, map[string]int64{"size": s.aggregator.LocalSizes(keys)})
}

type retireRequest struct {
	Key string `json:"key"`
}

// handleRetire serves POST /api/v1/segments/retire with {"key": ...}.
// Malformed keys succeed as no-ops; only a failed durable write surfaces
// as an error.
func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		s.jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	if err := s.catalog.RetireSegment(r.Context(), req.Key); err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Segment retirement failed")
		s.jsonError(w, "retirement failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleBroadcast accepts delta batch messages from peers.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBody))
	if err != nil {
		s.jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.channel.Receive(r.RemoteAddr, data); err != nil {
		s.logger.Warn().Err(err).Str("from", r.RemoteAddr).Msg("Rejected broadcast message")
		s.jsonError(w, "invalid broadcast message", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) readKeys(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req keysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return req.Keys, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
