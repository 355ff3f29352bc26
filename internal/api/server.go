// Package api serves the SMS gateway webhook and the receiver status page.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"sms_receiver/internal/ingest"
	"sms_receiver/internal/storage"
	"sms_receiver/internal/telegram"
)

// Gateway error strings. The gateway app shows them to its operator.
const (
	errForbidden      = "Forbidden"
	errInvalidMessage = "Invalid message"
	errDatabase       = "Database error"

	errStale = "Positions have not been received recently"
)

// Ingester commits one telegram.
type Ingester interface {
	Ingest(ctx context.Context, raw telegram.RawTelegram) ingest.Result
}

// StatsSource reports stored row counts.
type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

// Config holds configuration for the HTTP server.
type Config struct {
	Addr        string
	Secret      string        // Shared secret the gateway posts with every message.
	AlertTooOld time.Duration // Newest fix older than this fails /status.
	Version     string
}

// Server accepts telegrams from an SMSSync compatible gateway.
type Server struct {
	ingester Ingester
	stats    StatsSource
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(ing Ingester, stats StatsSource, cfg Config, log zerolog.Logger) *Server {
	return &Server{
		ingester: ing,
		stats:    stats,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/messages", s.handleMessage)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// accessLog logs one line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// MessageResponse is the body the gateway expects back.
type MessageResponse struct {
	Payload MessagePayload `json:"payload"`
}

// MessagePayload reports whether the gateway may discard the message.
type MessagePayload struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

func payload(success bool, msg string) MessageResponse {
	if msg == "" {
		return MessageResponse{Payload: MessagePayload{Success: success}}
	}
	return MessageResponse{Payload: MessagePayload{Success: success, Error: &msg}}
}

// handleMessage receives one SMS. The gateway only reads the payload, so
// every answer is a 200.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, payload(false, errInvalidMessage))
		return
	}

	if !s.validSecret(r.PostFormValue("secret")) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("message with invalid secret")
		writeJSON(w, http.StatusOK, payload(false, errForbidden))
		return
	}

	req := telegram.Request{
		TelegramID:  r.PostFormValue("message_id"),
		Sender:      r.PostFormValue("from"),
		Body:        r.PostFormValue("message"),
		Destination: r.PostFormValue("sent_to"),
		GatewayID:   r.PostFormValue("device_id"),
	}
	if ts := r.PostFormValue("sent_timestamp"); ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusOK, payload(false, errInvalidMessage))
			return
		}
		req.SentAt = telegram.FlexInt64(ms)
	}

	raw, err := req.ToRaw()
	if err != nil {
		s.log.Info().Err(err).Msg("incomplete message")
		writeJSON(w, http.StatusOK, payload(false, errInvalidMessage))
		return
	}

	res := s.ingester.Ingest(r.Context(), raw)
	switch {
	case res.Outcome == ingest.Accepted:
		writeJSON(w, http.StatusOK, payload(true, ""))
	case res.Reason == ingest.InvalidMessage:
		writeJSON(w, http.StatusOK, payload(false, errInvalidMessage))
	default:
		writeJSON(w, http.StatusOK, payload(false, errDatabase))
	}
}

func (s *Server) validSecret(got string) bool {
	if s.cfg.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) == 1
}

// StatusResponse is the body of a healthy /status.
type StatusResponse struct {
	Version   string    `json:"version"`
	LastFix   time.Time `json:"last_fix"`
	Telegrams int64     `json:"telegrams"`
	Records   int64     `json:"records"`
	Fixes     int64     `json:"fixes"`
}

// handleStatus fails when the store is unreachable or when no fix arrived
// within AlertTooOld, so an uptime monitor can alert on either.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("status query failed")
		writeError(w, http.StatusInternalServerError, errDatabase)
		return
	}

	if st.LastFix == nil || s.now().Sub(*st.LastFix) > s.cfg.AlertTooOld {
		writeError(w, http.StatusInternalServerError, errStale)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Version:   s.cfg.Version,
		LastFix:   st.LastFix.UTC(),
		Telegrams: st.Telegrams,
		Records:   st.Records,
		Fixes:     st.Fixes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
