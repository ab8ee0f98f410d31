package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/healing-proxy/internal/proxy"
)

const RequestIDHeader = "X-Request-Id"

// Supervisor is what the handler needs from the backend supervisor.
type Supervisor interface {
	EnsureReady(ctx context.Context) error
}

// Forwarder relays a request to the ready backend.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request) error
}

type Recorder interface {
	RequestCompleted(status int, d time.Duration)
}

type ProxyHandler struct {
	logger     *slog.Logger
	supervisor Supervisor
	forwarder  Forwarder
	recorder   Recorder
	onFatal    func(error)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// NewProxyHandler builds the catch-all handler. onFatal, when non-nil, is
// told about every forwarding failure before the request is aborted; it is
// how the exit policy reaches the application.
func NewProxyHandler(logger *slog.Logger, sup Supervisor, fwd Forwarder, recorder Recorder, onFatal func(error)) *ProxyHandler {
	return &ProxyHandler{
		logger:     logger,
		supervisor: sup,
		forwarder:  fwd,
		recorder:   recorder,
		onFatal:    onFatal,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	logger := h.logger.With(slog.String("request_id", requestID))
	logger.Debug("Received request",
		slog.String("from", extractClientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("user_agent", r.UserAgent()))

	if err := h.supervisor.EnsureReady(r.Context()); err != nil {
		logger.Warn("Backend not available", slog.String("error", err.Error()))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(err.Error()))

		h.record(http.StatusServiceUnavailable, start)
		return
	}

	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	err := h.forwarder.Forward(wrapped, r)
	if err == nil {
		h.record(wrapped.statusCode, start)
		logger.Debug("Request completed",
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", time.Since(start)))
		return
	}

	var ferr *proxy.ForwardError
	if errors.As(err, &ferr) && ferr.Canceled {
		panic(http.ErrAbortHandler)
	}

	logger.Error("Aborting request after forwarding failure",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	h.record(http.StatusBadGateway, start)

	if h.onFatal != nil {
		h.onFatal(err)
	}

	// net/http closes the connection without logging a stack trace.
	panic(http.ErrAbortHandler)
}

func (h *ProxyHandler) record(status int, start time.Time) {
	if h.recorder == nil {
		return
	}
	h.recorder.RequestCompleted(status, time.Since(start))
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
