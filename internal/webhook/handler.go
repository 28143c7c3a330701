// Package webhook serves the Messenger webhook: the verification handshake,
// signed event deliveries, and the background processing that answers them.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"pagerelay/internal/config"
	"pagerelay/internal/metrics"
	"pagerelay/internal/router"
	"pagerelay/internal/security"
)

const maxBodyBytes = 1 << 20

// Handler authenticates deliveries, acknowledges them at once and processes
// the events on a background goroutine.
type Handler struct {
	configs    config.Provider
	router     *router.Router
	dispatcher *Dispatcher
	logger     *slog.Logger
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
}

type HandlerConfig struct {
	Configs    config.Provider
	Router     *router.Router
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	// MaxConcurrent bounds how many deliveries are processed at once.
	MaxConcurrent int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Handler{
		configs:    cfg.Configs,
		router:     cfg.Router,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.With("component", "webhook"),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Verify answers the subscription handshake.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("config unavailable", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Platform.VerifyToken)) == 1 {
		h.logger.Info("webhook verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
		return
	}

	metrics.HandshakeFailures.Inc()
	h.logger.Warn("webhook verification failed",
		"mode", mode, "expected_token", cfg.Platform.VerifyToken, "received_token", token)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// Receive checks the delivery signature, acknowledges with 200 OK and hands
// the body to a background goroutine. Nothing after the ack can change the
// response.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("delivery body too large", "remote", r.RemoteAddr, "limit", tooLarge.Limit)
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	cfg, err := h.configs.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("config unavailable", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if !security.Verify(body, r.Header.Get(security.SignatureHeader), cfg.Platform.AppSecret) {
		metrics.AuthFailures.Inc()
		h.logger.Warn("invalid signature", "remote", r.RemoteAddr, "bytes", len(body))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	metrics.DeliveriesTotal.Inc()
	id := uuid.NewString()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// The platform has its answer; the work below must outlive the request.
	ctx := context.WithoutCancel(r.Context())
	log := h.logger.With("delivery", id, "req_id", middleware.GetReqID(r.Context()))

	h.wg.Add(1)
	go h.process(ctx, log, cfg, body)
}

func (h *Handler) process(ctx context.Context, log *slog.Logger, cfg *config.Config, body []byte) {
	defer h.wg.Done()

	if err := h.sem.Acquire(ctx, 1); err != nil {
		log.Error("delivery not processed", "err", err)
		return
	}
	defer h.sem.Release(1)

	events, err := h.router.Parse(body)
	if err != nil {
		metrics.MalformedPayloads.Inc()
		log.Error("malformed payload, delivery dropped", "err", err, "bytes", len(body))
		return
	}
	log.Debug("delivery parsed", "events", len(events))
	h.dispatcher.Dispatch(ctx, cfg, events)
}

// Drain waits for in-flight deliveries to finish or for ctx to end.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
