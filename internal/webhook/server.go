// Package webhook serves payment gateway callbacks, health and metrics.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/pkg/metrics"
	"vpn-shop-bot/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

const maxBodyBytes = 64 << 10

// Settler applies a gateway verdict to the matching local transaction.
type Settler interface {
	CompleteByGatewayRef(ctx context.Context, ref string) (*model.Transaction, error)
	RejectByGatewayRef(ctx context.Context, ref, reason string) (*model.Transaction, error)
}

// Callback is the gateway's notification body.
type Callback struct {
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Status               string `json:"status"`
}

type response struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server handles gateway callbacks.
type Server struct {
	settler Settler
	secret  []byte
	router  *mux.Router
	srv     *http.Server
}

// NewServer creates a callback server. An empty secret disables signature checks.
func NewServer(settler Settler, secret string) *Server {
	s := &Server{settler: settler}
	if secret != "" {
		s.secret = []byte(secret)
	}

	r := mux.NewRouter()
	r.HandleFunc("/gateway/callback", s.handleCallback).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Webhook server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.reply(w, "bad_request", http.StatusBadRequest, err)
		return
	}

	if s.secret != nil && !s.validSignature(body, r.Header.Get(SignatureHeader)) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Gateway callback with bad signature")
		s.reply(w, "unauthorized", http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		s.reply(w, "bad_request", http.StatusBadRequest, err)
		return
	}
	if cb.GatewayTransactionID == "" {
		s.reply(w, "bad_request", http.StatusBadRequest, errors.New("gateway_transaction_id is required"))
		return
	}

	var (
		tx      *model.Transaction
		outcome string
	)
	status := strings.ToLower(strings.TrimSpace(cb.Status))
	switch status {
	case "paid", "succeeded":
		outcome = "completed"
		tx, err = s.settler.CompleteByGatewayRef(r.Context(), cb.GatewayTransactionID)
	case "failed", "canceled", "expired":
		outcome = "rejected"
		tx, err = s.settler.RejectByGatewayRef(r.Context(), cb.GatewayTransactionID, "gateway: "+status)
	default:
		// Intermediate states such as "pending" need no action.
		log.Debug().Str("ref", cb.GatewayTransactionID).Str("status", cb.Status).Msg("Gateway callback ignored")
		metrics.GatewayCallbacks.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, response{Status: "ignored"})
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, service.ErrTransactionNotFound):
		s.reply(w, "not_found", http.StatusNotFound, err)
		return
	case errors.Is(err, service.ErrInvalidTransition):
		s.reply(w, "conflict", http.StatusConflict, err)
		return
	default:
		log.Error().Err(err).Str("ref", cb.GatewayTransactionID).Msg("Failed to apply gateway callback")
		s.reply(w, "error", http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	metrics.GatewayCallbacks.WithLabelValues(outcome).Inc()
	log.Info().
		Str("ref", cb.GatewayTransactionID).
		Int64("transaction_id", tx.ID).
		Str("status", string(tx.Status)).
		Msg("Gateway callback applied")
	writeJSON(w, http.StatusOK, response{Status: string(tx.Status)})
}

func (s *Server) validSignature(body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(s.secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func (s *Server) reply(w http.ResponseWriter, outcome string, status int, err error) {
	metrics.GatewayCallbacks.WithLabelValues(outcome).Inc()
	writeJSON(w, status, response{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
