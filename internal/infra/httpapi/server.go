// Package httpapi exposes sessions and the tool catalog over HTTP for
// webhook-style front ends.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

const (
	maxBodyBytes  = 1 << 20
	shutdownGrace = 5 * time.Second
)

// Sessions is the session manager surface served by the API.
type Sessions interface {
	StartOrContinue(ctx context.Context, sessionID string, turn domain.Turn) (domain.TurnResult, error)
	State(ctx context.Context, sessionID string) (*domain.WorkflowState, error)
	Cancel(sessionID string) error
	Terminate(ctx context.Context, sessionID string) error
}

type Server struct {
	sessions Sessions
	tools    domain.ToolSource
	logger   *zap.Logger
	router   *chi.Mux
}

func New(sessions Sessions, tools domain.ToolSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions: sessions,
		tools:    tools,
		logger:   logger.Named("httpapi"),
		router:   chi.NewRouter(),
	}
	s.router.Use(middleware.RealIP)
	s.router.Use(requestMeta)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/tools", s.handleListTools)
	s.router.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleTurn)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleState)
			r.Delete("/", s.handleTerminate)
			r.Post("/turns", s.handleTurn)
			r.Post("/cancel", s.handleCancel)
		})
	})
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// requestMeta tags the request context with a request id, honoring one sent
// by the caller.
func requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, meta := telemetry.EnsureRequestMeta(r.Context(), r.Header.Get(telemetry.RequestIDHeader), "")
		w.Header().Set(telemetry.RequestIDHeader, meta.RequestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type turnRequest struct {
	Text       string `json:"text"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, domain.E(domain.CodeInvalidArgument, "httpapi.turn", "invalid json body", err))
		return
	}
	deliveryID := req.DeliveryID
	if deliveryID == "" {
		deliveryID = r.Header.Get("Idempotency-Key")
	}
	result, err := s.sessions.StartOrContinue(r.Context(), chi.URLParam(r, "sessionID"), domain.Turn{
		Text:       req.Text,
		DeliveryID: deliveryID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.State(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Terminate(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.tools.ListTools(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, ok := domain.CodeFrom(err)
	if !ok {
		code = domain.CodeInternal
	}
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithRequest(r.Context(), s.logger).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeFailedPrecond, domain.CodeAborted, domain.CodeCanceled:
		return http.StatusConflict
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe serves handler on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger, ready chan<- net.Addr) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if addr == "" {
		addr = domain.DefaultAPIListenAddress
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session api listen: %w", err)
	}
	if ready != nil {
		ready <- listener.Addr()
	}

	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("session api listening", zap.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("session api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("session api shutdown error", zap.Error(err))
		return err
	}
	logger.Info("session api stopped")
	return nil
}
