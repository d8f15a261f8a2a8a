package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/remoterunner/pkg/lg"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          lg.Logger
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8081",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          lg.Discard,
	}
}

// RunServer listens on config.Addr and serves handler until ctx is done,
// then shuts down gracefully.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig) error {
	if config.Addr == "" {
		config.Addr = DefaultServerConfig().Addr
	}
	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", config.Addr, err)
	}
	return Serve(ctx, ln, handler, config)
}

// Serve is RunServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, config ServerConfig) error {
	logger := config.Logger
	if logger == nil {
		logger = lg.Discard
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}

	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("addr", ln.Addr().String()))
		errC <- server.Serve(ln)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server stopping")
	sctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

type requestKey struct{}

var validate = validator.New()

// ValidationHandler is a middleware that decodes and validates incoming JSON requests.
type ValidationHandler[T any] struct {
	next http.Handler
}

// NewValidationHandler creates a new validation handler for the given request type.
func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

// ServeHTTP decodes and validates the JSON request, passing it to the next
// handler via context. Retrieve it with RequestFrom.
func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var request T
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	defer r.Body.Close()

	if err := decoder.Decode(&request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := validate.Struct(request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFrom returns the request decoded by a ValidationHandler[T].
func RequestFrom[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(requestKey{}).(T)
	return v, ok
}

// WriteJSON writes v with the given status code.
func WriteJSON(rw http.ResponseWriter, r *http.Request, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		lg.FromContext(r.Context()).Warn("encode response", lg.Err(err))
	}
}
