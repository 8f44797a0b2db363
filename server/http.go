package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const DefaultShutdownTimeout = 5 * time.Second

type HTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.ServerConfig
	logger          types.Logger
	metrics         types.MetricsManager
	handler         fasthttp.RequestHandler
	server          *fasthttp.Server
	listener        net.Listener
	state           int32
	shutdownTimeout time.Duration
}

func NewHTTPServer(ctx context.Context, config *types.ServerConfig, logger types.Logger, metrics types.MetricsManager, handler fasthttp.RequestHandler) *HTTPServer {
	if config == nil {
		config = &types.ServerConfig{Host: "localhost", Port: 8080}
	}

	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	serverCtx, cancel := context.WithCancel(ctx)

	return &HTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		handler:         handler,
		shutdownTimeout: shutdownTimeout,
	}
}

// Start binds the listener before returning so that address errors surface
// to the caller. Serving continues in the background.
func (h *HTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if h.handler == nil {
		h.setState(StateStopped)
		return types.ErrHandlerIsNil
	}

	h.server = &fasthttp.Server{
		Handler:               h.handler,
		ReadTimeout:           h.config.ReadTimeout,
		WriteTimeout:          h.config.WriteTimeout,
		CloseOnShutdown:       true,
		TCPKeepalive:          true,
		NoDefaultServerHeader: true,
		Logger:                serverLogger{logger: h.logger},
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.WrapError(err, "failed to listen")
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.setState(StateRunning)
	h.setGauge(1)

	h.logger.Info("HTTP server started", zap.String("address", listener.Addr().String()))
	return nil
}

func (h *HTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.setGauge(0)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("HTTP server stop timeout, open connections were dropped", zap.Error(err))
		return nil
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *HTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr returns the bound address, or an empty string before Start.
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HTTPServer) getState() State {
	return State(atomic.LoadInt32(&h.state))
}

func (h *HTTPServer) setState(newState State) {
	atomic.StoreInt32(&h.state, int32(newState))
}

func (h *HTTPServer) transitionState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&h.state, int32(from), int32(to))
}

func (h *HTTPServer) setGauge(value float64) {
	if h.metrics == nil {
		return
	}
	h.metrics.Gauge("http_server_running", nil).Set(value)
}

// serverLogger routes fasthttp's internal messages through the service logger.
type serverLogger struct {
	logger types.Logger
}

func (l serverLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
