package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/apibridge/internal/auth"
	"github.com/haasonsaas/apibridge/internal/config"
	"github.com/haasonsaas/apibridge/internal/conversation"
	"github.com/haasonsaas/apibridge/internal/llm"
	"github.com/haasonsaas/apibridge/internal/ratelimit"
	"github.com/haasonsaas/apibridge/internal/session"
	"github.com/haasonsaas/apibridge/internal/tools"
)

// shutdownWindow bounds graceful shutdown of the HTTP listeners.
const shutdownWindow = 10 * time.Second

// chatQueueDepth bounds queued chat frames per connection under the queue
// busy policy.
const chatQueueDepth = 16

// Server accepts WebSocket chat connections and serves metrics.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions *session.Manager
	registry *tools.Registry
	handler  *handler

	httpClient *http.Client
	upgrader   websocket.Upgrader
	metrics    *metrics
	promReg    *prometheus.Registry
}

// NewServer wires the gateway: shared HTTP client, tool executor, LLM
// pipeline, session table, and metrics.
func NewServer(cfg *config.Config, registry *tools.Registry, invoker llm.Invoker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: cfg.Tools.Timeout}

	executor := tools.NewExecutor(registry, httpClient, &tools.ExecutorConfig{
		BaseURL:        cfg.Server.BaseURL,
		Timeout:        cfg.Tools.Timeout,
		MaxRetries:     cfg.Tools.MaxRetries,
		MaxConcurrency: cfg.Tools.MaxToolCallsPerTurn,
		Backoff:        tools.DefaultExecutorConfig().Backoff,
	}, logger)

	pipeline := llm.NewPipeline(invoker, cfg.LLM, cfg.Conversation.SystemPrompt, logger)

	sessions := session.NewManager(cfg.Session.MaxSessions, cfg.Session.Timeout, logger)

	promReg := prometheus.NewRegistry()
	m := newMetrics(promReg)

	srv := &Server{
		cfg:        cfg,
		logger:     logger,
		sessions:   sessions,
		registry:   registry,
		httpClient: httpClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		promReg: promReg,
	}
	srv.handler = &handler{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		executor: executor,
		pipeline: pipeline,
		metrics:  m,
	}
	return srv
}

// Run serves until the context is cancelled, then shuts down within the
// shutdown window.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sessions.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return server.Shutdown(shutdownCtx)
}

// wsClient serializes frame writes to one websocket connection.
type wsClient struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsClient) Send(f ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

// handleWS upgrades the connection, creates the session, and runs the read
// loop. Connection close cancels every in-flight operation for the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	creds := auth.NewStore(s.cfg.Auth.SupportedAuthTypes, s.httpClient, s.cfg.Auth.TokenCacheTTL)
	conv := conversation.NewManager(conversation.Config{
		MaxMessages:          s.cfg.Conversation.MaxMessages,
		Strategy:             s.cfg.Conversation.Strategy,
		PreserveSystem:       true,
		NewResponseThreshold: s.cfg.Conversation.ToolResultNewResponseThreshold,
		NewResponseTarget:    s.cfg.Conversation.ToolResultNewResponseTarget,
		HistoryThreshold:     s.cfg.Conversation.ToolResultHistoryThreshold,
		HistoryTarget:        s.cfg.Conversation.ToolResultHistoryTarget,
		EnableChunking:       s.cfg.Conversation.EnableMessageChunking,
		MaxMessageSize:       s.cfg.Conversation.MaxMessageSize,
		ChunkSize:            s.cfg.Conversation.ChunkSize,
		ChunkOverlap:         s.cfg.Conversation.ChunkOverlap,
	}, s.cfg.Conversation.SystemPrompt, s.logger)
	gate := ratelimit.NewBucket(s.cfg.LLM.RequestsPerSecond, s.cfg.LLM.Burst)

	sess, err := s.sessions.Create(creds, conv, gate)
	if err != nil {
		_ = ws.WriteJSON(errorFrame(err.Error()))
		return
	}
	s.metrics.activeSessions.Inc()
	defer func() {
		s.sessions.Remove(sess.ID)
		s.metrics.activeSessions.Dec()
	}()

	// The upgrade hijacks the connection, so r.Context() is not reliably
	// cancelled on client disconnect; the read loop's exit drives cancel.
	// Defer order matters: cancel must run before the turn join so in-flight
	// LLM and tool calls abort instead of running to their own timeouts.
	connCtx, cancel := context.WithCancel(r.Context())
	var turns sync.WaitGroup
	defer turns.Wait()
	defer cancel()

	client := &wsClient{ws: ws}

	welcome := frame(FrameConnectionEstablished)
	welcome.SessionID = sess.ID
	welcome.Message = "Connected to AI assistant"
	if err := client.Send(welcome); err != nil {
		return
	}

	s.logger.Info("websocket connected", "session_id", sess.ID, "remote", r.RemoteAddr)

	// With busy_policy queue, a single worker drains chats in channel-arrival
	// order so queued turns stay FIFO.
	var chatCh chan ClientFrame
	if s.cfg.Session.BusyPolicy == "queue" {
		chatCh = make(chan ClientFrame, chatQueueDepth)
		turns.Add(1)
		go func() {
			defer turns.Done()
			for {
				select {
				case <-connCtx.Done():
					return
				case cf := <-chatCh:
					s.handler.handleFrame(connCtx, sess, cf, client)
				}
			}
		}()
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Info("websocket disconnected", "session_id", sess.ID)
			return
		}

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.handler.sendError(client, fmt.Sprintf("Invalid JSON: %v", err))
			continue
		}

		if f.Type == FrameChat {
			if chatCh != nil {
				select {
				case chatCh <- f:
				default:
					s.handler.sendError(client, "busy: chat queue is full")
				}
				continue
			}
			// Reject policy: chat runs in its own goroutine so busy frames
			// can be answered while a turn is in flight.
			turns.Add(1)
			go func(cf ClientFrame) {
				defer turns.Done()
				s.handler.handleFrame(connCtx, sess, cf, client)
			}(f)
			continue
		}
		s.handler.handleFrame(connCtx, sess, f, client)
	}
}
