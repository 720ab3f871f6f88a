package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/replaykit/replaykit"
	"github.com/replaykit/replaykit/config"
	"github.com/replaykit/replaykit/events"
	"github.com/replaykit/replaykit/internal/metrics"
	"github.com/replaykit/replaykit/internal/telemetry"
	"github.com/replaykit/replaykit/match"
	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/session"
)

// inboundMessage is any message the extension sends over the bridge.
type inboundMessage struct {
	Type string `json:"type"`

	// type=request
	Request *pattern.Request `json:"request,omitempty"`
	Mode    string           `json:"mode,omitempty"`

	// type=performResult
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// type=confirm / dismiss
	CorrelationID string `json:"correlationId,omitempty"`

	// type=session
	Op        string         `json:"op,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Script    *scriptMessage `json:"script,omitempty"`
}

type scriptMessage struct {
	TargetSelector string            `json:"targetSelector"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// outboundMessage is any message sent to the extension.
type outboundMessage struct {
	Type string `json:"type"`

	// type=perform
	ID             string            `json:"id,omitempty"`
	ActionType     string            `json:"actionType,omitempty"`
	TargetSelector string            `json:"targetSelector,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`

	// type=decision / sessionResult / error
	CorrelationID string             `json:"correlationId,omitempty"`
	Outcome       *replaykit.Outcome `json:"outcome,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
	PatternID     string             `json:"patternId,omitempty"`
	Error         string             `json:"error,omitempty"`

	// type=event
	Event      string           `json:"event,omitempty"`
	FromState  string           `json:"fromState,omitempty"`
	ToState    string           `json:"toState,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	DurationMs int64            `json:"durationMs,omitempty"`
	Session    *session.Session `json:"session,omitempty"`
}

// wsBridge relays perform commands to the connected extension and
// matches results back to waiting executions. It implements
// execute.ActionExecutor. One extension connection is active at a
// time; a new connection replaces the old one.
type wsBridge struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan performResult
	logger  *zap.Logger
}

type performResult struct {
	ok     bool
	reason string
}

func newWSBridge(logger *zap.Logger) *wsBridge {
	return &wsBridge{
		pending: make(map[string]chan performResult),
		logger:  logger.With(zap.String("component", "ws-bridge")),
	}
}

// Perform sends a perform command to the extension and waits for its
// result or the context deadline.
func (b *wsBridge) Perform(ctx context.Context, actionType pattern.ActionType, targetSelector string, payload map[string]string) error {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return errors.New("no action executor connected")
	}

	id := uuid.NewString()
	ch := make(chan performResult, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	msg := outboundMessage{
		Type:           "perform",
		ID:             id,
		ActionType:     string(actionType),
		TargetSelector: targetSelector,
		Payload:        payload,
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("send perform command: %w", err)
	}

	select {
	case res := <-ch:
		if !res.ok {
			if res.reason == "" {
				res.reason = "action failed"
			}
			return errors.New(res.reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach installs a new extension connection, dropping any previous
// one.
func (b *wsBridge) attach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close(websocket.StatusGoingAway, "replaced by new connection")
	}
	b.conn = conn
}

// detach removes the connection and fails all pending performs.
func (b *wsBridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	b.conn = nil
	for id, ch := range b.pending {
		ch <- performResult{ok: false, reason: "executor disconnected"}
		delete(b.pending, id)
	}
}

// resolve delivers a perform result to its waiting execution.
func (b *wsBridge) resolve(id string, ok bool, reason string) {
	b.mu.Lock()
	ch := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ch != nil {
		ch <- performResult{ok: ok, reason: reason}
	}
}

// send writes a message to the current connection, if any.
func (b *wsBridge) send(ctx context.Context, msg outboundMessage) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		b.logger.Warn("send to extension failed", zap.Error(err))
	}
}

// Server is the replaykit service: the WebSocket bridge plus health
// and metrics endpoints.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	engine    *replaykit.Engine
	bridge    *wsBridge
	providers *telemetry.Providers

	// prompts holds candidates surfaced to the user, keyed by
	// correlation ID, until confirmed or dismissed.
	promptMu sync.Mutex
	prompts  map[string]*promptEntry
}

type promptEntry struct {
	candidate *match.Candidate
	request   *pattern.Request
}

// NewServer builds the engine and wires the WebSocket bridge as its
// action executor.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (*Server, error) {
	bridge := newWSBridge(logger)
	collector := metrics.NewCollector("replaykit", logger)

	engine, err := replaykit.New(cfg, bridge, logger, replaykit.WithMetrics(collector))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "server")),
		engine:    engine,
		bridge:    bridge,
		providers: providers,
		prompts:   make(map[string]*promptEntry),
	}
	s.subscribeEvents()
	return s, nil
}

// subscribeEvents forwards engine events to the connected extension.
// Queued unmatched requests drain into fresh sessions server-side, so
// the session-state stream is the extension's only notice that such a
// session exists and needs a user decision.
func (s *Server) subscribeEvents() {
	bus := s.engine.Bus()

	bus.Subscribe(events.TypeSessionStateChanged, func(e events.Event) {
		ev := e.(*events.SessionStateChangedEvent)
		msg := outboundMessage{
			Type:      "event",
			Event:     string(events.TypeSessionStateChanged),
			SessionID: ev.SessionID,
			FromState: ev.FromState,
			ToState:   ev.ToState,
		}
		if ev.ToState == string(session.StateAwaitingUserDecision) {
			msg.Session = s.engine.Sessions().Current()
		}
		s.forward(msg)
	})

	bus.Subscribe(events.TypePatternExecuted, func(e events.Event) {
		ev := e.(*events.PatternExecutedEvent)
		s.forward(outboundMessage{
			Type:          "event",
			Event:         string(events.TypePatternExecuted),
			PatternID:     ev.PatternID,
			CorrelationID: ev.CorrelationID,
			DurationMs:    ev.DurationMs,
		})
	})

	bus.Subscribe(events.TypePatternExecutionFailed, func(e events.Event) {
		ev := e.(*events.PatternExecutionFailedEvent)
		s.forward(outboundMessage{
			Type:          "event",
			Event:         string(events.TypePatternExecutionFailed),
			PatternID:     ev.PatternID,
			CorrelationID: ev.CorrelationID,
			Reason:        ev.Reason,
		})
	})

	bus.Subscribe(events.TypePatternLearned, func(e events.Event) {
		ev := e.(*events.PatternLearnedEvent)
		s.forward(outboundMessage{
			Type:      "event",
			Event:     string(events.TypePatternLearned),
			PatternID: ev.PatternID,
			SessionID: ev.SessionID,
		})
	})
}

// forward sends an event to the extension with a bounded write window.
func (s *Server) forward(msg outboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.bridge.send(ctx, msg)
}

// httpServers builds the bridge server and the metrics server. The
// bridge server carries no WriteTimeout: the WebSocket connection is
// long-lived and a per-request write deadline would kill it. The
// metrics server serves only short scrapes, so both timeouts apply.
func (s *Server) httpServers() (*http.Server, *http.Server) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/patterns/export", s.handleExport)
	mux.HandleFunc("/patterns/import", s.handleImport)
	mux.HandleFunc("/stats", s.handleStats)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:     mux,
		ReadTimeout: s.cfg.Server.ReadTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	return httpServer, metricsServer
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer, metricsServer := s.httpServers()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics shutdown", zap.Error(err))
		}
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("engine close", zap.Error(err))
		}
		return s.providers.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleWebSocket accepts the extension connection and processes its
// messages until it drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	s.bridge.attach(conn)
	defer s.bridge.detach(conn)
	defer conn.CloseNow()

	s.logger.Info("extension connected", zap.String("remote", r.RemoteAddr))

	ctx := r.Context()
	for {
		var msg inboundMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			s.logger.Info("extension disconnected", zap.Error(err))
			return
		}
		s.dispatch(ctx, &msg)
	}
}

func (s *Server) dispatch(ctx context.Context, msg *inboundMessage) {
	switch msg.Type {
	case "request":
		s.handleRequest(ctx, msg)
	case "performResult":
		s.bridge.resolve(msg.ID, msg.OK, msg.Error)
	case "confirm":
		s.handleConfirm(ctx, msg.CorrelationID)
	case "dismiss":
		s.dropPrompt(msg.CorrelationID)
	case "session":
		s.handleSession(ctx, msg)
	default:
		s.bridge.send(ctx, outboundMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// handleRequest runs one automation request through the engine. The
// work happens on its own goroutine so perform round-trips on the same
// connection stay readable.
func (s *Server) handleRequest(ctx context.Context, msg *inboundMessage) {
	if msg.Request == nil {
		s.bridge.send(ctx, outboundMessage{Type: "error", Error: "missing request"})
		return
	}

	mode := s.cfg.Mode()
	if msg.Mode != "" {
		mode = match.Mode(msg.Mode)
	}
	req := msg.Request

	go func() {
		outcome, err := s.engine.HandleRequest(context.WithoutCancel(ctx), req, mode)
		if err != nil {
			s.bridge.send(ctx, outboundMessage{
				Type:          "error",
				CorrelationID: req.CorrelationID,
				Error:         err.Error(),
			})
			return
		}

		if outcome.Kind == match.KindPromptUser && req.CorrelationID != "" {
			s.promptMu.Lock()
			s.prompts[req.CorrelationID] = &promptEntry{candidate: outcome.Candidate, request: req}
			s.promptMu.Unlock()
		}

		s.bridge.send(ctx, outboundMessage{
			Type:          "decision",
			CorrelationID: req.CorrelationID,
			Outcome:       outcome,
		})
	}()
}

// handleConfirm executes a previously prompted candidate after the
// user approved it.
func (s *Server) handleConfirm(ctx context.Context, correlationID string) {
	s.promptMu.Lock()
	entry := s.prompts[correlationID]
	delete(s.prompts, correlationID)
	s.promptMu.Unlock()

	if entry == nil {
		s.bridge.send(ctx, outboundMessage{
			Type:          "error",
			CorrelationID: correlationID,
			Error:         "no pending prompt for correlation id",
		})
		return
	}

	go func() {
		result, err := s.engine.ExecuteCandidate(context.WithoutCancel(ctx), entry.candidate, entry.request)
		if err != nil {
			s.bridge.send(ctx, outboundMessage{
				Type:          "error",
				CorrelationID: correlationID,
				Error:         err.Error(),
			})
			return
		}
		s.bridge.send(ctx, outboundMessage{
			Type:          "decision",
			CorrelationID: correlationID,
			Outcome:       &replaykit.Outcome{Kind: match.KindAutoExecute, Execution: result},
		})
	}()
}

func (s *Server) dropPrompt(correlationID string) {
	s.promptMu.Lock()
	delete(s.prompts, correlationID)
	s.promptMu.Unlock()
}

// handleSession routes learning session operations from the UI.
func (s *Server) handleSession(ctx context.Context, msg *inboundMessage) {
	mgr := s.engine.Sessions()
	reply := outboundMessage{Type: "sessionResult", SessionID: msg.SessionID}

	var err error
	switch msg.Op {
	case "approve":
		err = mgr.Approve(msg.SessionID)
	case "decline":
		err = mgr.Decline(msg.SessionID)
	case "complete":
		var script *session.Script
		script, err = s.decodeScript(msg)
		if err == nil {
			err = mgr.CompleteRecording(msg.SessionID, script)
		}
	case "cancel":
		err = mgr.Cancel(msg.SessionID)
	case "commit":
		var script *session.Script
		if msg.Script != nil {
			script, err = s.decodeScript(msg)
		}
		if err == nil {
			var p *pattern.Pattern
			p, err = mgr.Commit(ctx, msg.SessionID, script)
			if p != nil {
				reply.PatternID = p.ID
			}
		}
	case "reject":
		err = mgr.Reject(msg.SessionID)
	default:
		err = fmt.Errorf("unknown session op %q", msg.Op)
	}

	if err != nil {
		reply.Type = "error"
		reply.Error = err.Error()
	}
	s.bridge.send(ctx, reply)
}

// decodeScript converts a wire script into a session script, decoding
// the payload against the active session's action type.
func (s *Server) decodeScript(msg *inboundMessage) (*session.Script, error) {
	if msg.Script == nil {
		return nil, errors.New("missing script")
	}
	script := &session.Script{TargetSelector: msg.Script.TargetSelector}
	if len(msg.Script.Payload) > 0 {
		current := s.engine.Sessions().Current()
		if current == nil {
			return nil, session.ErrNoSession
		}
		payload, err := pattern.DecodePayload(current.Request.ActionType, msg.Script.Payload)
		if err != nil {
			return nil, err
		}
		script.Payload = payload
	}
	return script, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := s.engine.Store().Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "degraded", "error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.ExportPatterns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := s.engine.ImportPatterns(r.Context(), data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
