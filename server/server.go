package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aitown/townsim/sim"
)

// ============================================================================
// STREAMING SERVER - Exposes the simulation over a WebSocket endpoint
// ============================================================================

// Config contains configuration for the streaming server.
type Config struct {
	Addr           string        `yaml:"addr" json:"addr"`
	MotionInterval time.Duration `yaml:"motion_interval" json:"motion_interval"`
}

// Server accepts front-end connections and runs one simulation per session.
type Server struct {
	cfg        Config
	services   sim.Services
	httpServer *http.Server
}

// New creates a streaming server bound to the configured address.
func New(cfg Config, services sim.Services) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8765"
	}
	if cfg.MotionInterval <= 0 {
		cfg.MotionInterval = 150 * time.Millisecond
	}
	return &Server{cfg: cfg, services: services}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleClient)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	slog.Info("simulation server listening", "addr", s.cfg.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleClient upgrades the connection and serves commands until disconnect.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins (configure for production)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade to WebSocket", http.StatusBadRequest)
		return
	}
	defer conn.Close()

	sess := &session{
		id:             uuid.New().String(),
		conn:           conn,
		services:       s.services,
		motionInterval: s.cfg.MotionInterval,
	}
	slog.Info("client connected", "session", sess.id, "remote", conn.RemoteAddr())
	sess.serve()
}

// ============================================================================
// SESSION
// ============================================================================

// command is the envelope of every client message.
type command struct {
	Command          string          `json:"command"`
	Params           json.RawMessage `json:"params"`
	AgentName        string          `json:"agent_name"`
	TargetPortalName string          `json:"target_portal_name"`
	StepID           *int            `json:"step_id"`
}

// session owns one client connection and at most one running simulation.
type session struct {
	id             string
	conn           *websocket.Conn
	services       sim.Services
	motionInterval time.Duration

	// sendMu serializes writes so chunked frames are not interleaved.
	sendMu sync.Mutex

	mu       sync.Mutex
	engine   *sim.Engine
	cancel   context.CancelFunc
	done     chan struct{}
	thinking map[string]bool
}

// serve reads client commands until the connection drops, then cancels any
// running simulation.
func (s *session) serve() {
	defer s.stopRun()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			slog.Info("client disconnected", "session", s.id, "error", err)
			return
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.send(sim.Frame{Type: "error", Message: fmt.Sprintf("無法解析指令: %v", err)})
			continue
		}
		s.dispatch(&cmd)
	}
}

func (s *session) dispatch(cmd *command) {
	switch cmd.Command {
	case "start_simulation":
		s.startSimulation(cmd.Params)
	case "agent_teleport":
		engine := s.currentEngine()
		if engine == nil {
			s.send(sim.Frame{Type: "error", Message: "尚未開始模擬"})
			return
		}
		if err := engine.TeleportAgent(cmd.AgentName, cmd.TargetPortalName); err != nil {
			s.send(sim.Frame{Type: "error", Message: err.Error()})
		}
	case "step_complete":
		engine := s.currentEngine()
		if engine == nil || cmd.StepID == nil {
			return
		}
		engine.AckStep(*cmd.StepID)
	case "start_thinking":
		s.setThinking(cmd.AgentName, true)
	case "stop_thinking":
		s.setThinking(cmd.AgentName, false)
	default:
		s.send(sim.Frame{Type: "error", Message: "未知指令: " + cmd.Command})
	}
}

// startSimulation cancels any prior run, awaits its shutdown and starts the
// engine, frame forwarder and motion loop for a fresh one.
func (s *session) startSimulation(raw json.RawMessage) {
	s.stopRun()

	params, err := sim.ParseParams(raw)
	if err != nil {
		s.send(sim.Frame{Type: "error", Message: fmt.Sprintf("啟動參數無效: %v", err)})
		return
	}

	engine := sim.NewEngine(params, s.services)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.engine = engine
	s.cancel = cancel
	s.done = done
	s.thinking = make(map[string]bool)
	s.mu.Unlock()

	go func() {
		defer close(done)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			// Stops the motion loop once the run ends or fails.
			defer cancel()
			return engine.Run(gctx)
		})
		g.Go(func() error {
			return s.forwardFrames(engine.Frames())
		})
		g.Go(func() error {
			return s.motionLoop(gctx, engine)
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("simulation ended with error", "session", s.id, "error", err)
			s.conn.Close()
		}
	}()
}

// stopRun cancels the current run and waits for its tasks to exit.
func (s *session) stopRun() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.engine, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *session) currentEngine() *sim.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *session) setThinking(name string, on bool) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thinking == nil {
		s.thinking = make(map[string]bool)
	}
	if on {
		s.thinking[name] = true
	} else {
		delete(s.thinking, name)
	}
}

// explicitThinking snapshots the client-toggled thinking set.
func (s *session) explicitThinking() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.thinking))
	for name := range s.thinking {
		out[name] = true
	}
	return out
}

// forwardFrames relays engine frames until the channel closes. A send failure
// aborts the run.
func (s *session) forwardFrames(frames <-chan sim.Frame) error {
	for f := range frames {
		if err := s.sendFrame(f); err != nil {
			return fmt.Errorf("frame send: %w", err)
		}
	}
	return nil
}

// send writes a frame outside the run pipeline and closes the connection on
// failure.
func (s *session) send(f sim.Frame) {
	if err := s.sendFrame(f); err != nil {
		slog.Warn("frame send failed, closing connection", "error", err)
		s.conn.Close()
	}
}
