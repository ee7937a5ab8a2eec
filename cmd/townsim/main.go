// Command townsim runs the town simulation WebSocket server.
//
// Usage:
//
//	townsim serve --config config.yaml
//	townsim serve --model qwen2.5:14b --port 8765
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/aitown/townsim/agent"
	"github.com/aitown/townsim/config"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/schedule"
	"github.com/aitown/townsim/server"
	"github.com/aitown/townsim/sim"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the simulation server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("townsim version %s\n", version)
	return nil
}

// ServeCmd starts the WebSocket server.
type ServeCmd struct {
	Port         int    `help:"Port to listen on."`
	LLMHost      string `name:"llm-host" help:"Base URL of the generation endpoint."`
	Model        string `help:"Model name."`
	ScheduleFile string `name:"schedule-file" help:"Preset schedule store path." type:"path"`
	PersonaDir   string `name:"persona-dir" help:"Directory of <MBTI>/1.txt persona files." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	// CLI flags override the config file.
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.LLMHost != "" {
		cfg.LLM.Host = c.LLMHost
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}
	if c.ScheduleFile != "" {
		cfg.Simulation.ScheduleFile = c.ScheduleFile
	}
	if c.PersonaDir != "" {
		cfg.Simulation.PersonaDir = c.PersonaDir
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	initLogger(cfg.Logging)

	services := sim.Services{
		LLM:       llm.NewClient(cfg.LLM.Host, cfg.LLM.Model, cfg.LLM.Timeout()),
		Schedules: loadSchedules(cfg.Simulation.ScheduleFile),
		Tuning:    agent.DefaultTuning(),
		AgentDir:  cfg.Simulation.PersonaDir,
	}
	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr(),
		MotionInterval: cfg.Server.MotionInterval(),
	}, services)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		slog.Info("Using zero-config mode")
		return config.Default(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, nil
}

// loadSchedules loads the preset store. A missing file only disables preset
// runs, LLM-planned runs still work.
func loadSchedules(path string) *schedule.Store {
	if path == "" {
		return nil
	}
	store, err := schedule.LoadStore(path)
	if err != nil {
		slog.Warn("Schedule store unavailable, preset mode disabled", "path", path, "error", err)
		return nil
	}
	return store
}

func initLogger(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("townsim"),
		kong.Description("Multi-agent town simulation server."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
