package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/logger"
	"github.com/codefionn/fehlersuche/internal/orchestrator"
	"github.com/codefionn/fehlersuche/internal/sandbox"
	"github.com/codefionn/fehlersuche/internal/server"
	"github.com/codefionn/fehlersuche/internal/session"
	"github.com/codefionn/fehlersuche/internal/toolclient"
)

type cliArgs struct {
	configPath string
	listenAddr string
	repoPath   string
	context    string
	report     string
	serveMode  bool
}

func main() {
	// Sandbox helper invocations re-exec this binary; they must be handled
	// before anything else touches the process.
	sandbox.MaybeRunHelper()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	args, parseErr := parseCLIArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	cfg, err := config.Load(args.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Environment overrides for logging, useful when debugging the daemon.
	if envLevel := strings.TrimSpace(os.Getenv("FEHLERSUCHE_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("FEHLERSUCHE_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if args.listenAddr != "" {
		cfg.Server.ListenAddr = args.listenAddr
	}
	if args.repoPath != "" {
		cfg.WorkingDir = args.repoPath
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath, args.serveMode); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("fehlersuche starting")

	client, err := llm.NewClientFromConfig(cfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to initialize model client: %w", err)
	}

	store, err := session.NewStore(cfg.StateDir, nil)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("Failed to close session store: %v", closeErr)
		}
	}()

	registry := toolclient.NewRegistry(cfg.ToolServers, nil)
	defer registry.Close()

	orch := orchestrator.New(cfg, client, store, registry, nil)

	if args.serveMode {
		return serve(cfg, orch)
	}
	return runOnce(cfg, orch, args)
}

// serve runs the HTTP control surface until SIGINT or SIGTERM.
func serve(cfg *config.Config, orch *orchestrator.Orchestrator) error {
	srv := server.NewServer(orch, cfg.Server.ListenAddr, nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	}

	if err := srv.Stop(); err != nil {
		logger.Warn("Failed to stop server cleanly: %v", err)
	}
	return <-errCh
}

// runOnce starts a single session for the given report and blocks until it
// finishes, printing the aggregated conclusion.
func runOnce(cfg *config.Config, orch *orchestrator.Orchestrator, args *cliArgs) error {
	repoPath := args.repoPath
	if repoPath == "" {
		repoPath = cfg.WorkingDir
	}

	id, err := orch.StartSession(args.report, repoPath, args.context)
	if err != nil {
		return err
	}
	logger.Info("started session %s", id)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received %s, cancelling session", sig)
			if cancelErr := orch.CancelSession(id); cancelErr != nil {
				logger.Warn("Failed to cancel session: %v", cancelErr)
			}
			orch.Wait()
		case <-ticker.C:
		}

		snap, err := orch.GetStatus(id)
		if err != nil {
			return err
		}
		if !snap.Status.Terminal() {
			continue
		}

		fmt.Printf("Session %s: %s\n\n", snap.ID, snap.Status)
		if snap.Conclusion != "" {
			fmt.Println(snap.Conclusion)
		}
		if snap.Status == session.StatusFailed {
			return fmt.Errorf("session failed")
		}
		return nil
	}
}

func parseCLIArgs(argv []string) (*cliArgs, error) {
	fs := flag.NewFlagSet("fehlersuche", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	args := &cliArgs{}
	var showHelp bool

	fs.StringVar(&args.configPath, "config", config.GetConfigPath(), "Path to the configuration file")
	fs.StringVar(&args.listenAddr, "listen", "", "Listen address for serve mode (overrides config)")
	fs.StringVar(&args.repoPath, "repo", "", "Repository to investigate")
	fs.StringVar(&args.context, "context", "", "Additional context for the investigation")
	fs.BoolVar(&args.serveMode, "serve", false, "Run the HTTP API server instead of a one-shot session")
	fs.BoolVar(&showHelp, "help", false, "Show usage information")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [options] \"description of the failure\"\n  %s -serve [options]\n\nOptions:\n", os.Args[0], os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if showHelp {
		fs.Usage()
		return nil, flag.ErrHelp
	}

	if args.serveMode {
		if fs.NArg() > 0 {
			return nil, fmt.Errorf("serve mode does not accept a failure description")
		}
		return args, nil
	}

	args.report = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if args.report == "" {
		fs.Usage()
		return nil, fmt.Errorf("a failure description is required (or use -serve)")
	}
	return args, nil
}
