// Command switchboard runs the message-routing and orchestration core: the
// durable queue, the dispatcher, and the local control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"switchboard/pkg/api"
	"switchboard/pkg/bus"
	"switchboard/pkg/config"
	"switchboard/pkg/convo"
	"switchboard/pkg/dispatch"
	"switchboard/pkg/invoker"
	"switchboard/pkg/logx"
	"switchboard/pkg/queue"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "./switchboard.json", "Path to the configuration file")
		dbPath      = flag.String("db", "./switchboard.db", "Path to the queue database")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("switchboard %s (%s)\n", version, commit)
		os.Exit(0)
	}
	if *debug {
		logx.SetDebug(true)
	}

	os.Exit(run(*configPath, *dbPath))
}

// run contains the main application logic and returns an exit code so that
// defers execute before the process exits.
func run(configPath, dbPath string) int {
	logger := logx.NewLogger("main")

	cfg := config.NewProvider(configPath)
	snap := cfg.Snapshot()
	settings := snap.Settings

	if err := loadSecrets(settings.Workspace, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	apiKey, err := cfg.EnsureAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to ensure API key: %v\n", err)
		return 1
	}
	if apiKey == "" {
		logger.Warn("Control API authentication is disabled")
	}

	db, err := queue.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open queue database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	events := bus.New()
	defer events.Close()

	store := queue.NewStore(db, settings.MaxRetries, events)

	// Anything left in flight from a previous run goes back to pending.
	if n, err := store.RecoverStale(0); err != nil {
		fmt.Fprintf(os.Stderr, "Boot recovery failed: %v\n", err)
		return 1
	} else if n > 0 {
		logger.Info("Boot recovery returned %d in-flight message(s) to the queue", n)
	}

	convos := convo.NewManager(store, events, convo.Options{
		MaxMessages:       settings.MaxConversationMessages,
		LongResponseChars: settings.LongResponseChars,
		OutputDir:         settings.Workspace,
	})

	dispatcher := dispatch.New(store, cfg, convos, invoker.NewRegistry(), events, dispatch.Options{})
	server := api.NewServer(store, cfg, convos, events).HTTPServer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if err := dispatcher.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start dispatcher: %v\n", err)
		return 1
	}

	g.Go(func() error {
		logger.Info("Control API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown: %v", err)
		}
		dispatcher.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		return 1
	}
	logger.Info("Shutdown complete")
	return 0
}

// loadSecrets decrypts the workspace secrets file when present. The password
// comes from the environment; a missing password leaves providers on
// environment credentials only.
func loadSecrets(workspace string, logger *logx.Logger) error {
	path := filepath.Join(workspace, config.SecretsFileName)
	if !config.SecretsFileExists(path) {
		return nil
	}
	password := os.Getenv("SWITCHBOARD_SECRETS_PASSWORD")
	if password == "" {
		logger.Warn("Secrets file present but SWITCHBOARD_SECRETS_PASSWORD not set; using environment credentials only")
		return nil
	}
	if err := config.LoadSecretsFile(path, password); err != nil {
		return err
	}
	logger.Info("Loaded %d secret(s) from %s", len(config.SecretNames()), path)
	return nil
}
