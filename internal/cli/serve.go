package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/samba-mux/internal/api"
	"github.com/nghyane/samba-mux/internal/bootstrap"
	"github.com/nghyane/samba-mux/internal/config"
	"github.com/nghyane/samba-mux/internal/credential"
	"github.com/nghyane/samba-mux/internal/logging"
	log "github.com/nghyane/samba-mux/internal/logging"
	"github.com/nghyane/samba-mux/internal/proxy"
	"github.com/nghyane/samba-mux/internal/upstream"
	"github.com/nghyane/samba-mux/internal/usage"
	"github.com/nghyane/samba-mux/internal/watcher"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the OpenAI-compatible gateway.

Loads the configuration, prepares the upstream session manager, and
serves until interrupted. The first upstream login happens lazily on the
first proxied request.`,
	Run: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()

		configPath := cfgFile
		if configPath == "" {
			configPath = defaultConfigPath()
		}

		result, err := bootstrap.Bootstrap(configPath)
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
		cfg := result.Config

		if servePort != 0 && servePort != config.DefaultPort {
			cfg.Port = servePort
		}
		if cfg.Debug {
			logging.SetDebug(true)
		}
		if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
			log.Fatalf("failed to configure log output: %v", err)
		}

		runServer(cfg, result.ConfigFilePath)
	},
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/samba-mux/config.yaml"
	}
	return "config.yaml"
}

func runServer(cfg *config.Config, configFilePath string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := initUsageTracker(cfg)
	defer func() {
		if err := tracker.Close(); err != nil {
			log.WithError(err).Warn("close usage backend")
		}
	}()

	acquirer := credential.NewSambaAcquirer(cfg.Samba)
	managerCfg := credential.DefaultManagerConfig()
	managerCfg.MarginFraction = cfg.Samba.RefreshMarginFraction
	manager := credential.NewManager(credential.NewStore(), acquirer, managerCfg)
	defer manager.Close()

	client := upstream.NewClient(cfg.Samba)
	gateway := proxy.New(manager, client, cfg.Samba.FingerprintPrefix)
	server := api.NewServer(cfg, gateway, manager, client, tracker)

	startConfigWatcher(ctx, configFilePath, server)

	if err := server.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func initUsageTracker(cfg *config.Config) *usage.Tracker {
	if cfg.Usage.DSN == "" {
		return usage.NewTracker(nil)
	}

	flushInterval := 5 * time.Second
	if cfg.Usage.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.Usage.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}

	backend, err := usage.NewBackend(usage.BackendConfig{
		DSN:           cfg.Usage.DSN,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: flushInterval,
		RetentionDays: cfg.Usage.RetentionDays,
	})
	if err != nil {
		log.Warnf("usage backend unavailable, accounting in memory only: %v", err)
		return usage.NewTracker(nil)
	}
	if err := backend.Start(); err != nil {
		log.Warnf("usage backend failed to start: %v", err)
		return usage.NewTracker(nil)
	}
	log.Infof("usage backend initialized: %s", cfg.Usage.DSN)
	return usage.NewTracker(backend)
}

// startConfigWatcher hot-reloads API keys and the debug-token flag when
// the config file changes. Missing files are fine; the watcher is simply
// skipped.
func startConfigWatcher(ctx context.Context, configFilePath string, server *api.Server) {
	if configFilePath == "" {
		return
	}
	if _, err := os.Stat(configFilePath); err != nil {
		return
	}

	w, err := watcher.New(configFilePath, func() {
		cfg, err := config.LoadConfig(configFilePath, false)
		if err != nil {
			log.WithError(err).Warn("config reload failed, keeping previous settings")
			return
		}
		server.ApplyConfig(cfg)
		logging.SetDebug(cfg.Debug)
	})
	if err != nil {
		log.WithError(err).Warn("config watcher unavailable")
		return
	}
	go func() {
		if err := w.Watch(ctx); err != nil {
			log.WithError(err).Warn("config watcher stopped")
		}
	}()
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "server port")
	rootCmd.AddCommand(serveCmd)
}
