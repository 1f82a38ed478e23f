package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgprobe/pgprobe/internal/action"
	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/heartbeat"
	"github.com/pgprobe/pgprobe/internal/model"
	"github.com/pgprobe/pgprobe/internal/pgclient"
	"github.com/pgprobe/pgprobe/internal/relation"
	"github.com/pgprobe/pgprobe/internal/server"
	"github.com/pgprobe/pgprobe/internal/service"
	"github.com/pgprobe/pgprobe/internal/writer"
)

const banner = `
                           _
 _ __   __ _ _ __  _ __ __|_|_  ___
| '_ \ / _' | '_ \| '__/ _ \ '_ \/ _ \
| |_) | (_| | |_) | | | (_) | | |  __/
| .__/ \__, | .__/|_|  \___/|_|_|\___|
|_|    |___/|_|
`

func newServeCmd() *cobra.Command {
	var (
		port       int
		host       string
		dev        bool
		background bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pgprobe server",
		Long: `Start the HTTP server that exposes the operator actions, relation databag
management, and health checks. A write workload that was active when the
server last stopped resumes automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return runServeBackground()
			}
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config file)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config file)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().BoolVar(&background, "background", false, "Run the server as a detached background process")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// runServeBackground re-executes the current binary detached from the
// terminal, with output redirected to the log file.
func runServeBackground() error {
	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if dataDir != "" {
		args = append(args, "--data-dir", dataDir)
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	fmt.Printf("Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	return nil
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg := loadEffectiveConfig()
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	// Set up logger
	logLevel := slog.LevelInfo
	if dev || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	ctx := context.Background()

	// 1. Initialize state store (SQLite)
	store, err := config.NewStore(resolveDataDir())
	if err != nil {
		return fmt.Errorf("init config store: %w", err)
	}
	defer store.Close()
	logger.Info("config store initialized", "path", resolveDataDir())

	// 2. Seed relation databags declared in the config file, then load
	// everything the store knows into the in-memory registry.
	for _, ry := range cfg.Relations {
		rel := &model.Relation{
			Name:              ry.Name,
			Alias:             ry.Alias,
			Database:          ry.Database,
			Username:          ry.Username,
			Password:          ry.Password,
			Endpoints:         ry.Endpoints,
			ReadOnlyEndpoints: ry.ReadOnlyEndpoints,
			ExtraUserRoles:    ry.ExtraUserRoles,
		}
		if err := store.UpsertRelation(ctx, rel); err != nil {
			logger.Error("failed to seed relation from config", "relation", ry.Name, "error", err)
		}
	}
	rels, err := store.ListRelations(ctx)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}
	registry := relation.NewRegistry()
	registry.Load(rels)
	logger.Info("relations loaded", "count", len(rels), "names", registry.Names())

	// 3. Build the write engine and the action runner.
	w := writer.New(writer.Config{
		SleepInterval:  parseDuration(cfg.Writer.SleepInterval, 0),
		AttemptTimeout: parseDuration(cfg.Writer.AttemptTimeout, 10*time.Second),
		StallInterval:  parseDuration(cfg.Writer.StallInterval, 30*time.Second),
	}, pgclient.Open, logger)
	runner := action.NewRunner(store, registry, w, pgclient.Open, logger)

	// 4. Initialize auth service
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret = cfg.Auth.JWTSecret
	}
	if jwtSecret == "" {
		jwtSecret = "pgprobe-dev-secret-change-me"
		logger.Warn("no JWT secret configured, using development default")
	}
	jwtExpiry := parseDuration(cfg.Auth.JWTExpiry, 24*time.Hour)
	authSvc := service.NewAuth(store, jwtSecret, jwtExpiry, logger)

	// 5. Check for first-run (no admin exists)
	hasAdmin, err := store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: pgprobe admin create")
	}

	// 6. Resume a workload that was running when the last process stopped.
	// The database may still be mid-failover at startup, so failures retry
	// in the background instead of aborting serve.
	if err := runner.ResumeIfRunning(ctx); err != nil {
		logger.Error("failed to resume continuous writes, retrying in background", "error", err)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				if w.Running() {
					return
				}
				if err := runner.ResumeIfRunning(context.Background()); err == nil {
					return
				}
			}
		}()
	}

	// 7. Heartbeat monitor samples the writer in the background.
	monitor := heartbeat.New(ctx, store, heartbeat.DefaultInterval, func() heartbeat.Sample {
		st := w.Status()
		return heartbeat.Sample{Running: st.Running, LastWritten: st.LastWritten}
	}, logger)
	monitor.Start()
	defer monitor.Shutdown()

	// 8. Build and start HTTP server
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: parseDuration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		RequestsPerMin:  cfg.Server.RequestsPerMin,
		JWTExpiry:       jwtExpiry,
	}
	srv := server.New(srvCfg, store, registry, runner, w, authSvc, logger)

	fmt.Printf("→ pgprobe %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:   http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:    http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Relations: %d\n", len(rels))
	fmt.Println()

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	return srv.ListenAndServe()
}

// loadEffectiveConfig returns the parsed config file if one was found, or
// the built-in defaults.
func loadEffectiveConfig() *config.YAMLConfig {
	if path := viper.ConfigFileUsed(); path != "" {
		if cfg, err := config.LoadYAMLConfig(path); err == nil {
			applyConfigDefaults(cfg)
			return cfg
		}
	}
	return config.DefaultYAMLConfig()
}

// applyConfigDefaults fills zero-valued fields of a parsed config so a
// minimal file (just relations, say) still yields a runnable server.
func applyConfigDefaults(cfg *config.YAMLConfig) {
	def := config.DefaultYAMLConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if len(cfg.Server.CORS.Origins) == 0 {
		cfg.Server.CORS.Origins = def.Server.CORS.Origins
	}
}

// parseDuration parses a Go duration string, returning fallback for empty
// or malformed input.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
