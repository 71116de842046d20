package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/delivery"
	"github.com/funnyzak/hookrelay/internal/guard"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/internal/printer"
	"github.com/funnyzak/hookrelay/internal/server"
	"github.com/funnyzak/hookrelay/internal/storage"
	"github.com/funnyzak/hookrelay/internal/sweep"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "hookrelay",
	Short: "Durable webhook relay with retries, timeouts, and archival",
	Long: `Hookrelay captures inbound events, relays them to configured HTTP
destinations, and tracks each relay through a durable lifecycle: queued,
processing, completed, failed, or cancelled. Failed relays retry on a
schedule, stuck relays are requeued, and old relays age into an archive.
`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hookrelay version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildDate)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent relays",
	RunE:  runList,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run maintenance sweeps over the relay store",
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "Listen port")
	rootCmd.PersistentFlags().String("path", "", "Inbound capture path prefix")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("log-file-enable", false, "Enable file logging")
	rootCmd.PersistentFlags().String("log-file-path", "", "Log file path")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output mode (console, json)")
	rootCmd.PersistentFlags().String("storage-path", "", "SQLite database path")
	rootCmd.PersistentFlags().String("routes", "", "Routes definition file path")

	bindFlags(rootCmd)

	listCmd.Flags().Int("limit", 50, "Maximum number of relays to list")

	sweepCmd.PersistentFlags().Int("chunk", sweep.DefaultChunkSize, "Rows per scan chunk")
	sweepCmd.AddCommand(
		newSweepCommand("retry", "Requeue failed relays whose retry is due",
			func(e *sweep.Engine) sweepOp { return e.RetryOverdue }),
		newSweepCommand("stuck", "Requeue relays stuck in processing",
			func(e *sweep.Engine) sweepOp { return e.RequeueStuck }),
		newSweepCommand("timeouts", "Fail relays that exceeded their processing timeout",
			func(e *sweep.Engine) sweepOp { return e.EnforceTimeouts }),
		newSweepCommand("dispatch", "Deliver queued relays that are due",
			func(e *sweep.Engine) sweepOp { return e.DispatchQueued }),
		newSweepCommand("archive", "Move old terminal relays into the archive",
			func(e *sweep.Engine) sweepOp { return e.Archive }),
		newSweepCommand("purge", "Delete archive rows past the retention window",
			func(e *sweep.Engine) sweepOp { return e.Purge }),
	)

	rootCmd.AddCommand(versionCmd, listCmd, sweepCmd)
}

func bindFlags(cmd *cobra.Command) {
	viper.BindPFlag("server.port", cmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("server.path", cmd.PersistentFlags().Lookup("path"))
	viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", cmd.PersistentFlags().Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", cmd.PersistentFlags().Lookup("log-file-path"))
	viper.BindPFlag("output.mode", cmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("storage.path", cmd.PersistentFlags().Lookup("storage-path"))
	viper.BindPFlag("routes.path", cmd.PersistentFlags().Lookup("routes"))
}

// app bundles the wired services a command needs.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   storage.Store
	archive storage.ArchiveStore
	life    *lifecycle.Engine
	client  *delivery.Client
	sweeper *sweep.Engine
}

func buildApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	store, archive, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	life := lifecycle.New(store, cfg, log)
	client := delivery.NewClient(life, cfg, log)
	sweeper := sweep.New(store, archive, life, client, cfg, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		archive: archive,
		life:    life,
		client:  client,
		sweeper: sweeper,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("Failed to close storage", "error", err)
	}
}

func loadRoutes(a *app) map[string]*relay.Route {
	routes, err := relay.LoadRoutes(a.cfg.Routes.Path)
	if err != nil {
		a.log.Warn("No routes loaded; inbound captures will be rejected",
			"path", a.cfg.Routes.Path,
			"error", err,
		)
		return map[string]*relay.Route{}
	}
	return routes
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	routes := loadRoutes(a)
	registry := guard.NewRegistry()
	if err := registry.ValidateRoutes(routes); err != nil {
		return fmt.Errorf("invalid routes: %w", err)
	}
	printStartupBanner(a.cfg, len(routes))

	a.log.Info("Hookrelay starting",
		"version", version,
		"port", a.cfg.Server.Port,
		"path", a.cfg.Server.Path,
		"log_level", a.cfg.Log.Level,
		"storage_path", a.cfg.Storage.Path,
		"routes", len(routes),
	)

	srv := server.New(a.cfg, a.log, a.life, a.client, a.sweeper, registry, routes)
	return srv.Run(context.Background())
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	limit, _ := cmd.Flags().GetInt("limit")
	relays, err := a.store.List(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list relays: %w", err)
	}

	p := printer.New(a.cfg.Output.Mode, a.log)
	return p.PrintRelayList(relays)
}

type sweepOp func(ctx context.Context, chunkSize int) (int, error)

func newSweepCommand(name, short string, pick func(*sweep.Engine) sweepOp) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			chunk, _ := cmd.Flags().GetInt("chunk")
			count, err := pick(a.sweeper)(cmd.Context(), chunk)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", name, err)
			}
			fmt.Printf("%s: %d relay(s) affected\n", name, count)
			return nil
		},
	}
}

func printStartupBanner(cfg *config.Config, routeCount int) {
	lines := []string{
		fmt.Sprintf("Listening on:  http://0.0.0.0:%d%s", cfg.Server.Port, cfg.Server.Path),
		fmt.Sprintf("Log Level:     %s", cfg.Log.Level),
		fmt.Sprintf("Storage:       %s", cfg.Storage.Path),
		fmt.Sprintf("Routes:        %d configured", routeCount),
		fmt.Sprintf("Retry Policy:  every %ds, max %d attempts", cfg.Retry.IntervalSeconds, cfg.Retry.MaxAttempts),
		fmt.Sprintf("Retention:     archive %dd, purge %dd", cfg.Archive.ArchiveAfterDays, cfg.Archive.PurgeAfterDays),
		"",
		"(Press Ctrl+C to stop)",
	}

	title := fmt.Sprintf("Hookrelay v%s", version)
	width := len(title)
	for _, line := range lines {
		if len(line) > width {
			width = len(line)
		}
	}
	width += 4
	if width < 50 {
		width = 50
	}

	border := strings.Repeat("─", width-2)
	fmt.Println()
	fmt.Printf("┌%s┐\n", border)
	printBoxLine(title, width, true)
	fmt.Printf("├%s┤\n", border)
	for _, line := range lines {
		printBoxLine(line, width, false)
	}
	fmt.Printf("└%s┘\n", border)
	fmt.Println()
}

func printBoxLine(content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - len(content)
	if padding < 0 {
		padding = 0
	}
	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", padding-2)
	}
	fmt.Printf("│%s%s%s│\n", leftPad, content, rightPad)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
