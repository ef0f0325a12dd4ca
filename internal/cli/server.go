package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/alerting"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scans"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scheduler"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/server"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/tools"
)

var (
	servePort     int
	serveHost     string
	serveAllowAll bool
	serveDebug    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and scheduler",
	Long: `Start the HTTP API server together with the background scheduler.

The server exposes scan management, the monitored-target inventory,
findings and settings over REST, plus a WebSocket for live scan logs.
The scheduler runs enumeration/probe/scan passes against enabled targets
at the configured frequency.

Examples:
  # Start with default settings (localhost:8787)
  cnm serve

  # Start on a custom port
  cnm serve --port 9000

  # Allow external connections (use with caution!)
  cnm serve --host 0.0.0.0`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Server port (overrides config)")
	serveCmd.Flags().StringVarP(&serveHost, "host", "H", "", "Server host (use 0.0.0.0 for all interfaces)")
	serveCmd.Flags().BoolVar(&serveAllowAll, "allow-all-origins", false, "Allow all CORS origins (insecure, for development)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Verbose request logging")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	printBanner()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if serveDebug {
		cfg.Debug = true
	}
	if serveAllowAll {
		cfg.AllowedOrigins = []string{"*"}
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	if cfg.Host == "0.0.0.0" {
		yellow.Println("  ⚠️  Server is accessible from all network interfaces!")
		yellow.Println("  ⚠️  Ensure you have proper firewall rules in place.")
		fmt.Println()
	}
	if serveAllowAll {
		yellow.Println("  ⚠️  CORS: all origins allowed (insecure)")
		fmt.Println()
	}

	checker := tools.NewChecker(map[string]string{
		"subfinder": cfg.SubfinderBin,
		"httpx":     cfg.HttpxBin,
		"nuclei":    cfg.NucleiBin,
	})
	if missing := checker.MissingRequired(); len(missing) > 0 {
		yellow.Printf("  ⚠️  Missing scanner binaries: %v\n", missing)
		yellow.Println("  ⚠️  Scans using them will fail until installed ('cnm check' for details)")
		fmt.Println()
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	mgr := scans.NewManager(db, cfg)
	defer mgr.Close()

	loop := scheduler.NewLoop(db, mgr, alerting.NewTelegram(db))
	defer loop.Close()

	srv := server.New(cfg, db, mgr, loop)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go loop.Run(ctx)

	green.Printf("  Listening on http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	return srv.Start(ctx)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}
