package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/version"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "cnm",
		Short: "Continuous network monitoring for attack surfaces",
		Long: `cnm - continuous network monitoring for external attack surfaces.

Orchestrates subfinder, httpx and nuclei: enumerates subdomains, probes
live hosts and scans for vulnerabilities on a schedule, with deduplicated
findings and Telegram notifications.

Run 'cnm serve' to start the API server and scheduler.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/cnm/config.yaml)")
}

func Execute() error {
	return rootCmd.Execute()
}

func printBanner() {
	cyan := color.New(color.FgCyan, color.Bold)
	white := color.New(color.FgWhite, color.Bold)
	gray := color.New(color.FgHiBlack)

	cyan.Print(`
   ________   ____  ___
  / ____/ | / /  |/  /
 / /   /  |/ / /|_/ /
/ /___/ /|  / /  / /
\____/_/ |_/_/  /_/
`)
	fmt.Println()
	white.Print("  Continuous Network Monitoring")
	gray.Printf("  v%s\n", version.Version)
	fmt.Println()
}
