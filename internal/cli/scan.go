package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scans"
)

var (
	scanProbe  bool
	scanNuclei bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [domain]",
	Short: "Run a one-shot scan against a domain",
	Long: `Enumerate subdomains for a domain and merge the results into the
monitored inventory. With --probe the newly found subdomains are probed
for live HTTP services; with --nuclei the live hosts are additionally
scanned for vulnerabilities.

Examples:
  cnm scan example.com
  cnm scan example.com --probe
  cnm scan example.com --probe --nuclei`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanProbe, "probe", false, "Probe discovered subdomains with httpx")
	scanCmd.Flags().BoolVar(&scanNuclei, "nuclei", false, "Scan live hosts with nuclei (implies --probe)")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	printBanner()

	domain := args[0]
	if scanNuclei {
		scanProbe = true
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	mgr := scans.NewManager(db, cfg)
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Printf("[*] Enumerating subdomains for %s\n", domain)
	_, enumOut, err := mgr.RunEnumeration(ctx, domain)
	if err != nil {
		return fmt.Errorf("enumeration failed: %w", err)
	}
	green.Printf("[+] %d subdomains known, %d new this run\n", enumOut.Total, len(enumOut.NewSubdomains))

	if !scanProbe {
		return nil
	}

	subs, err := db.ListSubdomains(enumOut.TargetID)
	if err != nil {
		return err
	}
	hosts := make([]string, 0, len(subs))
	for _, s := range subs {
		hosts = append(hosts, s.Subdomain)
	}
	if len(hosts) == 0 {
		cyan.Println("[*] No subdomains to probe")
		return nil
	}

	cyan.Printf("[*] Probing %d hosts\n", len(hosts))
	_, probeRows, err := mgr.RunProbe(ctx, domain, hosts)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	green.Printf("[+] %d live HTTP services\n", len(probeRows))

	if !scanNuclei || len(probeRows) == 0 {
		return nil
	}

	urls := make([]string, 0, len(probeRows))
	for _, r := range probeRows {
		urls = append(urls, r.URL)
	}

	cyan.Printf("[*] Scanning %d live hosts with nuclei\n", len(urls))
	_, findings, err := mgr.RunVulnScan(ctx, domain, urls)
	if err != nil {
		return fmt.Errorf("vulnerability scan failed: %w", err)
	}
	green.Printf("[+] %d findings, %d new, %d regressions\n",
		findings.Total, findings.New, len(findings.Regressions))

	return nil
}
