package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/tools"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check installed scanner tools",
	Long: `Check which scanner binaries are installed and whether their
versions meet the minimum supported release.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan, color.Bold)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cyan.Println("\n[+] Scanner Tool Status")
	fmt.Println()

	checker := tools.NewChecker(map[string]string{
		"subfinder": cfg.SubfinderBin,
		"httpx":     cfg.HttpxBin,
		"nuclei":    cfg.NucleiBin,
	})

	fmt.Println("Required Tools:")
	fmt.Println("─────────────────────────────────────────────────────")
	installed := 0
	statuses := checker.CheckAll()
	for _, st := range statuses {
		fmt.Printf("  %-12s ", st.Name)
		switch {
		case !st.Installed:
			red.Println("✗ not found")
		case !st.Supported:
			installed++
			yellow.Printf("✓ installed (%s, below minimum supported)\n", st.Version)
		default:
			installed++
			green.Printf("✓ installed")
			if st.Version != "" {
				fmt.Printf(" (%s)", st.Version)
			}
			fmt.Println()
		}
	}

	fmt.Println("\n─────────────────────────────────────────────────────")
	fmt.Printf("Installed: %d/%d\n", installed, len(statuses))

	if installed < len(statuses) {
		fmt.Println()
		yellow.Println("⚠ Some required tools are missing!")
		for _, t := range tools.RequiredTools() {
			if !checker.IsInstalled(t.Name) {
				fmt.Printf("  %s\n", t.InstallCmd)
			}
		}
	} else {
		fmt.Println()
		green.Println("✓ All required tools are installed!")
	}

	return nil
}
